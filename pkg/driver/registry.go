package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry maps adapter ids to drivers. Registration happens at startup; no
// runtime reflection, no dynamic loading.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	schemas map[string]*jsonschema.Schema // adapter/action -> compiled schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]Driver),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register installs a driver under id, replacing any previous registration.
func (r *Registry) Register(id string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[id] = d
}

// Resolve returns the driver for an adapter id.
func (r *Registry) Resolve(id string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, id)
	}
	return d, nil
}

// Adapters lists registered adapter ids in sorted order.
func (r *Registry) Adapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.drivers))
	for id := range r.drivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateParams checks that the adapter exposes the action and, when the
// capability publishes a params schema, that params conform to it. Compiled
// schemas are cached per adapter/action.
func (r *Registry) ValidateParams(ctx context.Context, adapter, action string, params map[string]any) error {
	d, err := r.Resolve(adapter)
	if err != nil {
		return err
	}
	caps, err := d.ListCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("driver %s: list capabilities: %w", adapter, err)
	}

	var capability *Capability
	for i := range caps {
		if caps[i].Action == action {
			capability = &caps[i]
			break
		}
	}
	if capability == nil {
		return fmt.Errorf("%w: %s on adapter %s", ErrUnknownAction, action, adapter)
	}
	if len(capability.ParamsSchema) == 0 {
		return nil
	}

	schema, err := r.compiled(adapter, action, string(capability.ParamsSchema))
	if err != nil {
		return fmt.Errorf("driver %s: bad params schema for %s: %w", adapter, action, err)
	}
	// jsonschema validates decoded JSON values; params maps qualify directly.
	if err := schema.Validate(toJSONValue(params)); err != nil {
		return fmt.Errorf("driver %s: params for %s rejected: %w", adapter, action, err)
	}
	return nil
}

func (r *Registry) compiled(adapter, action, schemaJSON string) (*jsonschema.Schema, error) {
	key := adapter + "/" + action
	r.mu.RLock()
	schema, ok := r.schemas[key]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := jsonschema.CompileString(key+".json", schemaJSON)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.schemas[key] = schema
	r.mu.Unlock()
	return schema, nil
}

// toJSONValue normalizes hand-built maps to the value shapes the validator
// expects (ints become float64, nested maps recurse).
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONValue(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
