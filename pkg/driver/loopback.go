package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Loopback is an in-process driver for development mode and tests. It builds
// deterministic payloads, simulates successfully unless told otherwise, and
// "broadcasts" by minting a receipt id. No external state is touched.
type Loopback struct {
	// FailBuildActions lists actions whose Build returns a BuildError.
	FailBuildActions map[string]bool
	// SimulateOK defaults to true.
	SimulateFail bool
	// IDsKnown defaults to true; set false to exercise the unverifiable path.
	IDsUnknown bool
	// RiskFlags are surfaced in build meta, mimicking an adapter that takes a
	// documented policy exception.
	RiskFlags []string

	mu         sync.Mutex
	broadcasts []map[string]any
	buildCalls atomic.Int64
}

var loopbackSwapSchema = json.RawMessage(`{
	"type": "object",
	"required": ["inputMint", "outputMint", "amount"],
	"properties": {
		"inputMint": {"type": "string", "minLength": 32},
		"outputMint": {"type": "string", "minLength": 32},
		"amount": {"type": "number", "exclusiveMinimum": 0},
		"slippageBps": {"type": "integer", "minimum": 0}
	}
}`)

// ListCapabilities implements Driver.
func (l *Loopback) ListCapabilities(context.Context) ([]Capability, error) {
	return []Capability{
		{Action: "swap", Risk: "high", ParamsSchema: loopbackSwapSchema},
		{Action: "transfer", Risk: "medium"},
	}, nil
}

// Build implements Driver.
func (l *Loopback) Build(_ context.Context, action string, params map[string]any, cc CallContext) (*BuildResult, error) {
	l.buildCalls.Add(1)
	if l.FailBuildActions[action] {
		return nil, &BuildError{Adapter: "loopback", Action: action, Err: fmt.Errorf("upstream rejected %s", action)}
	}
	meta := map[string]any{}
	if v, ok := params["amountUsd"]; ok {
		meta["amountUsd"] = v
	}
	if v, ok := params["slippageBps"]; ok {
		meta["slippageBps"] = v
	}
	if len(l.RiskFlags) > 0 {
		meta["riskFlags"] = l.RiskFlags
	}
	return &BuildResult{
		Payload: map[string]any{
			"action":  action,
			"params":  params,
			"chain":   cc.Chain,
			"network": cc.Network,
		},
		Meta: meta,
	}, nil
}

// Simulate implements Driver.
func (l *Loopback) Simulate(_ context.Context, payload map[string]any, _ CallContext) (*SimulationResult, error) {
	if l.SimulateFail {
		return &SimulationResult{OK: false, Diagnostics: []string{"simulated revert"}}, nil
	}
	units := uint64(5000)
	return &SimulationResult{OK: true, UnitsConsumed: &units}, nil
}

// ExtractSideEffectIDs implements Driver.
func (l *Loopback) ExtractSideEffectIDs(_ context.Context, payload map[string]any, _ CallContext) (*SideEffectIDs, error) {
	if l.IDsUnknown {
		return &SideEffectIDs{Known: false}, nil
	}
	var ids []string
	if params, ok := payload["params"].(map[string]any); ok {
		for _, key := range []string{"inputMint", "outputMint", "destination"} {
			if v, ok := params[key].(string); ok {
				ids = append(ids, v)
			}
		}
	}
	return &SideEffectIDs{IDs: ids, Known: true}, nil
}

// Broadcast implements Driver.
func (l *Loopback) Broadcast(_ context.Context, payload map[string]any, _ []string, _ CallContext) (*BroadcastResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcasts = append(l.broadcasts, payload)
	return &BroadcastResult{ReceiptID: "loopback-" + uuid.NewString()}, nil
}

// BroadcastCount reports how many broadcasts were performed.
func (l *Loopback) BroadcastCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.broadcasts)
}

// BuildCalls reports how many Build invocations were made.
func (l *Loopback) BuildCalls() int64 { return l.buildCalls.Load() }
