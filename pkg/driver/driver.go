// Package driver defines the capability boundary between the txgate core and
// chain-specific action executors. The core only ever touches a driver
// through this interface; building, signing, and broadcasting for a concrete
// chain or DEX live outside the core.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownAdapter is returned when no driver is registered under an id.
var ErrUnknownAdapter = errors.New("driver: unknown adapter")

// ErrUnknownAction is returned when an adapter does not expose an action.
var ErrUnknownAction = errors.New("driver: unknown action")

// BuildError wraps a driver rejection of invalid params or an upstream
// refusal during build.
type BuildError struct {
	Adapter string
	Action  string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("driver %s: build %s failed: %v", e.Adapter, e.Action, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Capability describes one action an adapter can perform.
type Capability struct {
	Action string `json:"action"`
	Risk   string `json:"risk"` // low | medium | high
	// ParamsSchema is a JSON Schema for the action's params. Empty means the
	// adapter does not publish one and params pass through unvalidated.
	ParamsSchema json.RawMessage `json:"paramsSchema,omitempty"`
}

// CallContext carries the invariants of the current call into the driver.
type CallContext struct {
	Chain   string `json:"chain"`
	Network string `json:"network"`
	RunID   string `json:"runId"`
}

// BuildResult is the opaque built payload plus adapter metadata. Well-known
// meta keys consumed by the core: amountUsd (float), slippageBps (number),
// riskFlags ([]string of policy exceptions the adapter is taking).
type BuildResult struct {
	Payload map[string]any `json:"payload"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// SimulationResult reports a dry run. Simulate never mutates external state.
type SimulationResult struct {
	OK            bool     `json:"ok"`
	Diagnostics   []string `json:"diagnostics,omitempty"`
	UnitsConsumed *uint64  `json:"unitsConsumed,omitempty"`
}

// SideEffectIDs are the external identifiers a payload will touch.
// Known=false means extraction failed and the policy engine must treat the
// payload as unverifiable, not as safe.
type SideEffectIDs struct {
	IDs   []string `json:"ids"`
	Known bool     `json:"known"`
}

// BroadcastResult is the receipt of the only externally-visible side effect.
type BroadcastResult struct {
	ReceiptID string `json:"receiptId"`
}

// Driver is the per-chain/per-protocol action executor capability.
type Driver interface {
	ListCapabilities(ctx context.Context) ([]Capability, error)
	Build(ctx context.Context, action string, params map[string]any, cc CallContext) (*BuildResult, error)
	Simulate(ctx context.Context, payload map[string]any, cc CallContext) (*SimulationResult, error)
	ExtractSideEffectIDs(ctx context.Context, payload map[string]any, cc CallContext) (*SideEffectIDs, error)
	// Broadcast is the only call permitted to cause external state change.
	Broadcast(ctx context.Context, payload map[string]any, signers []string, cc CallContext) (*BroadcastResult, error)
}
