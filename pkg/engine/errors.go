package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clearsign-labs/txgate/pkg/policy"
)

// ErrNotFoundOrExpired covers both an unknown preparedId and one whose TTL
// has passed. Callers cannot distinguish the two, by design: an expired
// artifact is as gone as one that never existed.
var ErrNotFoundOrExpired = errors.New("engine: prepared artifact not found or expired")

// ValidationError rejects a malformed plan before any driver call.
type ValidationError struct {
	Message string
	// CycleIDs lists the node ids stuck in a dependency cycle, sorted.
	CycleIDs []string
}

func (e *ValidationError) Error() string {
	if len(e.CycleIDs) > 0 {
		return fmt.Sprintf("engine: %s: cycle involving [%s]", e.Message, strings.Join(e.CycleIDs, ", "))
	}
	return "engine: " + e.Message
}

// PolicyBlockError aborts an execute after a block decision. Never bypassed.
type PolicyBlockError struct {
	Decision policy.Decision
}

func (e *PolicyBlockError) Error() string {
	return fmt.Sprintf("engine: policy block %s: %s", e.Decision.Code, e.Decision.Message)
}

// ApprovalRequiredError signals a confirm decision that the caller has not
// yet satisfied. It is a distinct outcome, not a failure: retry execute with
// confirm=true.
type ApprovalRequiredError struct {
	Decision policy.Decision
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("engine: approval required (%s): %s", e.Decision.Code, e.Decision.Message)
}

// InternalInvariantError marks a broken invariant such as a recomputed hash
// mismatch. Must never be silently swallowed.
type InternalInvariantError struct {
	Err error
}

func (e *InternalInvariantError) Error() string {
	return "engine: internal invariant violated: " + e.Err.Error()
}

func (e *InternalInvariantError) Unwrap() error { return e.Err }

// Stable node-failure codes surfaced in compile results.
const (
	NodeCodeDepFailed     = "DEP_FAILED"
	NodeCodeBuildFailed   = "BUILD_FAILED"
	NodeCodeSimFailed     = "SIMULATE_FAILED"
	NodeCodeExtract       = "EXTRACT_FAILED"
	NodeCodeParamsInvalid = "PARAMS_INVALID"
	NodeCodeAdapter       = "UNKNOWN_ADAPTER"
)

// NodeError is the per-node failure reported in a compile result.
type NodeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *NodeError) Error() string { return e.Code + ": " + e.Message }
