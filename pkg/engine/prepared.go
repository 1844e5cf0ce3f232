package engine

import (
	"sync"
	"time"

	"github.com/clearsign-labs/txgate/pkg/canonical"
	"github.com/clearsign-labs/txgate/pkg/driver"
	"github.com/clearsign-labs/txgate/pkg/policy"
)

// PreparedArtifact is the time-bounded, hashed record of a built-and-simulated
// action awaiting explicit confirmation. Immutable after creation; consumed
// at most once by a successful broadcast, or removed on expiry.
type PreparedArtifact struct {
	PreparedID string    `json:"preparedId"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	TraceID    string    `json:"traceId"`

	Chain   string         `json:"chain"`
	Network string         `json:"network"`
	Adapter string         `json:"adapter"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`

	Payload    map[string]any           `json:"payload"`
	Meta       map[string]any           `json:"meta,omitempty"`
	Simulation *driver.SimulationResult `json:"simulation"`
	SideEffect *driver.SideEffectIDs    `json:"sideEffectIds"`

	AmountUSD   float64  `json:"amountUsd"`
	SlippageBps int      `json:"slippageBps"`
	RiskFlags   []string `json:"riskFlags,omitempty"`

	Decision policy.Decision   `json:"policyDecision"`
	Hash     canonical.HashRef `json:"hash"`
}

// Expired reports whether the artifact's TTL has passed at now.
func (a *PreparedArtifact) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// hashedView is the canonical-hash input mandated for prepared artifacts.
func (a *PreparedArtifact) hashedView() map[string]any {
	return map[string]any{
		"chain":          a.Chain,
		"adapter":        a.Adapter,
		"action":         a.Action,
		"params":         a.Params,
		"payload":        a.Payload,
		"simulation":     a.Simulation,
		"policyDecision": decisionView(a.Decision),
		"traceId":        a.TraceID,
		"preparedId":     a.PreparedID,
	}
}

// decisionView strips the evaluation timestamp so the hash depends only on
// the verdict, not on when the clock was read.
func decisionView(d policy.Decision) map[string]any {
	return map[string]any{
		"verdict": string(d.Verdict),
		"code":    d.Code,
		"message": d.Message,
		"rule":    d.Rule,
		"reasons": d.Reasons,
	}
}

// VerifyHash recomputes the canonical hash and compares it to the recorded
// triple. A mismatch is an internal invariant violation.
func (a *PreparedArtifact) VerifyHash() error {
	if err := canonical.Verify(a.hashedView(), a.Hash); err != nil {
		return &InternalInvariantError{Err: err}
	}
	return nil
}

// PreparedStore holds live prepared artifacts. Implementations must be safe
// for concurrent use.
type PreparedStore interface {
	Put(a *PreparedArtifact)
	Get(preparedID string) (*PreparedArtifact, bool)
	Delete(preparedID string)
	// Sweep removes artifacts expired at now and returns how many went.
	Sweep(now time.Time) int
}

// MemoryPreparedStore is the in-process PreparedStore. Artifact snapshots for
// audit live in the trace store; this map only tracks what is still
// consumable, so a restart safely forgets unconsumed artifacts.
type MemoryPreparedStore struct {
	mu      sync.RWMutex
	entries map[string]*PreparedArtifact
}

// NewMemoryPreparedStore returns an empty store.
func NewMemoryPreparedStore() *MemoryPreparedStore {
	return &MemoryPreparedStore{entries: make(map[string]*PreparedArtifact)}
}

func (s *MemoryPreparedStore) Put(a *PreparedArtifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[a.PreparedID] = a
}

func (s *MemoryPreparedStore) Get(preparedID string) (*PreparedArtifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.entries[preparedID]
	return a, ok
}

func (s *MemoryPreparedStore) Delete(preparedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, preparedID)
}

func (s *MemoryPreparedStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, a := range s.entries {
		if a.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}
