package failover

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"os"
	"sync"
	"time"
)

// poolState is the persisted slice of rpc_state.json for one pool.
type poolState struct {
	Index       int       `json:"index"`
	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitzero"`
}

// Pool rotates through a list of equivalent upstream endpoints. The rotation
// index and last-error metadata are persisted so a restart resumes on the
// endpoint that was last healthy.
type Pool struct {
	mu        sync.Mutex
	name      string
	endpoints []string
	state     poolState
	statePath string

	maxAttempts int
	baseBackoff time.Duration
	sleep       func(context.Context, time.Duration) error
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMaxAttempts bounds the retry loop (default 3).
func WithMaxAttempts(n int) PoolOption {
	return func(p *Pool) { p.maxAttempts = n }
}

// WithBaseBackoff sets the first backoff interval (default 100ms).
func WithBaseBackoff(d time.Duration) PoolOption {
	return func(p *Pool) { p.baseBackoff = d }
}

// NewPool creates a pool named name over endpoints, persisting rotation state
// to statePath (shared rpc_state.json keyed by pool name). statePath may be
// empty for a purely in-memory pool.
func NewPool(name string, endpoints []string, statePath string, opts ...PoolOption) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("failover: pool %s has no endpoints", name)
	}
	p := &Pool{
		name:        name,
		endpoints:   endpoints,
		statePath:   statePath,
		maxAttempts: 3,
		baseBackoff: 100 * time.Millisecond,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	if statePath != "" {
		if err := p.load(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Current returns the endpoint the pool is currently pointed at.
func (p *Pool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[p.state.Index%len(p.endpoints)]
}

// Do runs fn against the current endpoint, rotating and backing off on
// transient failures until the attempt budget is spent. Permanent failures
// surface immediately without rotation.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, endpoint string) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * p.baseBackoff
			backoff += jitter(p.baseBackoff / 2)
			if err := p.sleep(ctx, backoff); err != nil {
				return err
			}
		}

		err := fn(ctx, p.Current())
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
		lastErr = err
		p.rotate(err)
	}
	return fmt.Errorf("failover: pool %s exhausted %d attempts: %w", p.name, p.maxAttempts, lastErr)
}

func (p *Pool) rotate(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Index = (p.state.Index + 1) % len(p.endpoints)
	p.state.LastError = cause.Error()
	p.state.LastErrorAt = time.Now().UTC()
	p.persistLocked()
}

// load reads this pool's slice of the shared state file. Corrupt or missing
// state starts fresh rather than failing startup.
func (p *Pool) load() error {
	raw, err := os.ReadFile(p.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failover: read state: %w", err)
	}
	var all map[string]poolState
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil
	}
	if st, ok := all[p.name]; ok {
		st.Index = st.Index % len(p.endpoints)
		p.state = st
	}
	return nil
}

// persistLocked rewrites the shared state file, preserving other pools'
// entries. Best effort: rotation must not fail because the disk did.
func (p *Pool) persistLocked() {
	if p.statePath == "" {
		return
	}
	all := map[string]poolState{}
	if raw, err := os.ReadFile(p.statePath); err == nil {
		_ = json.Unmarshal(raw, &all)
	}
	all[p.name] = p.state

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return
	}
	tmp := p.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, p.statePath)
}

// Retry runs fn with the same transient/permanent split and backoff schedule
// as Pool.Do, for callers without an endpoint pool (driver call wrappers).
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1)))*base + jitter(base/2)
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("failover: exhausted %d attempts: %w", attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
