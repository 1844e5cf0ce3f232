package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ExecutedRecord is the durable proof that a prepared artifact was broadcast.
// It is persisted before Execute returns success, so a retry of the same
// preparedId replays this record instead of broadcasting again.
type ExecutedRecord struct {
	PreparedID string    `json:"preparedId"`
	ReceiptID  string    `json:"receiptId"`
	TraceID    string    `json:"traceId"`
	ExecutedAt time.Time `json:"executedAt"`
	Chain      string    `json:"chain"`
	Network    string    `json:"network"`
	Adapter    string    `json:"adapter"`
	Action     string    `json:"action"`
	// Confirmed flips when an out-of-band confirmation lands; never unset.
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// ExecutedStore is the idempotency ledger keyed by preparedId. Put must be
// durable before it returns; Get with an unknown id returns (nil, nil).
type ExecutedStore interface {
	Put(ctx context.Context, rec ExecutedRecord) error
	Get(ctx context.Context, preparedID string) (*ExecutedRecord, error)
	// MarkConfirmed records receipt confirmation. Unknown ids are not an
	// error; confirmations can race a crashed execute.
	MarkConfirmed(ctx context.Context, preparedID string, at time.Time) error
	Close() error
}

// FileExecutedStore keeps the ledger in a single JSON file, rewritten
// atomically on every Put. Suits the single-process dev deployment; use the
// sqlite or postgres backend for anything shared.
type FileExecutedStore struct {
	path string
	mu   sync.Mutex
	recs map[string]ExecutedRecord
}

// NewFileExecutedStore loads (or creates) the ledger at path.
func NewFileExecutedStore(path string) (*FileExecutedStore, error) {
	s := &FileExecutedStore{path: path, recs: make(map[string]ExecutedRecord)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: read executed ledger: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.recs); err != nil {
			return nil, fmt.Errorf("engine: parse executed ledger: %w", err)
		}
	}
	return s, nil
}

func (s *FileExecutedStore) Put(_ context.Context, rec ExecutedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[rec.PreparedID]; exists {
		return nil
	}
	s.recs[rec.PreparedID] = rec
	return s.persistLocked()
}

func (s *FileExecutedStore) Get(_ context.Context, preparedID string) (*ExecutedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[preparedID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *FileExecutedStore) MarkConfirmed(_ context.Context, preparedID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[preparedID]
	if !ok {
		return nil
	}
	rec.Confirmed = true
	rec.ConfirmedAt = &at
	s.recs[preparedID] = rec
	return s.persistLocked()
}

func (s *FileExecutedStore) Close() error { return nil }

func (s *FileExecutedStore) persistLocked() error {
	data, err := json.MarshalIndent(s.recs, "", "  ")
	if err != nil {
		return fmt.Errorf("engine: encode executed ledger: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("engine: executed ledger dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("engine: write executed ledger: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("engine: replace executed ledger: %w", err)
	}
	return nil
}
