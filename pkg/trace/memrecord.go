package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clearsign-labs/txgate/pkg/canonical"
)

// MemoryRecord is the per-run provenance summary written to
// memory_records/<runId>.json. It carries the canonical hash of its own
// summary so any external party holding the record and the canonicalization
// rule can verify it was not altered.
type MemoryRecord struct {
	RunID       string         `json:"runId"`
	CreatedAt   time.Time      `json:"createdAt"`
	Chain       string         `json:"chain"`
	Network     string         `json:"network"`
	Summary     map[string]any `json:"summary"`
	ArtifactIDs []string       `json:"artifactIds,omitempty"`

	Hash canonical.HashRef `json:"hash"`
}

// hashedView is the subset covered by the hash. The hash field itself is
// excluded from its own input.
func (m *MemoryRecord) hashedView() map[string]any {
	return map[string]any{
		"runId":       m.RunID,
		"createdAt":   m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"chain":       m.Chain,
		"network":     m.Network,
		"summary":     m.Summary,
		"artifactIds": m.ArtifactIDs,
	}
}

// WriteMemoryRecord seals and persists the record.
func (s *Store) WriteMemoryRecord(rec *MemoryRecord) error {
	ref, err := canonical.Hash(rec.hashedView())
	if err != nil {
		return fmt.Errorf("trace: hash memory record: %w", err)
	}
	rec.Hash = ref

	dir := filepath.Join(s.root, "memory_records")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("trace: create memory_records: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("trace: marshal memory record: %w", err)
	}
	path := filepath.Join(dir, sanitize(rec.RunID)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("trace: write memory record: %w", err)
	}
	return nil
}

// ReadMemoryRecord loads and integrity-checks a record.
func (s *Store) ReadMemoryRecord(runID string) (*MemoryRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "memory_records", sanitize(runID)+".json"))
	if err != nil {
		return nil, err
	}
	var rec MemoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("trace: parse memory record %s: %w", runID, err)
	}
	if err := canonical.Verify(rec.hashedView(), rec.Hash); err != nil {
		return nil, fmt.Errorf("trace: memory record %s: %w", runID, err)
	}
	return &rec, nil
}
