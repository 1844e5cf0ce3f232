package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestAppendAndReadRun(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(Event{Type: EventRunStarted, RunID: "run-1"}))
	require.NoError(t, s.Append(Event{
		Type:   EventStepFinished,
		RunID:  "run-1",
		StepID: "swap-1",
		Data:   map[string]any{"ok": true},
	}))
	require.NoError(t, s.Append(Event{Type: EventRunFinished, RunID: "run-1"}))

	events, err := s.ReadRun("run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventRunStarted, events[0].Type)
	assert.Equal(t, "swap-1", events[1].StepID)
	assert.Equal(t, true, events[1].Data["ok"])
	assert.False(t, events[0].TS.IsZero(), "timestamp should be filled in")
}

func TestAppend_RequiresRunID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Append(Event{Type: EventRunStarted}))
}

func TestReadRun_Missing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadRun("nope")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteAndReadArtifact(t *testing.T) {
	s := newTestStore(t)

	payload := map[string]any{"program": "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"}
	ref, err := s.WriteArtifact("run-2", "prep-abc", payload)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("artifacts", "prep-abc.json"), ref)

	var got map[string]any
	require.NoError(t, s.ReadArtifact("run-2", ref, &got))
	assert.Equal(t, payload["program"], got["program"])
}

func TestReadArtifact_RejectsEscapingRefs(t *testing.T) {
	s := newTestStore(t)
	var v any
	assert.Error(t, s.ReadArtifact("run-2", "../../etc/passwd", &v))
	assert.Error(t, s.ReadArtifact("run-2", "/etc/passwd", &v))
}

func TestAppend_IsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(Event{Type: EventRunStarted, RunID: "run-3"}))
	first, err := os.ReadFile(filepath.Join(s.Root(), "runs", "run-3", "trace.jsonl"))
	require.NoError(t, err)

	require.NoError(t, s.Append(Event{Type: EventRunFinished, RunID: "run-3"}))
	second, err := os.ReadFile(filepath.Join(s.Root(), "runs", "run-3", "trace.jsonl"))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second[:len(first)]), "existing lines must be untouched")
}

func TestMemoryRecord_RoundTripAndVerify(t *testing.T) {
	s := newTestStore(t)
	rec := &MemoryRecord{
		RunID:     "run-4",
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Chain:     "solana",
		Network:   "mainnet",
		Summary:   map[string]any{"prepared": 2, "executed": 1},
	}
	require.NoError(t, s.WriteMemoryRecord(rec))
	require.NotEmpty(t, rec.Hash.Hash)

	got, err := s.ReadMemoryRecord("run-4")
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, got.Hash)
	assert.Equal(t, "solana", got.Chain)
}

func TestMemoryRecord_TamperDetected(t *testing.T) {
	s := newTestStore(t)
	rec := &MemoryRecord{
		RunID:     "run-5",
		CreatedAt: time.Now().UTC(),
		Chain:     "solana",
		Network:   "mainnet",
		Summary:   map[string]any{"prepared": 1},
	}
	require.NoError(t, s.WriteMemoryRecord(rec))

	path := filepath.Join(s.Root(), "memory_records", "run-5.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["network"] = "devnet"
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	_, err = s.ReadMemoryRecord("run-5")
	assert.Error(t, err)
}
