// Package trace is the append-only audit trail. Every run writes one JSON
// line per event to runs/<runId>/trace.jsonl; payloads too large to inline
// (built payloads, simulation logs, artifact snapshots) go to
// runs/<runId>/artifacts/ and are referenced from events by relative path.
// The core never mutates or deletes events; retention is an external concern.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EventType enumerates the recorded event kinds.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunFinished    EventType = "run.finished"
	EventStepStarted    EventType = "step.started"
	EventStepFinished   EventType = "step.finished"
	EventToolCalled     EventType = "tool.called"
	EventToolResult     EventType = "tool.result"
	EventToolError      EventType = "tool.error"
	EventPolicyDecision EventType = "policy.decision"
	EventTxBuilt        EventType = "tx.built"
	EventTxSimulated    EventType = "tx.simulated"
	EventTxSubmitted    EventType = "tx.submitted"
	EventTxConfirmed    EventType = "tx.confirmed"
)

// Event is a single audit record. Data stays small; anything bulky belongs in
// an artifact file referenced through ArtifactRefs.
type Event struct {
	TS           time.Time      `json:"ts"`
	Type         EventType      `json:"type"`
	RunID        string         `json:"runId"`
	StepID       string         `json:"stepId,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	ArtifactRefs []string       `json:"artifactRefs,omitempty"`
}

// Store appends events and artifact snapshots under a root directory.
type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore creates the store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("trace: create root: %w", err)
	}
	return &Store{root: dir, now: time.Now}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// Append writes one event line to the run's log. The timestamp is filled in
// when zero.
func (s *Store) Append(ev Event) error {
	if ev.RunID == "" {
		return fmt.Errorf("trace: event missing runId")
	}
	if ev.TS.IsZero() {
		ev.TS = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runDir := filepath.Join(s.root, "runs", sanitize(ev.RunID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("trace: create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(runDir, "trace.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("trace: open log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("trace: marshal event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("trace: append: %w", err)
	}
	return nil
}

// WriteArtifact stores v as a JSON artifact file for the run and returns the
// path relative to the run directory, suitable for Event.ArtifactRefs.
func (s *Store) WriteArtifact(runID, name string, v any) (string, error) {
	artDir := filepath.Join(s.root, "runs", sanitize(runID), "artifacts")
	if err := os.MkdirAll(artDir, 0o755); err != nil {
		return "", fmt.Errorf("trace: create artifacts dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("trace: marshal artifact: %w", err)
	}
	file := sanitize(name) + ".json"
	if err := os.WriteFile(filepath.Join(artDir, file), data, 0o644); err != nil {
		return "", fmt.Errorf("trace: write artifact: %w", err)
	}
	return filepath.Join("artifacts", file), nil
}

// ReadRun returns the ordered event list for a run. A missing run yields
// os.ErrNotExist.
func (s *Store) ReadRun(runID string) ([]Event, error) {
	f, err := os.Open(filepath.Join(s.root, "runs", sanitize(runID), "trace.jsonl"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("trace: corrupt event in run %s: %w", runID, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("trace: read run %s: %w", runID, err)
	}
	return events, nil
}

// ReadArtifact loads a run artifact previously written with WriteArtifact,
// addressed by the relative ref recorded in the event.
func (s *Store) ReadArtifact(runID, ref string, v any) error {
	clean := filepath.Clean(ref)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("trace: artifact ref %q escapes the run directory", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.root, "runs", sanitize(runID), clean))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// sanitize keeps ids usable as path components.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
