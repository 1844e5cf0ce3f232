package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Signals are the broadcast-rate inputs to the policy engine's rate and
// daily-volume gates.
type Signals struct {
	SecondsSinceLast float64
	InLastMinute     int
	// VolumeLastDay sums the USD amounts broadcast in the trailing 24 hours.
	VolumeLastDay float64
}

// BroadcastHistory records successful broadcasts and answers rate and volume
// queries over trailing windows. Decoupled from any single upstream's own
// limits.
type BroadcastHistory interface {
	RecordBroadcast(ctx context.Context, at time.Time, amountUSD float64) error
	Signals(ctx context.Context, now time.Time) (Signals, error)
}

// maxHistoryEntries bounds the in-memory and on-disk broadcast list.
const maxHistoryEntries = 256

// dayWindow is the trailing window the volume signal covers.
const dayWindow = 24 * time.Hour

// broadcastEntry is one recorded broadcast.
type broadcastEntry struct {
	At        time.Time `json:"at"`
	AmountUSD float64   `json:"amountUsd"`
}

// FileHistory keeps a bounded broadcast list in memory and mirrors it to
// policy_broadcast_history.json so the rate and volume gates survive restarts.
type FileHistory struct {
	mu      sync.Mutex
	path    string
	entries []broadcastEntry
}

// NewFileHistory loads existing history from path. An empty path keeps the
// history purely in memory.
func NewFileHistory(path string) (*FileHistory, error) {
	h := &FileHistory{path: path}
	if path == "" {
		return h, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return nil, fmt.Errorf("failover: read broadcast history: %w", err)
	}
	// Corrupt history starts empty; it only feeds rate/volume heuristics.
	_ = json.Unmarshal(raw, &h.entries)
	return h, nil
}

// RecordBroadcast appends an entry, trimming to the bound.
func (h *FileHistory) RecordBroadcast(_ context.Context, at time.Time, amountUSD float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, broadcastEntry{At: at.UTC(), AmountUSD: amountUSD})
	if len(h.entries) > maxHistoryEntries {
		h.entries = h.entries[len(h.entries)-maxHistoryEntries:]
	}
	return h.persistLocked()
}

// Signals computes the trailing-window views at now.
func (h *FileHistory) Signals(_ context.Context, now time.Time) (Signals, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sig := Signals{SecondsSinceLast: -1}
	minuteCutoff := now.Add(-time.Minute)
	dayCutoff := now.Add(-dayWindow)
	for _, e := range h.entries {
		if e.At.After(now) {
			continue
		}
		if e.At.After(minuteCutoff) {
			sig.InLastMinute++
		}
		if e.At.After(dayCutoff) {
			sig.VolumeLastDay += e.AmountUSD
		}
	}
	if n := len(h.entries); n > 0 {
		sig.SecondsSinceLast = now.Sub(h.entries[n-1].At).Seconds()
	}
	return sig, nil
}

func (h *FileHistory) persistLocked() error {
	if h.path == "" {
		return nil
	}
	data, err := json.Marshal(h.entries)
	if err != nil {
		return err
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failover: persist broadcast history: %w", err)
	}
	return os.Rename(tmp, h.path)
}

// RedisHistory shares the broadcast window across daemon replicas through a
// Redis sorted set scored by unix nanos. Members encode the broadcast amount
// so the volume signal works from the same set.
type RedisHistory struct {
	client *redis.Client
	key    string
}

// NewRedisHistory connects a history to addr under key.
func NewRedisHistory(addr, password string, db int, key string) *RedisHistory {
	if key == "" {
		key = "txgate:broadcasts"
	}
	return &RedisHistory{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		key:    key,
	}
}

// RecordBroadcast adds the entry and prunes everything older than the volume
// window, the longest horizon any signal reads.
func (h *RedisHistory) RecordBroadcast(ctx context.Context, at time.Time, amountUSD float64) error {
	score := float64(at.UnixNano())
	member := uuid.NewString() + "|" + strconv.FormatFloat(amountUSD, 'f', -1, 64)
	pipe := h.client.TxPipeline()
	pipe.ZAdd(ctx, h.key, redis.Z{Score: score, Member: member})
	horizon := float64(at.Add(-dayWindow).UnixNano())
	pipe.ZRemRangeByScore(ctx, h.key, "-inf", fmt.Sprintf("%f", horizon))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failover: redis record broadcast: %w", err)
	}
	return nil
}

// Signals counts the trailing minute, sums the trailing day, and finds the
// newest entry.
func (h *RedisHistory) Signals(ctx context.Context, now time.Time) (Signals, error) {
	sig := Signals{SecondsSinceLast: -1}
	nowScore := fmt.Sprintf("%d", now.UnixNano())

	count, err := h.client.ZCount(ctx, h.key, fmt.Sprintf("%d", now.Add(-time.Minute).UnixNano()), nowScore).Result()
	if err != nil {
		return sig, fmt.Errorf("failover: redis count: %w", err)
	}
	sig.InLastMinute = int(count)

	day, err := h.client.ZRangeByScore(ctx, h.key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Add(-dayWindow).UnixNano()),
		Max: nowScore,
	}).Result()
	if err != nil {
		return sig, fmt.Errorf("failover: redis day window: %w", err)
	}
	for _, member := range day {
		sig.VolumeLastDay += amountFromMember(member)
	}

	latest, err := h.client.ZRevRangeWithScores(ctx, h.key, 0, 0).Result()
	if err != nil {
		return sig, fmt.Errorf("failover: redis latest: %w", err)
	}
	if len(latest) > 0 {
		last := time.Unix(0, int64(latest[0].Score))
		sig.SecondsSinceLast = now.Sub(last).Seconds()
	}
	return sig, nil
}

func amountFromMember(member string) float64 {
	_, raw, ok := strings.Cut(member, "|")
	if !ok {
		return 0
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return amount
}
