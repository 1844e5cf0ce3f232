// Package config loads daemon configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// ExecutedBackend selects the idempotency ledger implementation.
type ExecutedBackend string

const (
	BackendFile     ExecutedBackend = "file"
	BackendSQLite   ExecutedBackend = "sqlite"
	BackendPostgres ExecutedBackend = "postgres"
)

// Config holds daemon configuration.
type Config struct {
	Port     string
	LogLevel string

	// DataDir roots all persisted state: runs, artifacts, ledgers, history.
	DataDir string
	// PolicyFile is the YAML policy profile path. Empty loads a permissive
	// dev profile.
	PolicyFile string

	Chain   string
	Network string

	ExecutedBackend ExecutedBackend
	// DatabaseURL is the Postgres DSN for ExecutedBackend=postgres.
	DatabaseURL string

	// RedisAddr switches broadcast history to the shared Redis backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ArtifactTTL   time.Duration
	SweepInterval time.Duration

	// RPS/Burst bound per-IP request rates. Zero disables limiting.
	RPS   int
	Burst int

	// OTLPEndpoint enables span export when set.
	OTLPEndpoint string
	OTLPInsecure bool

	// DevMode registers the loopback driver so the daemon runs end to end
	// without any chain adapter.
	DevMode bool
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	cfg := &Config{
		Port:            getenv("PORT", "8080"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		DataDir:         getenv("DATA_DIR", "./data"),
		PolicyFile:      os.Getenv("POLICY_FILE"),
		Chain:           getenv("CHAIN", "solana"),
		Network:         getenv("NETWORK", "devnet"),
		ExecutedBackend: ExecutedBackend(getenv("EXECUTED_BACKEND", string(BackendFile))),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getint("REDIS_DB", 0),
		ArtifactTTL:     getduration("ARTIFACT_TTL", 15*time.Minute),
		SweepInterval:   getduration("SWEEP_INTERVAL", time.Minute),
		RPS:             getint("RATE_LIMIT_RPS", 20),
		Burst:           getint("RATE_LIMIT_BURST", 40),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
		OTLPInsecure:    os.Getenv("OTLP_INSECURE") == "true",
		DevMode:         os.Getenv("DEV_MODE") == "true",
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
