package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "solana", cfg.Chain)
	assert.Equal(t, "devnet", cfg.Network)
	assert.Equal(t, BackendFile, cfg.ExecutedBackend)
	assert.Equal(t, 15*time.Minute, cfg.ArtifactTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("NETWORK", "mainnet")
	t.Setenv("EXECUTED_BACKEND", "sqlite")
	t.Setenv("ARTIFACT_TTL", "5m")
	t.Setenv("RATE_LIMIT_RPS", "100")
	t.Setenv("DEV_MODE", "true")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, BackendSQLite, cfg.ExecutedBackend)
	assert.Equal(t, 5*time.Minute, cfg.ArtifactTTL)
	assert.Equal(t, 100, cfg.RPS)
	assert.True(t, cfg.DevMode)
}

func TestLoad_BadNumbersFallBack(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "not-a-number")
	t.Setenv("ARTIFACT_TTL", "soon")
	cfg := Load()
	assert.Equal(t, 20, cfg.RPS)
	assert.Equal(t, 15*time.Minute, cfg.ArtifactTTL)
}
