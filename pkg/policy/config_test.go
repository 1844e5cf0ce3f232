package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("testdata/profile.yaml")
	require.NoError(t, err)

	assert.True(t, cfg.Networks["mainnet"].RequireApproval)
	assert.True(t, cfg.Networks["mainnet"].RequireSimulation)
	assert.Equal(t, 1000.0, cfg.Limits.MaxSingleAmount)
	assert.Equal(t, ConfirmLarge, cfg.Limits.RequireConfirmation)
	assert.Equal(t, []string{"swap", "transfer"}, cfg.Allowlist.Actions)
	assert.Len(t, cfg.Allowlist.Identifiers["solana"], 2)
	assert.Equal(t, 3, cfg.Rate.SoftPerMinute)
	assert.Equal(t, []string{"jupiter.zeroMinOut"}, cfg.RiskAcceptances)
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "confirm", cfg.Rules[0].Action)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig("testdata/nope.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_DrivesDecisions(t *testing.T) {
	cfg, err := LoadConfig("testdata/profile.yaml")
	require.NoError(t, err)
	e := New(*cfg)

	simOK := true
	d := e.Decide(&Context{
		Chain: "solana", Network: "devnet", Action: "swap",
		SideEffect:    SideEffectNone,
		SimulationOK:  &simOK,
		AmountUSD:     300,
		SideEffectIDs: []string{"So11111111111111111111111111111111111111112"},
		IDsKnown:      true,
	})
	assert.Equal(t, VerdictConfirm, d.Verdict)
	assert.Equal(t, "large-swap-confirm", d.Rule)
}
