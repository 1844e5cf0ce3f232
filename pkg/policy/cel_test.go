package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELEvaluator(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)

	ctx := broadcastCtx()
	ctx.AmountUSD = 600

	matched, err := ev.EvalCondition(`ctx.amount > 500.0 && ctx.network == "mainnet"`, ctx.RuleContext())
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = ev.EvalCondition(`ctx.amount > 1000.0`, ctx.RuleContext())
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestCELEvaluator_Errors(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)

	_, err = ev.EvalCondition(`ctx.amount +`, broadcastCtx().RuleContext())
	assert.Error(t, err)

	_, err = ev.EvalCondition(`ctx.amount`, broadcastCtx().RuleContext())
	assert.Error(t, err, "non-boolean result is an error")
}

func TestEngine_CELBackend(t *testing.T) {
	cfg := mainnetConfig()
	cfg.RuleBackend = BackendCEL
	cfg.Rules = []Rule{{
		Name:      "cel-large",
		Condition: `ctx.amount > 500.0`,
		Action:    "confirm",
	}}

	ctx := broadcastCtx()
	ctx.AmountUSD = 600
	d := New(cfg).Decide(ctx)
	require.Equal(t, VerdictConfirm, d.Verdict)
	assert.Equal(t, "cel-large", d.Rule)
}
