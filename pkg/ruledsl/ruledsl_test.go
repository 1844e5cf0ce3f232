package ruledsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func swapCtx() map[string]any {
	return map[string]any{
		"amount":      600.0,
		"slippageBps": 75,
		"action":      "swap",
		"network":     "mainnet",
		"simulation": map[string]any{
			"ok": true,
		},
		"flags": map[string]any{
			"dryRun": false,
		},
	}
}

func TestEvaluate_Comparisons(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"amount > 500", true},
		{"amount > 600", false},
		{"amount >= 600", true},
		{"amount < 1000", true},
		{"amount <= 599", false},
		{"amount == 600", true},
		{"amount != 600", false},
		{"slippageBps > 50", true},
		{`action == "swap"`, true},
		{`action == 'transfer'`, false},
		{`action != 'transfer'`, true},
		{`network >= "mainnet"`, true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.expr, swapCtx()))
		})
	}
}

func TestEvaluate_BooleanOperators(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"amount > 500 && slippageBps > 50", true},
		{"amount > 500 and slippageBps > 100", false},
		{"amount > 700 || slippageBps > 50", true},
		{"amount > 700 or slippageBps > 100", false},
		{"AND", false}, // bare keyword is malformed
		{"not (amount > 700)", true},
		{"!(amount > 500)", false},
		{"NOT amount > 700", true}, // case-insensitive word form
		{"amount > 500 && (slippageBps > 100 || action == 'swap')", true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.expr, swapCtx()))
		})
	}
}

func TestEvaluate_DottedPaths(t *testing.T) {
	assert.True(t, Evaluate("simulation.ok", swapCtx()))
	assert.True(t, Evaluate("simulation.ok == true", swapCtx()))
	assert.False(t, Evaluate("flags.dryRun", swapCtx()))
}

func TestEvaluate_MissingPathsResolveToNil(t *testing.T) {
	// Missing segments never panic, and ordered comparisons against nil are false.
	assert.False(t, Evaluate("no.such.path > 10", swapCtx()))
	assert.False(t, Evaluate("no.such.path", swapCtx()))
	assert.True(t, Evaluate("not no.such.path", swapCtx()))
	// Walking through a non-map value is nil too.
	assert.False(t, Evaluate("amount.inner == 1", swapCtx()))
}

func TestEvaluate_BarePrimaryCoercesToBool(t *testing.T) {
	assert.True(t, Evaluate("amount", swapCtx()))
	assert.True(t, Evaluate(`action`, swapCtx()))
	assert.False(t, Evaluate("true == false", swapCtx()))
	assert.True(t, Evaluate("true", nil))
	assert.False(t, Evaluate("false", nil))
}

func TestEvaluate_MalformedFailsClosed(t *testing.T) {
	for _, expr := range []string{
		"",
		"amount >",
		"(amount > 500",
		"amount = 500",
		"& amount",
		"'unterminated",
		"amount > 500 extra",
		"amount ?? 3",
	} {
		t.Run(expr, func(t *testing.T) {
			assert.False(t, Evaluate(expr, swapCtx()))
		})
	}
}

func TestEvaluate_StringEscapes(t *testing.T) {
	ctx := map[string]any{"memo": `line"quote`}
	assert.True(t, Evaluate(`memo == "line\"quote"`, ctx))
	assert.True(t, Evaluate(`memo == 'line"quote'`, ctx))
}

func TestParse_ASTShape(t *testing.T) {
	node, err := Parse("not a.b > 1 && c")
	require.NoError(t, err)

	and, ok := node.(And)
	require.True(t, ok, "top level should be And, got %T", node)
	_, ok = and.Left.(Not)
	require.True(t, ok, "left should be Not, got %T", and.Left)
	right, ok := and.Right.(Path)
	require.True(t, ok, "right should be Path, got %T", and.Right)
	assert.Equal(t, []string{"c"}, right.Segments)
}

func TestEvaluate_NumericWidening(t *testing.T) {
	ctx := map[string]any{
		"i":   int(3),
		"i64": int64(4),
		"u64": uint64(5),
	}
	assert.True(t, Evaluate("i == 3", ctx))
	assert.True(t, Evaluate("i64 > 3.5", ctx))
	assert.True(t, Evaluate("u64 >= 5", ctx))
}
