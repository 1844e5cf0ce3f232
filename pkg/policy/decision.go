package policy

import "time"

// Verdict is the outcome class of a policy evaluation.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictWarn    Verdict = "warn"
	VerdictConfirm Verdict = "confirm"
	VerdictBlock   Verdict = "block"
)

// severity orders verdicts so a stronger outcome always wins over a weaker
// one collected earlier (a later block overrides an earlier confirm).
func (v Verdict) severity() int {
	switch v {
	case VerdictBlock:
		return 3
	case VerdictConfirm:
		return 2
	case VerdictWarn:
		return 1
	default:
		return 0
	}
}

// Stable machine-readable decision codes. These are part of the audit
// contract: analytics and replay key off them, so they never change meaning.
const (
	CodeNetworkDisabled    = "NETWORK_DISABLED"
	CodeApprovalRequired   = "APPROVAL_REQUIRED"
	CodeSimulationRequired = "SIMULATION_REQUIRED"
	CodeActionNotAllowed   = "ACTION_NOT_ALLOWED"
	CodeIdentifierDenied   = "IDENTIFIER_NOT_ALLOWED"
	CodeIdentifierUnknown  = "IDENTIFIERS_UNVERIFIABLE"
	CodeAmountExceeded     = "SINGLE_AMOUNT_EXCEEDED"
	CodeDailyVolume        = "DAILY_VOLUME_EXCEEDED"
	CodeSlippageExceeded   = "SLIPPAGE_EXCEEDED"
	CodeConfirmLarge       = "CONFIRM_LARGE_AMOUNT"
	CodeConfirmAlways      = "CONFIRM_REQUIRED"
	CodeRateElevated       = "BROADCAST_RATE_ELEVATED"
	CodeRateLimited        = "BROADCAST_RATE_LIMITED"
	CodeRiskUnaccepted     = "RISK_ACCEPT_REQUIRED"
	CodeCustomRule         = "CUSTOM_RULE"
)

// SideEffect classifies what an evaluation may cause externally.
type SideEffect string

const (
	SideEffectNone      SideEffect = "none"
	SideEffectBroadcast SideEffect = "broadcast"
)

// Context is the input to a single policy evaluation. Constructed fresh per
// call, never persisted.
type Context struct {
	Chain      string     `json:"chain"`
	Network    string     `json:"network"`
	Action     string     `json:"action"`
	SideEffect SideEffect `json:"sideEffect"`

	// SimulationOK is nil when no simulation ran.
	SimulationOK *bool `json:"simulationOk,omitempty"`

	AmountUSD   float64 `json:"amountUsd"`
	SlippageBps int     `json:"slippageBps"`

	// SideEffectIDs are the identifiers the driver extracted from the built
	// payload. IDsKnown=false means extraction failed: "could not verify",
	// which the allowlist gate treats as a block, never as safe.
	SideEffectIDs []string `json:"sideEffectIds"`
	IDsKnown      bool     `json:"idsKnown"`

	// RiskFlags are adapter-reported policy exceptions (e.g. a hard-coded
	// zero minimum-output guard) that must be explicitly accepted in config.
	RiskFlags []string `json:"riskFlags,omitempty"`

	SecondsSinceLastBroadcast float64 `json:"secondsSinceLastBroadcast"`
	BroadcastsLastMinute      int     `json:"broadcastsLastMinute"`
	// VolumeLastDay is the USD total already broadcast in the trailing 24
	// hours, before this transaction.
	VolumeLastDay float64 `json:"volumeLastDay"`

	// Extra is surfaced to custom rules under their evaluation context.
	Extra map[string]any `json:"extra,omitempty"`
}

// RuleContext flattens the context into the mapping custom rule conditions
// evaluate against. The same mapping is also nested under "ctx" so rules may
// use either `amount > 500` or `ctx.amount > 500`.
func (c *Context) RuleContext() map[string]any {
	simOK := false
	simRan := c.SimulationOK != nil
	if simRan {
		simOK = *c.SimulationOK
	}
	inner := map[string]any{
		"chain":                     c.Chain,
		"network":                   c.Network,
		"action":                    c.Action,
		"sideEffect":                string(c.SideEffect),
		"simulationRan":             simRan,
		"simulationOk":              simOK,
		"amount":                    c.AmountUSD,
		"amountUsd":                 c.AmountUSD,
		"slippageBps":               c.SlippageBps,
		"idsKnown":                  c.IDsKnown,
		"secondsSinceLastBroadcast": c.SecondsSinceLastBroadcast,
		"broadcastsLastMinute":      c.BroadcastsLastMinute,
		"volumeLastDay":             c.VolumeLastDay,
	}
	for k, v := range c.Extra {
		inner[k] = v
	}
	outer := make(map[string]any, len(inner)+1)
	for k, v := range inner {
		outer[k] = v
	}
	outer["ctx"] = inner
	return outer
}

// Decision is the output of an evaluation. Decisions are pure values and are
// never mutated after construction.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Code    string  `json:"code,omitempty"`
	Message string  `json:"message,omitempty"`
	// Rule names the custom rule that produced a non-allow verdict, if any.
	Rule string `json:"rule,omitempty"`
	// ConfirmationKey is set on confirm decisions; the caller echoes it back
	// when satisfying the confirmation.
	ConfirmationKey string `json:"confirmationKey,omitempty"`
	// Reasons accumulates allow-path commentary for the audit trail.
	Reasons []string `json:"reasons,omitempty"`
	// EvaluatedAt stamps the decision for the trace. Not part of the verdict.
	EvaluatedAt time.Time `json:"evaluatedAt,omitzero"`
}

// Blocked reports whether the decision forbids proceeding.
func (d Decision) Blocked() bool { return d.Verdict == VerdictBlock }

// NeedsConfirmation reports whether the caller must confirm before execute.
func (d Decision) NeedsConfirmation() bool { return d.Verdict == VerdictConfirm }

func allow(reasons ...string) Decision {
	return Decision{Verdict: VerdictAllow, Reasons: reasons}
}

func block(code, message string) Decision {
	return Decision{Verdict: VerdictBlock, Code: code, Message: message}
}

func confirm(code, message, key string) Decision {
	return Decision{Verdict: VerdictConfirm, Code: code, Message: message, ConfirmationKey: key}
}

func warn(code, message string) Decision {
	return Decision{Verdict: VerdictWarn, Code: code, Message: message}
}
