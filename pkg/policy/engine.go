package policy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clearsign-labs/txgate/pkg/ruledsl"
)

// ConditionEvaluator evaluates a custom rule condition against the rule
// context mapping. Implementations must be side-effect free. An error is
// treated as "condition did not match" — a broken rule fails closed for that
// rule only.
type ConditionEvaluator interface {
	EvalCondition(condition string, input map[string]any) (bool, error)
}

// dslEvaluator is the default backend, the in-house expression language.
type dslEvaluator struct{}

func (dslEvaluator) EvalCondition(condition string, input map[string]any) (bool, error) {
	return ruledsl.Evaluate(condition, input), nil
}

// Engine evaluates a fixed Config against per-call Contexts.
type Engine struct {
	cfg    Config
	eval   ConditionEvaluator
	logger *slog.Logger
	now    func() time.Time
	newKey func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithConditionEvaluator overrides the rule-condition backend.
func WithConditionEvaluator(ev ConditionEvaluator) Option {
	return func(e *Engine) { e.eval = ev }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the decision timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine for cfg. The CEL backend is compiled lazily on first
// use; a cfg requesting it with an unavailable environment degrades to the
// DSL backend with a logged warning rather than silently allowing.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		newKey: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eval == nil {
		if cfg.RuleBackend == BackendCEL {
			cel, err := NewCELEvaluator()
			if err != nil {
				e.logger.Warn("policy: CEL backend unavailable, falling back to dsl", "error", err)
				e.eval = dslEvaluator{}
			} else {
				e.eval = cel
			}
		} else {
			e.eval = dslEvaluator{}
		}
	}
	return e
}

// Decide runs the gates in fixed order and returns the strongest outcome.
// Blocks short-circuit immediately; confirms and warns are collected so a
// stronger later gate still wins (requireApproval downgrades to confirm
// "unless a stronger block applies"). Pure: no I/O, no mutation of ctx.
func (e *Engine) Decide(ctx *Context) Decision {
	d := e.decide(ctx)
	d.EvaluatedAt = e.now()
	return d
}

func (e *Engine) decide(ctx *Context) Decision {
	var pending Decision // strongest non-block outcome so far
	var reasons []string

	record := func(d Decision) {
		if d.Verdict.severity() > pending.Verdict.severity() {
			pending = d
		}
	}

	// 1. Network gate
	gate := e.cfg.gate(ctx.Network)
	if !gate.Enabled {
		return block(CodeNetworkDisabled, fmt.Sprintf("network %q is disabled by policy", ctx.Network))
	}
	if gate.RequireApproval {
		record(confirm(CodeApprovalRequired, fmt.Sprintf("network %q requires approval", ctx.Network), e.newKey()))
	}
	reasons = append(reasons, fmt.Sprintf("network %s enabled", ctx.Network))

	// 2. Simulation gate
	if ctx.SideEffect == SideEffectBroadcast && gate.RequireSimulation {
		if ctx.SimulationOK == nil || !*ctx.SimulationOK {
			return block(CodeSimulationRequired, "broadcast requires a passing simulation")
		}
		reasons = append(reasons, "simulation passed")
	}

	// 3. Allowlist gate
	if d := e.allowlistGate(ctx); d != nil {
		return *d
	}

	// 4. Limits gate
	if e.cfg.Limits.MaxSingleAmount > 0 && ctx.AmountUSD > e.cfg.Limits.MaxSingleAmount {
		return block(CodeAmountExceeded, fmt.Sprintf("amount %.2f exceeds maxSingleAmount %.2f", ctx.AmountUSD, e.cfg.Limits.MaxSingleAmount))
	}
	if gate.MaxDailyVolume > 0 && ctx.VolumeLastDay+ctx.AmountUSD > gate.MaxDailyVolume {
		return block(CodeDailyVolume, fmt.Sprintf("amount %.2f plus %.2f broadcast in the last 24h exceeds maxDailyVolume %.2f for network %q", ctx.AmountUSD, ctx.VolumeLastDay, gate.MaxDailyVolume, ctx.Network))
	}
	if e.cfg.Limits.MaxSlippageBps > 0 && ctx.SlippageBps > e.cfg.Limits.MaxSlippageBps {
		return block(CodeSlippageExceeded, fmt.Sprintf("slippage %d bps exceeds maxSlippageBps %d", ctx.SlippageBps, e.cfg.Limits.MaxSlippageBps))
	}
	switch e.cfg.Limits.RequireConfirmation {
	case ConfirmAlways:
		record(confirm(CodeConfirmAlways, "confirmation required for every transaction", e.newKey()))
	case ConfirmLarge:
		if threshold := e.cfg.largeAmount(); threshold > 0 && ctx.AmountUSD >= threshold {
			record(confirm(CodeConfirmLarge, fmt.Sprintf("amount %.2f is at or above the large-amount threshold %.2f", ctx.AmountUSD, threshold), e.newKey()))
		}
	}

	// 5. Rate-limit gate
	if e.cfg.Rate.HardPerMinute > 0 && ctx.BroadcastsLastMinute >= e.cfg.Rate.HardPerMinute {
		return block(CodeRateLimited, fmt.Sprintf("%d broadcasts in the last minute (hard limit %d)", ctx.BroadcastsLastMinute, e.cfg.Rate.HardPerMinute))
	}
	if e.cfg.Rate.SoftPerMinute > 0 && ctx.BroadcastsLastMinute >= e.cfg.Rate.SoftPerMinute {
		record(confirm(CodeRateElevated, fmt.Sprintf("%d broadcasts in the last minute (soft limit %d)", ctx.BroadcastsLastMinute, e.cfg.Rate.SoftPerMinute), e.newKey()))
	}

	// 5b. Adapter-declared risk exceptions must be accepted in config. Never
	// silently reproduced: an unaccepted flag downgrades to confirm and names
	// the flag.
	for _, flag := range ctx.RiskFlags {
		if !e.cfg.riskAccepted(flag) {
			record(confirm(CodeRiskUnaccepted, fmt.Sprintf("adapter risk exception %q is not in riskAcceptances", flag), e.newKey()))
		} else {
			reasons = append(reasons, fmt.Sprintf("risk exception %s accepted by config", flag))
		}
	}

	// 6. Custom rules: first matching rule with a non-allow action wins.
	ruleCtx := ctx.RuleContext()
	for _, rule := range e.cfg.Rules {
		matched, err := e.eval.EvalCondition(rule.Condition, ruleCtx)
		if err != nil {
			e.logger.Warn("policy: rule condition failed, skipping", "rule", rule.Name, "error", err)
			continue
		}
		if !matched || rule.Action == "allow" {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("matched rule %q", rule.Name)
		}
		var d Decision
		switch rule.Action {
		case "warn":
			d = warn(CodeCustomRule, msg)
		case "confirm":
			d = confirm(CodeCustomRule, msg, e.newKey())
		case "block":
			d = block(CodeCustomRule, msg)
		}
		d.Rule = rule.Name
		if d.Verdict == VerdictBlock {
			return d
		}
		record(d)
		break
	}

	if pending.Verdict.severity() > 0 {
		return pending
	}
	return allow(reasons...)
}

// allowlistGate returns a block when the action or any extracted identifier
// falls outside the configured allowlists, or when identifier extraction
// failed while an identifier allowlist is in force. Fail closed: "could not
// verify" is never "safe".
func (e *Engine) allowlistGate(ctx *Context) *Decision {
	if len(e.cfg.Allowlist.Actions) > 0 && !contains(e.cfg.Allowlist.Actions, ctx.Action) {
		d := block(CodeActionNotAllowed, fmt.Sprintf("action %q is not allowlisted", ctx.Action))
		return &d
	}
	ids := e.cfg.Allowlist.Identifiers[ctx.Chain]
	if len(ids) == 0 {
		return nil
	}
	if !ctx.IDsKnown {
		d := block(CodeIdentifierUnknown, "side-effect identifiers could not be verified against the allowlist")
		return &d
	}
	for _, id := range ctx.SideEffectIDs {
		if !contains(ids, id) {
			d := block(CodeIdentifierDenied, fmt.Sprintf("identifier %q is not allowlisted for chain %s", id, ctx.Chain))
			return &d
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
