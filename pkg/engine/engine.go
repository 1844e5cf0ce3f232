// Package engine orchestrates plan → simulate → policy-gate → approve →
// execute → audit. It validates action graphs, drives the registered drivers,
// invokes the policy engine at compile time and again at broadcast time,
// manages the prepared-artifact and executed-record stores, and emits every
// step to the trace store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/clearsign-labs/txgate/pkg/canonical"
	"github.com/clearsign-labs/txgate/pkg/driver"
	"github.com/clearsign-labs/txgate/pkg/failover"
	"github.com/clearsign-labs/txgate/pkg/policy"
	"github.com/clearsign-labs/txgate/pkg/trace"
)

// DefaultArtifactTTL bounds how long a prepared artifact stays executable.
const DefaultArtifactTTL = 15 * time.Minute

// DefaultCallTimeout bounds each individual driver call.
const DefaultCallTimeout = 30 * time.Second

// Engine is the plan compiler and executor. One engine serves one
// chain/network pair; the daemon decides which at startup.
type Engine struct {
	chain   string
	network string

	drivers  *driver.Registry
	policy   *policy.Engine
	prepared PreparedStore
	executed ExecutedStore
	traces   *trace.Store
	history  failover.BroadcastHistory

	ttl           time.Duration
	callTimeout   time.Duration
	retryAttempts int
	retryBase     time.Duration

	logger *slog.Logger
	tracer oteltrace.Tracer
	now    func() time.Time
	newID  func() string

	// inflight serializes Execute calls per preparedId so the idempotency
	// lookup and the broadcast form one critical section.
	inflightMu sync.Mutex
	inflight   map[string]*inflightEntry
}

type inflightEntry struct {
	mu   sync.Mutex
	refs int
}

// Config wires an Engine's collaborators. Stores are injected so tests run
// against in-memory fakes; nothing here is a singleton.
type Config struct {
	Chain    string
	Network  string
	Drivers  *driver.Registry
	Policy   *policy.Engine
	Prepared PreparedStore
	Executed ExecutedStore
	Traces   *trace.Store
	History  failover.BroadcastHistory

	// ArtifactTTL defaults to 15 minutes; CallTimeout to 30 seconds.
	ArtifactTTL time.Duration
	CallTimeout time.Duration
	// RetryAttempts/RetryBase shape the transient-failure retry schedule for
	// build and simulate. Broadcast is never retried.
	RetryAttempts int
	RetryBase     time.Duration

	Logger *slog.Logger
}

// New builds an Engine from cfg, filling defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Drivers == nil || cfg.Policy == nil || cfg.Prepared == nil || cfg.Executed == nil || cfg.Traces == nil {
		return nil, errors.New("engine: drivers, policy, prepared, executed and traces are required")
	}
	e := &Engine{
		chain:         cfg.Chain,
		network:       cfg.Network,
		drivers:       cfg.Drivers,
		policy:        cfg.Policy,
		prepared:      cfg.Prepared,
		executed:      cfg.Executed,
		traces:        cfg.Traces,
		history:       cfg.History,
		ttl:           cfg.ArtifactTTL,
		callTimeout:   cfg.CallTimeout,
		retryAttempts: cfg.RetryAttempts,
		retryBase:     cfg.RetryBase,
		logger:        cfg.Logger,
		tracer:        otel.Tracer("txgate/engine"),
		now:           time.Now,
		newID:         uuid.NewString,
		inflight:      make(map[string]*inflightEntry),
	}
	if e.ttl <= 0 {
		e.ttl = DefaultArtifactTTL
	}
	if e.callTimeout <= 0 {
		e.callTimeout = DefaultCallTimeout
	}
	if e.retryAttempts <= 0 {
		e.retryAttempts = 3
	}
	if e.retryBase <= 0 {
		e.retryBase = 100 * time.Millisecond
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// NodeResult is the per-node outcome of a compile. Partial failure is fully
// diagnosable: successful siblings keep their artifacts.
type NodeResult struct {
	ID               string                   `json:"id"`
	OK               bool                     `json:"ok"`
	PreparedID       string                   `json:"preparedId,omitempty"`
	Allowed          bool                     `json:"allowed"`
	RequiresApproval bool                     `json:"requiresApproval"`
	Simulation       *driver.SimulationResult `json:"simulation,omitempty"`
	PolicyReport     *policy.Decision         `json:"policyReport,omitempty"`
	ArtifactHash     *canonical.HashRef       `json:"artifactHash,omitempty"`
	Error            *NodeError               `json:"error,omitempty"`
}

// CompileResult reports a whole-plan compile.
type CompileResult struct {
	TraceID string       `json:"traceId"`
	Order   []string     `json:"order"`
	Results []NodeResult `json:"results"`
}

// CompilePlan validates plan, then processes nodes in deterministic
// topological order: build → simulate → extract side-effect ids →
// policy(sideEffect=none) → canonical hash → prepared artifact + trace.
// A node whose dependency failed is marked DEP_FAILED without any driver
// call. Cancelling ctx stops scheduling further nodes; artifacts already
// prepared stay valid.
func (e *Engine) CompilePlan(ctx context.Context, plan *Plan) (*CompileResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CompilePlan")
	defer span.End()

	order, err := plan.TopoOrder()
	if err != nil {
		return nil, err
	}

	traceID := e.newID()
	e.emit(trace.Event{Type: trace.EventRunStarted, RunID: traceID, Data: map[string]any{
		"chain": e.chain, "network": e.network, "nodes": len(order),
	}})

	res := &CompileResult{TraceID: traceID, Order: order, Results: make([]NodeResult, 0, len(order))}
	failed := make(map[string]bool, len(order))

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			e.emit(trace.Event{Type: trace.EventRunFinished, RunID: traceID, Data: map[string]any{"cancelled": true}})
			return res, err
		}
		node := plan.node(id)

		if dep := firstFailedDep(node, failed); dep != "" {
			failed[id] = true
			nr := NodeResult{ID: id, Error: &NodeError{
				Code:    NodeCodeDepFailed,
				Message: fmt.Sprintf("dependency %q failed", dep),
			}}
			res.Results = append(res.Results, nr)
			e.emit(trace.Event{Type: trace.EventStepFinished, RunID: traceID, StepID: id, Data: map[string]any{
				"ok": false, "code": NodeCodeDepFailed, "dependency": dep,
			}})
			continue
		}

		nr := e.compileNode(ctx, traceID, node)
		if !nr.OK {
			failed[id] = true
		}
		res.Results = append(res.Results, nr)
	}

	e.emit(trace.Event{Type: trace.EventRunFinished, RunID: traceID, Data: map[string]any{
		"nodes": len(res.Results),
	}})
	e.writeMemoryRecord(traceID, res)
	return res, nil
}

// PrepareRequest is a single-action prepare, the degenerate one-node plan.
type PrepareRequest struct {
	Adapter string         `json:"adapter"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
}

// PrepareResult mirrors NodeResult for the single-action surface.
type PrepareResult struct {
	TraceID          string                   `json:"traceId"`
	PreparedID       string                   `json:"preparedId,omitempty"`
	Allowed          bool                     `json:"allowed"`
	RequiresApproval bool                     `json:"requiresApproval"`
	Simulation       *driver.SimulationResult `json:"simulation,omitempty"`
	PolicyReport     *policy.Decision         `json:"policyReport,omitempty"`
	ArtifactHash     *canonical.HashRef       `json:"artifactHash,omitempty"`
}

// Prepare builds, simulates and policy-gates one action.
func (e *Engine) Prepare(ctx context.Context, req PrepareRequest) (*PrepareResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Prepare")
	defer span.End()

	traceID := e.newID()
	e.emit(trace.Event{Type: trace.EventRunStarted, RunID: traceID, Data: map[string]any{
		"chain": e.chain, "network": e.network, "adapter": req.Adapter, "action": req.Action,
	}})

	nr := e.compileNode(ctx, traceID, &ActionNode{
		ID:      "action",
		Adapter: req.Adapter,
		Action:  req.Action,
		Params:  req.Params,
	})
	e.emit(trace.Event{Type: trace.EventRunFinished, RunID: traceID, Data: map[string]any{"ok": nr.OK}})

	if !nr.OK {
		return nil, nodeFailure(nr.Error)
	}
	return &PrepareResult{
		TraceID:          traceID,
		PreparedID:       nr.PreparedID,
		Allowed:          nr.Allowed,
		RequiresApproval: nr.RequiresApproval,
		Simulation:       nr.Simulation,
		PolicyReport:     nr.PolicyReport,
		ArtifactHash:     nr.ArtifactHash,
	}, nil
}

// compileNode runs the per-node pipeline and commits the prepared artifact
// atomically: either the full record (payload + simulation + decision + hash)
// is stored, or nothing is.
func (e *Engine) compileNode(ctx context.Context, traceID string, node *ActionNode) NodeResult {
	nr := NodeResult{ID: node.ID}
	cc := driver.CallContext{Chain: e.chain, Network: e.network, RunID: traceID}

	fail := func(code string, err error) NodeResult {
		nr.OK = false
		nr.Error = &NodeError{Code: code, Message: err.Error()}
		e.emit(trace.Event{Type: trace.EventToolError, RunID: traceID, StepID: node.ID, Tool: node.Adapter, Data: map[string]any{
			"code": code, "error": err.Error(),
		}})
		e.emit(trace.Event{Type: trace.EventStepFinished, RunID: traceID, StepID: node.ID, Data: map[string]any{
			"ok": false, "code": code,
		}})
		return nr
	}

	e.emit(trace.Event{Type: trace.EventStepStarted, RunID: traceID, StepID: node.ID, Tool: node.Adapter, Data: map[string]any{
		"action": node.Action,
	}})

	d, err := e.drivers.Resolve(node.Adapter)
	if err != nil {
		return fail(NodeCodeAdapter, err)
	}
	if err := e.drivers.ValidateParams(ctx, node.Adapter, node.Action, node.Params); err != nil {
		if errors.Is(err, driver.ErrUnknownAction) {
			return fail(NodeCodeAdapter, err)
		}
		return fail(NodeCodeParamsInvalid, err)
	}

	var built *driver.BuildResult
	err = failover.Retry(ctx, e.retryAttempts, e.retryBase, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		var berr error
		built, berr = d.Build(callCtx, node.Action, node.Params, cc)
		return berr
	})
	if err != nil {
		return fail(NodeCodeBuildFailed, err)
	}
	if built == nil {
		return fail(NodeCodeBuildFailed, fmt.Errorf("adapter %q returned no build result", node.Adapter))
	}
	e.emit(trace.Event{Type: trace.EventTxBuilt, RunID: traceID, StepID: node.ID, Tool: node.Adapter})

	var sim *driver.SimulationResult
	err = failover.Retry(ctx, e.retryAttempts, e.retryBase, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		var serr error
		sim, serr = d.Simulate(callCtx, built.Payload, cc)
		return serr
	})
	if err != nil {
		return fail(NodeCodeSimFailed, err)
	}
	if sim == nil {
		return fail(NodeCodeSimFailed, fmt.Errorf("adapter %q returned no simulation result", node.Adapter))
	}
	e.emit(trace.Event{Type: trace.EventTxSimulated, RunID: traceID, StepID: node.ID, Data: map[string]any{
		"ok": sim.OK, "diagnostics": sim.Diagnostics,
	}})

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	ids, err := d.ExtractSideEffectIDs(callCtx, built.Payload, cc)
	cancel()
	if err != nil {
		return fail(NodeCodeExtract, err)
	}
	if ids == nil {
		return fail(NodeCodeExtract, fmt.Errorf("adapter %q returned no side-effect identifiers", node.Adapter))
	}

	amountUSD, slippageBps, riskFlags := metaSignals(built.Meta)
	decision := e.policy.Decide(&policy.Context{
		Chain:         e.chain,
		Network:       e.network,
		Action:        node.Action,
		SideEffect:    policy.SideEffectNone,
		SimulationOK:  &sim.OK,
		AmountUSD:     amountUSD,
		SlippageBps:   slippageBps,
		SideEffectIDs: ids.IDs,
		IDsKnown:      ids.Known,
		RiskFlags:     riskFlags,
	})
	e.emit(trace.Event{Type: trace.EventPolicyDecision, RunID: traceID, StepID: node.ID, Data: map[string]any{
		"verdict": string(decision.Verdict), "code": decision.Code, "rule": decision.Rule,
	}})

	now := e.now().UTC()
	art := &PreparedArtifact{
		PreparedID:  e.newID(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.ttl),
		TraceID:     traceID,
		Chain:       e.chain,
		Network:     e.network,
		Adapter:     node.Adapter,
		Action:      node.Action,
		Params:      node.Params,
		Payload:     built.Payload,
		Meta:        built.Meta,
		Simulation:  sim,
		SideEffect:  ids,
		AmountUSD:   amountUSD,
		SlippageBps: slippageBps,
		RiskFlags:   riskFlags,
		Decision:    decision,
	}
	hash, err := canonical.Hash(art.hashedView())
	if err != nil {
		return fail(NodeCodeBuildFailed, fmt.Errorf("hash artifact: %w", err))
	}
	art.Hash = hash

	ref, err := e.traces.WriteArtifact(traceID, art.PreparedID, art)
	if err != nil {
		e.logger.Warn("engine: artifact snapshot failed", "preparedId", art.PreparedID, "error", err)
	}
	e.prepared.Put(art)

	nr.OK = true
	nr.PreparedID = art.PreparedID
	nr.Allowed = !decision.Blocked()
	nr.RequiresApproval = decision.NeedsConfirmation()
	nr.Simulation = sim
	nr.PolicyReport = &decision
	nr.ArtifactHash = &art.Hash

	ev := trace.Event{Type: trace.EventStepFinished, RunID: traceID, StepID: node.ID, Data: map[string]any{
		"ok": true, "preparedId": art.PreparedID, "verdict": string(decision.Verdict),
		"simulationOk": sim.OK, "hash": art.Hash.Hash,
	}}
	if ref != "" {
		ev.ArtifactRefs = []string{ref}
	}
	e.emit(ev)
	return nr
}

// ExecuteRequest asks to broadcast a prepared artifact. Signers pass straight
// through to the driver and are never persisted or traced.
type ExecuteRequest struct {
	PreparedID string `json:"preparedId"`
	// Confirm satisfies a confirm-verdict policy decision.
	Confirm bool `json:"confirm"`
	// WaitForConfirmation retains the artifact until a terminal confirmation
	// outcome is recorded via RecordConfirmation.
	WaitForConfirmation bool     `json:"waitForConfirmation,omitempty"`
	Signers             []string `json:"signers,omitempty"`
}

// ExecuteResult is the receipt of the broadcast, replayed verbatim for
// idempotent re-executions.
type ExecuteResult struct {
	ReceiptID string `json:"receiptId"`
	TraceID   string `json:"traceId"`
	// Replayed marks an idempotent replay: no broadcast happened on this call.
	Replayed bool `json:"replayed,omitempty"`
}

// Execute broadcasts a prepared artifact at most once. Re-evaluates policy
// with sideEffect=broadcast and fresh rate signals; the risk profile can
// change between prepare and execute, so a broadcast-time block is final even
// when prepare-time policy allowed. The executed record is persisted before
// returning, so a retry of the same preparedId replays the receipt instead of
// broadcasting again. Concurrent executes of the same preparedId are
// serialized: the second caller waits and then replays the first caller's
// receipt. Broadcast itself is never retried.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Execute")
	defer span.End()

	unlock := e.lockPrepared(req.PreparedID)
	defer unlock()

	if rec, err := e.executed.Get(ctx, req.PreparedID); err != nil {
		return nil, fmt.Errorf("engine: idempotency lookup: %w", err)
	} else if rec != nil {
		return &ExecuteResult{ReceiptID: rec.ReceiptID, TraceID: rec.TraceID, Replayed: true}, nil
	}

	art, ok := e.prepared.Get(req.PreparedID)
	if !ok {
		return nil, ErrNotFoundOrExpired
	}
	if art.Expired(e.now()) {
		e.prepared.Delete(req.PreparedID)
		return nil, ErrNotFoundOrExpired
	}
	if err := art.VerifyHash(); err != nil {
		return nil, err
	}

	signals := e.rateSignals(ctx)
	decision := e.policy.Decide(&policy.Context{
		Chain:                     art.Chain,
		Network:                   art.Network,
		Action:                    art.Action,
		SideEffect:                policy.SideEffectBroadcast,
		SimulationOK:              simOutcome(art.Simulation),
		AmountUSD:                 art.AmountUSD,
		SlippageBps:               art.SlippageBps,
		SideEffectIDs:             art.SideEffect.IDs,
		IDsKnown:                  art.SideEffect.Known,
		RiskFlags:                 art.RiskFlags,
		SecondsSinceLastBroadcast: signals.SecondsSinceLast,
		BroadcastsLastMinute:      signals.InLastMinute,
		VolumeLastDay:             signals.VolumeLastDay,
	})
	e.emit(trace.Event{Type: trace.EventPolicyDecision, RunID: art.TraceID, StepID: req.PreparedID, Data: map[string]any{
		"verdict": string(decision.Verdict), "code": decision.Code, "sideEffect": "broadcast",
	}})

	if decision.Blocked() {
		return nil, &PolicyBlockError{Decision: decision}
	}
	if decision.NeedsConfirmation() && !req.Confirm {
		return nil, &ApprovalRequiredError{Decision: decision}
	}

	d, err := e.drivers.Resolve(art.Adapter)
	if err != nil {
		return nil, &InternalInvariantError{Err: fmt.Errorf("adapter %q vanished after prepare: %w", art.Adapter, err)}
	}

	cc := driver.CallContext{Chain: art.Chain, Network: art.Network, RunID: art.TraceID}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	br, err := d.Broadcast(callCtx, art.Payload, req.Signers, cc)
	cancel()
	if err != nil {
		e.emit(trace.Event{Type: trace.EventToolError, RunID: art.TraceID, StepID: req.PreparedID, Tool: art.Adapter, Data: map[string]any{
			"phase": "broadcast", "error": err.Error(),
		}})
		return nil, fmt.Errorf("engine: broadcast: %w", err)
	}
	if br == nil {
		return nil, &InternalInvariantError{Err: fmt.Errorf("adapter %q returned no broadcast result", art.Adapter)}
	}

	// Persist before returning: the window between broadcast success and this
	// write is the only un-idempotent moment in the system.
	rec := ExecutedRecord{
		PreparedID: art.PreparedID,
		ReceiptID:  br.ReceiptID,
		TraceID:    art.TraceID,
		ExecutedAt: e.now().UTC(),
		Chain:      art.Chain,
		Network:    art.Network,
		Adapter:    art.Adapter,
		Action:     art.Action,
	}
	if err := e.executed.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("engine: persist executed record for receipt %s: %w", br.ReceiptID, err)
	}

	e.emit(trace.Event{Type: trace.EventTxSubmitted, RunID: art.TraceID, StepID: req.PreparedID, Data: map[string]any{
		"receiptId": br.ReceiptID,
	}})
	if e.history != nil {
		if err := e.history.RecordBroadcast(ctx, e.now(), art.AmountUSD); err != nil {
			e.logger.Warn("engine: broadcast history record failed", "error", err)
		}
	}

	if req.WaitForConfirmation {
		// Retained until RecordConfirmation reports a terminal outcome.
	} else {
		e.prepared.Delete(art.PreparedID)
	}
	return &ExecuteResult{ReceiptID: br.ReceiptID, TraceID: art.TraceID}, nil
}

// RecordConfirmation records the terminal confirmation outcome for an
// executed artifact and releases one retained under waitForConfirmation.
func (e *Engine) RecordConfirmation(ctx context.Context, preparedID string, confirmed bool) error {
	rec, err := e.executed.Get(ctx, preparedID)
	if err != nil {
		return fmt.Errorf("engine: confirmation lookup: %w", err)
	}
	if rec == nil {
		return ErrNotFoundOrExpired
	}
	if confirmed {
		if err := e.executed.MarkConfirmed(ctx, preparedID, e.now().UTC()); err != nil {
			return err
		}
	}
	e.emit(trace.Event{Type: trace.EventTxConfirmed, RunID: rec.TraceID, StepID: preparedID, Data: map[string]any{
		"confirmed": confirmed, "receiptId": rec.ReceiptID,
	}})
	e.prepared.Delete(preparedID)
	return nil
}

// ArtifactView is the externally-visible artifact: the stored record plus a
// freshly recomputed hash. Signers never appear; the engine never stores them.
type ArtifactView struct {
	Artifact       *PreparedArtifact `json:"artifact"`
	RecomputedHash canonical.HashRef `json:"recomputedHash"`
}

// GetArtifact returns a live artifact with its hash recomputed so callers can
// verify integrity independently. Expired artifacts are indistinguishable
// from unknown ones.
func (e *Engine) GetArtifact(preparedID string) (*ArtifactView, error) {
	art, ok := e.prepared.Get(preparedID)
	if !ok || art.Expired(e.now()) {
		return nil, ErrNotFoundOrExpired
	}
	recomputed, err := canonical.Hash(art.hashedView())
	if err != nil {
		return nil, &InternalInvariantError{Err: err}
	}
	if recomputed.Hash != art.Hash.Hash {
		return nil, &InternalInvariantError{Err: canonical.ErrHashMismatch}
	}
	return &ArtifactView{Artifact: art, RecomputedHash: recomputed}, nil
}

// Trace returns the ordered event list for a run.
func (e *Engine) Trace(traceID string) ([]trace.Event, error) {
	return e.traces.ReadRun(traceID)
}

// Sweep removes expired prepared artifacts. Safe to race with Execute: a
// swept entry produces the same NotFoundOrExpired an expiry check would.
func (e *Engine) Sweep() int {
	n := e.prepared.Sweep(e.now())
	if n > 0 {
		e.logger.Info("engine: swept expired artifacts", "count", n)
	}
	return n
}

// RunSweeper sweeps on interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// lockPrepared takes the per-preparedId execute lock, creating the entry on
// first use and dropping it once the last holder releases.
func (e *Engine) lockPrepared(preparedID string) func() {
	e.inflightMu.Lock()
	entry, ok := e.inflight[preparedID]
	if !ok {
		entry = &inflightEntry{}
		e.inflight[preparedID] = entry
	}
	entry.refs++
	e.inflightMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		e.inflightMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(e.inflight, preparedID)
		}
		e.inflightMu.Unlock()
	}
}

func (e *Engine) emit(ev trace.Event) {
	if err := e.traces.Append(ev); err != nil {
		e.logger.Error("engine: trace append failed", "type", string(ev.Type), "runId", ev.RunID, "error", err)
	}
}

func (e *Engine) rateSignals(ctx context.Context) failover.Signals {
	if e.history == nil {
		return failover.Signals{}
	}
	s, err := e.history.Signals(ctx, e.now())
	if err != nil {
		// Degrade to "no recent broadcasts" rather than refusing to decide;
		// the rate gate is advisory relative to the hard policy gates.
		e.logger.Warn("engine: rate signals unavailable", "error", err)
		return failover.Signals{}
	}
	return s
}

func (e *Engine) writeMemoryRecord(traceID string, res *CompileResult) {
	summary := map[string]any{"order": res.Order}
	var artifactIDs []string
	nodes := make([]map[string]any, 0, len(res.Results))
	for _, nr := range res.Results {
		entry := map[string]any{"id": nr.ID, "ok": nr.OK}
		if nr.PreparedID != "" {
			artifactIDs = append(artifactIDs, nr.PreparedID)
			entry["preparedId"] = nr.PreparedID
			entry["hash"] = nr.ArtifactHash.Hash
		}
		if nr.Error != nil {
			entry["code"] = nr.Error.Code
		}
		nodes = append(nodes, entry)
	}
	summary["nodes"] = nodes
	err := e.traces.WriteMemoryRecord(&trace.MemoryRecord{
		RunID:       traceID,
		CreatedAt:   e.now().UTC(),
		Chain:       e.chain,
		Network:     e.network,
		Summary:     summary,
		ArtifactIDs: artifactIDs,
	})
	if err != nil {
		e.logger.Warn("engine: memory record failed", "traceId", traceID, "error", err)
	}
}

func firstFailedDep(node *ActionNode, failed map[string]bool) string {
	for _, dep := range node.DependsOn {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

// nodeFailure maps a node error onto the request-level taxonomy for the
// single-action prepare surface.
func nodeFailure(ne *NodeError) error {
	if ne == nil {
		return &InternalInvariantError{Err: errors.New("node failed without error detail")}
	}
	switch ne.Code {
	case NodeCodeAdapter, NodeCodeParamsInvalid:
		return &ValidationError{Message: ne.Message}
	default:
		return ne
	}
}

func simOutcome(sim *driver.SimulationResult) *bool {
	if sim == nil {
		return nil
	}
	ok := sim.OK
	return &ok
}

// metaSignals pulls the well-known policy inputs out of driver build meta.
func metaSignals(meta map[string]any) (amountUSD float64, slippageBps int, riskFlags []string) {
	if meta == nil {
		return 0, 0, nil
	}
	if v, ok := asFloat(meta["amountUsd"]); ok {
		amountUSD = v
	}
	if v, ok := asFloat(meta["slippageBps"]); ok {
		slippageBps = int(v)
	}
	switch flags := meta["riskFlags"].(type) {
	case []string:
		riskFlags = flags
	case []any:
		for _, f := range flags {
			if s, ok := f.(string); ok {
				riskFlags = append(riskFlags, s)
			}
		}
	}
	return amountUSD, slippageBps, riskFlags
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
