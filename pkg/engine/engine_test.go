package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearsign-labs/txgate/pkg/driver"
	"github.com/clearsign-labs/txgate/pkg/failover"
	"github.com/clearsign-labs/txgate/pkg/policy"
	"github.com/clearsign-labs/txgate/pkg/trace"
)

func devPolicy(t *testing.T, mutate func(*policy.Config)) *policy.Engine {
	t.Helper()
	cfg := policy.Config{
		Networks: map[string]policy.NetworkGate{
			"devnet": {Enabled: true},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	return policy.New(cfg)
}

type testEnv struct {
	engine   *Engine
	loopback *driver.Loopback
	prepared *MemoryPreparedStore
	executed *FileExecutedStore
	traces   *trace.Store
}

func newTestEnv(t *testing.T, pe *policy.Engine, mutate func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ts, err := trace.NewStore(dir)
	require.NoError(t, err)
	ex, err := NewFileExecutedStore(dir + "/executed.json")
	require.NoError(t, err)
	hist, err := failover.NewFileHistory(dir + "/policy_broadcast_history.json")
	require.NoError(t, err)

	lb := &driver.Loopback{}
	reg := driver.NewRegistry()
	reg.Register("loopback", lb)

	prep := NewMemoryPreparedStore()
	cfg := Config{
		Chain:    "solana",
		Network:  "devnet",
		Drivers:  reg,
		Policy:   pe,
		Prepared: prep,
		Executed: ex,
		Traces:   ts,
		History:  hist,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{engine: eng, loopback: lb, prepared: prep, executed: ex, traces: ts}
}

func swapParams() map[string]any {
	return map[string]any{
		"inputMint":  "So11111111111111111111111111111111111111112",
		"outputMint": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		"amount":     100,
	}
}

func TestCompilePlan_CycleRejectedBeforeBuild(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	plan := &Plan{Actions: []ActionNode{
		{ID: "a", DependsOn: []string{"b"}, Adapter: "loopback", Action: "swap", Params: swapParams()},
		{ID: "b", DependsOn: []string{"a"}, Adapter: "loopback", Action: "swap", Params: swapParams()},
	}}

	_, err := env.engine.CompilePlan(context.Background(), plan)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"a", "b"}, verr.CycleIDs)
	assert.Zero(t, env.loopback.BuildCalls(), "no build call may precede plan validation")
}

func TestCompilePlan_DeterministicOrderAndArtifacts(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	plan := &Plan{Actions: []ActionNode{
		{ID: "z", DependsOn: []string{"m"}, Adapter: "loopback", Action: "swap", Params: swapParams()},
		{ID: "m", Adapter: "loopback", Action: "swap", Params: swapParams()},
		{ID: "a", Adapter: "loopback", Action: "swap", Params: swapParams()},
	}}

	res, err := env.engine.CompilePlan(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, res.Order)
	require.Len(t, res.Results, 3)
	for _, nr := range res.Results {
		assert.True(t, nr.OK)
		assert.True(t, nr.Allowed)
		assert.NotEmpty(t, nr.PreparedID)
		require.NotNil(t, nr.ArtifactHash)
		assert.Equal(t, "sha256", nr.ArtifactHash.Alg)
		_, ok := env.prepared.Get(nr.PreparedID)
		assert.True(t, ok)
	}

	events, err := env.traces.ReadRun(res.TraceID)
	require.NoError(t, err)
	assert.Equal(t, trace.EventRunStarted, events[0].Type)
	assert.Equal(t, trace.EventRunFinished, events[len(events)-1].Type)

	rec, err := env.traces.ReadMemoryRecord(res.TraceID)
	require.NoError(t, err)
	assert.Len(t, rec.ArtifactIDs, 3)
}

func TestCompilePlan_DependencyPropagation(t *testing.T) {
	// q succeeds, x's own build fails: x carries a build error, not DEP_FAILED.
	env := newTestEnv(t, devPolicy(t, nil), nil)
	env.loopback.FailBuildActions = map[string]bool{"transfer": true}
	plan := &Plan{Actions: []ActionNode{
		{ID: "q", Adapter: "loopback", Action: "swap", Params: swapParams()},
		{ID: "x", DependsOn: []string{"q"}, Adapter: "loopback", Action: "transfer", Params: map[string]any{"destination": "someAccount11111111111111111111111111111111"}},
	}}

	res, err := env.engine.CompilePlan(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"q", "x"}, res.Order)
	assert.True(t, res.Results[0].OK)
	require.False(t, res.Results[1].OK)
	assert.Equal(t, NodeCodeBuildFailed, res.Results[1].Error.Code)
}

func TestCompilePlan_DepFailedSkipsDriver(t *testing.T) {
	// q fails: x is DEP_FAILED and its build is never attempted.
	env := newTestEnv(t, devPolicy(t, nil), nil)
	env.loopback.FailBuildActions = map[string]bool{"swap": true}
	plan := &Plan{Actions: []ActionNode{
		{ID: "q", Adapter: "loopback", Action: "swap", Params: swapParams()},
		{ID: "x", DependsOn: []string{"q"}, Adapter: "loopback", Action: "transfer", Params: map[string]any{}},
	}}

	res, err := env.engine.CompilePlan(context.Background(), plan)
	require.NoError(t, err)
	require.False(t, res.Results[1].OK)
	assert.Equal(t, NodeCodeDepFailed, res.Results[1].Error.Code)
	assert.Equal(t, int64(1), env.loopback.BuildCalls(), "only q's build may run")
}

func TestExecute_IdempotentBroadcast(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)
	require.True(t, prep.Allowed)

	first, err := env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID, Confirm: true})
	require.NoError(t, err)
	require.NotEmpty(t, first.ReceiptID)
	assert.False(t, first.Replayed)

	second, err := env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, first.ReceiptID, second.ReceiptID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, env.loopback.BroadcastCount(), "broadcast must run at most once")
}

// gatedBroadcastDriver blocks its first Broadcast until released so a test
// can hold one execute mid-broadcast while a second races it.
type gatedBroadcastDriver struct {
	*driver.Loopback
	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (d *gatedBroadcastDriver) Broadcast(ctx context.Context, payload map[string]any, signers []string, cc driver.CallContext) (*driver.BroadcastResult, error) {
	d.once.Do(func() { close(d.entered) })
	<-d.proceed
	return d.Loopback.Broadcast(ctx, payload, signers, cc)
}

func TestExecute_ConcurrentSamePreparedBroadcastsOnce(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	gated := &gatedBroadcastDriver{
		Loopback: env.loopback,
		entered:  make(chan struct{}),
		proceed:  make(chan struct{}),
	}
	env.engine.drivers.Register("gated", gated)

	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "gated", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)

	type outcome struct {
		res *ExecuteResult
		err error
	}
	done := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID, Confirm: true})
			done <- outcome{res: res, err: err}
		}()
	}

	// One caller is now inside Broadcast; releasing it lets both finish.
	<-gated.entered
	close(gated.proceed)

	var receipts []string
	replayed := 0
	for i := 0; i < 2; i++ {
		out := <-done
		require.NoError(t, out.err)
		receipts = append(receipts, out.res.ReceiptID)
		if out.res.Replayed {
			replayed++
		}
	}
	assert.Equal(t, 1, env.loopback.BroadcastCount(), "concurrent executes of one preparedId must broadcast at most once")
	assert.Equal(t, receipts[0], receipts[1], "both callers see the same receipt")
	assert.Equal(t, 1, replayed, "exactly one caller replays")
}

func TestExecute_DailyVolumeAccumulates(t *testing.T) {
	pe := devPolicy(t, func(cfg *policy.Config) {
		cfg.Networks["devnet"] = policy.NetworkGate{Enabled: true, MaxDailyVolume: 1_000}
	})
	env := newTestEnv(t, pe, nil)

	params := swapParams()
	params["amountUsd"] = 600.0

	first, err := env.engine.Prepare(context.Background(), PrepareRequest{Adapter: "loopback", Action: "swap", Params: params})
	require.NoError(t, err)
	_, err = env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: first.PreparedID, Confirm: true})
	require.NoError(t, err)

	// The second 600 would put the trailing day at 1200, over the 1000 cap.
	second, err := env.engine.Prepare(context.Background(), PrepareRequest{Adapter: "loopback", Action: "swap", Params: params})
	require.NoError(t, err)
	require.True(t, second.Allowed, "prepare alone does not consume daily volume")

	_, err = env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: second.PreparedID, Confirm: true})
	var pbe *PolicyBlockError
	require.ErrorAs(t, err, &pbe)
	assert.Equal(t, policy.CodeDailyVolume, pbe.Decision.Code)
	assert.Equal(t, 1, env.loopback.BroadcastCount(), "the blocked execute never reaches the driver")
}

// nilResultDriver returns (nil, nil) from a chosen stage, the way a buggy
// adapter might.
type nilResultDriver struct {
	*driver.Loopback
	nilBuild     bool
	nilSimulate  bool
	nilExtract   bool
	nilBroadcast bool
}

func (d *nilResultDriver) Build(ctx context.Context, action string, params map[string]any, cc driver.CallContext) (*driver.BuildResult, error) {
	if d.nilBuild {
		return nil, nil
	}
	return d.Loopback.Build(ctx, action, params, cc)
}

func (d *nilResultDriver) Simulate(ctx context.Context, payload map[string]any, cc driver.CallContext) (*driver.SimulationResult, error) {
	if d.nilSimulate {
		return nil, nil
	}
	return d.Loopback.Simulate(ctx, payload, cc)
}

func (d *nilResultDriver) ExtractSideEffectIDs(ctx context.Context, payload map[string]any, cc driver.CallContext) (*driver.SideEffectIDs, error) {
	if d.nilExtract {
		return nil, nil
	}
	return d.Loopback.ExtractSideEffectIDs(ctx, payload, cc)
}

func (d *nilResultDriver) Broadcast(ctx context.Context, payload map[string]any, signers []string, cc driver.CallContext) (*driver.BroadcastResult, error) {
	if d.nilBroadcast {
		return nil, nil
	}
	return d.Loopback.Broadcast(ctx, payload, signers, cc)
}

func TestPrepare_NilDriverResultFailsCleanly(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*nilResultDriver)
		code string
	}{
		{"build", func(d *nilResultDriver) { d.nilBuild = true }, NodeCodeBuildFailed},
		{"simulate", func(d *nilResultDriver) { d.nilSimulate = true }, NodeCodeSimFailed},
		{"extract", func(d *nilResultDriver) { d.nilExtract = true }, NodeCodeExtract},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, devPolicy(t, nil), nil)
			nd := &nilResultDriver{Loopback: env.loopback}
			tc.mut(nd)
			env.engine.drivers.Register("buggy", nd)

			_, err := env.engine.Prepare(context.Background(), PrepareRequest{Adapter: "buggy", Action: "swap", Params: swapParams()})
			var ne *NodeError
			require.ErrorAs(t, err, &ne)
			assert.Equal(t, tc.code, ne.Code)
		})
	}
}

func TestExecute_NilBroadcastResultIsInvariantViolation(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	nd := &nilResultDriver{Loopback: env.loopback, nilBroadcast: true}
	env.engine.drivers.Register("buggy", nd)

	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{Adapter: "buggy", Action: "swap", Params: swapParams()})
	require.NoError(t, err)

	_, err = env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID, Confirm: true})
	var iie *InternalInvariantError
	require.ErrorAs(t, err, &iie)
}

func TestExecute_UnknownArtifact(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	_, err := env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: "nope", Confirm: true})
	assert.ErrorIs(t, err, ErrNotFoundOrExpired)
}

func TestExecute_ExpiredBeforeSweep(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)

	// Advance the clock past the TTL without sweeping.
	env.engine.now = func() time.Time { return time.Now().Add(DefaultArtifactTTL + time.Minute) }

	_, err = env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID, Confirm: true})
	assert.ErrorIs(t, err, ErrNotFoundOrExpired)
	assert.Zero(t, env.loopback.BroadcastCount())

	// The expiry path already removed the entry; the sweep finds nothing.
	assert.Zero(t, env.engine.Sweep())
}

func TestSweep_RemovesExpiredOnly(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	p1, err := env.engine.Prepare(context.Background(), PrepareRequest{Adapter: "loopback", Action: "swap", Params: swapParams()})
	require.NoError(t, err)

	env.engine.now = func() time.Time { return time.Now().Add(DefaultArtifactTTL + time.Minute) }
	p2raw := &PreparedArtifact{PreparedID: "fresh", ExpiresAt: time.Now().Add(time.Hour)}
	env.prepared.Put(p2raw)

	assert.Equal(t, 1, env.engine.Sweep())
	_, ok := env.prepared.Get(p1.PreparedID)
	assert.False(t, ok)
	_, ok = env.prepared.Get("fresh")
	assert.True(t, ok)
}

func TestExecute_BroadcastTimePolicyBlocks(t *testing.T) {
	// Prepare-time passes (sideEffect=none), broadcast-time blocks because the
	// network requires a passing simulation and the simulation failed.
	pe := devPolicy(t, func(cfg *policy.Config) {
		cfg.Networks["devnet"] = policy.NetworkGate{Enabled: true, RequireSimulation: true}
	})
	env := newTestEnv(t, pe, nil)
	env.loopback.SimulateFail = true

	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)
	require.True(t, prep.Allowed, "simulation gate only binds broadcasts")

	_, err = env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID, Confirm: true})
	var pbe *PolicyBlockError
	require.ErrorAs(t, err, &pbe)
	assert.Equal(t, policy.CodeSimulationRequired, pbe.Decision.Code)
	assert.Zero(t, env.loopback.BroadcastCount())
}

func TestExecute_ApprovalRequiredWithoutConfirm(t *testing.T) {
	pe := devPolicy(t, func(cfg *policy.Config) {
		cfg.Limits.RequireConfirmation = policy.ConfirmAlways
	})
	env := newTestEnv(t, pe, nil)

	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)
	assert.True(t, prep.RequiresApproval)

	_, err = env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID})
	var are *ApprovalRequiredError
	require.ErrorAs(t, err, &are)
	assert.NotEmpty(t, are.Decision.ConfirmationKey)
	assert.Zero(t, env.loopback.BroadcastCount())

	// Same request with confirm=true goes through.
	res, err := env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID, Confirm: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ReceiptID)
}

func TestExecute_WaitForConfirmationRetainsArtifact(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)

	_, err = env.engine.Execute(context.Background(), ExecuteRequest{
		PreparedID: prep.PreparedID, Confirm: true, WaitForConfirmation: true,
	})
	require.NoError(t, err)

	_, ok := env.prepared.Get(prep.PreparedID)
	assert.True(t, ok, "artifact retained until terminal confirmation")

	require.NoError(t, env.engine.RecordConfirmation(context.Background(), prep.PreparedID, true))
	_, ok = env.prepared.Get(prep.PreparedID)
	assert.False(t, ok)

	rec, err := env.executed.Get(context.Background(), prep.PreparedID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Confirmed)
}

func TestExecute_OneShotConsumption(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)

	_, err = env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID, Confirm: true})
	require.NoError(t, err)

	_, ok := env.prepared.Get(prep.PreparedID)
	assert.False(t, ok, "default execute consumes the artifact")
}

func TestGetArtifact_RecomputesHash(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)

	view, err := env.engine.GetArtifact(prep.PreparedID)
	require.NoError(t, err)
	assert.Equal(t, view.Artifact.Hash.Hash, view.RecomputedHash.Hash)
	assert.Equal(t, "txgate/1", view.RecomputedHash.SchemaVersion)

	_, err = env.engine.GetArtifact("unknown")
	assert.ErrorIs(t, err, ErrNotFoundOrExpired)
}

func TestGetArtifact_TamperDetected(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)

	art, ok := env.prepared.Get(prep.PreparedID)
	require.True(t, ok)
	art.Payload["action"] = "drain"

	_, err = env.engine.GetArtifact(prep.PreparedID)
	var iie *InternalInvariantError
	assert.ErrorAs(t, err, &iie)
}

func TestPrepare_UnknownAdapterIsValidation(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	_, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "jupiter", Action: "swap", Params: swapParams(),
	})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPrepare_UnverifiableIdsReported(t *testing.T) {
	pe := devPolicy(t, func(cfg *policy.Config) {
		cfg.Allowlist.Identifiers = map[string][]string{
			"solana": {"So11111111111111111111111111111111111111112", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"},
		}
	})
	env := newTestEnv(t, pe, nil)
	env.loopback.IDsUnknown = true

	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)
	assert.False(t, prep.Allowed, "known=false must never pass an identifier allowlist")
	assert.Equal(t, policy.CodeIdentifierUnknown, prep.PolicyReport.Code)
}

func TestPrepare_UnacceptedRiskFlagRequiresApproval(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	env.loopback.RiskFlags = []string{"jupiter.zeroMinOut"}

	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)
	assert.True(t, prep.Allowed)
	assert.True(t, prep.RequiresApproval)
	assert.Equal(t, policy.CodeRiskUnaccepted, prep.PolicyReport.Code)
}

func TestTrace_OrderedEvents(t *testing.T) {
	env := newTestEnv(t, devPolicy(t, nil), nil)
	prep, err := env.engine.Prepare(context.Background(), PrepareRequest{
		Adapter: "loopback", Action: "swap", Params: swapParams(),
	})
	require.NoError(t, err)

	_, err = env.engine.Execute(context.Background(), ExecuteRequest{PreparedID: prep.PreparedID, Confirm: true})
	require.NoError(t, err)

	events, err := env.engine.Trace(prep.TraceID)
	require.NoError(t, err)

	var types []trace.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, trace.EventTxBuilt)
	assert.Contains(t, types, trace.EventTxSimulated)
	assert.Contains(t, types, trace.EventPolicyDecision)
	assert.Contains(t, types, trace.EventTxSubmitted)
}

func TestExecutedRecord_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/executed.json"
	ctx := context.Background()

	s1, err := NewFileExecutedStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, ExecutedRecord{
		PreparedID: "p-1", ReceiptID: "sig-1", TraceID: "t-1", ExecutedAt: time.Now().UTC(),
		Chain: "solana", Network: "devnet", Adapter: "loopback", Action: "swap",
	}))

	s2, err := NewFileExecutedStore(path)
	require.NoError(t, err)
	rec, err := s2.Get(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sig-1", rec.ReceiptID)

	// First write wins: a duplicate Put never overwrites the receipt.
	require.NoError(t, s2.Put(ctx, ExecutedRecord{PreparedID: "p-1", ReceiptID: "sig-2"}))
	rec, err = s2.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", rec.ReceiptID)
}
