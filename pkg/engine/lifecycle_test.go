package engine_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmpool/vmpool/pkg/config"
	"github.com/vmpool/vmpool/pkg/engine"
	"github.com/vmpool/vmpool/pkg/render"
	"github.com/vmpool/vmpool/pkg/stores"
	"github.com/vmpool/vmpool/pkg/workspace"
)

// fakeAllocator hands out 10.20.30.11, 10.20.30.12, ... in call order.
type fakeAllocator struct {
	mu       sync.Mutex
	next     int
	calls    int
	failAt   int
	err      error
	released []string
}

func (a *fakeAllocator) Allocate(_ context.Context, req engine.AllocationRequest) (*engine.IPAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failAt > 0 && a.calls == a.failAt {
		return nil, a.err
	}
	a.next++
	return &engine.IPAllocation{
		Interface: req.Interface,
		Address:   fmt.Sprintf("10.20.30.%d/24", 10+a.next),
		Reference: fmt.Sprintf("ip-%d", a.next),
	}, nil
}

func (a *fakeAllocator) Release(_ context.Context, alloc engine.IPAllocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, alloc.Address)
	return nil
}

func (a *fakeAllocator) stats() (calls int, released []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls, append([]string(nil), a.released...)
}

// fakeGateway replays planErrs one per plan call, then succeeds.
type fakeGateway struct {
	mu       sync.Mutex
	planErrs []error
	applyErr error
	plans    int
	applies  int

	// block, when set, makes Plan signal started and wait for cancellation.
	block   bool
	started chan struct{}
}

func (g *fakeGateway) Plan(ctx context.Context, ws *engine.Workspace) (*engine.PlanResult, error) {
	g.mu.Lock()
	g.plans++
	var err error
	if len(g.planErrs) > 0 {
		err, g.planErrs = g.planErrs[0], g.planErrs[1:]
	}
	block := g.block
	g.mu.Unlock()

	if block {
		g.started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return &engine.PlanResult{Output: "Error: " + err.Error(), ExitStatus: 1}, err
	}
	return &engine.PlanResult{
		Summary:     engine.PlanSummary{Add: 2},
		SummaryText: "Plan: 2 to add, 0 to change, 0 to destroy.",
		Output:      "Terraform will perform the following actions",
		ExitStatus:  2,
	}, nil
}

func (g *fakeGateway) Apply(_ context.Context, ws *engine.Workspace) (*engine.ApplyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applies++
	if g.applyErr != nil {
		return nil, g.applyErr
	}
	return &engine.ApplyResult{
		SummaryText: "Apply complete! Resources: 2 added, 0 changed, 0 destroyed.",
		ResourceIDs: []string{"vm-1001", "vm-1002"},
		Addresses:   []string{"10.20.30.11", "10.20.30.12"},
	}, nil
}

func (g *fakeGateway) counts() (plans, applies int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.plans, g.applies
}

type eventRecorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev *engine.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

func (r *eventRecorder) ofType(typ string) []engine.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []engine.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// gaugeRecorder keeps the last per-state count it was given.
type gaugeRecorder struct {
	mu          sync.Mutex
	inState     map[string]float64
	transitions int
}

func (g *gaugeRecorder) RecordTransition(_, _ string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transitions++
}

func (g *gaugeRecorder) RecordRunnerCall(_, _ string, _ time.Duration) {}

func (g *gaugeRecorder) RecordAllocation(string) {}

func (g *gaugeRecorder) SetRequestsInState(state string, count float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inState == nil {
		g.inState = make(map[string]float64)
	}
	g.inState[state] = count
}

func (g *gaugeRecorder) snapshot() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]float64, len(g.inState))
	for k, v := range g.inState {
		out[k] = v
	}
	return out
}

type harness struct {
	engine  *engine.Engine
	store   *stores.SQLiteStore
	alloc   *fakeAllocator
	gw      *fakeGateway
	events  *eventRecorder
	metrics *gaugeRecorder
	root    string
}

type harnessOptions struct {
	// maxNumber caps VM name numbers; zero uses the renderer default.
	maxNumber int
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, harnessOptions{})
}

func newHarnessWith(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	ws, err := workspace.New(workspace.Config{
		Root:          root,
		ModuleSource:  "git::https://git.example.com/infra/vsphere-vm.git",
		ModuleVersion: "v2.3.1",
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	placements := map[string]config.Placement{
		"dev": {
			ResourcePoolID: "resgroup-101",
			DatastoreID:    "datastore-201",
			NetworkID:      "dvportgroup-77",
			TemplateUUID:   "4216f2a0-9c1e-4c55-8a3b-7f0e2d1c9b44",
			GuestID:        "rhel8_64Guest",
			AdapterType:    "vmxnet3",
			PrefixID:       12,
		},
	}

	h := &harness{
		store:   store,
		alloc:   &fakeAllocator{},
		gw:      &fakeGateway{started: make(chan struct{}, 1)},
		events:  &eventRecorder{},
		metrics: &gaugeRecorder{},
		root:    root,
	}
	h.engine = engine.New(store, render.New(placements, opts.maxNumber), h.alloc, ws, h.gw, engine.Options{
		PlanRetry: engine.RetryPolicy{Attempts: 3, Delay: time.Millisecond},
		Logger:    zerolog.Nop(),
		Events:    h.events,
		Metrics:   h.metrics,
	})
	t.Cleanup(func() { _ = h.engine.Shutdown(context.Background()) })
	return h
}

func newRequest() *engine.BuildRequest {
	return &engine.BuildRequest{
		Requester:   "alice",
		Prefix:      "lin2dv2-ssb",
		CPUs:        2,
		MemoryMB:    4096,
		DiskGB:      60,
		Quantity:    2,
		StartNumber: 10001,
		Network: engine.Network{
			Netmask: 24,
			Gateway: "10.20.30.1",
			DNS:     []string{"10.20.0.10", "10.20.0.11"},
		},
		Environment: "dev",
	}
}

// submitAndPlan takes a fresh request to awaiting_approval.
func (h *harness) submitAndPlan(t *testing.T, req *engine.BuildRequest) *engine.BuildRequest {
	t.Helper()
	ctx := context.Background()
	created, err := h.engine.Submit(ctx, req)
	require.NoError(t, err)
	planned, err := h.engine.Process(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, engine.StateAwaitingApproval, planned.State)
	return planned
}

func (h *harness) mustGet(t *testing.T, id string) *engine.BuildRequest {
	t.Helper()
	req, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (h *harness) transitions(t *testing.T, id string) []string {
	t.Helper()
	recs, err := h.engine.Audit(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, r := range recs {
		if r.Kind == engine.AuditTransition {
			out = append(out, fmt.Sprintf("%s->%s", r.From, r.To))
		}
	}
	return out
}

func (h *harness) auditKinds(t *testing.T, id string, kind engine.AuditKind) []engine.AuditRecord {
	t.Helper()
	recs, err := h.engine.Audit(context.Background(), id)
	require.NoError(t, err)
	var out []engine.AuditRecord
	for _, r := range recs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) allocationStatuses(t *testing.T, id string) []engine.AllocationStatus {
	t.Helper()
	allocs, err := h.engine.Allocations(context.Background(), id)
	require.NoError(t, err)
	out := make([]engine.AllocationStatus, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, a.Status)
	}
	return out
}

func TestBuildRequestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := h.submitAndPlan(t, newRequest())

	assert.Equal(t, []string{"lin2dv2-ssb-10001", "lin2dv2-ssb-10002"}, req.VMNames())
	assert.Equal(t, engine.StagePlanned, req.LastStage)

	allocs, err := h.engine.Allocations(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	assert.Equal(t, "lin2dv2-ssb-10001/eth0", allocs[0].Interface)
	assert.Equal(t, "lin2dv2-ssb-10002/eth0", allocs[1].Interface)

	tfvars, err := os.ReadFile(filepath.Join(h.root, req.ID, workspace.VarsFile))
	require.NoError(t, err, "workspace not materialized")
	for _, want := range []string{`"lin2dv2-ssb-10001"`, `"10.20.30.11"`, `"10.20.30.12"`, `"datastore-201"`} {
		assert.Contains(t, string(tfvars), want)
	}

	done, err := h.engine.Approve(ctx, req.ID, "alice", "looks good")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, done.State)
	require.NotNil(t, done.Approval)
	assert.Equal(t, "alice", done.Approval.Actor)
	assert.Equal(t, "looks good", done.Approval.Comment)

	stored := h.mustGet(t, req.ID)
	assert.Equal(t, engine.StateCompleted, stored.State)
	assert.NotNil(t, stored.CompletedAt)

	assert.Equal(t, []string{
		"->pending",
		"pending->planning",
		"planning->awaiting_approval",
		"awaiting_approval->approved",
		"approved->applying",
		"applying->completed",
	}, h.transitions(t, req.ID))

	recs, err := h.engine.Audit(ctx, req.ID)
	require.NoError(t, err)
	for i := 1; i < len(recs); i++ {
		require.Greater(t, recs[i].Seq, recs[i-1].Seq, "audit sequence not increasing at %d", i)
	}
	assert.Len(t, h.auditKinds(t, req.ID, engine.AuditAllocation), 2)

	applies, err := h.engine.Applies(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, applies, 1)
	assert.True(t, applies[0].Success)
	assert.Equal(t, 1, applies[0].Attempt)
	assert.Len(t, applies[0].ResourceIDs, 2)
	assert.Equal(t, []string{"10.20.30.11", "10.20.30.12"}, applies[0].Addresses)

	assert.Len(t, h.events.ofType(engine.EventTypeTransition), 6)
	assert.Len(t, h.events.ofType(engine.EventTypeApplyAttempt), 1)
}

func TestApproveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.submitAndPlan(t, newRequest())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Approve(ctx, req.ID, fmt.Sprintf("approver-%d", i), "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	_, applies := h.gw.counts()
	assert.Equal(t, 1, applies)

	again, err := h.engine.Approve(ctx, req.ID, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, again.State)
	assert.NotEqual(t, "carol", again.Approval.Actor, "repeated approval overwrote the recorded decision")
}

func TestConcurrentApproveAndReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.submitAndPlan(t, newRequest())

	type outcome struct {
		approve bool
		err     error
	}
	results := make(chan outcome, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			var err error
			if approve {
				_, err = h.engine.Approve(ctx, req.ID, "bob", "")
			} else {
				_, err = h.engine.Reject(ctx, req.ID, "eve", "")
			}
			results <- outcome{approve, err}
		}(i%2 == 0)
	}
	wg.Wait()
	close(results)

	final := h.mustGet(t, req.ID)
	_, applies := h.gw.counts()

	switch final.State {
	case engine.StateCompleted:
		assert.Equal(t, 1, applies)
	case engine.StateRejected:
		assert.Zero(t, applies, "rejected request was applied")
	default:
		t.Fatalf("final state = %s", final.State)
	}

	for r := range results {
		won := (final.State == engine.StateCompleted) == r.approve
		if won {
			assert.NoError(t, r.err, "winning decision")
			continue
		}
		var stale *engine.StaleStateError
		assert.ErrorAs(t, r.err, &stale, "losing decision")
	}
}

func TestSubmitRejectsInvalidQuantity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := newRequest()
	req.Quantity = 0
	created, err := h.engine.Submit(ctx, req)

	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)
	require.NotNil(t, created)
	assert.Equal(t, engine.StateFailed, created.State)
	assert.Equal(t, engine.KindValidation, created.FailureKind)
	assert.Equal(t, engine.StateFailed, h.mustGet(t, created.ID).State, "invalid request not recorded as failed")

	_, err = h.engine.Process(ctx, created.ID)
	assert.True(t, engine.IsKind(err, engine.KindStaleState), "Process() error = %v", err)

	calls, _ := h.alloc.stats()
	assert.Zero(t, calls)
	plans, _ := h.gw.counts()
	assert.Zero(t, plans)
}

func TestAllocationFailureReleasesEarlierAddresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.alloc.failAt = 2
	h.alloc.err = &engine.AllocationError{Message: "prefix 12 has no free addresses"}

	created, err := h.engine.Submit(ctx, newRequest())
	require.NoError(t, err)
	req, err := h.engine.Process(ctx, created.ID)
	require.True(t, engine.IsKind(err, engine.KindAllocation), "Process() error = %v", err)
	assert.Equal(t, engine.StateFailed, req.State)
	assert.Equal(t, engine.StageNamesReserved, req.LastStage)

	plans, _ := h.gw.counts()
	assert.Zero(t, plans)

	_, released := h.alloc.stats()
	assert.Equal(t, []string{"10.20.30.11/24"}, released)
	assert.Equal(t, []engine.AllocationStatus{engine.AllocationReleased}, h.allocationStatuses(t, req.ID))

	names, err := h.store.ReservedNames(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPlanRetriesRunnerUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.planErrs = []error{
		engine.NewRunnerUnavailable("atlantis returned 503", nil),
		engine.NewRunnerUnavailable("atlantis returned 503", nil),
		engine.NewRunnerUnavailable("atlantis returned 503", nil),
	}

	created, err := h.engine.Submit(ctx, newRequest())
	require.NoError(t, err)
	req, err := h.engine.Process(ctx, created.ID)
	require.True(t, engine.IsKind(err, engine.KindRunnerUnavailable), "Process() error = %v", err)
	assert.Equal(t, engine.StatePlanFailed, req.State)
	assert.Equal(t, engine.KindRunnerUnavailable, req.FailureKind)

	plans, err := h.engine.Plans(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, plans, 3)
	for i, p := range plans {
		assert.Equal(t, i+1, p.Attempt)
		assert.False(t, p.Success)
		assert.Equal(t, engine.KindRunnerUnavailable, p.ErrorKind)
	}
	assert.Len(t, h.auditKinds(t, req.ID, engine.AuditPlanAttempt), 3)
	assert.Len(t, h.events.ofType(engine.EventTypePlanAttempt), 3)

	for _, s := range h.allocationStatuses(t, req.ID) {
		assert.Equal(t, engine.AllocationActive, s, "allocation after plan_failed")
	}

	replanned, err := h.engine.Replan(ctx, req.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, engine.StateAwaitingApproval, replanned.State)

	plans, err = h.engine.Plans(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, plans, 4)
	assert.True(t, plans[3].Success)
	assert.Equal(t, 4, plans[3].Attempt)
}

func TestPlanRecoversAfterTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.gw.planErrs = []error{engine.NewRunnerUnavailable("connection refused", nil)}

	req := h.submitAndPlan(t, newRequest())

	plans, err := h.engine.Plans(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.False(t, plans[0].Success)
	assert.True(t, plans[1].Success)
}

func TestPlanRejectedIsNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.planErrs = []error{engine.NewPlanRejected("plan exited with status 1", "")}

	created, err := h.engine.Submit(ctx, newRequest())
	require.NoError(t, err)
	req, err := h.engine.Process(ctx, created.ID)
	require.True(t, engine.IsKind(err, engine.KindPlanRejected), "Process() error = %v", err)
	assert.Equal(t, engine.StatePlanFailed, req.State)

	plans, _ := h.gw.counts()
	assert.Equal(t, 1, plans)

	results, err := h.engine.Plans(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Output, "plan exited with status 1")

	_, err = h.engine.Approve(ctx, req.ID, "bob", "")
	assert.True(t, engine.IsKind(err, engine.KindStaleState), "Approve() on plan_failed error = %v", err)
}

func TestReplanRequiresPlanFailed(t *testing.T) {
	h := newHarness(t)
	req := h.submitAndPlan(t, newRequest())

	_, err := h.engine.Replan(context.Background(), req.ID, "bob")
	var stale *engine.StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, engine.StateAwaitingApproval, stale.Actual)
}

func TestRejectReleasesResources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.submitAndPlan(t, newRequest())

	rejected, err := h.engine.Reject(ctx, req.ID, "bob", "wrong datastore")
	require.NoError(t, err)
	assert.Equal(t, engine.StateRejected, rejected.State)
	assert.Equal(t, engine.DecisionRejected, rejected.Approval.Decision)

	_, applies := h.gw.counts()
	assert.Zero(t, applies, "rejected request applied")
	for _, s := range h.allocationStatuses(t, req.ID) {
		assert.Equal(t, engine.AllocationReleased, s, "allocation after reject")
	}
	assert.Len(t, h.auditKinds(t, req.ID, engine.AuditRelease), 2)

	_, err = h.engine.Reject(ctx, req.ID, "bob", "")
	assert.NoError(t, err, "repeated Reject()")
	_, err = h.engine.Approve(ctx, req.ID, "bob", "")
	assert.True(t, engine.IsKind(err, engine.KindStaleState), "Approve() after reject error = %v", err)
}

func TestApplyFailureKeepsAllocations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.applyErr = engine.NewApplyFailed("apply exited with status 1", "Error: quota exceeded")
	req := h.submitAndPlan(t, newRequest())

	failed, err := h.engine.Approve(ctx, req.ID, "bob", "")
	require.True(t, engine.IsKind(err, engine.KindApplyFailed), "Approve() error = %v", err)
	assert.Equal(t, engine.StateFailed, failed.State)
	assert.Equal(t, engine.KindApplyFailed, failed.FailureKind)

	applies, err := h.engine.Applies(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, applies, 1)
	assert.False(t, applies[0].Success)
	assert.Equal(t, "Error: quota exceeded", applies[0].Output)
	for _, s := range h.allocationStatuses(t, req.ID) {
		assert.Equal(t, engine.AllocationActive, s, "allocation after failed apply")
	}

	_, err = h.engine.Approve(ctx, req.ID, "bob", "")
	assert.NoError(t, err, "repeated Approve()")
	_, n := h.gw.counts()
	assert.Equal(t, 1, n)
}

func TestCancel(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		created, err := h.engine.Submit(ctx, newRequest())
		require.NoError(t, err)

		req, err := h.engine.Cancel(ctx, created.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, engine.StateFailed, req.State)
		assert.Equal(t, engine.KindCancelled, req.FailureKind)
		assert.Equal(t, "cancelled by bob", req.FailureReason)

		calls, _ := h.alloc.stats()
		assert.Zero(t, calls)
	})

	t.Run("awaiting approval", func(t *testing.T) {
		h := newHarness(t)
		req := h.submitAndPlan(t, newRequest())

		cancelled, err := h.engine.Cancel(context.Background(), req.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, engine.StateFailed, cancelled.State)

		_, released := h.alloc.stats()
		assert.Len(t, released, 2)
	})

	t.Run("completed", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		req := h.submitAndPlan(t, newRequest())
		_, err := h.engine.Approve(ctx, req.ID, "bob", "")
		require.NoError(t, err)

		_, err = h.engine.Cancel(ctx, req.ID, "bob")
		var cerr *engine.CannotCancelError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, engine.StateCompleted, cerr.State)
	})

	t.Run("plan failed", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		h.gw.planErrs = []error{engine.NewPlanRejected("invalid", "")}
		created, err := h.engine.Submit(ctx, newRequest())
		require.NoError(t, err)
		_, _ = h.engine.Process(ctx, created.ID)

		_, err = h.engine.Cancel(ctx, created.ID, "bob")
		assert.True(t, engine.IsKind(err, engine.KindCannotCancel), "Cancel() error = %v", err)
	})
}

func TestCancelInterruptsPlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.block = true

	created, err := h.engine.Submit(ctx, newRequest())
	require.NoError(t, err)

	type result struct {
		req *engine.BuildRequest
		err error
	}
	done := make(chan result, 1)
	go func() {
		req, err := h.engine.Process(ctx, created.ID)
		done <- result{req, err}
	}()

	select {
	case <-h.gw.started:
	case <-time.After(5 * time.Second):
		t.Fatal("plan never started")
	}

	cancelled, err := h.engine.Cancel(ctx, created.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, engine.StateFailed, cancelled.State)
	assert.Equal(t, "cancelled by bob", cancelled.FailureReason)

	res := <-done
	assert.Error(t, res.err, "Process() returned nil after cancellation")
	assert.Equal(t, engine.StateFailed, res.req.State)
	assert.Equal(t, engine.KindCancelled, res.req.FailureKind)

	got := h.transitions(t, created.ID)
	require.NotEmpty(t, got)
	assert.Equal(t, "planning->failed", got[len(got)-1])

	plans, _ := h.gw.counts()
	assert.Equal(t, 1, plans, "cancelled plan was retried")
	_, released := h.alloc.stats()
	assert.Len(t, released, 2)
}

func TestShutdownWaitsForBackgroundWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.engine.Submit(ctx, newRequest())
	require.NoError(t, err)
	h.engine.ProcessAsync(created.ID)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(sctx))
	assert.Equal(t, engine.StateAwaitingApproval, h.mustGet(t, created.ID).State)
}

func TestShutdownInterruptsBackgroundPlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.block = true

	created, err := h.engine.Submit(ctx, newRequest())
	require.NoError(t, err)
	h.engine.ProcessAsync(created.ID)

	select {
	case <-h.gw.started:
	case <-time.After(5 * time.Second):
		t.Fatal("plan never started")
	}

	sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = h.engine.Shutdown(sctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	req := h.mustGet(t, created.ID)
	assert.Equal(t, engine.StatePlanFailed, req.State)
	assert.Equal(t, "planning->plan_failed", h.transitions(t, created.ID)[2])
	for _, s := range h.allocationStatuses(t, created.ID) {
		assert.Equal(t, engine.AllocationActive, s, "allocation after interrupted plan")
	}
}

func TestResubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.submitAndPlan(t, newRequest())

	_, err := h.engine.Resubmit(ctx, req.ID, "carol")
	assert.True(t, engine.IsKind(err, engine.KindStaleState), "Resubmit() of awaiting request error = %v", err)

	_, err = h.engine.Reject(ctx, req.ID, "bob", "too small")
	require.NoError(t, err)

	next, err := h.engine.Resubmit(ctx, req.ID, "carol")
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, next.ID)
	assert.Equal(t, req.ID, next.ResubmittedFrom)
	assert.Equal(t, "carol", next.Requester)
	assert.Equal(t, engine.StatePending, next.State)
	assert.Equal(t, 10001, next.StartNumber)

	planned, err := h.engine.Process(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateAwaitingApproval, planned.State)

	recs := h.auditKinds(t, req.ID, engine.AuditResubmission)
	require.Len(t, recs, 1)
	assert.Equal(t, "resubmitted as "+next.ID, recs[0].Message)
	assert.Equal(t, engine.StateRejected, h.mustGet(t, req.ID).State, "source request changed state")
}

func TestNameSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := newRequest()
	first.StartNumber = 0
	a := h.submitAndPlan(t, first)
	assert.Equal(t, 1, a.StartNumber)

	second := newRequest()
	second.StartNumber = 0
	b := h.submitAndPlan(t, second)
	assert.Equal(t, 3, b.StartNumber)

	clash := newRequest()
	clash.StartNumber = 2
	created, err := h.engine.Submit(ctx, clash)
	require.NoError(t, err)
	_, err = h.engine.Process(ctx, created.ID)
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "start_number", verr.Field)

	calls, _ := h.alloc.stats()
	assert.Equal(t, 4, calls)
}

func TestDrawnStartNumberRespectsNamingLimit(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{maxNumber: 10})
	ctx := context.Background()

	first := newRequest()
	first.StartNumber = 9
	a := h.submitAndPlan(t, first)

	// The sequence now continues at 11, past the limit.
	second := newRequest()
	second.StartNumber = 0
	created, err := h.engine.Submit(ctx, second)
	require.NoError(t, err)

	req, err := h.engine.Process(ctx, created.ID)
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "start_number", verr.Field)
	assert.Equal(t, engine.StateFailed, req.State)
	assert.Equal(t, engine.KindValidation, req.FailureKind)
	assert.Equal(t, engine.StageValidated, req.LastStage)

	calls, _ := h.alloc.stats()
	assert.Equal(t, 2, calls, "allocator called for a request past the naming limit")
	plans, _ := h.gw.counts()
	assert.Equal(t, 1, plans)

	names, err := h.store.ReservedNames(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, names)
	names, err = h.store.ReservedNames(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	move := func(id string, from, to engine.State, approval *engine.Approval) {
		t.Helper()
		_, err := h.store.Transition(ctx, engine.Transition{
			RequestID: id, From: from, To: to, Actor: "test", Approval: approval, At: time.Now().UTC(),
		})
		require.NoError(t, err, "Transition(%s -> %s)", from, to)
	}

	stuckPlan, err := h.engine.Submit(ctx, newRequest())
	require.NoError(t, err)
	move(stuckPlan.ID, engine.StatePending, engine.StatePlanning, nil)

	applyingReq := newRequest()
	applyingReq.StartNumber = 20001
	stuckApply := h.submitAndPlan(t, applyingReq)
	move(stuckApply.ID, engine.StateAwaitingApproval, engine.StateApproved,
		&engine.Approval{Decision: engine.DecisionApproved, Actor: "bob", DecidedAt: time.Now().UTC()})
	move(stuckApply.ID, engine.StateApproved, engine.StateApplying, nil)

	approvedReq := newRequest()
	approvedReq.StartNumber = 30001
	approved := h.submitAndPlan(t, approvedReq)
	move(approved.ID, engine.StateAwaitingApproval, engine.StateApproved,
		&engine.Approval{Decision: engine.DecisionApproved, Actor: "bob", DecidedAt: time.Now().UTC()})

	pendingReq := newRequest()
	pendingReq.StartNumber = 40001
	pending, err := h.engine.Submit(ctx, pendingReq)
	require.NoError(t, err)

	waitingReq := newRequest()
	waitingReq.StartNumber = 50001
	waiting := h.submitAndPlan(t, waitingReq)

	require.NoError(t, h.engine.Recover(ctx))
	h.engine.Wait()

	tests := []struct {
		id     string
		state  engine.State
		reason string
	}{
		{stuckPlan.ID, engine.StatePlanFailed, "interrupted while planning"},
		{stuckApply.ID, engine.StateFailed, "interrupted while applying"},
		{approved.ID, engine.StateCompleted, ""},
		{pending.ID, engine.StateAwaitingApproval, ""},
		{waiting.ID, engine.StateAwaitingApproval, ""},
	}
	for _, tt := range tests {
		got := h.mustGet(t, tt.id)
		assert.Equal(t, tt.state, got.State, "request %s", tt.id)
		assert.Equal(t, tt.reason, got.FailureReason, "request %s", tt.id)
	}
	_, applies := h.gw.counts()
	assert.Equal(t, 1, applies)

	// The gauge is seeded from the store before resumed work starts.
	gauge := h.metrics.snapshot()
	require.Len(t, gauge, len(engine.AllStates))
	assert.Equal(t, map[string]float64{
		string(engine.StatePending):          1,
		string(engine.StatePlanning):         0,
		string(engine.StatePlanFailed):       1,
		string(engine.StateAwaitingApproval): 1,
		string(engine.StateApproved):         1,
		string(engine.StateRejected):         0,
		string(engine.StateApplying):         0,
		string(engine.StateCompleted):        0,
		string(engine.StateFailed):           1,
	}, gauge)
}

func TestUnknownRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	checks := map[string]func() error{
		"Get":         func() error { _, err := h.engine.Get(ctx, "missing"); return err },
		"Process":     func() error { _, err := h.engine.Process(ctx, "missing"); return err },
		"Approve":     func() error { _, err := h.engine.Approve(ctx, "missing", "bob", ""); return err },
		"Reject":      func() error { _, err := h.engine.Reject(ctx, "missing", "bob", ""); return err },
		"Cancel":      func() error { _, err := h.engine.Cancel(ctx, "missing", "bob"); return err },
		"Resubmit":    func() error { _, err := h.engine.Resubmit(ctx, "missing", "bob"); return err },
		"Audit":       func() error { _, err := h.engine.Audit(ctx, "missing"); return err },
		"Plans":       func() error { _, err := h.engine.Plans(ctx, "missing"); return err },
		"Applies":     func() error { _, err := h.engine.Applies(ctx, "missing"); return err },
		"Allocations": func() error { _, err := h.engine.Allocations(ctx, "missing"); return err },
	}
	for name, check := range checks {
		assert.ErrorIs(t, check(), engine.ErrRequestNotFound, name)
	}
}

func TestList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submitAndPlan(t, newRequest())
	other := newRequest()
	other.StartNumber = 20001
	_, err := h.engine.Submit(ctx, other)
	require.NoError(t, err)

	all, err := h.engine.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	waiting, err := h.engine.List(ctx, engine.StateAwaitingApproval)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)

	_, err = h.engine.List(ctx, "deploying")
	assert.True(t, engine.IsKind(err, engine.KindValidation), "List(deploying) error = %v", err)
}
