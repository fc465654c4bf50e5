package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SystemActor is recorded for transitions the engine makes on its own.
const SystemActor = "system"

// DefaultInterface is the interface name recorded for each VM's address.
const DefaultInterface = "eth0"

// Options configures an Engine. Zero values select defaults.
type Options struct {
	// PlanRetry bounds retries of RunnerUnavailable during planning.
	PlanRetry RetryPolicy

	Clock   clock.Clock
	Logger  zerolog.Logger
	Events  EventPublisher
	Metrics MetricsRecorder
	Tracer  trace.Tracer

	// Interface is the interface name allocations are recorded against.
	Interface string
}

// Engine owns the lifecycle of build requests. Every operation on one request
// runs under that request's lock; different requests proceed concurrently.
type Engine struct {
	store        Store
	renderer     Renderer
	allocator    Allocator
	materializer Materializer
	gateway      Gateway

	planRetry RetryPolicy
	clock     clock.Clock
	logger    zerolog.Logger
	events    EventPublisher
	metrics   MetricsRecorder
	tracer    trace.Tracer
	iface     string

	locks *kmutex.Kmutex

	// base is cancelled by Shutdown; runner and allocator calls are scoped to it.
	base context.Context
	stop context.CancelFunc

	// mu protects inflight
	mu       sync.Mutex
	inflight map[string]*inflightOp

	wg sync.WaitGroup
}

// inflightOp is the cancellable context of a running process or re-plan.
type inflightOp struct {
	cancel      context.CancelFunc
	cancelledBy string
}

// New creates an engine over its collaborators.
func New(
	store Store,
	renderer Renderer,
	allocator Allocator,
	materializer Materializer,
	gateway Gateway,
	opts Options,
) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/vmpool/vmpool/pkg/engine")
	}
	if opts.Interface == "" {
		opts.Interface = DefaultInterface
	}
	if opts.PlanRetry.Attempts == 0 {
		opts.PlanRetry = DefaultRetryPolicy()
	}

	base, stop := context.WithCancel(context.Background())
	return &Engine{
		base:         base,
		stop:         stop,
		store:        store,
		renderer:     renderer,
		allocator:    allocator,
		materializer: materializer,
		gateway:      gateway,
		planRetry:    opts.PlanRetry,
		clock:        opts.Clock,
		logger:       opts.Logger.With().Str("component", "engine").Logger(),
		events:       opts.Events,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		iface:        opts.Interface,
		locks:        kmutex.New(),
		inflight:     make(map[string]*inflightOp),
	}
}

// Submit records a new request in pending. Input validation runs immediately;
// an invalid request is recorded as failed and the *ValidationError returned
// alongside it, before any external system is contacted.
func (e *Engine) Submit(ctx context.Context, req *BuildRequest) (*BuildRequest, error) {
	if req == nil {
		return nil, &ValidationError{Field: "request", Reason: "is required"}
	}

	now := e.now()
	req.ID = uuid.New().String()
	req.State = StatePending
	req.LastStage = StageSubmitted
	req.FailureReason = ""
	req.FailureKind = ""
	req.Approval = nil
	req.CreatedAt = now
	req.UpdatedAt = now
	req.StateEnteredAt = now
	req.CompletedAt = nil

	if err := e.store.CreateRequest(ctx, req, req.Requester); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	e.recordTransition(ctx, req, "", StatePending, req.Requester, "submitted")

	if err := e.renderer.Validate(req); err != nil {
		if ferr := e.fail(ctx, req, StatePending, req.Requester, StageSubmitted, err); ferr != nil {
			return req, ferr
		}
		return req, err
	}
	return req, nil
}

// Process drives a pending request through rendering, allocation and
// materialization into planning, then plans it. The returned error is the
// cause when the request ends in failed or plan_failed.
func (e *Engine) Process(ctx context.Context, id string) (*BuildRequest, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	opCtx, done := e.track(ctx, id)
	defer done()

	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State != StatePending {
		return req, &StaleStateError{RequestID: id, Expected: StatePending, Actual: req.State}
	}

	opCtx, span := e.tracer.Start(opCtx, "request.process",
		trace.WithAttributes(attribute.String("request.id", id)))
	defer span.End()

	ws, stage, err := e.prepare(ctx, opCtx, req)
	if err == nil && opCtx.Err() != nil {
		err = opCtx.Err()
	}
	if err != nil {
		recordSpanError(span, err)
		e.releaseResources(ctx, req)
		if ferr := e.fail(ctx, req, StatePending, SystemActor, stage, err); ferr != nil {
			return req, ferr
		}
		return req, err
	}

	if err := e.transition(ctx, req, Transition{
		From:      StatePending,
		To:        StatePlanning,
		Actor:     SystemActor,
		Message:   "workspace materialized",
		LastStage: StageMaterialized,
	}); err != nil {
		return req, err
	}

	if err := e.materializer.Seal(ctx, ws); err != nil {
		recordSpanError(span, err)
		e.releaseResources(ctx, req)
		if ferr := e.fail(ctx, req, StatePlanning, SystemActor, StageMaterialized, err); ferr != nil {
			return req, ferr
		}
		return req, err
	}

	return e.plan(ctx, opCtx, req, ws)
}

// ProcessAsync runs Process in the background. Background work is bounded
// by Shutdown.
func (e *Engine) ProcessAsync(id string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Process(context.Background(), id); err != nil {
			e.logger.Warn().Err(err).Str("request_id", id).Msg("request processing ended with error")
		}
	}()
}

// Wait blocks until all background operations have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown waits for background operations until ctx is done, then cancels
// the ones still running and waits for them to return. Interrupted plans end
// in plan_failed and interrupted applies in failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
	}

	e.logger.Warn().Msg("shutdown deadline reached, cancelling background operations")
	e.stop()
	<-done
	return ctx.Err()
}

// prepare runs the pending-stage pipeline. It returns the last stage that
// completed so failures can report how far the request got.
func (e *Engine) prepare(ctx, opCtx context.Context, req *BuildRequest) (*Workspace, Stage, error) {
	if err := e.renderer.Validate(req); err != nil {
		return nil, StageSubmitted, err
	}
	netCtx, err := e.renderer.NetworkContext(req)
	if err != nil {
		return nil, StageSubmitted, err
	}

	start, err := e.store.ReserveNames(ctx, req.ID, req.Prefix, req.StartNumber, req.Quantity, e.now())
	if err != nil {
		return nil, StageValidated, err
	}
	req.StartNumber = start
	// A start drawn from the counter is only range-checked once it is known.
	if err := e.renderer.Validate(req); err != nil {
		return nil, StageValidated, err
	}

	addresses, err := e.allocate(ctx, opCtx, req, netCtx)
	if err != nil {
		return nil, StageNamesReserved, err
	}

	vars, err := e.renderer.Render(req, addresses)
	if err != nil {
		return nil, StageAllocated, err
	}

	ws, err := e.materializer.Materialize(opCtx, req.ID, vars)
	if err != nil {
		return nil, StageRendered, err
	}
	return ws, StageMaterialized, nil
}

// allocate reserves one address per VM, in name order.
func (e *Engine) allocate(ctx, opCtx context.Context, req *BuildRequest, netCtx NetworkContext) ([]string, error) {
	opCtx, span := e.tracer.Start(opCtx, "request.allocate",
		trace.WithAttributes(attribute.Int("request.quantity", req.Quantity)))
	defer span.End()

	names := req.VMNames()
	addresses := make([]string, 0, len(names))
	for _, name := range names {
		alloc, err := e.allocator.Allocate(opCtx, AllocationRequest{
			RequestID: req.ID,
			VMName:    name,
			Interface: name + "/" + e.iface,
			Network:   netCtx,
		})
		if err != nil {
			e.recordAllocation("error")
			recordSpanError(span, err)
			e.appendAudit(ctx, &AuditRecord{
				RequestID: req.ID,
				Kind:      AuditAllocation,
				From:      req.State,
				To:        req.State,
				Actor:     SystemActor,
				Message:   fmt.Sprintf("allocation for %s failed: %v", name, err),
				ErrorKind: KindOf(err),
			})
			return nil, err
		}

		alloc.RequestID = req.ID
		alloc.Status = AllocationActive
		if alloc.AllocatedAt.IsZero() {
			alloc.AllocatedAt = e.now()
		}
		if err := e.store.SaveAllocation(ctx, alloc); err != nil {
			// The allocator holds an address nothing records; hand it back.
			if rerr := e.allocator.Release(context.WithoutCancel(ctx), *alloc); rerr != nil {
				e.logger.Warn().Err(rerr).Str("address", alloc.Address).Msg("failed to release unrecorded allocation")
			}
			return nil, fmt.Errorf("failed to record allocation: %w", err)
		}
		e.recordAllocation("allocated")
		e.appendAudit(ctx, &AuditRecord{
			RequestID: req.ID,
			Kind:      AuditAllocation,
			From:      req.State,
			To:        req.State,
			Actor:     SystemActor,
			Message:   fmt.Sprintf("allocated %s to %s", alloc.Address, alloc.Interface),
		})
		addresses = append(addresses, alloc.Address)
	}
	return addresses, nil
}

// plan runs the plan with retries of RunnerUnavailable. The request is in
// planning on entry.
func (e *Engine) plan(ctx, opCtx context.Context, req *BuildRequest, ws *Workspace) (*BuildRequest, error) {
	opCtx, span := e.tracer.Start(opCtx, "request.plan",
		trace.WithAttributes(attribute.String("request.id", req.ID)))
	defer span.End()

	var last *PlanResult
	err := e.planRetry.Do(opCtx, e.clock,
		func(err error) bool { return IsKind(err, KindRunnerUnavailable) },
		func(err error, attempt int) {
			e.logger.Warn().Err(err).Str("request_id", req.ID).Int("attempt", attempt).Msg("plan attempt failed")
		},
		func(attempt int) error {
			started := e.clock.Now()
			res, err := e.gateway.Plan(opCtx, ws)
			e.recordRunnerCall("plan", err, e.clock.Now().Sub(started))

			res = e.planResultFor(req.ID, res, err)
			if serr := e.store.SavePlanResult(ctx, res); serr != nil {
				return fmt.Errorf("failed to save plan result: %w", serr)
			}
			last = res

			msg := res.SummaryText
			if err != nil {
				msg = fmt.Sprintf("plan attempt %d failed: %v", res.Attempt, err)
			}
			e.appendAudit(ctx, &AuditRecord{
				RequestID:    req.ID,
				Kind:         AuditPlanAttempt,
				From:         StatePlanning,
				To:           StatePlanning,
				Actor:        SystemActor,
				Message:      msg,
				ErrorKind:    KindOf(err),
				PlanResultID: &res.ID,
			})
			e.publish(ctx, &Event{
				Type:      EventTypePlanAttempt,
				RequestID: req.ID,
				From:      StatePlanning,
				To:        StatePlanning,
				Actor:     SystemActor,
				Message:   msg,
				At:        e.now(),
			})
			return err
		},
	)

	if err == nil {
		t := Transition{
			From:      StatePlanning,
			To:        StateAwaitingApproval,
			Actor:     SystemActor,
			Message:   last.SummaryText,
			LastStage: StagePlanned,
		}
		t.PlanResultID = &last.ID
		if terr := e.transition(ctx, req, t); terr != nil {
			return req, terr
		}
		return req, nil
	}

	recordSpanError(span, err)
	if e.cancelledBy(req.ID) != "" {
		e.releaseResources(ctx, req)
		if ferr := e.fail(ctx, req, StatePlanning, SystemActor, req.LastStage, err); ferr != nil {
			return req, ferr
		}
		return req, err
	}

	t := Transition{
		From:          StatePlanning,
		To:            StatePlanFailed,
		Actor:         SystemActor,
		Message:       err.Error(),
		FailureReason: err.Error(),
		FailureKind:   KindOf(err),
	}
	if last != nil {
		t.PlanResultID = &last.ID
	}
	if terr := e.transition(ctx, req, t); terr != nil {
		return req, terr
	}
	return req, err
}

// Replan moves a plan_failed request back to planning and plans it again
// against its existing workspace.
func (e *Engine) Replan(ctx context.Context, id, actor string) (*BuildRequest, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	opCtx, done := e.track(ctx, id)
	defer done()

	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State != StatePlanFailed {
		return req, &StaleStateError{RequestID: id, Expected: StatePlanFailed, Actual: req.State}
	}

	ws, err := e.materializer.Open(opCtx, id)
	if err != nil {
		return req, fmt.Errorf("failed to open workspace: %w", err)
	}

	if err := e.transition(ctx, req, Transition{
		From:    StatePlanFailed,
		To:      StatePlanning,
		Actor:   actor,
		Message: "re-plan requested",
	}); err != nil {
		return req, err
	}
	return e.plan(ctx, opCtx, req, ws)
}

// Approve records an approval and applies the plan. Approving an already
// approved request returns the recorded decision without applying again.
func (e *Engine) Approve(ctx context.Context, id, actor, comment string) (*BuildRequest, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Approval != nil {
		if req.Approval.Decision == DecisionApproved {
			return req, nil
		}
		return req, &StaleStateError{RequestID: id, Expected: StateAwaitingApproval, Actual: req.State}
	}
	if req.State != StateAwaitingApproval {
		return req, &StaleStateError{RequestID: id, Expected: StateAwaitingApproval, Actual: req.State}
	}

	if err := e.transition(ctx, req, Transition{
		From:      StateAwaitingApproval,
		To:        StateApproved,
		Actor:     actor,
		Message:   comment,
		LastStage: StageApproved,
		Approval: &Approval{
			Decision:  DecisionApproved,
			Actor:     actor,
			Comment:   comment,
			DecidedAt: e.now(),
		},
	}); err != nil {
		return req, err
	}

	return e.apply(ctx, req)
}

// apply runs the single apply of an approved request. Allocations are kept
// when the apply fails since resources may exist.
func (e *Engine) apply(ctx context.Context, req *BuildRequest) (*BuildRequest, error) {
	ctx, span := e.tracer.Start(ctx, "request.apply",
		trace.WithAttributes(attribute.String("request.id", req.ID)))
	defer span.End()

	if err := e.transition(ctx, req, Transition{
		From:    StateApproved,
		To:      StateApplying,
		Actor:   SystemActor,
		Message: "apply started",
	}); err != nil {
		return req, err
	}

	runCtx, cancel := e.scoped(ctx)
	defer cancel()

	ws, err := e.materializer.Open(runCtx, req.ID)
	if err != nil {
		err = fmt.Errorf("failed to open workspace: %w", err)
		recordSpanError(span, err)
		if ferr := e.fail(ctx, req, StateApplying, SystemActor, StageApproved, err); ferr != nil {
			return req, ferr
		}
		return req, err
	}

	started := e.clock.Now()
	res, applyErr := e.gateway.Apply(runCtx, ws)
	e.recordRunnerCall("apply", applyErr, e.clock.Now().Sub(started))

	res = e.applyResultFor(req.ID, res, applyErr)
	if err := e.store.SaveApplyResult(ctx, res); err != nil {
		return req, fmt.Errorf("failed to save apply result: %w", err)
	}
	msg := res.SummaryText
	if applyErr != nil {
		msg = fmt.Sprintf("apply failed: %v", applyErr)
	}
	e.appendAudit(ctx, &AuditRecord{
		RequestID:     req.ID,
		Kind:          AuditApplyAttempt,
		From:          StateApplying,
		To:            StateApplying,
		Actor:         SystemActor,
		Message:       msg,
		ErrorKind:     KindOf(applyErr),
		ApplyResultID: &res.ID,
	})
	e.publish(ctx, &Event{
		Type:      EventTypeApplyAttempt,
		RequestID: req.ID,
		From:      StateApplying,
		To:        StateApplying,
		Actor:     SystemActor,
		Message:   msg,
		At:        e.now(),
	})

	if applyErr != nil {
		recordSpanError(span, applyErr)
		t := Transition{
			From:          StateApplying,
			To:            StateFailed,
			Actor:         SystemActor,
			Message:       applyErr.Error(),
			FailureReason: applyErr.Error(),
			FailureKind:   KindOf(applyErr),
			ApplyResultID: &res.ID,
		}
		if err := e.transition(ctx, req, t); err != nil {
			return req, err
		}
		return req, applyErr
	}

	t := Transition{
		From:      StateApplying,
		To:        StateCompleted,
		Actor:     SystemActor,
		Message:   res.SummaryText,
		LastStage: StageApplied,
	}
	t.ApplyResultID = &res.ID
	if err := e.transition(ctx, req, t); err != nil {
		return req, err
	}
	return req, nil
}

// Reject records a rejection. Rejecting an already rejected request returns
// the recorded decision; rejecting after approval is a stale transition.
func (e *Engine) Reject(ctx context.Context, id, actor, comment string) (*BuildRequest, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Approval != nil {
		if req.Approval.Decision == DecisionRejected {
			return req, nil
		}
		return req, &StaleStateError{RequestID: id, Expected: StateAwaitingApproval, Actual: req.State}
	}
	if req.State != StateAwaitingApproval {
		return req, &StaleStateError{RequestID: id, Expected: StateAwaitingApproval, Actual: req.State}
	}

	if err := e.transition(ctx, req, Transition{
		From:    StateAwaitingApproval,
		To:      StateRejected,
		Actor:   actor,
		Message: comment,
		Approval: &Approval{
			Decision:  DecisionRejected,
			Actor:     actor,
			Comment:   comment,
			DecidedAt: e.now(),
		},
	}); err != nil {
		return req, err
	}

	e.releaseResources(ctx, req)
	return req, nil
}

// Cancel fails a request that is pending, planning or awaiting approval. A
// running process or plan is interrupted first.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (*BuildRequest, error) {
	signalled := e.signalCancel(id, actor)

	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if signalled && req.State == StateFailed && req.FailureKind == KindCancelled {
		return req, nil
	}
	if !req.State.IsCancellable() {
		return req, &CannotCancelError{RequestID: id, State: req.State}
	}

	reason := cancelReason(actor)
	if err := e.transition(ctx, req, Transition{
		From:          req.State,
		To:            StateFailed,
		Actor:         actor,
		Message:       reason,
		FailureReason: reason,
		FailureKind:   KindCancelled,
	}); err != nil {
		return req, err
	}

	e.releaseResources(ctx, req)
	return req, nil
}

// Resubmit creates a new pending request with the parameters of a failed or
// rejected one.
func (e *Engine) Resubmit(ctx context.Context, id, actor string) (*BuildRequest, error) {
	src, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.State != StateFailed && src.State != StateRejected {
		return nil, &StaleStateError{RequestID: id, Expected: StateFailed, Actual: src.State}
	}

	next := src.Clone()
	next.ResubmittedFrom = src.ID
	if actor != "" {
		next.Requester = actor
	}

	created, err := e.Submit(ctx, next)
	if created != nil {
		e.appendAudit(ctx, &AuditRecord{
			RequestID: src.ID,
			Kind:      AuditResubmission,
			From:      src.State,
			To:        src.State,
			Actor:     next.Requester,
			Message:   "resubmitted as " + created.ID,
		})
	}
	return created, err
}

// Recover reconciles requests left mid-flight by a previous process.
// Interrupted plans become plan_failed, interrupted applies become failed,
// approved requests are applied and pending ones are processed.
func (e *Engine) Recover(ctx context.Context) error {
	planning, err := e.store.ListRequests(ctx, StatePlanning)
	if err != nil {
		return fmt.Errorf("failed to list planning requests: %w", err)
	}
	for _, req := range planning {
		if err := e.interrupt(ctx, req, StatePlanFailed); err != nil {
			return err
		}
	}

	applying, err := e.store.ListRequests(ctx, StateApplying)
	if err != nil {
		return fmt.Errorf("failed to list applying requests: %w", err)
	}
	for _, req := range applying {
		if err := e.interrupt(ctx, req, StateFailed); err != nil {
			return err
		}
	}

	if err := e.seedStateGauge(ctx); err != nil {
		return err
	}

	approved, err := e.store.ListRequests(ctx, StateApproved)
	if err != nil {
		return fmt.Errorf("failed to list approved requests: %w", err)
	}
	for _, req := range approved {
		id := req.ID
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.locks.Lock(id)
			defer e.locks.Unlock(id)
			ctx := context.Background()
			req, err := e.store.GetRequest(ctx, id)
			if err != nil || req.State != StateApproved {
				return
			}
			if _, err := e.apply(ctx, req); err != nil {
				e.logger.Warn().Err(err).Str("request_id", id).Msg("resumed apply ended with error")
			}
		}()
	}

	pending, err := e.store.ListRequests(ctx, StatePending)
	if err != nil {
		return fmt.Errorf("failed to list pending requests: %w", err)
	}
	for _, req := range pending {
		e.ProcessAsync(req.ID)
	}
	return nil
}

// seedStateGauge sets the per-state request counts from the store, so the
// gauge matches requests created by earlier processes.
func (e *Engine) seedStateGauge(ctx context.Context) error {
	if e.metrics == nil {
		return nil
	}
	all, err := e.store.ListRequests(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to count requests: %w", err)
	}
	counts := make(map[State]int, len(AllStates))
	for _, req := range all {
		counts[req.State]++
	}
	for _, state := range AllStates {
		e.metrics.SetRequestsInState(string(state), float64(counts[state]))
	}
	return nil
}

func (e *Engine) interrupt(ctx context.Context, req *BuildRequest, to State) error {
	e.locks.Lock(req.ID)
	defer e.locks.Unlock(req.ID)

	reason := fmt.Sprintf("interrupted while %s", req.State)
	err := e.transition(ctx, req, Transition{
		From:          req.State,
		To:            to,
		Actor:         SystemActor,
		Message:       reason,
		FailureReason: reason,
		FailureKind:   KindInternal,
	})
	var stale *StaleStateError
	if errors.As(err, &stale) {
		return nil
	}
	return err
}

// Get returns a request by ID.
func (e *Engine) Get(ctx context.Context, id string) (*BuildRequest, error) {
	return e.store.GetRequest(ctx, id)
}

// List returns requests in the given state, or all when state is empty.
func (e *Engine) List(ctx context.Context, state State) ([]*BuildRequest, error) {
	if state != "" {
		if err := state.Validate(); err != nil {
			return nil, &ValidationError{Field: "state", Reason: err.Error()}
		}
	}
	return e.store.ListRequests(ctx, state)
}

// Audit returns the request's history in sequence order.
func (e *Engine) Audit(ctx context.Context, id string) ([]AuditRecord, error) {
	if _, err := e.store.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, id)
}

// Plans returns every plan attempt of the request.
func (e *Engine) Plans(ctx context.Context, id string) ([]PlanResult, error) {
	if _, err := e.store.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListPlanResults(ctx, id)
}

// Applies returns every apply attempt of the request.
func (e *Engine) Applies(ctx context.Context, id string) ([]ApplyResult, error) {
	if _, err := e.store.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListApplyResults(ctx, id)
}

// Allocations returns the request's IP allocations.
func (e *Engine) Allocations(ctx context.Context, id string) ([]IPAllocation, error) {
	if _, err := e.store.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListAllocations(ctx, id)
}

// fail moves the request to failed. A pending cancellation overrides the
// reason so the audit shows who cancelled.
func (e *Engine) fail(ctx context.Context, req *BuildRequest, from State, actor string, stage Stage, cause error) error {
	reason := cause.Error()
	kind := KindOf(cause)
	if by := e.cancelledBy(req.ID); by != "" {
		reason = cancelReason(by)
		kind = KindCancelled
		actor = by
	}
	return e.transition(ctx, req, Transition{
		From:          from,
		To:            StateFailed,
		Actor:         actor,
		Message:       reason,
		FailureReason: reason,
		FailureKind:   kind,
		LastStage:     stage,
	})
}

func (e *Engine) transition(ctx context.Context, req *BuildRequest, t Transition) error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("transition %s -> %s is not permitted for request %s", t.From, t.To, req.ID)
	}
	t.RequestID = req.ID
	if t.At.IsZero() {
		t.At = e.now()
	}

	// Bookkeeping must land even when the caller's context was cancelled.
	if _, err := e.store.Transition(context.WithoutCancel(ctx), t); err != nil {
		return err
	}

	req.State = t.To
	req.StateEnteredAt = t.At
	req.UpdatedAt = t.At
	if t.FailureReason != "" {
		req.FailureReason = t.FailureReason
		req.FailureKind = t.FailureKind
	}
	if t.LastStage != "" {
		req.LastStage = t.LastStage
	}
	if t.Approval != nil {
		req.Approval = t.Approval
	}
	if t.To.IsTerminal() {
		at := t.At
		req.CompletedAt = &at
	}

	e.recordTransition(ctx, req, t.From, t.To, t.Actor, t.Message)
	return nil
}

func (e *Engine) recordTransition(ctx context.Context, req *BuildRequest, from, to State, actor, message string) {
	if e.metrics != nil {
		e.metrics.RecordTransition(string(from), string(to))
	}
	e.logger.Info().
		Str("request_id", req.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("request transitioned")
	e.publish(ctx, &Event{
		Type:      EventTypeTransition,
		RequestID: req.ID,
		From:      from,
		To:        to,
		Actor:     actor,
		Message:   message,
		At:        req.StateEnteredAt,
	})
}

// releaseResources returns the request's addresses and names. Release is
// best-effort: a failed release marks the allocation abandoned.
func (e *Engine) releaseResources(ctx context.Context, req *BuildRequest) {
	ctx = context.WithoutCancel(ctx)

	allocs, err := e.store.ListAllocations(ctx, req.ID)
	if err != nil {
		e.logger.Error().Err(err).Str("request_id", req.ID).Msg("failed to list allocations for release")
	}
	for _, alloc := range allocs {
		if alloc.Status != AllocationActive {
			continue
		}
		status := AllocationReleased
		msg := fmt.Sprintf("released %s from %s", alloc.Address, alloc.Interface)
		var kind ErrorKind
		if err := e.allocator.Release(ctx, alloc); err != nil {
			status = AllocationAbandoned
			msg = fmt.Sprintf("release of %s failed: %v", alloc.Address, err)
			kind = KindOf(err)
			e.logger.Warn().Err(err).Str("request_id", req.ID).Str("address", alloc.Address).Msg("ip release failed")
		}
		if err := e.store.UpdateAllocationStatus(ctx, alloc.ID, status, e.now()); err != nil {
			e.logger.Error().Err(err).Int64("allocation_id", alloc.ID).Msg("failed to update allocation status")
		}
		e.recordAllocation(string(status))
		e.appendAudit(ctx, &AuditRecord{
			RequestID: req.ID,
			Kind:      AuditRelease,
			From:      req.State,
			To:        req.State,
			Actor:     SystemActor,
			Message:   msg,
			ErrorKind: kind,
		})
	}

	if err := e.store.ReleaseNames(ctx, req.ID); err != nil {
		e.logger.Error().Err(err).Str("request_id", req.ID).Msg("failed to release vm names")
	}
}

func (e *Engine) appendAudit(ctx context.Context, rec *AuditRecord) {
	if rec.At.IsZero() {
		rec.At = e.now()
	}
	if err := e.store.AppendAudit(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to append audit record")
	}
}

func (e *Engine) publish(ctx context.Context, event *Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Debug().Err(err).Str("request_id", event.RequestID).Msg("event not published")
	}
}

func (e *Engine) recordRunnerCall(op string, err error, d time.Duration) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	e.metrics.RecordRunnerCall(op, outcome, d)
}

func (e *Engine) recordAllocation(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordAllocation(outcome)
	}
}

// planResultFor fills in a result for the attempt, synthesizing one when the
// runner returned none.
func (e *Engine) planResultFor(requestID string, res *PlanResult, err error) *PlanResult {
	if res == nil {
		res = &PlanResult{}
	}
	res.ID = 0
	res.RequestID = requestID
	res.Success = err == nil
	if res.CreatedAt.IsZero() {
		res.CreatedAt = e.now()
	}
	if err != nil {
		res.FailureReason = err.Error()
		res.ErrorKind = KindOf(err)
		var rerr *RunnerError
		if res.Output == "" && errors.As(err, &rerr) {
			res.Output = rerr.Output
		}
	}
	return res
}

func (e *Engine) applyResultFor(requestID string, res *ApplyResult, err error) *ApplyResult {
	if res == nil {
		res = &ApplyResult{}
	}
	res.ID = 0
	res.RequestID = requestID
	res.Success = err == nil
	if res.CreatedAt.IsZero() {
		res.CreatedAt = e.now()
	}
	if err != nil {
		res.FailureReason = err.Error()
		res.ErrorKind = KindOf(err)
		var rerr *RunnerError
		if res.Output == "" && errors.As(err, &rerr) {
			res.Output = rerr.Output
		}
	}
	return res
}

// track registers a cancellable context for the request's running operation.
func (e *Engine) track(ctx context.Context, id string) (context.Context, func()) {
	opCtx, cancel := e.scoped(ctx)
	e.mu.Lock()
	e.inflight[id] = &inflightOp{cancel: cancel}
	e.mu.Unlock()

	return opCtx, func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
		cancel()
	}
}

// scoped derives a context for runner and allocator calls that is also
// cancelled by Shutdown. Store writes keep the caller's context so an
// interrupted operation can still record its outcome.
func (e *Engine) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	scoped, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.base, cancel)
	return scoped, func() {
		stop()
		cancel()
	}
}

func (e *Engine) signalCancel(id, actor string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.inflight[id]
	if !ok {
		return false
	}
	op.cancelledBy = actor
	op.cancel()
	return true
}

func (e *Engine) cancelledBy(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if op, ok := e.inflight[id]; ok {
		return op.cancelledBy
	}
	return ""
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func cancelReason(actor string) string {
	return "cancelled by " + actor
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
