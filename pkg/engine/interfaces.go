package engine

import (
	"context"
	"time"
)

// Renderer validates requests and turns them into Terraform variables.
// Implementations are pure over the request snapshot they are given.
type Renderer interface {
	// Validate checks the request without touching external systems.
	Validate(req *BuildRequest) error

	// NetworkContext resolves where the request's addresses are allocated.
	NetworkContext(req *BuildRequest) (NetworkContext, error)

	// Render produces the variable set. addresses holds one address per VM in name order.
	Render(req *BuildRequest, addresses []string) (Variables, error)
}

// Allocator reserves and releases IP addresses.
type Allocator interface {
	// Allocate reserves one address for one interface. Errors are *AllocationError.
	Allocate(ctx context.Context, req AllocationRequest) (*IPAllocation, error)

	// Release returns an address to the pool.
	Release(ctx context.Context, alloc IPAllocation) error
}

// Materializer owns the per-request Terraform workspaces.
type Materializer interface {
	// Materialize writes the workspace for the request. Rewriting a sealed
	// workspace with different variables returns *WorkspaceConflictError.
	Materialize(ctx context.Context, requestID string, vars Variables) (*Workspace, error)

	// Seal freezes the workspace content once the request has left pending.
	Seal(ctx context.Context, ws *Workspace) error

	// Open loads an existing workspace.
	Open(ctx context.Context, requestID string) (*Workspace, error)
}

// Gateway submits workspaces to the external plan/apply runner.
// Implementations never retry; a result is returned alongside an error when
// the runner produced output.
type Gateway interface {
	Plan(ctx context.Context, ws *Workspace) (*PlanResult, error)
	Apply(ctx context.Context, ws *Workspace) (*ApplyResult, error)
}

// Store persists requests, their audit history and attempt results.
type Store interface {
	// CreateRequest inserts a new request in its initial state together with
	// its first audit record.
	CreateRequest(ctx context.Context, req *BuildRequest, actor string) error

	// GetRequest returns ErrRequestNotFound when the ID is unknown.
	GetRequest(ctx context.Context, id string) (*BuildRequest, error)

	// ListRequests returns requests in the given state, or all requests when state is empty.
	ListRequests(ctx context.Context, state State) ([]*BuildRequest, error)

	// Transition atomically moves a request from t.From to t.To and appends
	// the audit record. A request no longer in t.From yields *StaleStateError.
	Transition(ctx context.Context, t Transition) (*AuditRecord, error)

	// AppendAudit appends a non-transition audit record.
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, requestID string) ([]AuditRecord, error)

	// SavePlanResult assigns the result ID and attempt number.
	SavePlanResult(ctx context.Context, res *PlanResult) error
	ListPlanResults(ctx context.Context, requestID string) ([]PlanResult, error)

	// SaveApplyResult assigns the result ID and attempt number.
	SaveApplyResult(ctx context.Context, res *ApplyResult) error
	ListApplyResults(ctx context.Context, requestID string) ([]ApplyResult, error)

	// ReserveNames reserves the request's VM names. A zero start number draws
	// the next free number for the prefix. The assigned start number is
	// returned and stored on the request. Names held by another request yield
	// a *ValidationError. at is recorded as the reservation time.
	ReserveNames(ctx context.Context, requestID, prefix string, start, quantity int, at time.Time) (int, error)

	// ReleaseNames frees every name reserved by the request.
	ReleaseNames(ctx context.Context, requestID string) error

	SaveAllocation(ctx context.Context, alloc *IPAllocation) error
	UpdateAllocationStatus(ctx context.Context, id int64, status AllocationStatus, at time.Time) error
	ListAllocations(ctx context.Context, requestID string) ([]IPAllocation, error)
}

// EventPublisher receives lifecycle notifications.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives lifecycle measurements.
type MetricsRecorder interface {
	RecordTransition(from, to string)
	RecordRunnerCall(operation, outcome string, duration time.Duration)
	RecordAllocation(outcome string)

	// SetRequestsInState overwrites the number of requests in a state.
	SetRequestsInState(state string, count float64)
}
