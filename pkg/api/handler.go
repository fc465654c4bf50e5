package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vmpool/vmpool/pkg/engine"
)

// Service is the lifecycle surface the handlers drive. *engine.Engine
// implements it.
type Service interface {
	Submit(ctx context.Context, req *engine.BuildRequest) (*engine.BuildRequest, error)
	ProcessAsync(id string)
	Replan(ctx context.Context, id, actor string) (*engine.BuildRequest, error)
	Approve(ctx context.Context, id, actor, comment string) (*engine.BuildRequest, error)
	Reject(ctx context.Context, id, actor, comment string) (*engine.BuildRequest, error)
	Cancel(ctx context.Context, id, actor string) (*engine.BuildRequest, error)
	Resubmit(ctx context.Context, id, actor string) (*engine.BuildRequest, error)
	Get(ctx context.Context, id string) (*engine.BuildRequest, error)
	List(ctx context.Context, state engine.State) ([]*engine.BuildRequest, error)
	Audit(ctx context.Context, id string) ([]engine.AuditRecord, error)
	Plans(ctx context.Context, id string) ([]engine.PlanResult, error)
	Applies(ctx context.Context, id string) ([]engine.ApplyResult, error)
	Allocations(ctx context.Context, id string) ([]engine.IPAllocation, error)
}

var _ Service = (*engine.Engine)(nil)

// ActionRequest is the body of approve, reject, cancel, replan and resubmit.
type ActionRequest struct {
	Actor   string `json:"actor" binding:"required"`
	Comment string `json:"comment"`
}

// ListRequestsQuery filters the request list.
type ListRequestsQuery struct {
	State string `form:"state"`
}

// RequestHandler serves the build request routes.
type RequestHandler struct {
	svc    Service
	logger zerolog.Logger
}

// NewRequestHandler creates the handler over svc.
func NewRequestHandler(svc Service, logger zerolog.Logger) *RequestHandler {
	return &RequestHandler{svc: svc, logger: logger}
}

// Submit records a new request and starts processing it in the background.
// An invalid request is recorded as failed and returned with 400.
func (h *RequestHandler) Submit(ctx *gin.Context) {
	req := new(engine.BuildRequest)
	if err := ctx.ShouldBindJSON(req); err != nil {
		handleError(ctx, &engine.ValidationError{Field: "body", Reason: err.Error()}, nil)
		return
	}

	created, err := h.svc.Submit(ctx.Request.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("requester", req.Requester).Msg("submit failed")
		handleError(ctx, err, created)
		return
	}

	h.svc.ProcessAsync(created.ID)
	handleSuccess(ctx, http.StatusAccepted, created)
}

// List returns requests, optionally filtered by ?state=.
func (h *RequestHandler) List(ctx *gin.Context) {
	q := new(ListRequestsQuery)
	if err := ctx.ShouldBindQuery(q); err != nil {
		handleError(ctx, &engine.ValidationError{Field: "query", Reason: err.Error()}, nil)
		return
	}

	reqs, err := h.svc.List(ctx.Request.Context(), engine.State(q.State))
	if err != nil {
		handleError(ctx, err, nil)
		return
	}
	if reqs == nil {
		reqs = []*engine.BuildRequest{}
	}
	handleSuccess(ctx, http.StatusOK, reqs)
}

// Get returns one request.
func (h *RequestHandler) Get(ctx *gin.Context) {
	req, err := h.svc.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handleError(ctx, err, nil)
		return
	}
	handleSuccess(ctx, http.StatusOK, req)
}

// Audit returns the request's history.
func (h *RequestHandler) Audit(ctx *gin.Context) {
	list(ctx, h.svc.Audit)
}

// Plans returns the request's plan attempts.
func (h *RequestHandler) Plans(ctx *gin.Context) {
	list(ctx, h.svc.Plans)
}

// Applies returns the request's apply attempts.
func (h *RequestHandler) Applies(ctx *gin.Context) {
	list(ctx, h.svc.Applies)
}

// Allocations returns the addresses claimed for the request.
func (h *RequestHandler) Allocations(ctx *gin.Context) {
	list(ctx, h.svc.Allocations)
}

// list serves a per-request collection. An unknown request is a 404, not an
// empty list.
func list[T any](ctx *gin.Context, fetch func(context.Context, string) ([]T, error)) {
	c := ctx.Request.Context()
	id := ctx.Param("id")

	items, err := fetch(c, id)
	if err != nil {
		handleError(ctx, err, nil)
		return
	}
	if items == nil {
		items = []T{}
	}
	handleSuccess(ctx, http.StatusOK, items)
}

// Approve records an approval and applies the plan. The reply is sent once
// the apply has finished.
func (h *RequestHandler) Approve(ctx *gin.Context) {
	h.action(ctx, "approve", func(c context.Context, id string, body *ActionRequest) (*engine.BuildRequest, error) {
		return h.svc.Approve(c, id, body.Actor, body.Comment)
	})
}

// Reject records a rejection.
func (h *RequestHandler) Reject(ctx *gin.Context) {
	h.action(ctx, "reject", func(c context.Context, id string, body *ActionRequest) (*engine.BuildRequest, error) {
		return h.svc.Reject(c, id, body.Actor, body.Comment)
	})
}

// Cancel fails a request that has not been decided yet.
func (h *RequestHandler) Cancel(ctx *gin.Context) {
	h.action(ctx, "cancel", func(c context.Context, id string, body *ActionRequest) (*engine.BuildRequest, error) {
		return h.svc.Cancel(c, id, body.Actor)
	})
}

// Replan plans a plan_failed request again.
func (h *RequestHandler) Replan(ctx *gin.Context) {
	h.action(ctx, "replan", func(c context.Context, id string, body *ActionRequest) (*engine.BuildRequest, error) {
		return h.svc.Replan(c, id, body.Actor)
	})
}

// Resubmit copies a failed or rejected request into a new one and starts
// processing it.
func (h *RequestHandler) Resubmit(ctx *gin.Context) {
	h.action(ctx, "resubmit", func(c context.Context, id string, body *ActionRequest) (*engine.BuildRequest, error) {
		created, err := h.svc.Resubmit(c, id, body.Actor)
		if err == nil {
			h.svc.ProcessAsync(created.ID)
		}
		return created, err
	})
}

func (h *RequestHandler) action(
	ctx *gin.Context,
	name string,
	fn func(context.Context, string, *ActionRequest) (*engine.BuildRequest, error),
) {
	body := new(ActionRequest)
	if err := ctx.ShouldBindJSON(body); err != nil {
		handleError(ctx, &engine.ValidationError{Field: "actor", Reason: "is required"}, nil)
		return
	}

	id := ctx.Param("id")
	req, err := fn(ctx.Request.Context(), id, body)
	if err != nil {
		h.logger.Info().
			Err(err).
			Str("request_id", id).
			Str("action", name).
			Str("actor", body.Actor).
			Msg("request action failed")
		handleError(ctx, err, req)
		return
	}
	handleSuccess(ctx, http.StatusOK, req)
}
