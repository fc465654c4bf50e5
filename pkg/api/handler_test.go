package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmpool/vmpool/pkg/engine"
	"github.com/vmpool/vmpool/pkg/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeService keeps requests in memory and records background work.
type fakeService struct {
	mu        sync.Mutex
	requests  map[string]*engine.BuildRequest
	processed []string
	actions   []string
	err       error
}

func newFakeService() *fakeService {
	return &fakeService{requests: map[string]*engine.BuildRequest{
		"req-1": {ID: "req-1", Prefix: "lin2dv2-ssb", State: engine.StateAwaitingApproval},
		"req-2": {ID: "req-2", Prefix: "lin2dv2-app", State: engine.StateFailed},
	}}
}

func (f *fakeService) Submit(_ context.Context, req *engine.BuildRequest) (*engine.BuildRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.ID = "req-new"
	req.State = engine.StatePending
	if req.Quantity < 1 {
		req.State = engine.StateFailed
		return req, &engine.ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}
	f.requests[req.ID] = req
	return req, nil
}

func (f *fakeService) ProcessAsync(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, id)
}

func (f *fakeService) get(id string) (*engine.BuildRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, engine.ErrRequestNotFound
	}
	return req, nil
}

func (f *fakeService) act(id, action string) (*engine.BuildRequest, error) {
	req, err := f.get(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.actions = append(f.actions, action+":"+id)
	f.mu.Unlock()
	return req, f.err
}

func (f *fakeService) Replan(_ context.Context, id, actor string) (*engine.BuildRequest, error) {
	return f.act(id, "replan/"+actor)
}

func (f *fakeService) Approve(_ context.Context, id, actor, comment string) (*engine.BuildRequest, error) {
	return f.act(id, "approve/"+actor+"/"+comment)
}

func (f *fakeService) Reject(_ context.Context, id, actor, comment string) (*engine.BuildRequest, error) {
	return f.act(id, "reject/"+actor+"/"+comment)
}

func (f *fakeService) Cancel(_ context.Context, id, actor string) (*engine.BuildRequest, error) {
	return f.act(id, "cancel/"+actor)
}

func (f *fakeService) Resubmit(_ context.Context, id, actor string) (*engine.BuildRequest, error) {
	if _, err := f.act(id, "resubmit/"+actor); err != nil {
		return nil, err
	}
	return &engine.BuildRequest{ID: "req-copy", State: engine.StatePending, ResubmittedFrom: id}, nil
}

func (f *fakeService) Get(_ context.Context, id string) (*engine.BuildRequest, error) {
	return f.get(id)
}

func (f *fakeService) List(_ context.Context, state engine.State) ([]*engine.BuildRequest, error) {
	if state != "" {
		if err := state.Validate(); err != nil {
			return nil, &engine.ValidationError{Field: "state", Reason: err.Error()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*engine.BuildRequest
	for _, id := range []string{"req-1", "req-2"} {
		if r := f.requests[id]; state == "" || r.State == state {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeService) Audit(_ context.Context, id string) ([]engine.AuditRecord, error) {
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	return []engine.AuditRecord{{RequestID: id, Seq: 1, To: engine.StatePending, Actor: "alice"}}, nil
}

func (f *fakeService) Plans(_ context.Context, id string) ([]engine.PlanResult, error) {
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeService) Applies(_ context.Context, id string) ([]engine.ApplyResult, error) {
	return nil, nil
}

func (f *fakeService) Allocations(_ context.Context, id string) ([]engine.IPAllocation, error) {
	return []engine.IPAllocation{{RequestID: id, Address: "10.20.30.11/24"}}, nil
}

type envelope struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Kind    engine.ErrorKind `json:"kind"`
	Data    json.RawMessage  `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func newTestRouter(svc Service) *gin.Engine {
	return NewRouter(Deps{Service: svc, Logger: zerolog.Nop()})
}

func TestSubmit(t *testing.T) {
	svc := newFakeService()
	r := newTestRouter(svc)

	rec, env := do(t, r, http.MethodPost, "/api/v1/requests", map[string]any{
		"requester": "alice", "prefix": "lin2dv2-ssb", "quantity": 2,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, env.Code)

	var got engine.BuildRequest
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "req-new", got.ID)
	assert.Equal(t, engine.StatePending, got.State)
	assert.Equal(t, []string{"req-new"}, svc.processed)
}

func TestSubmitInvalid(t *testing.T) {
	svc := newFakeService()
	r := newTestRouter(svc)

	rec, env := do(t, r, http.MethodPost, "/api/v1/requests", map[string]any{"requester": "alice", "quantity": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, engine.KindValidation, env.Kind)
	assert.Contains(t, env.Message, "quantity")
	assert.Empty(t, svc.processed)

	var got engine.BuildRequest
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, engine.StateFailed, got.State)
}

func TestSubmitMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	newTestRouter(newFakeService()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndGet(t *testing.T) {
	r := newTestRouter(newFakeService())

	rec, env := do(t, r, http.MethodGet, "/api/v1/requests?state=awaiting_approval", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []engine.BuildRequest
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "req-1", list[0].ID)

	rec, env = do(t, r, http.MethodGet, "/api/v1/requests?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, engine.KindValidation, env.Kind)

	rec, _ = do(t, r, http.MethodGet, "/api/v1/requests/req-2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = do(t, r, http.MethodGet, "/api/v1/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, engine.KindNotFound, env.Kind)
}

func TestCollections(t *testing.T) {
	r := newTestRouter(newFakeService())

	_, env := do(t, r, http.MethodGet, "/api/v1/requests/req-1/audit", nil)
	var audit []engine.AuditRecord
	require.NoError(t, json.Unmarshal(env.Data, &audit))
	assert.Len(t, audit, 1)

	rec, env := do(t, r, http.MethodGet, "/api/v1/requests/req-1/plans", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(env.Data))

	_, env = do(t, r, http.MethodGet, "/api/v1/requests/req-1/allocations", nil)
	assert.Contains(t, string(env.Data), "10.20.30.11/24")

	rec, _ = do(t, r, http.MethodGet, "/api/v1/requests/missing/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActions(t *testing.T) {
	svc := newFakeService()
	r := newTestRouter(svc)

	for _, path := range []string{"approve", "reject", "cancel", "replan"} {
		rec, _ := do(t, r, http.MethodPost, "/api/v1/requests/req-1/"+path, ActionRequest{Actor: "bob", Comment: "lgtm"})
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, []string{
		"approve/bob/lgtm:req-1",
		"reject/bob/lgtm:req-1",
		"cancel/bob:req-1",
		"replan/bob:req-1",
	}, svc.actions)
}

func TestActionRequiresActor(t *testing.T) {
	svc := newFakeService()
	rec, env := do(t, newTestRouter(svc), http.MethodPost, "/api/v1/requests/req-1/approve", map[string]string{"comment": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, engine.KindValidation, env.Kind)
	assert.Empty(t, svc.actions)
}

func TestResubmitStartsProcessing(t *testing.T) {
	svc := newFakeService()
	rec, env := do(t, newTestRouter(svc), http.MethodPost, "/api/v1/requests/req-2/resubmit", ActionRequest{Actor: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	var got engine.BuildRequest
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "req-2", got.ResubmittedFrom)
	assert.Equal(t, []string{"req-copy"}, svc.processed)
}

func TestActionErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"stale", &engine.StaleStateError{RequestID: "req-1", Expected: engine.StateAwaitingApproval, Actual: engine.StateRejected}, http.StatusConflict},
		{"cannot cancel", &engine.CannotCancelError{RequestID: "req-1", State: engine.StateCompleted}, http.StatusConflict},
		{"apply failed", engine.NewApplyFailed("clone failed", ""), http.StatusUnprocessableEntity},
		{"runner unavailable", engine.NewRunnerUnavailable("down", nil), http.StatusBadGateway},
		{"timeout", engine.NewTimeout("too slow", nil), http.StatusGatewayTimeout},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.err = tt.err
			rec, env := do(t, newTestRouter(svc), http.MethodPost, "/api/v1/requests/req-1/approve", ActionRequest{Actor: "bob"})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.status, env.Code)
			assert.Equal(t, engine.KindOf(tt.err), env.Kind)
			assert.Contains(t, string(env.Data), `"id":"req-1"`)
		})
	}
}

func TestHealthz(t *testing.T) {
	healthy := true
	r := NewRouter(Deps{
		Service: newFakeService(),
		Logger:  zerolog.Nop(),
		Health: func(context.Context) error {
			if !healthy {
				return errors.New("database is locked")
			}
			return nil
		},
	})

	rec, _ := do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec, env := do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "database is locked", env.Message)
}

func TestMetricsRoute(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	require.NoError(t, err)
	r := NewRouter(Deps{Service: newFakeService(), Logger: zerolog.Nop(), Metrics: m})

	do(t, r, http.MethodGet, "/api/v1/requests/req-1", nil)
	do(t, r, http.MethodGet, "/api/v1/requests/missing", nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `route="/api/v1/requests/:id"`)
	assert.Contains(t, body, `status="404"`)
}

func TestServerRunStopsOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", newTestRouter(newFakeService()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	assert.NoError(t, <-done)
}
