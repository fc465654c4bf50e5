package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmpool/vmpool/pkg/engine"
)

type atlantisServer struct {
	*httptest.Server
	requests []atlantisRequest
	paths    []string
	tokens   []string
}

func newAtlantisServer(t *testing.T, status int, body any) *atlantisServer {
	t.Helper()
	s := &atlantisServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req atlantisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.requests = append(s.requests, req)
		s.paths = append(s.paths, r.URL.Path)
		s.tokens = append(s.tokens, r.Header.Get("X-Atlantis-Token"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		switch b := body.(type) {
		case string:
			_, _ = w.Write([]byte(b))
		default:
			_ = json.NewEncoder(w).Encode(b)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestAtlantis(t *testing.T, url string) *AtlantisRunner {
	t.Helper()
	a, err := NewAtlantisRunner(AtlantisConfig{
		URL:        url + "/",
		Token:      "atl-token",
		Repository: "infra/vm-requests",
		DirPrefix:  "workspaces",
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return a
}

func testWorkspace() *engine.Workspace {
	return &engine.Workspace{RequestID: "req-1", Dir: "/var/lib/vmpool/workspaces/req-1"}
}

func TestAtlantisPlan(t *testing.T) {
	srv := newAtlantisServer(t, http.StatusOK, map[string]any{
		"Error":    nil,
		"Failures": nil,
		"ProjectResults": []map[string]any{{
			"RepoRelDir":  "workspaces/req-1",
			"Workspace":   "default",
			"Error":       nil,
			"Failure":     "",
			"PlanSuccess": map[string]any{"TerraformOutput": planOutput},
		}},
	})
	a := newTestAtlantis(t, srv.URL)

	res, err := a.Plan(context.Background(), testWorkspace())
	require.NoError(t, err)
	assert.Equal(t, engine.PlanSummary{Add: 2}, res.Summary)
	assert.Equal(t, "Plan: 2 to add, 0 to change, 0 to destroy.", res.SummaryText)
	assert.Equal(t, planOutput, res.Output)
	assert.Equal(t, 0, res.ExitStatus)

	require.Len(t, srv.requests, 1)
	assert.Equal(t, "/api/plan", srv.paths[0])
	assert.Equal(t, "atl-token", srv.tokens[0])
	assert.Equal(t, atlantisRequest{
		Repository: "infra/vm-requests",
		Ref:        "main",
		Type:       "Github",
		Paths:      []atlantisPath{{Directory: "workspaces/req-1", Workspace: "default"}},
	}, srv.requests[0])
}

func TestAtlantisPlanFailure(t *testing.T) {
	srv := newAtlantisServer(t, http.StatusInternalServerError, map[string]any{
		"ProjectResults": []map[string]any{{
			"Failure": "Error: Unsupported argument",
		}},
	})
	a := newTestAtlantis(t, srv.URL)

	res, err := a.Plan(context.Background(), testWorkspace())
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindPlanRejected))
	assert.Contains(t, err.Error(), "Unsupported argument")
	require.NotNil(t, res)
	assert.Equal(t, 1, res.ExitStatus)
}

func TestAtlantisErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		kind   engine.ErrorKind
	}{
		{name: "unavailable", status: http.StatusServiceUnavailable, body: "down", kind: engine.KindRunnerUnavailable},
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", kind: engine.KindRunnerUnavailable},
		{name: "server error without json", status: http.StatusInternalServerError, body: "panic", kind: engine.KindRunnerUnavailable},
		{name: "server error with json", status: http.StatusInternalServerError, body: map[string]any{"Error": "internal"}, kind: engine.KindRunnerUnavailable},
		{name: "gateway error with json", status: http.StatusBadGateway, body: map[string]any{"ProjectResults": []any{}}, kind: engine.KindRunnerUnavailable},
		{name: "bad request", status: http.StatusBadRequest, body: map[string]any{"Error": "unknown repository"}, kind: engine.KindPlanRejected},
		{name: "unauthorized", status: http.StatusUnauthorized, body: "bad token", kind: engine.KindPlanRejected},
		{name: "top level error", status: http.StatusOK, body: map[string]any{"Error": "repo locked"}, kind: engine.KindPlanRejected},
		{name: "no projects", status: http.StatusOK, body: map[string]any{"ProjectResults": []any{}}, kind: engine.KindPlanRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newAtlantisServer(t, tt.status, tt.body)
			_, err := newTestAtlantis(t, srv.URL).Plan(context.Background(), testWorkspace())
			require.Error(t, err)
			assert.Equal(t, tt.kind, engine.KindOf(err))
		})
	}
}

func TestAtlantisUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestAtlantis(t, url).Plan(context.Background(), testWorkspace())
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindRunnerUnavailable))
	assert.True(t, engine.IsTransient(err))
}

func TestAtlantisApply(t *testing.T) {
	srv := newAtlantisServer(t, http.StatusOK, map[string]any{
		"ProjectResults": []map[string]any{{
			"RepoRelDir":   "workspaces/req-1",
			"ApplySuccess": applyOutput,
		}},
	})
	a := newTestAtlantis(t, srv.URL)

	res, err := a.Apply(context.Background(), testWorkspace())
	require.NoError(t, err)
	assert.Equal(t, "/api/apply", srv.paths[0])
	assert.Equal(t, "Apply complete! Resources: 2 added, 0 changed, 0 destroyed.", res.SummaryText)
	assert.Len(t, res.ResourceIDs, 2)
	assert.Equal(t, []string{"10.20.30.11", "10.20.30.12"}, res.Addresses)
}

func TestAtlantisApplyFailure(t *testing.T) {
	srv := newAtlantisServer(t, http.StatusInternalServerError, map[string]any{
		"ProjectResults": []map[string]any{{
			"Failure": "Error: error cloning virtual machine",
		}},
	})
	a := newTestAtlantis(t, srv.URL)

	res, err := a.Apply(context.Background(), testWorkspace())
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindApplyFailed))
	assert.False(t, engine.IsTransient(err))
	require.NotNil(t, res)
	assert.Equal(t, 1, res.ExitStatus)
}

func TestNewAtlantisRunnerValidation(t *testing.T) {
	_, err := NewAtlantisRunner(AtlantisConfig{Repository: "r"})
	assert.ErrorContains(t, err, "url")
	_, err = NewAtlantisRunner(AtlantisConfig{URL: "http://a"})
	assert.ErrorContains(t, err, "repository")
}
