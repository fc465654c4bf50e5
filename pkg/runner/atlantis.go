package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmpool/vmpool/pkg/engine"
)

// maxAtlantisBody caps how much of a response is read.
const maxAtlantisBody = 16 << 20

// AtlantisConfig configures the Atlantis API backend.
type AtlantisConfig struct {
	URL   string
	Token string

	// Repository, Ref and Type identify the repository Atlantis checks out.
	Repository string
	Ref        string
	Type       string

	// DirPrefix is the repository path that holds the request workspaces.
	DirPrefix string

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// AtlantisRunner drives plans and applies through the Atlantis API.
type AtlantisRunner struct {
	cfg    AtlantisConfig
	client *http.Client
	logger zerolog.Logger
}

var _ Backend = (*AtlantisRunner)(nil)

// NewAtlantisRunner creates an Atlantis backend.
func NewAtlantisRunner(cfg AtlantisConfig) (*AtlantisRunner, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("atlantis url is required")
	}
	if cfg.Repository == "" {
		return nil, fmt.Errorf("atlantis repository is required")
	}
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	if cfg.Type == "" {
		cfg.Type = "Github"
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &AtlantisRunner{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.With().Str("component", "atlantis").Logger(),
	}, nil
}

// Name returns "atlantis".
func (a *AtlantisRunner) Name() string { return "atlantis" }

type atlantisPath struct {
	Directory string `json:"Directory"`
	Workspace string `json:"Workspace"`
}

type atlantisRequest struct {
	Repository string         `json:"Repository"`
	Ref        string         `json:"Ref"`
	Type       string         `json:"Type"`
	Paths      []atlantisPath `json:"Paths"`
}

type atlantisPlanSuccess struct {
	TerraformOutput string `json:"TerraformOutput"`
}

type atlantisProjectResult struct {
	RepoRelDir   string               `json:"RepoRelDir"`
	Workspace    string               `json:"Workspace"`
	Error        json.RawMessage      `json:"Error"`
	Failure      string               `json:"Failure"`
	PlanSuccess  *atlantisPlanSuccess `json:"PlanSuccess"`
	ApplySuccess string               `json:"ApplySuccess"`
}

type atlantisResponse struct {
	Error          json.RawMessage         `json:"Error"`
	Failures       []string                `json:"Failures"`
	ProjectResults []atlantisProjectResult `json:"ProjectResults"`
}

// Plan runs POST /api/plan for the request's directory.
func (a *AtlantisRunner) Plan(ctx context.Context, ws *engine.Workspace) (*engine.PlanResult, error) {
	started := time.Now()
	status, resp, raw, err := a.call(ctx, "/api/plan", ws)
	if err != nil {
		return nil, err
	}

	res := &engine.PlanResult{Output: raw, CreatedAt: started}
	project, failure := a.project(resp)
	if failure != "" || status >= 400 {
		if failure == "" {
			failure = fmt.Sprintf("atlantis returned status %d", status)
		}
		if project != nil && project.PlanSuccess != nil {
			res.Output = project.PlanSuccess.TerraformOutput
		}
		res.ExitStatus = 1
		return res, engine.NewPlanRejected(failure, res.Output)
	}

	if project.PlanSuccess == nil {
		res.ExitStatus = 1
		return res, engine.NewPlanRejected("atlantis returned no plan output", res.Output)
	}
	res.Output = project.PlanSuccess.TerraformOutput
	parsed := ParsePlan(res.Output)
	res.Summary = parsed.Summary
	res.SummaryText = parsed.SummaryText
	if !parsed.Found {
		return res, engine.NewPlanRejected("plan output has no summary", res.Output)
	}
	return res, nil
}

// Apply runs POST /api/apply for the request's directory.
func (a *AtlantisRunner) Apply(ctx context.Context, ws *engine.Workspace) (*engine.ApplyResult, error) {
	started := time.Now()
	status, resp, raw, err := a.call(ctx, "/api/apply", ws)
	if err != nil {
		return nil, err
	}

	res := &engine.ApplyResult{Output: raw, CreatedAt: started}
	project, failure := a.project(resp)
	if project != nil && project.ApplySuccess != "" {
		res.Output = project.ApplySuccess
	}
	if failure == "" && (status >= 400 || project.ApplySuccess == "") {
		failure = fmt.Sprintf("atlantis returned status %d without apply output", status)
	}
	parsed := ParseApply(res.Output)
	res.SummaryText = parsed.SummaryText
	res.ResourceIDs = parsed.ResourceIDs
	res.Addresses = parsed.Addresses
	if failure != "" {
		res.ExitStatus = 1
		return res, engine.NewApplyFailed(failure, res.Output)
	}
	if !parsed.Found {
		return res, engine.NewApplyFailed("apply output has no completion summary", res.Output)
	}
	return res, nil
}

// call posts the request and decodes the response. Transport failures, 429
// and 5xx responses without a command result become RunnerUnavailable.
func (a *AtlantisRunner) call(ctx context.Context, endpoint string, ws *engine.Workspace) (int, *atlantisResponse, string, error) {
	body, err := json.Marshal(atlantisRequest{
		Repository: a.cfg.Repository,
		Ref:        a.cfg.Ref,
		Type:       a.cfg.Type,
		Paths: []atlantisPath{{
			Directory: path.Join(a.cfg.DirPrefix, ws.RequestID),
			Workspace: "default",
		}},
	})
	if err != nil {
		return 0, nil, "", fmt.Errorf("failed to encode atlantis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, "", fmt.Errorf("failed to build atlantis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Atlantis-Token", a.cfg.Token)

	a.logger.Debug().
		Str("request_id", ws.RequestID).
		Str("endpoint", endpoint).
		Msg("calling atlantis")

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, "", engine.NewTimeout("atlantis call interrupted", ctx.Err())
		}
		return 0, nil, "", engine.NewRunnerUnavailable("atlantis unreachable", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxAtlantisBody))
	if err != nil {
		return 0, nil, "", engine.NewRunnerUnavailable("failed to read atlantis response", err)
	}

	switch httpResp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return 0, nil, "", engine.NewRunnerUnavailable(
			fmt.Sprintf("atlantis returned status %d", httpResp.StatusCode), nil)
	}

	// Atlantis answers 500 when a command ran and failed; only a response
	// carrying project results or failures is such a command result.
	var resp atlantisResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		resp = atlantisResponse{}
	}
	if httpResp.StatusCode >= 500 && len(resp.ProjectResults) == 0 && len(resp.Failures) == 0 {
		return 0, nil, "", engine.NewRunnerUnavailable(
			fmt.Sprintf("atlantis returned status %d", httpResp.StatusCode), nil)
	}

	a.logger.Debug().
		Str("request_id", ws.RequestID).
		Int("status", httpResp.StatusCode).
		Int("projects", len(resp.ProjectResults)).
		Msg("atlantis responded")

	return httpResp.StatusCode, &resp, string(data), nil
}

// project returns the single project result and the failure text, if any.
func (a *AtlantisRunner) project(resp *atlantisResponse) (*atlantisProjectResult, string) {
	if msg := errorText(resp.Error); msg != "" {
		return nil, "atlantis error: " + msg
	}
	if len(resp.Failures) > 0 {
		return nil, "atlantis failure: " + strings.Join(resp.Failures, "; ")
	}
	if len(resp.ProjectResults) != 1 {
		return nil, fmt.Sprintf("atlantis returned %d project results, expected 1", len(resp.ProjectResults))
	}
	p := &resp.ProjectResults[0]
	if p.Failure != "" {
		return p, p.Failure
	}
	if msg := errorText(p.Error); msg != "" {
		return p, "atlantis project error: " + msg
	}
	return p, ""
}

// errorText renders an Atlantis error field, which is null, a string or an object.
func errorText(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	if s == "{}" {
		return "unspecified error"
	}
	return s
}
