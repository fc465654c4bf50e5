package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vmpool/vmpool/pkg/engine"
	"github.com/vmpool/vmpool/pkg/policy"
	"github.com/vmpool/vmpool/pkg/telemetry"
)

// Backend executes plans and applies against one kind of runner. Backends
// return *engine.RunnerError for runner failures and never retry.
type Backend interface {
	Name() string
	Plan(ctx context.Context, ws *engine.Workspace) (*engine.PlanResult, error)
	Apply(ctx context.Context, ws *engine.Workspace) (*engine.ApplyResult, error)
}

// PolicyGate checks rendered variables before they are planned.
type PolicyGate interface {
	Evaluate(ctx context.Context, requestID string, vars engine.Variables) (*policy.Result, error)
}

// Options configures a Gateway.
type Options struct {
	// Timeout bounds each plan or apply call. Zero means no bound beyond the caller's context.
	Timeout time.Duration

	// Policy, when set, is evaluated before every plan.
	Policy PolicyGate

	Logger zerolog.Logger
}

// Gateway implements engine.Gateway on top of a Backend. It adds the policy
// gate, the call timeout and consistent error kinds.
type Gateway struct {
	backend Backend
	policy  PolicyGate
	timeout time.Duration
	logger  zerolog.Logger
}

var _ engine.Gateway = (*Gateway)(nil)

// NewGateway creates a gateway for backend.
func NewGateway(backend Backend, opts Options) *Gateway {
	return &Gateway{
		backend: backend,
		policy:  opts.Policy,
		timeout: opts.Timeout,
		logger:  opts.Logger.With().Str("component", "runner").Str("backend", backend.Name()).Logger(),
	}
}

// Plan evaluates the policy gate and then plans the workspace.
func (g *Gateway) Plan(ctx context.Context, ws *engine.Workspace) (*engine.PlanResult, error) {
	op := telemetry.StartOperation(ctx, "runner.plan",
		attribute.String("request.id", ws.RequestID),
		attribute.String("runner.backend", g.backend.Name()))
	res, err := g.plan(op.Ctx, ws)
	op.End(err)
	return res, err
}

func (g *Gateway) plan(ctx context.Context, ws *engine.Workspace) (*engine.PlanResult, error) {
	if g.policy != nil {
		result, err := g.policy.Evaluate(ctx, ws.RequestID, ws.Variables)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("policy evaluation failed: %w", err)
		}
		for _, w := range result.Warnings {
			g.logger.Warn().
				Str("request_id", ws.RequestID).
				Str("policy", w.Policy).
				Msg(w.Message)
		}
		if !result.Allowed {
			output := policyReport(result)
			g.logger.Info().
				Str("request_id", ws.RequestID).
				Int("violations", len(result.Violations)).
				Msg("plan rejected by policy")
			return &engine.PlanResult{Output: output, ExitStatus: 1},
				engine.NewPlanRejected("policy check failed: "+result.Summary(), output)
		}
	}

	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	res, err := g.backend.Plan(callCtx, ws)
	return res, g.mapError(ctx, callCtx, "plan", err)
}

// Apply applies the workspace's approved plan.
func (g *Gateway) Apply(ctx context.Context, ws *engine.Workspace) (*engine.ApplyResult, error) {
	op := telemetry.StartOperation(ctx, "runner.apply",
		attribute.String("request.id", ws.RequestID),
		attribute.String("runner.backend", g.backend.Name()))

	callCtx, cancel := g.withTimeout(op.Ctx)
	defer cancel()

	res, err := g.backend.Apply(callCtx, ws)
	err = g.mapError(op.Ctx, callCtx, "apply", err)
	op.End(err)
	return res, err
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// mapError turns an expired call deadline into a Timeout and leaves
// cancellation by the caller as the context error.
func (g *Gateway) mapError(parent, call context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		var rerr *engine.RunnerError
		if errors.As(err, &rerr) && rerr.ErrKind == engine.KindTimeout {
			return err
		}
		return engine.NewTimeout(fmt.Sprintf("%s exceeded %s", op, g.timeout), err)
	}
	var rerr *engine.RunnerError
	if !errors.As(err, &rerr) {
		return engine.NewRunnerUnavailable(op+" failed", err)
	}
	return err
}

func policyReport(result *policy.Result) string {
	var b strings.Builder
	for _, v := range result.Violations {
		fmt.Fprintf(&b, "[%s] %s: %s", v.Severity, v.Policy, v.Message)
		if v.Field != "" {
			fmt.Fprintf(&b, " (%s)", v.Field)
		}
		b.WriteString("\n")
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(&b, "[%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	return b.String()
}
