package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmpool/vmpool/pkg/engine"
)

// PlanFile is the saved plan that apply executes, so an apply runs exactly
// what was approved.
const PlanFile = "tfplan"

// CommandRunner drives the terraform CLI through an Executor.
type CommandRunner struct {
	exec   Executor
	logger zerolog.Logger
}

var _ Backend = (*CommandRunner)(nil)

// NewCommandRunner creates a terraform CLI backend.
func NewCommandRunner(exec Executor, logger zerolog.Logger) *CommandRunner {
	return &CommandRunner{
		exec:   exec,
		logger: logger.With().Str("component", "terraform").Logger(),
	}
}

// Name returns "command".
func (c *CommandRunner) Name() string { return "command" }

// Plan runs terraform init and plan with -detailed-exitcode. Exit status 2
// means changes are present and is a success.
func (c *CommandRunner) Plan(ctx context.Context, ws *engine.Workspace) (*engine.PlanResult, error) {
	started := time.Now()

	initRes, err := c.run(ctx, ws, "init", "-input=false", "-no-color")
	if err != nil {
		return nil, err
	}
	if initRes.ExitCode != 0 {
		return &engine.PlanResult{
			Output:     initRes.Output(),
			ExitStatus: initRes.ExitCode,
			CreatedAt:  started,
		}, engine.NewPlanRejected("terraform init failed: "+lastLine(initRes.Stderr), initRes.Output())
	}

	planRes, err := c.run(ctx, ws, "plan", "-input=false", "-no-color", "-detailed-exitcode", "-out="+PlanFile)
	if err != nil {
		return nil, err
	}

	res := &engine.PlanResult{
		Output:     planRes.Output(),
		ExitStatus: planRes.ExitCode,
		CreatedAt:  started,
	}
	parsed := ParsePlan(planRes.Stdout)
	res.Summary = parsed.Summary
	res.SummaryText = parsed.SummaryText

	switch planRes.ExitCode {
	case 0, 2:
		if !parsed.Found {
			return res, engine.NewPlanRejected("plan output has no summary", res.Output)
		}
		c.logger.Info().
			Str("request_id", ws.RequestID).
			Str("summary", res.SummaryText).
			Dur("duration", planRes.Duration).
			Msg("plan finished")
		return res, nil
	default:
		return res, engine.NewPlanRejected(
			fmt.Sprintf("terraform plan exited with status %d: %s", planRes.ExitCode, lastLine(planRes.Stderr)),
			res.Output)
	}
}

// Apply applies the saved plan.
func (c *CommandRunner) Apply(ctx context.Context, ws *engine.Workspace) (*engine.ApplyResult, error) {
	started := time.Now()

	applyRes, err := c.run(ctx, ws, "apply", "-input=false", "-no-color", "-auto-approve", PlanFile)
	if err != nil {
		return nil, err
	}

	parsed := ParseApply(applyRes.Stdout)
	res := &engine.ApplyResult{
		Output:      applyRes.Output(),
		ExitStatus:  applyRes.ExitCode,
		SummaryText: parsed.SummaryText,
		ResourceIDs: parsed.ResourceIDs,
		Addresses:   parsed.Addresses,
		CreatedAt:   started,
	}
	if applyRes.ExitCode != 0 {
		return res, engine.NewApplyFailed(
			fmt.Sprintf("terraform apply exited with status %d: %s", applyRes.ExitCode, lastLine(applyRes.Stderr)),
			res.Output)
	}
	if !parsed.Found {
		return res, engine.NewApplyFailed("apply output has no completion summary", res.Output)
	}

	c.logger.Info().
		Str("request_id", ws.RequestID).
		Str("summary", res.SummaryText).
		Int("resources", len(res.ResourceIDs)).
		Dur("duration", applyRes.Duration).
		Msg("apply finished")
	return res, nil
}

// run executes one terraform subcommand. Failing to start it at all means
// the runner is unavailable.
func (c *CommandRunner) run(ctx context.Context, ws *engine.Workspace, args ...string) (*ExecResult, error) {
	c.logger.Debug().
		Str("request_id", ws.RequestID).
		Strs("args", args).
		Msg("running terraform")

	res, err := c.exec.Exec(ctx, ws, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewTimeout("terraform "+args[0]+" interrupted", ctx.Err())
		}
		return nil, engine.NewRunnerUnavailable("failed to run terraform "+args[0], err)
	}
	return res, nil
}

// lastLine returns the last non-empty line of s, which for terraform is
// usually the most specific error text.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(StripANSI(s)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" && strings.Trim(l, "│╵╷ ") != "" {
			return strings.TrimSpace(strings.TrimLeft(l, "│ "))
		}
	}
	return "no error output"
}
