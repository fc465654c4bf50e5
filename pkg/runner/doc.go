// Package runner submits request workspaces to the external plan/apply
// runner.
//
// A Gateway wraps one Backend:
//
//   - AtlantisRunner calls the Atlantis API (POST /api/plan and /api/apply,
//     authenticated with X-Atlantis-Token).
//   - CommandRunner runs the terraform CLI through an Executor, either on
//     this host (LocalExecutor) or on a runner host over SSH (RemoteExecutor).
//
// The gateway evaluates the optional policy gate before planning, bounds each
// call with the configured timeout and reports failures as
// *engine.RunnerError of kind plan_rejected, apply_failed,
// runner_unavailable or timeout. It never retries; retry decisions belong to
// the lifecycle engine.
package runner
