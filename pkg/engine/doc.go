// Package engine owns the lifecycle of VM pool build requests.
//
// # Overview
//
// A build request asks for Quantity identically shaped VMs named
// "{prefix}-{start+i}". The engine drives each request through a fixed
// pipeline:
//
//  1. Submit - validate the input and record the request in pending
//  2. Process - reserve names, allocate one address per VM, render the
//     variables and materialize the workspace, then plan it
//  3. Approve or Reject - record the human decision on the plan
//  4. Apply - run the approved plan exactly once
//
// # States
//
//	pending -> planning -> awaiting_approval -> approved -> applying -> completed
//	              |                |                           |
//	              v                v                           v
//	         plan_failed        rejected                     failed
//
// pending, planning and awaiting_approval may also move to failed, either
// on an error or when an operator cancels. plan_failed returns to planning
// on Replan. completed, rejected and failed are terminal; Resubmit copies a
// failed or rejected request into a new one.
//
// # Collaborators
//
// The engine depends on five interfaces so each can be replaced in tests:
//
//   - Store: requests, audit history, attempt results, names and allocations
//   - Renderer: input validation and variable rendering
//   - Allocator: IP address reservation
//   - Materializer: per-request Terraform workspaces
//   - Gateway: the external plan/apply runner
//
// # Concurrency
//
// Every operation on a request runs under that request's keyed lock, and
// every state change is a check-and-set in the store, so two decisions on
// the same plan cannot both win. Cancel interrupts an in-flight plan by
// cancelling the context handed to the runner.
//
// # Errors
//
// Failures are typed (ValidationError, AllocationError, RunnerError, ...)
// and carry an ErrorKind that is recorded on the request and in its audit
// history. Only RunnerUnavailable is retried during planning, bounded by
// the configured RetryPolicy.
package engine
