// Package api exposes the request lifecycle over HTTP.
//
// Routes live under /api/v1/requests. Submission and resubmission return as
// soon as the request is recorded and process it in the background; approve
// replies once the apply has finished. Every reply uses the Response
// envelope, and failures carry the error kind and, when one exists, the
// request as the engine left it.
package api
