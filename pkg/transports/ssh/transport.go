// Package ssh connects to the runner host. It copies request workspaces to
// the host over SFTP and runs commands in them.
package ssh

import (
	"context"
	"fmt"
	"time"
)

// Transport is the remote side used by the command runner.
type Transport interface {
	// Run executes cmd in dir on the remote host. A command that ran and
	// exited non-zero is not an error; its status is in the result.
	Run(ctx context.Context, dir string, cmd string) (*ExecResult, error)

	// Upload copies a local workspace to the request's remote directory.
	Upload(ctx context.Context, localDir, requestID string) error

	// RemoteDir returns the request's directory on the host.
	RemoteDir(requestID string) string

	Close() error
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError represents an error that occurred during SSH operations.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run", "upload")
	Op string

	Err error

	// IsTemporary indicates if the error might succeed on retry
	IsTemporary bool

	// IsAuthError indicates if this is an authentication error
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether a retry might succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
