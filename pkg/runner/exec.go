package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vmpool/vmpool/pkg/engine"
	"github.com/vmpool/vmpool/pkg/transports/ssh"
)

// ExecResult is the outcome of one terraform invocation. A command that ran
// and exited non-zero is reported here, not as an error.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Output returns stdout followed by stderr.
func (r *ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" || strings.HasSuffix(r.Stdout, "\n") {
		return r.Stdout + r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Executor runs the terraform binary inside a request workspace. Errors mean
// the command could not be run at all.
type Executor interface {
	Exec(ctx context.Context, ws *engine.Workspace, args ...string) (*ExecResult, error)
}

// LocalExecutor runs terraform on this host in the workspace directory.
type LocalExecutor struct {
	Binary string

	// Env is appended to the process environment.
	Env []string

	// GracePeriod is how long terraform may take to stop after an interrupt.
	GracePeriod time.Duration
}

// Exec runs the binary with args in ws.Dir.
func (l *LocalExecutor) Exec(ctx context.Context, ws *engine.Workspace, args ...string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, l.Binary, args...)
	cmd.Dir = ws.Dir
	cmd.Env = append(append(os.Environ(), "TF_IN_AUTOMATION=1"), l.Env...)

	// terraform releases state locks when interrupted.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = l.GracePeriod
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 30 * time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("failed to run %s: %w", l.Binary, err)
}

// RemoteExecutor runs terraform on the runner host in the request's
// uploaded workspace.
type RemoteExecutor struct {
	Binary    string
	Transport ssh.Transport
}

// Exec runs the binary with args in the request's remote directory.
func (r *RemoteExecutor) Exec(ctx context.Context, ws *engine.Workspace, args ...string) (*ExecResult, error) {
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, "TF_IN_AUTOMATION=1", shellQuote(r.Binary))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}

	res, err := r.Transport.Run(ctx, r.Transport.RemoteDir(ws.RequestID), strings.Join(parts, " "))
	if res == nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}, err
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_=./:", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
