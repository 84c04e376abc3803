package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Result captures a finished command invocation.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

// Run executes name with args under a deadline derived from ctx and timeout.
// A deadline hit is reported as ErrTimeout; the process may still finish in
// the background, so callers reconcile state afterwards rather than assume.
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	return run(ctx, timeout, "", name, args...)
}

// RunDir is Run with a working directory, for commands that operate on a
// checkout rather than on the system.
func RunDir(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (Result, error) {
	return run(ctx, timeout, dir, name, args...)
}

func run(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	return res, err
}

// Text returns trimmed stdout.
func (r Result) Text() string { return strings.TrimSpace(string(r.Stdout)) }

// Lines splits trimmed stdout into non-empty lines.
func (r Result) Lines() []string {
	var out []string
	for _, ln := range strings.Split(string(r.Stdout), "\n") {
		if ln = strings.TrimRight(ln, "\r"); strings.TrimSpace(ln) != "" {
			out = append(out, ln)
		}
	}
	return out
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
