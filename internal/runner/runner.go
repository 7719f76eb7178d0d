// Package runner executes plugin scripts and captures their output.
//
// Runs are synchronous and have no timeout: a hung script blocks its unit's
// slot until it exits. That limitation is deliberate and documented; the
// queue's cancellation guard only prevents runs from starting, it never
// kills a started process.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"scriptbar/pkg/logx"
)

// maxStderrBytes caps captured stderr so a chatty script cannot balloon
// unit state or the event log.
const maxStderrBytes = 64 << 10

// Request describes one script invocation.
type Request struct {
	Path  string
	Dir   string   // working directory; empty means the script's directory
	Env   []string // extra KEY=VALUE pairs appended to the parent environment
	Shell bool     // run through "/bin/sh -c" instead of direct exec
}

// Result is a completed invocation. Stderr may be non-empty on success;
// callers decide whether that is warning-worthy.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Took     time.Duration
}

// Runner is the seam tests replace with fakes.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Exec runs scripts with os/exec.
type Exec struct {
	log logx.Logger
}

func NewExec(log logx.Logger) *Exec {
	return &Exec{log: log.With(logx.String("component", "runner"))}
}

// Run launches the script and waits for it to finish. The context is
// consulted only before launch; a started process always runs to completion.
//
// A missing exec bit is fixed up front. If the launch still fails looking
// permission-shaped, the fix is applied again and the launch retried once.
func (x *Exec) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Path) == "" {
		return Result{}, errors.New("runner: empty source path")
	}

	start := time.Now()
	if err := ensureExecutable(req.Path); err != nil {
		x.log.Debug("exec bit fix failed", logx.String("path", req.Path), logx.Err(err))
	}

	res, err := x.runOnce(ctx, req)
	if err != nil {
		var inv *InvocationError
		if errors.As(err, &inv) && inv.Kind == KindLaunch && errors.Is(inv.Err, os.ErrPermission) {
			if fixErr := FixPermissions(req.Path); fixErr == nil {
				x.log.Debug("retrying launch after permission fix", logx.String("path", req.Path))
				res, err = x.runOnce(ctx, req)
			}
		}
	}
	res.Took = time.Since(start)
	return res, err
}

func (x *Exec) runOnce(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &InvocationError{Kind: KindLaunch, Path: req.Path, Err: err}
	}

	argv := buildArgv(req)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(req.Path)
	}
	cmd.Env = append(os.Environ(), req.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, &InvocationError{Kind: KindLaunch, Path: req.Path, Err: err}
	}
	err := cmd.Wait()

	res := Result{
		Stdout: stdout.String(),
		Stderr: truncateStderr(stderr.String()),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &InvocationError{
				Kind:     KindExit,
				Path:     req.Path,
				ExitCode: res.ExitCode,
				Stderr:   res.Stderr,
			}
		}
		// Wait failed for some other reason (I/O error on the pipes, signal
		// delivery). Same bucket as a launch failure for unit state.
		return res, &InvocationError{Kind: KindLaunch, Path: req.Path, Err: err, Stderr: res.Stderr}
	}
	return res, nil
}

func buildArgv(req Request) []string {
	if req.Shell {
		return []string{"/bin/sh", "-c", shellQuote(req.Path)}
	}
	return []string{req.Path}
}

// shellQuote single-quotes a path for /bin/sh -c, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ensureExecutable fixes the exec bit before the first launch attempt.
func ensureExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&0o111 != 0 {
		return nil
	}
	return FixPermissions(path)
}

// FixPermissions adds exec bits to the file, preserving everything else.
// Idempotent: a file that is already executable is left untouched.
func FixPermissions(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := fi.Mode()
	want := mode | 0o111
	if want == mode {
		return nil
	}
	return os.Chmod(path, want)
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
