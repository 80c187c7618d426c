package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// RunSpec describes one process invocation.
type RunSpec struct {
	Script  string
	Env     map[string]string
	Timeout time.Duration
}

// RunResult is the raw outcome of a process invocation. A timeout or
// non-zero exit is reported here, not as an error; Run returns an error
// only when the process could not be started at all.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runner executes job scripts. Implementations must be safe for
// concurrent use.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// ScriptRunner runs scripts through a configured interpreter in a fixed
// working directory.
type ScriptRunner struct {
	Interpreter string
	Dir         string
	OutputCap   int
}

// NewScriptRunner returns a ScriptRunner with the given interpreter,
// working directory and per-stream output cap in bytes.
func NewScriptRunner(interpreter, dir string, outputCap int) *ScriptRunner {
	return &ScriptRunner{
		Interpreter: interpreter,
		Dir:         dir,
		OutputCap:   outputCap,
	}
}

// Run launches the script and waits for it to exit. Context cancellation
// or the spec timeout kills the process; the kill is reported through
// RunResult, never as an error.
func (sr *ScriptRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	script := filepath.Join(sr.Dir, spec.Script)
	if _, err := os.Stat(script); err != nil {
		return RunResult{}, fmt.Errorf("script %s: %w", spec.Script, err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, sr.Interpreter, script)
	cmd.Dir = sr.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := RunResult{
		Stdout: truncateOutput(stdout.String(), sr.OutputCap),
		Stderr: truncateOutput(stderr.String(), sr.OutputCap),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		result.Stderr = result.Stderr + fmt.Sprintf("\n[killed after %s timeout]", spec.Timeout)
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return RunResult{}, fmt.Errorf("start %s: %w", spec.Script, err)
	}

	result.ExitCode = 0
	return result, nil
}
