// Package cliexec invokes the gateway's sub-binaries (br, ru, caam,
// dcg, pt) and turns their JSON output into typed results or gateway
// errors.
package cliexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// Result is the raw outcome of one subprocess run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// RunOptions tunes a single invocation.
type RunOptions struct {
	Dir     string
	Env     []string      // appended to the inherited environment
	Timeout time.Duration // 0 means DefaultTimeout
}

// DefaultTimeout bounds every CLI invocation that does not set its own.
const DefaultTimeout = 60 * time.Second

// Runner executes a command and reports its streams and exit code. A
// non-zero exit is a successful run from the runner's perspective;
// errors are reserved for spawn failures and deadline kills.
type Runner interface {
	Run(ctx context.Context, command string, args []string, opts RunOptions) (Result, error)
}

// LocalRunner spawns commands as local child processes.
type LocalRunner struct{}

// NewLocalRunner returns the host-process runner.
func NewLocalRunner() *LocalRunner { return &LocalRunner{} }

func (r *LocalRunner) Run(ctx context.Context, command string, args []string, opts RunOptions) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	// The deadline kill surfaces as a generic "signal: killed"; check
	// the context first so it maps to timeout, not command_failed.
	if runCtx.Err() == context.DeadlineExceeded {
		return result, gatewayerr.New(gatewayerr.KindTimeout,
			"%s timed out after %s", command, timeout).
			WithDetails(map[string]any{"argv": argv(command, args), "timeoutMs": timeout.Milliseconds()})
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, gatewayerr.Wrap(gatewayerr.KindSystemUnavailable, err,
			"spawning %s", command)
	}
	return result, nil
}

// ContainerRunner executes commands inside a running container via the
// configured engine binary (docker or podman).
type ContainerRunner struct {
	engine    string
	container string
	local     *LocalRunner
}

// NewContainerRunner targets an existing container. An empty engine
// defaults to docker.
func NewContainerRunner(engine, container string) *ContainerRunner {
	if engine == "" {
		engine = "docker"
	}
	return &ContainerRunner{engine: engine, container: container, local: NewLocalRunner()}
}

func (r *ContainerRunner) Run(ctx context.Context, command string, args []string, opts RunOptions) (Result, error) {
	execArgs := []string{"exec"}
	if opts.Dir != "" {
		execArgs = append(execArgs, "--workdir", opts.Dir)
	}
	for _, kv := range opts.Env {
		execArgs = append(execArgs, "--env", kv)
	}
	execArgs = append(execArgs, r.container, command)
	execArgs = append(execArgs, args...)

	// Dir and Env are translated to exec flags; the engine process
	// itself runs with the gateway's own environment.
	return r.local.Run(ctx, r.engine, execArgs, RunOptions{Timeout: opts.Timeout})
}

func argv(command string, args []string) []string {
	return append([]string{command}, args...)
}
