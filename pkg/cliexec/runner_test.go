package cliexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

func TestLocalRunnerCapturesStreamsAndExitCode(t *testing.T) {
	r := NewLocalRunner()
	ctx := context.Background()

	result, err := r.Run(ctx, "sh", []string{"-c", "echo out; echo err >&2"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(result.Stdout))
	assert.Equal(t, "err\n", string(result.Stderr))
	assert.Zero(t, result.ExitCode)

	result, err = r.Run(ctx, "sh", []string{"-c", "exit 3"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestLocalRunnerTimeout(t *testing.T) {
	r := NewLocalRunner()
	_, err := r.Run(context.Background(), "sleep", []string{"5"}, RunOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, gatewayerr.Is(err, gatewayerr.KindTimeout))
}

func TestLocalRunnerSpawnFailure(t *testing.T) {
	r := NewLocalRunner()
	_, err := r.Run(context.Background(), "/no/such/binary", nil, RunOptions{})
	require.Error(t, err)
	assert.True(t, gatewayerr.Is(err, gatewayerr.KindSystemUnavailable))
}

func TestLocalRunnerEnvAndDir(t *testing.T) {
	r := NewLocalRunner()
	dir := t.TempDir()
	result, err := r.Run(context.Background(), "sh", []string{"-c", "echo $GW_TEST_VAR; pwd"},
		RunOptions{Dir: dir, Env: []string{"GW_TEST_VAR=hello"}})
	require.NoError(t, err)
	assert.Contains(t, string(result.Stdout), "hello")
	assert.Contains(t, string(result.Stdout), dir)
}

func TestContainerRunnerArgv(t *testing.T) {
	// echo as the "engine" makes the composed argv observable.
	r := &ContainerRunner{engine: "echo", container: "agentbox", local: NewLocalRunner()}
	result, err := r.Run(context.Background(), "br", []string{"pull", "--branch", "main"},
		RunOptions{Dir: "/work", Env: []string{"A=1"}})
	require.NoError(t, err)
	assert.Equal(t, "exec --workdir /work --env A=1 agentbox br pull --branch main\n",
		string(result.Stdout))
}
