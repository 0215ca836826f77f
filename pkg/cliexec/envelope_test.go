package cliexec

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// fakeRunner replays a canned result and records the invocation.
type fakeRunner struct {
	result  Result
	err     error
	command string
	args    []string
}

func (f *fakeRunner) Run(_ context.Context, command string, args []string, _ RunOptions) (Result, error) {
	f.command = command
	f.args = args
	return f.result, f.err
}

func TestInvokeAppendsJSONFlag(t *testing.T) {
	r := &fakeRunner{result: Result{Stdout: []byte(`{"ok":true,"data":{"x":1}}`)}}
	_, err := Invoke(context.Background(), r, "caam", []string{"verify"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"verify", "--json"}, r.args)
}

func TestInvokeEnvelopeData(t *testing.T) {
	r := &fakeRunner{result: Result{Stdout: []byte(`{"ok":true,"data":{"verified":true},"meta":{"ms":12}}`)}}
	data, err := Invoke(context.Background(), r, "caam", nil, RunOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"verified":true}`, string(data))
}

func TestInvokeBareResultDocument(t *testing.T) {
	r := &fakeRunner{result: Result{Stdout: []byte(`{"branch":"main","dirty":false}`)}}
	data, err := Invoke(context.Background(), r, "ru", nil, RunOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"branch":"main","dirty":false}`, string(data))
}

func TestInvokeEnvelopeFailureMapsCode(t *testing.T) {
	tests := []struct {
		code string
		kind gatewayerr.Kind
	}{
		{"not_found", gatewayerr.KindNotFound},
		{"validation", gatewayerr.KindValidation},
		{"rate_limited", gatewayerr.KindRateLimited},
		{"mystery", gatewayerr.KindCommandFailed},
	}
	for _, tc := range tests {
		r := &fakeRunner{result: Result{Stdout: []byte(`{"ok":false,"code":"` + tc.code + `","hint":"try later"}`)}}
		_, err := Invoke(context.Background(), r, "dcg", nil, RunOptions{})
		require.Error(t, err, tc.code)
		assert.True(t, gatewayerr.Is(err, tc.kind), tc.code)
	}
}

func TestInvokeNonZeroExitIsCommandFailed(t *testing.T) {
	r := &fakeRunner{result: Result{ExitCode: 7, Stderr: []byte("boom: " + strings.Repeat("x", 4000))}}
	_, err := Invoke(context.Background(), r, "br", []string{"push"}, RunOptions{})
	require.Error(t, err)
	assert.True(t, gatewayerr.Is(err, gatewayerr.KindCommandFailed))

	var ge *gatewayerr.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 7, ge.Details["exitCode"])
	assert.Equal(t, []string{"br", "push", "--json"}, ge.Details["argv"])
	stderr, ok := ge.Details["stderr"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(stderr), stderrDetailLimit+len("…(truncated)"))
	assert.Contains(t, stderr, "boom")
}

func TestInvokeExitCodeTaxonomy(t *testing.T) {
	r := &fakeRunner{result: Result{ExitCode: ExitValidation}}
	_, err := Invoke(context.Background(), r, "br", nil, RunOptions{})
	assert.True(t, gatewayerr.Is(err, gatewayerr.KindValidation))

	r = &fakeRunner{result: Result{ExitCode: ExitNotFound}}
	_, err = Invoke(context.Background(), r, "br", nil, RunOptions{})
	assert.True(t, gatewayerr.Is(err, gatewayerr.KindNotFound))
}

func TestInvokeMalformedOutput(t *testing.T) {
	r := &fakeRunner{result: Result{Stdout: []byte("not json at all")}}
	_, err := Invoke(context.Background(), r, "pt", nil, RunOptions{})
	require.Error(t, err)
	assert.True(t, gatewayerr.Is(err, gatewayerr.KindParseError))
}

func TestFacadeTypedResults(t *testing.T) {
	r := &fakeRunner{result: Result{Stdout: []byte(`{"ok":true,"data":{"success":true,"commitsAhead":2,"headSha":"abc123"}}`)}}
	clients := NewClients(r, "/opt/gw/bin", 5*time.Second)

	out, err := clients.BR.Sync(context.Background(), "push", "/repos/app", "main")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 2, out.CommitsAhead)
	assert.Equal(t, "/opt/gw/bin/br", r.command)
	assert.Equal(t, []string{"push", "--repo", "/repos/app", "--branch", "main", "--json"}, r.args)

	r.result = Result{Stdout: []byte(`{"blocked":true,"ruleId":"core-mkfs","severity":"critical"}`)}
	scan, err := clients.DCG.Scan(context.Background(), "mkfs /dev/sda")
	require.NoError(t, err)
	assert.True(t, scan.Blocked)
	assert.Equal(t, "core-mkfs", scan.RuleID)

	r.result = Result{Stdout: []byte(`[{"pid":42,"agentId":"a1","command":"agent","state":"running"}]`)}
	procs, err := clients.PT.List(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, 42, procs[0].PID)
}

func TestParseOutputEmptyStdout(t *testing.T) {
	env, data, err := parseOutput(nil)
	require.NoError(t, err)
	assert.Nil(t, env)
	assert.Nil(t, data)
}

func TestTruncateUTF8KeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("é", 100)
	out := truncateUTF8(s, 45)
	assert.True(t, utf8.ValidString(out))
	assert.Less(t, len(out), len(s))
}
