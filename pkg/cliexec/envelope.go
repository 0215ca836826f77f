package cliexec

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// Envelope is the structured output contract of the sub-binaries when
// invoked with --json.
type Envelope struct {
	OK   bool            `json:"ok"`
	Code string          `json:"code,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Hint string          `json:"hint,omitempty"`
	Meta map[string]any  `json:"meta,omitempty"`
}

// Exit codes the wrappers recognise beyond zero.
const (
	ExitValidation = 2
	ExitNotFound   = 3
)

const stderrDetailLimit = 2048

// Invoke runs a sub-binary with --json appended and returns the data
// payload. Non-zero exits become command_failed errors (validation and
// not-found exits keep their sharper kinds); unparseable stdout is a
// parse_error.
func Invoke(ctx context.Context, runner Runner, binary string, args []string, opts RunOptions) (json.RawMessage, error) {
	fullArgs := append(append([]string{}, args...), "--json")
	result, err := runner.Run(ctx, binary, fullArgs, opts)
	if err != nil {
		return nil, err
	}
	correlation.Logger(ctx).Debug("CLI invocation finished",
		"binary", binary, "exit_code", result.ExitCode, "duration_ms", result.Duration.Milliseconds())

	if result.ExitCode != 0 {
		return nil, commandFailed(binary, fullArgs, result)
	}

	env, data, err := parseOutput(result.Stdout)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindParseError, err,
			"%s produced malformed output", binary).
			WithDetails(map[string]any{"argv": argv(binary, fullArgs)})
	}
	if env != nil && !env.OK {
		// The binary exited zero but reported failure in-band.
		return nil, gatewayerr.New(envelopeKind(env.Code), "%s reported %s", binary, env.Code).
			WithDetails(map[string]any{
				"argv": argv(binary, fullArgs),
				"code": env.Code,
				"hint": env.Hint,
			})
	}
	return data, nil
}

// parseOutput accepts either the {ok, code, data, hint, meta} envelope
// or a bare JSON result document.
func parseOutput(stdout []byte) (*Envelope, json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(stdout))
	if trimmed == "" {
		return nil, nil, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		// Not an object; a bare array or scalar result is still valid JSON.
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, nil, err
		}
		return nil, raw, nil
	}
	if _, isEnvelope := probe["ok"]; isEnvelope {
		var env Envelope
		if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
			return nil, nil, err
		}
		return &env, env.Data, nil
	}
	return nil, json.RawMessage(trimmed), nil
}

func commandFailed(binary string, args []string, result Result) error {
	kind := gatewayerr.KindCommandFailed
	switch result.ExitCode {
	case ExitValidation:
		kind = gatewayerr.KindValidation
	case ExitNotFound:
		kind = gatewayerr.KindNotFound
	}
	return gatewayerr.New(kind, "%s exited with code %d", binary, result.ExitCode).
		WithDetails(map[string]any{
			"argv":     argv(binary, args),
			"exitCode": result.ExitCode,
			"stderr":   truncateUTF8(string(result.Stderr), stderrDetailLimit),
		})
}

// truncateUTF8 caps s at limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…(truncated)"
}
