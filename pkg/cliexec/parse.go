package cliexec

import "github.com/codeready-toolchain/agentgw/pkg/gatewayerr"

// envelopeKind maps the in-band code of a failed envelope to the error
// taxonomy.
func envelopeKind(code string) gatewayerr.Kind {
	switch code {
	case "validation", "invalid_argument":
		return gatewayerr.KindValidation
	case "not_found":
		return gatewayerr.KindNotFound
	case "conflict":
		return gatewayerr.KindConflict
	case "rate_limited":
		return gatewayerr.KindRateLimited
	case "timeout":
		return gatewayerr.KindTimeout
	case "unavailable":
		return gatewayerr.KindSystemUnavailable
	default:
		return gatewayerr.KindCommandFailed
	}
}

func parseFailure(binary string, err error) error {
	return gatewayerr.Wrap(gatewayerr.KindParseError, err,
		"%s result did not match the expected schema", binary)
}
