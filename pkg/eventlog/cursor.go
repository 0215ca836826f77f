package eventlog

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// cursorVersion guards against decoding cursors from incompatible builds.
const cursorVersion = "v1"

// EncodeCursor produces the stable opaque encoding of (channel, sequence).
// It is deliberately not a timestamp, so clients resume across clock skew.
func EncodeCursor(channel string, sequence int64) string {
	raw := cursorVersion + ":" + channel + ":" + strconv.FormatInt(sequence, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor, validating the channel binding.
func DecodeCursor(cursor, wantChannel string) (int64, error) {
	channel, seq, err := ParseCursor(cursor)
	if err != nil {
		return 0, err
	}
	if channel != wantChannel {
		return 0, gatewayerr.New(gatewayerr.KindValidation,
			"cursor is bound to channel %q, not %q", channel, wantChannel)
	}
	return seq, nil
}

// ParseCursor decodes a cursor without checking which channel it belongs
// to, returning both parts.
func ParseCursor(cursor string) (channel string, sequence int64, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", 0, gatewayerr.Wrap(gatewayerr.KindValidation, err, "malformed cursor")
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) < 3 || parts[0] != cursorVersion {
		return "", 0, gatewayerr.New(gatewayerr.KindValidation, "malformed cursor")
	}

	// The channel itself may contain colons; the sequence is the last part.
	seqStr := parts[len(parts)-1]
	channel = strings.Join(parts[1:len(parts)-1], ":")

	sequence, err = strconv.ParseInt(seqStr, 10, 64)
	if err != nil || sequence < 0 {
		return "", 0, gatewayerr.New(gatewayerr.KindValidation, "malformed cursor sequence %q", seqStr)
	}
	return channel, sequence, nil
}

// ErrCursorExpired signals a replay request from a pruned cursor.
var ErrCursorExpired = gatewayerr.New(gatewayerr.KindCursorExpired,
	"cursor is older than the retained window")
