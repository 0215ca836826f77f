package hub

import (
	"strings"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// Kind classifies a channel by its scope.
type Kind string

const (
	KindAgent     Kind = "agent"
	KindWorkspace Kind = "workspace"
	KindUser      Kind = "user"
	KindSystem    Kind = "system"
)

// Channel is a tagged channel value. System channels have no subject ID.
type Channel struct {
	Kind  Kind
	Topic string
	ID    string
}

var validTopics = map[Kind]map[string]bool{
	KindAgent:     {"output": true, "state": true, "tools": true},
	KindWorkspace: {"agents": true, "reservations": true, "conflicts": true},
	KindUser:      {"mail": true, "notifications": true},
	KindSystem:    {"health": true, "metrics": true, "dcg": true},
}

// ParseChannel validates and decomposes a channel name such as
// "agent:output:a1" or "system:dcg".
func ParseChannel(s string) (Channel, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return Channel{}, gatewayerr.New(gatewayerr.KindValidation, "malformed channel %q", s)
	}

	kind := Kind(parts[0])
	topics, ok := validTopics[kind]
	if !ok {
		return Channel{}, gatewayerr.New(gatewayerr.KindValidation, "unknown channel kind %q", parts[0])
	}
	if !topics[parts[1]] {
		return Channel{}, gatewayerr.New(gatewayerr.KindValidation,
			"unknown topic %q for %s channel", parts[1], kind)
	}

	ch := Channel{Kind: kind, Topic: parts[1]}
	if kind == KindSystem {
		if len(parts) != 2 {
			return Channel{}, gatewayerr.New(gatewayerr.KindValidation,
				"system channels carry no subject: %q", s)
		}
		return ch, nil
	}

	if len(parts) != 3 || parts[2] == "" {
		return Channel{}, gatewayerr.New(gatewayerr.KindValidation,
			"%s channel %q requires a subject id", kind, s)
	}
	ch.ID = parts[2]
	return ch, nil
}

func (c Channel) String() string {
	if c.Kind == KindSystem {
		return string(c.Kind) + ":" + c.Topic
	}
	return string(c.Kind) + ":" + c.Topic + ":" + c.ID
}
