package hub

import (
	"context"
	"slices"
)

// AuthContext identifies the principal behind a subscribe or publish.
type AuthContext struct {
	UserID       string
	APIKeyID     string
	WorkspaceIDs []string
	IsAdmin      bool
}

// Authenticated reports whether any principal is present at all.
func (a AuthContext) Authenticated() bool {
	return a.UserID != "" || a.APIKeyID != "" || a.IsAdmin
}

func (a AuthContext) memberOf(workspaceID string) bool {
	return slices.Contains(a.WorkspaceIDs, workspaceID)
}

// AgentAccessFunc resolves whether a principal may access an agent's
// channels. Nil means no resolver is wired; the policy then falls back to
// authenticated-subscribe / admin-publish.
type AgentAccessFunc func(ctx context.Context, agentID, userID string, workspaceIDs []string) (bool, error)

// Policy gates channel subscribe and publish per principal.
type Policy struct {
	agentAccess AgentAccessFunc
}

func NewPolicy(agentAccess AgentAccessFunc) *Policy {
	return &Policy{agentAccess: agentAccess}
}

// CanSubscribe reports whether the principal may subscribe to the channel.
func (p *Policy) CanSubscribe(ctx context.Context, auth AuthContext, ch Channel) (bool, error) {
	if auth.IsAdmin {
		return true, nil
	}
	switch ch.Kind {
	case KindAgent:
		if p.agentAccess != nil {
			return p.agentAccess(ctx, ch.ID, auth.UserID, auth.WorkspaceIDs)
		}
		return auth.Authenticated(), nil
	case KindWorkspace:
		return auth.memberOf(ch.ID), nil
	case KindUser:
		return auth.UserID != "" && auth.UserID == ch.ID, nil
	case KindSystem:
		return auth.Authenticated(), nil
	}
	return false, nil
}

// CanPublish reports whether the principal may publish to the channel.
func (p *Policy) CanPublish(ctx context.Context, auth AuthContext, ch Channel) (bool, error) {
	if auth.IsAdmin {
		return true, nil
	}
	switch ch.Kind {
	case KindAgent:
		// Only internal services publish agent events; without an access
		// resolver, non-admin publish is refused outright.
		if p.agentAccess != nil {
			return p.agentAccess(ctx, ch.ID, auth.UserID, auth.WorkspaceIDs)
		}
		return false, nil
	case KindWorkspace:
		return auth.memberOf(ch.ID), nil
	case KindUser:
		// Anyone authenticated may send mail to another user's mailbox.
		if ch.Topic == "mail" {
			return auth.Authenticated(), nil
		}
		return auth.UserID != "" && auth.UserID == ch.ID, nil
	case KindSystem:
		return false, nil
	}
	return false, nil
}
