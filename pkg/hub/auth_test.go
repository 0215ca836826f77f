package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustChannel(t *testing.T, s string) Channel {
	t.Helper()
	ch, err := ParseChannel(s)
	require.NoError(t, err)
	return ch
}

func TestAdminPassesEverything(t *testing.T) {
	p := NewPolicy(nil)
	admin := AuthContext{IsAdmin: true}
	ctx := context.Background()

	for _, s := range []string{"agent:output:a1", "workspace:agents:ws1", "user:mail:u1", "system:dcg"} {
		ch := mustChannel(t, s)
		ok, err := p.CanSubscribe(ctx, admin, ch)
		require.NoError(t, err)
		assert.True(t, ok, "subscribe %s", s)

		ok, err = p.CanPublish(ctx, admin, ch)
		require.NoError(t, err)
		assert.True(t, ok, "publish %s", s)
	}
}

func TestAgentChannelsWithoutResolver(t *testing.T) {
	p := NewPolicy(nil)
	ctx := context.Background()
	ch := mustChannel(t, "agent:output:a1")
	user := AuthContext{UserID: "u1"}

	// Authenticated users may subscribe; only internal services publish.
	ok, err := p.CanSubscribe(ctx, user, ch)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.CanPublish(ctx, user, ch)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.CanSubscribe(ctx, AuthContext{}, ch)
	require.NoError(t, err)
	assert.False(t, ok, "anonymous subscribe must be refused")
}

func TestAgentChannelsWithResolver(t *testing.T) {
	p := NewPolicy(func(_ context.Context, agentID, userID string, _ []string) (bool, error) {
		return agentID == "a1" && userID == "u1", nil
	})
	ctx := context.Background()

	ok, err := p.CanSubscribe(ctx, AuthContext{UserID: "u1"}, mustChannel(t, "agent:output:a1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.CanSubscribe(ctx, AuthContext{UserID: "u2"}, mustChannel(t, "agent:output:a1"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.CanPublish(ctx, AuthContext{UserID: "u1"}, mustChannel(t, "agent:state:a1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkspaceChannelsRequireMembership(t *testing.T) {
	p := NewPolicy(nil)
	ctx := context.Background()
	ch := mustChannel(t, "workspace:reservations:ws1")

	member := AuthContext{UserID: "u1", WorkspaceIDs: []string{"ws0", "ws1"}}
	outsider := AuthContext{UserID: "u2", WorkspaceIDs: []string{"ws9"}}

	ok, _ := p.CanSubscribe(ctx, member, ch)
	assert.True(t, ok)
	ok, _ = p.CanPublish(ctx, member, ch)
	assert.True(t, ok)

	ok, _ = p.CanSubscribe(ctx, outsider, ch)
	assert.False(t, ok)
	ok, _ = p.CanPublish(ctx, outsider, ch)
	assert.False(t, ok)
}

func TestUserChannelsAreOwnerOnly(t *testing.T) {
	p := NewPolicy(nil)
	ctx := context.Background()

	owner := AuthContext{UserID: "u1"}
	other := AuthContext{UserID: "u2"}

	ok, _ := p.CanSubscribe(ctx, owner, mustChannel(t, "user:notifications:u1"))
	assert.True(t, ok)
	ok, _ = p.CanSubscribe(ctx, other, mustChannel(t, "user:notifications:u1"))
	assert.False(t, ok)

	// Mail is special on the publish side: anyone authenticated may send.
	ok, _ = p.CanPublish(ctx, other, mustChannel(t, "user:mail:u1"))
	assert.True(t, ok)
	ok, _ = p.CanPublish(ctx, AuthContext{}, mustChannel(t, "user:mail:u1"))
	assert.False(t, ok)

	ok, _ = p.CanPublish(ctx, other, mustChannel(t, "user:notifications:u1"))
	assert.False(t, ok)
}

func TestSystemChannels(t *testing.T) {
	p := NewPolicy(nil)
	ctx := context.Background()
	ch := mustChannel(t, "system:health")

	ok, _ := p.CanSubscribe(ctx, AuthContext{APIKeyID: "key1"}, ch)
	assert.True(t, ok)
	ok, _ = p.CanSubscribe(ctx, AuthContext{}, ch)
	assert.False(t, ok)

	ok, _ = p.CanPublish(ctx, AuthContext{UserID: "u1"}, ch)
	assert.False(t, ok, "system publish is admin-only")
}
