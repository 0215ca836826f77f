package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasPrefixAndHexSuffix(t *testing.T) {
	id := New(PrefixSyncOp)
	require.True(t, strings.HasPrefix(id, "gso_"))
	assert.Len(t, id, len("gso_")+suffixBytes*2)
}

func TestNewIsUniqueAcrossManyCalls(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 10_000; i++ {
		id := New(PrefixBlockEvent)
		require.False(t, ids[id], "duplicate id %s", id)
		ids[id] = true
	}
}
