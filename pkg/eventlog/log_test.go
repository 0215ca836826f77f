package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

func newTestLog(t *testing.T, rules []Rule) *Log {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Path:        ":memory:",
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	log, err := NewLog(client, rules)
	require.NoError(t, err)
	return log
}

func appendN(t *testing.T, log *Log, channel string, n int) []AppendResult {
	t.Helper()
	results := make([]AppendResult, 0, n)
	for i := 0; i < n; i++ {
		res, err := log.Append(context.Background(), channel, "test.event",
			json.RawMessage(`{"n":`+string(rune('0'+i%10))+`}`), AppendMeta{})
		require.NoError(t, err)
		results = append(results, res)
	}
	return results
}

func TestAppendAssignsMonotonicSequences(t *testing.T) {
	log := newTestLog(t, nil)
	results := appendN(t, log, "system:health", 5)

	for i, res := range results {
		assert.Equal(t, int64(i+1), res.Sequence)
	}
}

func TestSequencesAreIndependentPerChannel(t *testing.T) {
	log := newTestLog(t, nil)
	appendN(t, log, "system:health", 3)
	results := appendN(t, log, "system:dcg", 2)

	assert.Equal(t, int64(2), results[1].Sequence)
}

func TestRangeAfterReturnsStrictlyGreaterInOrder(t *testing.T) {
	log := newTestLog(t, nil)
	results := appendN(t, log, "system:dcg", 9)

	entries, err := log.RangeAfter(context.Background(), "system:dcg", results[4].Cursor, 100)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, int64(6+i), e.Sequence)
	}
}

func TestRangeAfterEmptyCursorReadsFromStart(t *testing.T) {
	log := newTestLog(t, nil)
	appendN(t, log, "system:dcg", 3)

	entries, err := log.RangeAfter(context.Background(), "system:dcg", "", 100)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRangeAfterUpToDateReturnsEmpty(t *testing.T) {
	log := newTestLog(t, nil)
	results := appendN(t, log, "system:dcg", 3)

	entries, err := log.RangeAfter(context.Background(), "system:dcg", results[2].Cursor, 100)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCountCapPrunesOldEntries(t *testing.T) {
	log := newTestLog(t, []Rule{{ChannelPattern: "agent:*", MaxEvents: 3}})
	results := appendN(t, log, "agent:output:a1", 6)

	// Replay from before the retained window must signal expiry.
	_, err := log.RangeAfter(context.Background(), "agent:output:a1", results[0].Cursor, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCursorExpired) || gatewayerr.Is(err, gatewayerr.KindCursorExpired))

	// The retained tail is still replayable.
	entries, err := log.RangeAfter(context.Background(), "agent:output:a1", results[2].Cursor, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestSequencesSurviveFullPrune(t *testing.T) {
	log := newTestLog(t, []Rule{{ChannelPattern: "agent:*", MaxAge: time.Nanosecond}})
	appendN(t, log, "agent:state:a1", 3)
	time.Sleep(time.Millisecond)

	// The next append prunes everything older, yet the sequence continues.
	res, err := log.Append(context.Background(), "agent:state:a1", "test.event",
		json.RawMessage(`{}`), AppendMeta{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Sequence)
}

func TestCursorIsBoundToChannel(t *testing.T) {
	log := newTestLog(t, nil)
	results := appendN(t, log, "system:health", 1)

	_, err := log.RangeAfter(context.Background(), "system:dcg", results[0].Cursor, 10)
	require.Error(t, err)
	assert.True(t, gatewayerr.Is(err, gatewayerr.KindValidation))
}

func TestCursorRoundTrip(t *testing.T) {
	c := EncodeCursor("workspace:agents:ws1", 42)
	seq, err := DecodeCursor(c, "workspace:agents:ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-base64!!!", "system:dcg")
	assert.Error(t, err)
}

func TestLatestCursor(t *testing.T) {
	log := newTestLog(t, nil)

	_, ok, err := log.LatestCursor(context.Background(), "system:health")
	require.NoError(t, err)
	assert.False(t, ok)

	results := appendN(t, log, "system:health", 2)
	cursor, ok, err := log.LatestCursor(context.Background(), "system:health")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, results[1].Cursor, cursor)
}

func TestExpireRemovesAgedEntries(t *testing.T) {
	log := newTestLog(t, []Rule{{ChannelPattern: "user:*", MaxAge: time.Minute}})
	appendN(t, log, "user:mail:u1", 3)

	// Nothing is old enough yet.
	n, err := log.Expire(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	// An hour later everything has expired.
	n, err = log.Expire(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestAppendStoresCorrelationID(t *testing.T) {
	log := newTestLog(t, nil)
	_, err := log.Append(context.Background(), "system:dcg", "dcg.block",
		json.RawMessage(`{}`), AppendMeta{CorrelationID: "corr-9"})
	require.NoError(t, err)

	entries, err := log.RangeAfter(context.Background(), "system:dcg", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "corr-9", entries[0].CorrelationID)
}
