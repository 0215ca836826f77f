package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/eventlog"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
)

func newTestHub(t *testing.T, rules []eventlog.Rule) *Hub {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Path:        ":memory:",
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	log, err := eventlog.NewLog(client, rules)
	require.NoError(t, err)
	return New(log, nil)
}

func publishN(t *testing.T, h *Hub, channel string, n int) []eventlog.AppendResult {
	t.Helper()
	results := make([]eventlog.AppendResult, 0, n)
	for i := 0; i < n; i++ {
		res, err := h.Publish(context.Background(), channel, "test.event", json.RawMessage(`{}`))
		require.NoError(t, err)
		results = append(results, res)
	}
	return results
}

func drain(t *testing.T, sub *Subscription, n int) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, n)
	for i := 0; i < n; i++ {
		select {
		case env := <-sub.Frames():
			out = append(out, env)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", i+1, n)
		}
	}
	return out
}

func TestPublishDeliversToLiveSubscriber(t *testing.T) {
	h := newTestHub(t, nil)
	sub := NewSubscription("conn1", "system:dcg", 16, nil)
	require.NoError(t, h.Subscribe("system:dcg", sub))

	res, err := h.Publish(context.Background(), "system:dcg", "dcg.block", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	frames := drain(t, sub, 1)
	assert.Equal(t, "system:dcg", frames[0].Channel)
	assert.Equal(t, "dcg.block", frames[0].MessageType)
	assert.Equal(t, res.Sequence, frames[0].Sequence)
	assert.Equal(t, res.Cursor, frames[0].Cursor)
}

func TestPublishRejectsUnknownChannel(t *testing.T) {
	h := newTestHub(t, nil)
	_, err := h.Publish(context.Background(), "nope:what:x", "test.event", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestPublishIsDurableBeforeDelivery(t *testing.T) {
	h := newTestHub(t, nil)

	// No subscriber at all: the event must still be replayable afterwards.
	publishN(t, h, "system:health", 3)

	sub := NewSubscription("conn1", "system:health", 16, nil)
	report, err := h.Attach(context.Background(), "system:health", eventlog.EncodeCursor("system:health", 0), sub)
	require.NoError(t, err)
	assert.Equal(t, 3, report.MessagesReplayed)

	frames := drain(t, sub, 3)
	for i, f := range frames {
		assert.Equal(t, int64(i+1), f.Sequence)
	}
}

func TestAttachReplaysGapFreeThenGoesLive(t *testing.T) {
	h := newTestHub(t, nil)
	channel := "agent:output:a1"

	// Subscriber saw everything up to c5, then dropped.
	results := publishN(t, h, channel, 5)
	lastSeen := results[4].Cursor

	// While it was away, c6..c9 were published.
	publishN(t, h, channel, 4)

	sub := NewSubscription("conn2", channel, 32, nil)
	report, err := h.Attach(context.Background(), channel, lastSeen, sub)
	require.NoError(t, err)
	assert.Equal(t, 4, report.MessagesReplayed)
	assert.False(t, report.CursorExpired)
	assert.False(t, report.UsedSnapshot)

	// Live publish after attach must follow seamlessly.
	publishN(t, h, channel, 1)

	frames := drain(t, sub, 5)
	for i, f := range frames {
		assert.Equal(t, int64(6+i), f.Sequence)
	}
}

func TestAttachWithExpiredCursorUsesSnapshot(t *testing.T) {
	h := newTestHub(t, []eventlog.Rule{{ChannelPattern: "workspace:*", MaxEvents: 2}})
	channel := "workspace:agents:ws1"

	require.NoError(t, h.RegisterSnapshotProvider("workspace:agents:*",
		SnapshotProviderFunc(func(context.Context, string) (json.RawMessage, error) {
			return json.RawMessage(`{"agents":["a1","a2"]}`), nil
		})))

	results := publishN(t, h, channel, 4) // retained window is {3,4}

	sub := NewSubscription("conn3", channel, 16, nil)
	report, err := h.Attach(context.Background(), channel, results[0].Cursor, sub)
	require.NoError(t, err)
	assert.True(t, report.CursorExpired)
	assert.True(t, report.UsedSnapshot)
	assert.Equal(t, 2, report.MessagesReplayed)

	frames := drain(t, sub, 3)
	assert.Equal(t, MessageTypeSnapshot, frames[0].MessageType)
	assert.JSONEq(t, `{"agents":["a1","a2"]}`, string(frames[0].Data))
	assert.Equal(t, int64(3), frames[1].Sequence)
	assert.Equal(t, int64(4), frames[2].Sequence)
}

func TestAttachWithExpiredCursorAndNoSnapshotFails(t *testing.T) {
	h := newTestHub(t, []eventlog.Rule{{ChannelPattern: "agent:*", MaxEvents: 1}})
	channel := "agent:state:a1"

	results := publishN(t, h, channel, 3)

	sub := NewSubscription("conn4", channel, 16, nil)
	_, err := h.Attach(context.Background(), channel, results[0].Cursor, sub)
	assert.ErrorIs(t, err, ErrResyncRequired)
	assert.Zero(t, h.SubscriberCount(channel), "failed attach must not register")
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	h := newTestHub(t, nil)
	channel := "system:metrics"

	dropped := make(chan string, 1)
	sub := NewSubscription("conn5", channel, 1, func(ch string) { dropped <- ch })
	require.NoError(t, h.Subscribe(channel, sub))

	// Queue size is 1 and nobody drains: the second publish overflows.
	publishN(t, h, channel, 2)

	select {
	case ch := <-dropped:
		assert.Equal(t, channel, ch)
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Zero(t, h.SubscriberCount(channel))
}

func TestDetachStopsDelivery(t *testing.T) {
	h := newTestHub(t, nil)
	sub := NewSubscription("conn6", "system:dcg", 16, nil)
	require.NoError(t, h.Subscribe("system:dcg", sub))
	h.Detach("system:dcg", "conn6")

	publishN(t, h, "system:dcg", 1)
	select {
	case <-sub.Frames():
		t.Fatal("received frame after detach")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStats(t *testing.T) {
	h := newTestHub(t, nil)
	require.NoError(t, h.Subscribe("system:dcg", NewSubscription("c1", "system:dcg", 4, nil)))
	require.NoError(t, h.Subscribe("system:dcg", NewSubscription("c2", "system:dcg", 4, nil)))
	require.NoError(t, h.Subscribe("system:health", NewSubscription("c1", "system:health", 4, nil)))

	channels, subscribers := h.Stats()
	assert.Equal(t, 2, channels)
	assert.Equal(t, 3, subscribers)
}

func TestHubMetricsTrackPublishAndSubscribers(t *testing.T) {
	h := newTestHub(t, nil)
	m := metrics.New()
	h.SetMetrics(m)

	require.NoError(t, h.Subscribe("system:dcg", NewSubscription("c1", "system:dcg", 16, nil)))
	require.NoError(t, h.Subscribe("system:dcg", NewSubscription("c2", "system:dcg", 16, nil)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveSubscribers))

	h.Detach("system:dcg", "c1")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSubscribers))
	// Detaching an unknown connection must not drift the gauge.
	h.Detach("system:dcg", "c1")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSubscribers))

	publishN(t, h, "system:dcg", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.EventsPublished.WithLabelValues("system")))
}

func TestSlowDisconnectIsCounted(t *testing.T) {
	h := newTestHub(t, nil)
	m := metrics.New()
	h.SetMetrics(m)

	sub := NewSubscription("c9", "system:metrics", 1, nil)
	require.NoError(t, h.Subscribe("system:metrics", sub))

	// Queue size is 1 and nobody drains: the second publish overflows.
	publishN(t, h, "system:metrics", 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SlowDisconnects))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveSubscribers))
}
