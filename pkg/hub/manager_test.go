package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgw/pkg/eventlog"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
)

type recordingAuditor struct {
	records chan ReplayAudit
}

func (r *recordingAuditor) RecordReplay(_ context.Context, audit ReplayAudit) {
	r.records <- audit
}

func setupTestManager(t *testing.T, h *Hub, auth AuthContext) (*ConnectionManager, *recordingAuditor, *httptest.Server) {
	t.Helper()

	auditor := &recordingAuditor{records: make(chan ReplayAudit, 16)}
	manager := NewConnectionManager(h, NewPolicy(nil), auditor, ManagerOptions{
		WriteTimeout:  5 * time.Second,
		SendQueueSize: 64,
	}, nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn, auth)
	}))

	t.Cleanup(func() { server.Close() })
	return manager, auditor, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestManagerConnectionEstablished(t *testing.T) {
	h := newTestHub(t, nil)
	_, _, server := setupTestManager(t, h, AuthContext{UserID: "u1"})
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connectionId"])
}

func TestManagerSubscribeAndReceive(t *testing.T) {
	h := newTestHub(t, nil)
	manager, _, server := setupTestManager(t, h, AuthContext{UserID: "u1"})
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Type: "subscribe", Channels: []string{"system:dcg"}})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "system:dcg", msg["channel"])

	_, err := h.Publish(context.Background(), "system:dcg", "dcg.block", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	frame := readJSON(t, conn)
	assert.Equal(t, "system:dcg", frame["channel"])
	assert.Equal(t, "dcg.block", frame["messageType"])
	assert.EqualValues(t, 1, frame["sequence"])
	assert.NotEmpty(t, frame["cursor"])

	assert.Equal(t, 1, manager.ActiveConnections())
}

func TestManagerForbiddenSubscription(t *testing.T) {
	h := newTestHub(t, nil)
	_, _, server := setupTestManager(t, h, AuthContext{UserID: "u2", WorkspaceIDs: []string{"ws9"}})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "subscribe", Channels: []string{"workspace:agents:ws1"}})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.error", msg["type"])
	assert.Equal(t, "forbidden", msg["message"])
}

func TestManagerReconnectWithCursorReplays(t *testing.T) {
	h := newTestHub(t, nil)
	channel := "user:notifications:u1"

	// Seed history before the client ever connects.
	results := publishN(t, h, channel, 4)

	_, auditor, server := setupTestManager(t, h, AuthContext{UserID: "u1"})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{
		Type:     "subscribe",
		Channels: []string{channel},
		Cursor:   results[1].Cursor,
	})
	msg := readJSON(t, conn)
	require.Equal(t, "subscription.confirmed", msg["type"])

	// Missed events 3 and 4 arrive in order, then live traffic.
	frame := readJSON(t, conn)
	assert.EqualValues(t, 3, frame["sequence"])
	frame = readJSON(t, conn)
	assert.EqualValues(t, 4, frame["sequence"])

	publishN(t, h, channel, 1)
	frame = readJSON(t, conn)
	assert.EqualValues(t, 5, frame["sequence"])

	select {
	case audit := <-auditor.records:
		assert.Equal(t, channel, audit.Channel)
		assert.Equal(t, "u1", audit.UserID)
		assert.Equal(t, 2, audit.MessagesReplayed)
		assert.False(t, audit.UsedSnapshot)
	case <-time.After(2 * time.Second):
		t.Fatal("replay was not audited")
	}
}

func TestManagerResyncRequiredWithoutSnapshot(t *testing.T) {
	h := newTestHub(t, []eventlog.Rule{{ChannelPattern: "user:*", MaxEvents: 1}})
	channel := "user:notifications:u1"

	results := publishN(t, h, channel, 3)

	_, _, server := setupTestManager(t, h, AuthContext{UserID: "u1"})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{
		Type:     "subscribe",
		Channels: []string{channel},
		Cursor:   results[0].Cursor,
	})
	msg := readJSON(t, conn)
	require.Equal(t, "subscription.confirmed", msg["type"])

	msg = readJSON(t, conn)
	assert.Equal(t, "resync_required", msg["type"])
	assert.Equal(t, channel, msg["channel"])
}

func TestManagerPingPong(t *testing.T) {
	h := newTestHub(t, nil)
	_, _, server := setupTestManager(t, h, AuthContext{UserID: "u1"})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestManagerConnectionGauge(t *testing.T) {
	h := newTestHub(t, nil)
	manager, _, server := setupTestManager(t, h, AuthContext{UserID: "u1"})
	m := metrics.New()
	manager.SetMetrics(m)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConnections))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ActiveConnections) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
