package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/agentgw/pkg/eventlog"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
)

// ClientMessage is a frame received from a WebSocket client.
type ClientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	Cursor   string   `json:"cursor,omitempty"`
}

// ReplayAudit records one replay for the audit trail.
type ReplayAudit struct {
	ConnectionID     string
	UserID           string
	Channel          string
	FromCursor       string
	ToCursor         string
	MessagesReplayed int
	CursorExpired    bool
	UsedSnapshot     bool
	DurationMs       int64
}

// ReplayAuditor receives replay audit records. Implementations must not
// fail the caller.
type ReplayAuditor interface {
	RecordReplay(ctx context.Context, audit ReplayAudit)
}

// ManagerOptions tunes the connection manager.
type ManagerOptions struct {
	WriteTimeout      time.Duration
	SendQueueSize     int
	ReplayConcurrency int
	ReplayPerMinute   int
}

// ConnectionManager owns WebSocket connections: the read loop, per-channel
// subscription writers, replay throttling, and teardown.
type ConnectionManager struct {
	hub     *Hub
	policy  *Policy
	auditor ReplayAuditor
	opts    ManagerOptions
	logger  *slog.Logger
	metrics *metrics.Metrics

	connections map[string]*Connection
	mu          sync.RWMutex
}

// Connection is a single WebSocket client.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Auth AuthContext

	ctx    context.Context
	cancel context.CancelFunc

	// subMu guards subscriptions and lastAck; subscribe frames, replay
	// goroutines, and teardown all touch them.
	subMu         sync.Mutex
	subscriptions map[string]*Subscription
	lastAck       map[string]string

	// replaySem bounds concurrent replays; replayTimes is the sliding
	// window for the per-minute cap.
	replaySem   chan struct{}
	replayMu    sync.Mutex
	replayTimes []time.Time
}

// NewConnectionManager wires a manager over the hub and policy.
func NewConnectionManager(h *Hub, policy *Policy, auditor ReplayAuditor, opts ManagerOptions, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.ReplayConcurrency <= 0 {
		opts.ReplayConcurrency = 2
	}
	if opts.ReplayPerMinute <= 0 {
		opts.ReplayPerMinute = 30
	}
	return &ConnectionManager{
		hub:         h,
		policy:      policy,
		auditor:     auditor,
		opts:        opts,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// SetMetrics installs the collectors the manager records into. Recording is
// skipped while unset.
func (m *ConnectionManager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// HandleConnection manages one WebSocket connection's lifecycle. Called by
// the HTTP handler after upgrade; blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, auth AuthContext) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		Conn:          conn,
		Auth:          auth,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]*Subscription),
		lastAck:       make(map[string]string),
		replaySem:     make(chan struct{}, m.opts.ReplayConcurrency),
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":         "connection.established",
		"connectionId": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			m.sendJSON(c, map[string]string{"type": "error", "message": "malformed frame"})
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if len(msg.Channels) == 0 {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channels are required for subscribe"})
			return
		}
		for _, channel := range msg.Channels {
			m.handleSubscribe(ctx, c, channel, msg.Cursor)
		}

	case "unsubscribe":
		for _, channel := range msg.Channels {
			m.removeSubscription(c, channel)
		}

	case "ack":
		if msg.Cursor == "" {
			return
		}
		channel, _, err := eventlog.ParseCursor(msg.Cursor)
		if err != nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "malformed ack cursor"})
			return
		}
		c.subMu.Lock()
		c.lastAck[channel] = msg.Cursor
		c.subMu.Unlock()

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown frame type"})
	}
}

// handleSubscribe authorises, registers, and (when a cursor for this
// channel is supplied) replays. The confirmation is sent before replay
// starts; replayed frames then arrive in order ahead of live ones.
func (m *ConnectionManager) handleSubscribe(ctx context.Context, c *Connection, channel, cursor string) {
	parsed, err := ParseChannel(channel)
	if err != nil {
		m.sendJSON(c, map[string]string{
			"type": "subscription.error", "channel": channel, "message": err.Error(),
		})
		return
	}

	allowed, err := m.policy.CanSubscribe(ctx, c.Auth, parsed)
	if err != nil {
		m.logger.Error("Subscribe authorisation failed", "channel", channel, "error", err)
		m.sendJSON(c, map[string]string{
			"type": "subscription.error", "channel": channel, "message": "authorisation check failed",
		})
		return
	}
	if !allowed {
		m.sendJSON(c, map[string]string{
			"type": "subscription.error", "channel": channel, "message": "forbidden",
		})
		return
	}

	c.subMu.Lock()
	if _, dup := c.subscriptions[channel]; dup {
		c.subMu.Unlock()
		m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": channel})
		return
	}
	sub := NewSubscription(c.ID, channel, m.opts.SendQueueSize, func(ch string) {
		m.logger.Warn("Closing slow WebSocket subscriber",
			"connection_id", c.ID, "channel", ch)
		c.cancel()
		_ = c.Conn.Close(websocket.StatusPolicyViolation, "send queue overflow")
	})
	c.subscriptions[channel] = sub
	c.subMu.Unlock()

	go m.writeLoop(c, sub)

	// A cursor in a multi-channel subscribe applies only to the channel it
	// was minted for; the others get live-only subscriptions.
	replayCursor := ""
	if cursor != "" {
		if _, err := eventlog.DecodeCursor(cursor, channel); err == nil {
			replayCursor = cursor
		}
	}

	if replayCursor == "" {
		if err := m.hub.Subscribe(channel, sub); err != nil {
			m.removeSubscription(c, channel)
			m.sendJSON(c, map[string]string{
				"type": "subscription.error", "channel": channel, "message": err.Error(),
			})
			return
		}
		m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": channel})
		return
	}

	if !m.admitReplay(c) {
		m.removeSubscription(c, channel)
		m.sendJSON(c, map[string]string{
			"type": "subscription.error", "channel": channel, "message": "replay limit exceeded",
		})
		return
	}

	m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": channel})

	go func() {
		defer func() { <-c.replaySem }()

		report, err := m.hub.Attach(c.ctx, channel, replayCursor, sub)
		m.auditReplay(c, channel, report)
		if err != nil {
			m.removeSubscription(c, channel)
			if err == ErrResyncRequired {
				m.sendJSON(c, map[string]string{"type": "resync_required", "channel": channel})
				return
			}
			m.logger.Error("Replay failed", "connection_id", c.ID, "channel", channel, "error", err)
			m.sendJSON(c, map[string]string{
				"type": "subscription.error", "channel": channel, "message": "replay failed",
			})
		}
	}()
}

// admitReplay enforces the per-connection concurrent-replay cap and the
// sliding per-minute rate limit. On success a replaySem slot is held.
func (m *ConnectionManager) admitReplay(c *Connection) bool {
	c.replayMu.Lock()
	cutoff := time.Now().Add(-time.Minute)
	kept := c.replayTimes[:0]
	for _, ts := range c.replayTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.replayTimes = kept
	if len(c.replayTimes) >= m.opts.ReplayPerMinute {
		c.replayMu.Unlock()
		return false
	}
	c.replayTimes = append(c.replayTimes, time.Now())
	c.replayMu.Unlock()

	select {
	case c.replaySem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *ConnectionManager) auditReplay(c *Connection, channel string, report ReplayReport) {
	if m.auditor == nil {
		return
	}
	m.auditor.RecordReplay(c.ctx, ReplayAudit{
		ConnectionID:     c.ID,
		UserID:           c.Auth.UserID,
		Channel:          channel,
		FromCursor:       report.FromCursor,
		ToCursor:         report.ToCursor,
		MessagesReplayed: report.MessagesReplayed,
		CursorExpired:    report.CursorExpired,
		UsedSnapshot:     report.UsedSnapshot,
		DurationMs:       report.Duration.Milliseconds(),
	})
}

// writeLoop drains one subscription's queue onto the socket. Exits when
// the connection context is cancelled.
func (m *ConnectionManager) writeLoop(c *Connection, sub *Subscription) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-sub.Frames():
			data, err := json.Marshal(env)
			if err != nil {
				m.logger.Warn("Failed to marshal envelope", "connection_id", c.ID, "error", err)
				continue
			}
			if err := m.sendRaw(c, data); err != nil {
				m.logger.Warn("Failed to send to WebSocket client",
					"connection_id", c.ID, "channel", env.Channel, "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (m *ConnectionManager) removeSubscription(c *Connection, channel string) {
	c.subMu.Lock()
	_, ok := c.subscriptions[channel]
	delete(c.subscriptions, channel)
	c.subMu.Unlock()
	if ok {
		m.hub.Detach(channel, c.ID)
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
	if m.metrics != nil {
		m.metrics.ActiveConnections.Inc()
	}
}

func (m *ConnectionManager) unregister(c *Connection) {
	c.subMu.Lock()
	channels := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		channels = append(channels, ch)
	}
	c.subscriptions = make(map[string]*Subscription)
	c.subMu.Unlock()
	for _, ch := range channels {
		m.hub.Detach(ch, c.ID)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	if m.metrics != nil {
		m.metrics.ActiveConnections.Dec()
	}
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// ActiveConnections returns the count of open WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		m.logger.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.opts.WriteTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
