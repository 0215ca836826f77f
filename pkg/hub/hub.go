// Package hub dispatches channel-typed events to WebSocket subscribers.
// Every publish is appended to the durable event log before any delivery,
// so reconnecting clients can replay from their last cursor without gaps.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
	"github.com/codeready-toolchain/agentgw/pkg/eventlog"
	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
)

// replayBatch is the page size used when draining the log during replay.
// The final pages are delivered while holding the publish lock, so it must
// stay small enough not to stall concurrent publishers.
const replayBatch = 100

// MessageTypeSnapshot is the frame type that seeds a subscriber whose
// cursor fell out of the retained window.
const MessageTypeSnapshot = "snapshot"

// Envelope is the server frame delivered to subscribers.
type Envelope struct {
	Channel       string          `json:"channel"`
	MessageType   string          `json:"messageType"`
	Data          json.RawMessage `json:"data"`
	Cursor        string          `json:"cursor"`
	Sequence      int64           `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// SnapshotProvider seeds subscribers whose cursor fell out of the retained
// window. Implementations return the current full state of the channel.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, channel string) (json.RawMessage, error)
}

// SnapshotProviderFunc adapts a function to SnapshotProvider.
type SnapshotProviderFunc func(ctx context.Context, channel string) (json.RawMessage, error)

func (f SnapshotProviderFunc) Snapshot(ctx context.Context, channel string) (json.RawMessage, error) {
	return f(ctx, channel)
}

// Subscription is one subscriber's attachment to a single channel. Frames
// are enqueued non-blocking; a full queue marks the subscriber slow and
// detaches it.
type Subscription struct {
	connID  string
	channel string
	queue   chan Envelope

	// dropSlow is invoked at most once when the queue overflows. The
	// owning connection uses it to close the socket.
	dropSlow func(channel string)
	dropOnce sync.Once
}

// NewSubscription builds a subscription with a bounded send queue.
func NewSubscription(connID, channel string, queueSize int, dropSlow func(channel string)) *Subscription {
	return &Subscription{
		connID:   connID,
		channel:  channel,
		queue:    make(chan Envelope, queueSize),
		dropSlow: dropSlow,
	}
}

// Frames returns the subscriber's delivery queue.
func (s *Subscription) Frames() <-chan Envelope { return s.queue }

func (s *Subscription) enqueue(env Envelope) bool {
	select {
	case s.queue <- env:
		return true
	default:
		s.dropOnce.Do(func() {
			if s.dropSlow != nil {
				s.dropSlow(s.channel)
			}
		})
		return false
	}
}

// Hub is the pub/sub core. Publishes are totally ordered per hub (and thus
// per channel) by pubMu; the subscriber table has its own lock.
type Hub struct {
	log     *eventlog.Log
	logger  *slog.Logger
	metrics *metrics.Metrics

	pubMu sync.Mutex

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // channel → connID → sub

	snapMu    sync.RWMutex
	snapshots []snapshotBinding
}

type snapshotBinding struct {
	matcher  glob.Glob
	provider SnapshotProvider
}

// New creates a Hub over the given event log.
func New(log *eventlog.Log, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:    log,
		logger: logger,
		subs:   make(map[string]map[string]*Subscription),
	}
}

// SetMetrics installs the collectors the hub records into. Recording is
// skipped while unset.
func (h *Hub) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// RegisterSnapshotProvider binds a provider to a channel glob pattern.
// First matching binding wins.
func (h *Hub) RegisterSnapshotProvider(channelPattern string, p SnapshotProvider) error {
	g, err := glob.Compile(channelPattern)
	if err != nil {
		return fmt.Errorf("compiling snapshot pattern %q: %w", channelPattern, err)
	}
	h.snapMu.Lock()
	h.snapshots = append(h.snapshots, snapshotBinding{matcher: g, provider: p})
	h.snapMu.Unlock()
	return nil
}

func (h *Hub) snapshotProvider(channel string) SnapshotProvider {
	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	for _, b := range h.snapshots {
		if b.matcher.Match(channel) {
			return b.provider
		}
	}
	return nil
}

// Publish appends the event to the log, then fans it out to current
// subscribers. The append commits before any delivery is attempted, so a
// subscriber that misses the live frame can still replay it.
func (h *Hub) Publish(ctx context.Context, channel, messageType string, data json.RawMessage) (eventlog.AppendResult, error) {
	parsed, err := ParseChannel(channel)
	if err != nil {
		return eventlog.AppendResult{}, err
	}

	corr := correlation.From(ctx)

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	res, err := h.log.Append(ctx, channel, messageType, data, eventlog.AppendMeta{
		CorrelationID: corr.CorrelationID,
	})
	if err != nil {
		return eventlog.AppendResult{}, err
	}
	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(string(parsed.Kind)).Inc()
	}

	h.fanout(Envelope{
		Channel:       channel,
		MessageType:   messageType,
		Data:          data,
		Cursor:        res.Cursor,
		Sequence:      res.Sequence,
		Timestamp:     time.Now(),
		CorrelationID: corr.CorrelationID,
	})
	return res, nil
}

func (h *Hub) fanout(env Envelope) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[env.Channel]))
	for _, s := range h.subs[env.Channel] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(env) {
			// Slowest subscriber loses its slot; it reconnects with its
			// last cursor and replays what it missed.
			h.logger.Warn("Disconnecting slow subscriber",
				"connection_id", s.connID, "channel", env.Channel)
			if h.metrics != nil {
				h.metrics.SlowDisconnects.Inc()
			}
			h.detach(env.Channel, s.connID)
		}
	}
}

// ReplayReport summarises one attach-with-replay for auditing.
type ReplayReport struct {
	FromCursor       string
	ToCursor         string
	MessagesReplayed int
	CursorExpired    bool
	UsedSnapshot     bool
	Duration         time.Duration
}

// ErrResyncRequired signals an expired cursor on a channel with no
// snapshot provider. The client must rebuild its state over REST.
var ErrResyncRequired = gatewayerr.New(gatewayerr.KindCursorExpired,
	"cursor expired and channel has no snapshot; full resync required")

// errSlowDuringReplay reports a queue overflow while replaying.
var errSlowDuringReplay = gatewayerr.New(gatewayerr.KindConflict,
	"subscriber queue overflowed during replay")

// Attach registers the subscription for live delivery, replaying from the
// cursor first when one is given. Replayed frames share the live delivery
// queue, and the final replay pages are drained under the publish lock, so
// the subscriber observes every retained sequence exactly once, in order,
// followed seamlessly by live frames.
//
// On an expired cursor: if the channel has a snapshot provider, a single
// snapshot frame is enqueued and replay resumes from the floor of the
// retained window; otherwise ErrResyncRequired is returned and nothing is
// registered.
func (h *Hub) Attach(ctx context.Context, channel, cursor string, sub *Subscription) (report ReplayReport, err error) {
	if _, err := ParseChannel(channel); err != nil {
		return ReplayReport{}, err
	}

	start := time.Now()
	hadCursor := cursor != ""
	report = ReplayReport{FromCursor: cursor}
	defer func() {
		report.Duration = time.Since(start)
		if hadCursor && h.metrics != nil {
			h.metrics.ReplayDuration.Observe(report.Duration.Seconds())
		}
	}()

	if cursor != "" {
		resumed, err := h.seedAfterExpiry(ctx, channel, cursor, sub, &report)
		if err != nil {
			return report, err
		}
		if resumed != "" || report.UsedSnapshot {
			cursor = resumed
		}

		// Drain the bulk of the backlog without holding the publish lock.
		for {
			entries, err := h.log.RangeAfter(ctx, channel, cursor, replayBatch)
			if err != nil {
				return report, err
			}
			for _, e := range entries {
				if !h.enqueueEntry(sub, e) {
					return report, errSlowDuringReplay
				}
				report.MessagesReplayed++
				report.ToCursor = e.Cursor
				cursor = e.Cursor
			}
			if len(entries) < replayBatch {
				break
			}
		}
	}

	// Final pages plus registration happen under the publish lock: no event
	// can be appended between the last replayed frame and live delivery.
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	for {
		entries, err := h.log.RangeAfter(ctx, channel, cursor, replayBatch)
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if !h.enqueueEntry(sub, e) {
				return report, errSlowDuringReplay
			}
			report.MessagesReplayed++
			report.ToCursor = e.Cursor
			cursor = e.Cursor
		}
	}
	h.register(channel, sub)
	return report, nil
}

// seedAfterExpiry probes the cursor and, when it has fallen out of the
// retained window, seeds the subscriber from a snapshot. Returns the
// cursor replay should resume from ("" when the original cursor is still
// valid or the window is empty).
func (h *Hub) seedAfterExpiry(ctx context.Context, channel, cursor string, sub *Subscription, report *ReplayReport) (string, error) {
	_, err := h.log.RangeAfter(ctx, channel, cursor, 1)
	if err == nil {
		return "", nil
	}
	if !gatewayerr.Is(err, gatewayerr.KindCursorExpired) {
		return "", err
	}
	report.CursorExpired = true

	provider := h.snapshotProvider(channel)
	if provider == nil {
		return "", ErrResyncRequired
	}

	snap, err := provider.Snapshot(ctx, channel)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindSystemUnavailable, err,
			"snapshot provider failed for channel %s", channel)
	}

	floor, ok, err := h.log.MinRetainedCursor(ctx, channel)
	if err != nil {
		return "", err
	}

	frame := Envelope{
		Channel:     channel,
		MessageType: MessageTypeSnapshot,
		Data:        snap,
		Cursor:      floor,
		Timestamp:   time.Now(),
	}
	if !sub.enqueue(frame) {
		return "", errSlowDuringReplay
	}
	report.UsedSnapshot = true

	if !ok {
		// Window drained entirely between probe and floor read; live
		// delivery picks up from here.
		return "", nil
	}
	return floor, nil
}

func (h *Hub) enqueueEntry(sub *Subscription, e eventlog.Entry) bool {
	return sub.enqueue(Envelope{
		Channel:       e.Channel,
		MessageType:   e.MessageType,
		Data:          e.Payload,
		Cursor:        e.Cursor,
		Sequence:      e.Sequence,
		Timestamp:     e.CreatedAt,
		CorrelationID: e.CorrelationID,
	})
}

// Subscribe registers the subscription for live delivery only.
func (h *Hub) Subscribe(channel string, sub *Subscription) error {
	if _, err := ParseChannel(channel); err != nil {
		return err
	}
	h.register(channel, sub)
	return nil
}

func (h *Hub) register(channel string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[string]*Subscription)
	}
	if _, replaced := h.subs[channel][sub.connID]; !replaced && h.metrics != nil {
		h.metrics.ActiveSubscribers.Inc()
	}
	h.subs[channel][sub.connID] = sub
}

// Detach removes one connection's subscription from a channel.
func (h *Hub) Detach(channel, connID string) {
	h.detach(channel, connID)
}

func (h *Hub) detach(channel, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[channel]
	if !ok {
		return
	}
	if _, present := subs[connID]; present && h.metrics != nil {
		h.metrics.ActiveSubscribers.Dec()
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.subs, channel)
	}
}

// SubscriberCount returns the live subscriber count for a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Stats reports the current subscriber table shape.
func (h *Hub) Stats() (channels, subscribers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.subs {
		subscribers += len(subs)
	}
	return len(h.subs), subscribers
}
