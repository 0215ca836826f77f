package dcg

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/eventlog"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
)

// ChannelSystemDCG carries all guard events.
const ChannelSystemDCG = "system:dcg"

// Guard message types published on ChannelSystemDCG.
const (
	MessageTypeBlock         = "dcg.block"
	MessageTypeWarn          = "dcg.warn"
	MessageTypeFalsePositive = "dcg.false_positive"
	MessageTypeConfigUpdated = "dcg.config_updated"
)

// EventPublisher is the hub surface the guard needs. Nil disables
// event publication.
type EventPublisher interface {
	Publish(ctx context.Context, channel, messageType string, data json.RawMessage) (eventlog.AppendResult, error)
}

// Auditor records mutating operations. Nil disables auditing.
type Auditor interface {
	Record(ctx context.Context, actor, action, resource string, details any)
}

// Options tunes the guard.
type Options struct {
	RingSize     int           // recent-blocks ring capacity, default 100
	ExceptionTTL time.Duration // pending-exception lifetime, default 10m
}

func (o Options) withDefaults() Options {
	if o.RingSize <= 0 {
		o.RingSize = 100
	}
	if o.ExceptionTTL <= 0 {
		o.ExceptionTTL = 10 * time.Minute
	}
	return o
}

// Service is the destructive-command guard. All methods are safe for
// concurrent use; the config cache and the recent-blocks ring are the
// only in-memory shared state and each is guarded by its own mutex.
type Service struct {
	client    *database.Client
	registry  *registry
	redactor  *Redactor
	publisher EventPublisher
	auditor   Auditor
	opts      Options
	metrics   *metrics.Metrics

	cfgMu sync.RWMutex
	cfg   Config

	ringMu sync.Mutex
	ring   []*BlockEvent
}

// NewService wires the guard with the given packs (BuiltinPacks for
// production) and loads or seeds the singleton config row.
func NewService(ctx context.Context, client *database.Client, packs []Pack, opts Options, publisher EventPublisher, auditor Auditor) (*Service, error) {
	reg, err := newRegistry(packs)
	if err != nil {
		return nil, err
	}
	s := &Service{
		client:    client,
		registry:  reg,
		redactor:  NewRedactor(),
		publisher: publisher,
		auditor:   auditor,
		opts:      opts.withDefaults(),
	}
	cfg, err := s.loadOrSeedConfig(ctx)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

// Redactor exposes the guard's redactor for reuse by the audit sink.
func (s *Service) Redactor() *Redactor { return s.redactor }

// SetMetrics installs the collectors the guard records into. Recording is
// skipped while unset.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Service) publish(ctx context.Context, messageType string, payload any) {
	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, ChannelSystemDCG, messageType, data); err != nil {
		correlation.Logger(ctx).Error("Failed to publish guard event",
			"message_type", messageType, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, actor, action, resource string, details any) {
	if s.auditor != nil {
		s.auditor.Record(ctx, actor, action, resource, details)
	}
}
