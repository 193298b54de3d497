// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package events is the in-process event bus of the telemetry pipeline.
//
// The bus runs on watermill's gochannel pub/sub. Payloads are JSON encoded,
// every message carries a watermill UUID and, when present, the correlation
// ID of the publishing context. Delivery is at-most-once: handler errors are
// logged and the message is acknowledged anyway.
//
// critical_threat and alertRequired always have a logging listener attached
// by NewBus, so a publish on those topics is never silently lost.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
)

// Topic names an outbound event.
type Topic string

const (
	TopicLogCreated     Topic = "logCreated"
	TopicBatchProcessed Topic = "batchProcessed"
	TopicAlertRequired  Topic = "alertRequired"
	TopicCriticalThreat Topic = "critical_threat"
	TopicBlockIP        Topic = "block_ip"
	TopicThreatDetected Topic = "threat_detected"
)

// Topics lists every topic the pipeline publishes.
var Topics = []Topic{
	TopicLogCreated, TopicBatchProcessed, TopicAlertRequired,
	TopicCriticalThreat, TopicBlockIP, TopicThreatDetected,
}

// MetadataCorrelationID is the message metadata key holding the correlation ID.
const MetadataCorrelationID = "correlation_id"

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// Publisher is the publishing side of the bus. Components depend on this
// interface rather than on *Bus.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, payload any) error
}

// Config configures the bus.
type Config struct {
	// OutputChannelBuffer is the per-subscriber buffer of the gochannel pub/sub.
	OutputChannelBuffer int64      `koanf:"buffer" validate:"gte=0"`
	NATS                NATSConfig `koanf:"nats"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		OutputChannelBuffer: 256,
		NATS:                DefaultNATSConfig(),
	}
}

// Event is a delivered message.
type Event struct {
	ID            string
	Topic         Topic
	CorrelationID string
	Payload       json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Topic, err)
	}
	return nil
}

// Handler consumes one event.
type Handler func(ctx context.Context, ev Event) error

// Bus is a typed facade over a watermill gochannel.
type Bus struct {
	pubsub *gochannel.GoChannel
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewBus creates the bus and attaches the default listeners.
func NewBus(cfg Config) *Bus {
	if cfg.OutputChannelBuffer <= 0 {
		cfg.OutputChannelBuffer = DefaultConfig().OutputChannelBuffer
	}
	logger := watermill.NewSlogLogger(logging.NewComponentSlogLogger("event-bus"))

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.OutputChannelBuffer,
		}, logger),
		ctx:    ctx,
		cancel: cancel,
	}
	b.attachDefaultListeners()
	return b
}

// Publish encodes payload and publishes it on topic.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		metrics.EventBusPublishErrors.WithLabelValues(string(topic)).Inc()
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set(MetadataCorrelationID, id)
	}

	if err := b.pubsub.Publish(string(topic), msg); err != nil {
		metrics.EventBusPublishErrors.WithLabelValues(string(topic)).Inc()
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	metrics.EventBusPublished.WithLabelValues(string(topic)).Inc()
	return nil
}

// Subscribe starts a consumer goroutine for topic. It stops when ctx is
// cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic Topic, name string, h Handler) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.pubsub.Subscribe(subCtx, string(topic))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe %s to %s: %w", name, topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		stop := context.AfterFunc(b.ctx, cancel)
		defer stop()

		for msg := range messages {
			b.dispatch(subCtx, topic, name, h, msg)
		}
	}()
	return nil
}

func (b *Bus) dispatch(ctx context.Context, topic Topic, name string, h Handler, msg *message.Message) {
	defer msg.Ack()

	ev := Event{
		ID:            msg.UUID,
		Topic:         topic,
		CorrelationID: msg.Metadata.Get(MetadataCorrelationID),
		Payload:       json.RawMessage(msg.Payload),
	}
	if ev.CorrelationID != "" {
		ctx = logging.ContextWithCorrelationID(ctx, ev.CorrelationID)
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("listener", name).Str("topic", string(topic)).
				Interface("panic", r).Msg("Event listener panicked")
		}
	}()
	if err := h(ctx, ev); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("listener", name).Str("topic", string(topic)).
			Str("event_id", ev.ID).Msg("Event listener failed")
	}
}

// Close stops every consumer and the underlying pub/sub. Safe to call twice.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close event bus: %w", err)
	}
	return nil
}

func (b *Bus) attachDefaultListeners() {
	// Subscribe cannot fail on a fresh, open gochannel.
	_ = b.Subscribe(b.ctx, TopicCriticalThreat, "critical-threat-log", func(ctx context.Context, ev Event) error {
		var threat CriticalThreat
		if err := ev.Decode(&threat); err != nil {
			return err
		}
		logging.Ctx(ctx).Error().Float64("score", threat.Score).Str("event_id", threat.EventID).
			Int("patterns", len(threat.Patterns)).Msg("Critical threat detected")
		return nil
	})
	_ = b.Subscribe(b.ctx, TopicAlertRequired, "alert-required-log", func(ctx context.Context, ev Event) error {
		var alert AlertRequired
		if err := ev.Decode(&alert); err != nil {
			return err
		}
		logging.Ctx(ctx).Warn().Str("entry_id", alert.EntryID).Str("action", alert.Action).
			Str("entity", alert.Entity).Str("risk_level", alert.RiskLevel).Msg("Audit entry requires escalation")
		return nil
	})
}
