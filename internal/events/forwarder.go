// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

//go:build nats

package events

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
)

// NATSForwarder republishes every bus topic to NATS core subjects.
// It runs as a supervised service.
type NATSForwarder struct {
	bus       *Bus
	cfg       NATSConfig
	publisher message.Publisher
}

// NewNATSForwarder connects to NATS. Forwarding starts when Serve runs.
func NewNATSForwarder(bus *Bus, cfg NATSConfig) (*NATSForwarder, error) {
	logger := watermill.NewSlogLogger(logging.NewComponentSlogLogger("nats-forwarder"))

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill nats publisher: %w", err)
	}

	return &NATSForwarder{bus: bus, cfg: cfg, publisher: pub}, nil
}

// Serve subscribes to every topic and forwards until ctx is cancelled.
func (f *NATSForwarder) Serve(ctx context.Context) error {
	defer func() {
		if err := f.publisher.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close NATS publisher")
		}
	}()

	for _, topic := range Topics {
		if err := f.bus.Subscribe(ctx, topic, "nats-forwarder", f.forward); err != nil {
			return err
		}
	}
	logging.Info().Str("url", f.cfg.URL).Str("prefix", f.cfg.SubjectPrefix).Msg("Forwarding bus events to NATS")

	<-ctx.Done()
	return ctx.Err()
}

func (f *NATSForwarder) forward(_ context.Context, ev Event) error {
	msg := message.NewMessage(ev.ID, message.Payload(ev.Payload))
	if ev.CorrelationID != "" {
		msg.Metadata.Set(MetadataCorrelationID, ev.CorrelationID)
	}
	msg.Metadata.Set(natsgo.MsgIdHdr, ev.ID)

	if err := f.publisher.Publish(f.cfg.Subject(ev.Topic), msg); err != nil {
		return fmt.Errorf("forward %s to nats: %w", ev.Topic, err)
	}
	metrics.NATSForwarded.Inc()
	return nil
}

// String implements fmt.Stringer for suture logging.
func (f *NATSForwarder) String() string { return "nats-forwarder" }
