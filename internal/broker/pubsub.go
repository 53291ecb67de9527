// Package broker carries routed deliveries between nodes over NATS JetStream.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/model"
)

// Publisher implements chat.Fanout by publishing each delivery to the stream.
// When a publish fails the delivery is applied to the local node instead and
// its id is marked seen, so a late copy from the stream is dropped.
type Publisher struct {
	js     jetstream.JetStream
	local  chat.Fanout
	seen   *Seen
	logger *slog.Logger
}

func NewPublisher(js jetstream.JetStream, local chat.Fanout, seen *Seen, logger *slog.Logger) *Publisher {
	return &Publisher{
		js:     js,
		local:  local,
		seen:   seen,
		logger: logger.With(slog.String("component", "broker.publisher")),
	}
}

func (p *Publisher) Deliver(ctx context.Context, d model.Delivery) error {
	if p.js == nil {
		return errors.New("internal/broker: jetstream interface is nil")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("internal/broker: could not encode delivery: %w", err)
	}

	id := d.Event.ID.String()
	subject := Subject(d.Scope)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(id)); err != nil {
		p.logger.Warn("Publish failed, delivering locally",
			slog.String("subject", subject),
			slog.String("deliveryID", id),
			slog.Any("error", err))
		p.seen.Mark(id)
		return p.local.Deliver(ctx, d)
	}
	return nil
}

// Subscriber consumes every delivery on the stream and applies it to the
// node's registry. Each node runs its own ephemeral consumer.
type Subscriber struct {
	stream jetstream.Stream
	sink   chat.Fanout
	seen   *Seen
	sweep  time.Duration
	logger *slog.Logger
}

func NewSubscriber(stream jetstream.Stream, sink chat.Fanout, seen *Seen, sweep time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		stream: stream,
		sink:   sink,
		seen:   seen,
		sweep:  sweep,
		logger: logger.With(slog.String("component", "broker.subscriber")),
	}
}

// Run consumes until ctx is cancelled, then drains the consumer.
func (s *Subscriber) Run(ctx context.Context) error {
	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubject:     SubjectDelivery + ".>",
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("internal/broker: failed to create or update consumer: %w", err)
	}

	applyCtx := context.WithoutCancel(ctx)
	consumeHandler := func(msg jetstream.Msg) {
		if err := s.apply(applyCtx, msg.Data()); err != nil {
			s.logger.Warn("Could not decode delivery", slog.Any("error", err))
			_ = msg.Term()
			return
		}
		_ = msg.Ack()
	}

	optErrHandler := jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		s.logger.Warn("Consumer error", slog.Any("error", err))
	})

	consumeCtx, err := consumer.Consume(consumeHandler, optErrHandler)
	if err != nil {
		return fmt.Errorf("internal/broker: failed to start consuming deliveries: %w", err)
	}
	defer consumeCtx.Drain()

	interval := s.sweep
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.seen.Sweep()
		}
	}
}

// apply decodes one record and hands it to the sink unless it was seen.
// Only decode failures are returned; they can never succeed on redelivery.
func (s *Subscriber) apply(ctx context.Context, data []byte) error {
	var d model.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}

	id := d.Event.ID.String()
	if !s.seen.Mark(id) {
		s.logger.Debug("Dropping duplicate delivery", slog.String("deliveryID", id))
		return nil
	}

	if err := s.sink.Deliver(ctx, d); err != nil {
		s.logger.Warn("Delivery rejected",
			slog.String("deliveryID", id),
			slog.String("scope", string(d.Scope)),
			slog.Any("error", err))
	}
	return nil
}

// EnsureStream creates or updates the delivery stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, dupWindow time.Duration) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, StreamConfig(dupWindow))
	if err != nil {
		return nil, fmt.Errorf("internal/broker: failed to create or update stream [%s]: %w", StreamName, err)
	}
	return stream, nil
}
