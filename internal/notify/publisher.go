package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MikeSquared-Agency/minutes/internal/events"
)

// StreamName is the JetStream stream capturing every minutes.> subject.
const StreamName = "MINUTES"

// EventHandlerFunc receives every event delivered to a Tail consumer.
type EventHandlerFunc func(e events.Event)

// Publisher announces session and pipeline events on NATS.
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	subs    []jetstream.ConsumeContext
	handler EventHandlerFunc
}

func NewPublisher(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("minutes"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the MINUTES stream when it does not exist yet.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if _, err := p.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	subjects := []string{events.SubjectPrefix + ">"}
	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	slog.Info("created stream", "name", StreamName, "subjects", subjects)
	return nil
}

// PublishEvent sends an event on its subject.
func (p *Publisher) PublishEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.EventType, err)
	}
	return p.Publish(e.Subject(), data)
}

// Publish sends a raw message to NATS.
func (p *Publisher) Publish(subject string, data []byte) error {
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Tail binds a durable consumer on the MINUTES stream and hands every new
// event to fn until Close.
func (p *Publisher) Tail(ctx context.Context, consumerName string, fn EventHandlerFunc) error {
	consumer, err := p.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		p.handleMessage(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, cc)
	p.mu.Unlock()
	return nil
}

func (p *Publisher) handleMessage(msg jetstream.Msg) {
	e, err := events.Normalize(msg.Data())
	if err != nil {
		slog.Warn("malformed event, skipping", "subject", msg.Subject(), "error", err)
		// Ack to avoid redelivery of permanently broken messages.
		_ = msg.Ack()
		return
	}
	if e.Source == "" {
		e.Source = msg.Subject()
	}

	p.mu.Lock()
	fn := p.handler
	p.mu.Unlock()
	if fn != nil {
		fn(e)
	}

	if err := msg.Ack(); err != nil {
		slog.Warn("failed to ack message", "subject", msg.Subject(), "error", err)
	}
}

// Connected reports whether the NATS connection is currently up.
func (p *Publisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close stops consumers and drains the NATS connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, cc := range subs {
		cc.Stop()
	}
	if p.nc != nil {
		p.nc.Drain()
	}
}
