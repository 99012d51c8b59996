// Package eventbus implements the event bus (C9): JetStream-backed
// publish/subscribe for the five event families spec.md §4.9 names —
// WorkflowEvent, ExecutionEvent, ValidationEvent, LearningEvent,
// VolumeEvent.
//
// Grounded on station/internal/workflows/runtime/nats_engine.go's
// NATSEngine: embedded-or-external JetStream server selection,
// PublishRunEvent/PublishStepSchedule publish helpers, and
// SubscribeDurable's durable pull-consumer loop — kept close to
// structurally identical, with Station's single workflow.run.* subject
// family expanded to the five-family taxonomy below.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Family is one of the five event families spec.md §4.9 defines.
type Family string

const (
	FamilyWorkflow   Family = "workflow"
	FamilyExecution  Family = "execution"
	FamilyValidation Family = "validation"
	FamilyLearning   Family = "learning"
	FamilyVolume     Family = "volume"
)

const streamName = "FRACTAL_EVENTS"

// Event is the envelope every publish carries: family/kind identify
// what happened, ExecutionID scopes it, IdempotencyKey lets at-least-
// once JetStream redelivery be deduplicated by consumers, and Detail
// carries the family-specific payload.
type Event struct {
	Family         Family         `json:"family"`
	Kind           string         `json:"kind"`
	ExecutionID    string         `json:"execution_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Detail         map[string]any `json:"detail,omitempty"`
	PublishedAt    time.Time      `json:"published_at"`
}

func subject(family Family, executionID string) string {
	return fmt.Sprintf("fractal.events.%s.%s", family, executionID)
}

// Bus wraps an embedded-or-external JetStream connection. Grounded
// exactly on NATSEngine's constructor shape: if natsURL is empty, Bus
// starts an embedded in-process NATS server (useful for tests and
// single-binary deployments); otherwise it dials the external one.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	embedded *server.Server
}

// Options mirrors Station's runtime/options.go EnvOptions pattern:
// small, struct-literal configuration with sane zero-value defaults.
type Options struct {
	NATSURL string // empty => embedded server
}

// NewBus connects to (or starts) NATS and ensures the FRACTAL_EVENTS
// stream exists, subscribed to every family's subject wildcard.
func NewBus(ctx context.Context, opts Options) (*Bus, error) {
	var nc *nats.Conn
	var embedded *server.Server
	var err error

	if opts.NATSURL == "" {
		embedded, nc, err = startEmbedded()
	} else {
		nc, err = nats.Connect(opts.NATSURL)
	}
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("eventbus: jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"fractal.events.>"},
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: create stream: %w", err)
	}

	return &Bus{nc: nc, js: js, embedded: embedded}, nil
}

func startEmbedded() (*server.Server, *nats.Conn, error) {
	opts := &server.Options{
		JetStream: true,
		Port:      -1,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, nil, fmt.Errorf("eventbus: embedded server did not become ready")
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, nil, err
	}
	return srv, nc, nil
}

// EnginePublisher adapts a Bus to the engine package's narrower
// EventPublisher shape (family/kind/executionID/detail as plain
// strings and a map, rather than the richer Event struct Bus.Publish
// itself takes), so the engine package never has to import eventbus
// to depend on it.
type EnginePublisher struct {
	Bus *Bus
}

// Publish builds an Event from its positional arguments and publishes
// it, using a SHA-based idempotency key so repeated engine ticks for
// the same (family, kind, execution) don't double-count downstream.
func (p EnginePublisher) Publish(ctx context.Context, family, kind, executionID string, detail map[string]any) error {
	return p.Bus.Publish(ctx, Event{
		Family:         Family(family),
		Kind:           kind,
		ExecutionID:    executionID,
		IdempotencyKey: StepContext{ExecutionID: executionID, StateName: family + "." + kind}.IdempotencyKey(),
		Detail:         detail,
	})
}

// Publish ships one event to its family/execution subject.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	evt.PublishedAt = time.Now()
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}

	_, err = b.js.Publish(ctx, subject(evt.Family, evt.ExecutionID), payload,
		jetstream.WithMsgID(evt.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

// Handler processes one delivered Event. Returning an error leaves the
// message unacked, so JetStream redelivers it — handlers must treat
// delivery as at-least-once and rely on Event.IdempotencyKey for
// dedup, same as consumer.go's handleMessage contract.
type Handler func(ctx context.Context, evt Event) error

// SubscribeDurable creates (or reuses) a durable pull consumer named
// consumerName over the subjects of the given families and runs handler for each
// delivered message until ctx is cancelled.
//
// Grounded on nats_engine.go's SubscribeDurable + pullFetchLoop: an
// ephemeral-looking but durable-named consumer, fetched in a bounded
// batch loop rather than a push subscription, so redelivery after a
// crash resumes from the last acked sequence.
func (b *Bus) SubscribeDurable(ctx context.Context, consumerName string, families []Family, handler Handler) error {
	subjects := make([]string, len(families))
	for i, f := range families {
		subjects[i] = fmt.Sprintf("fractal.events.%s.>", f)
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:        consumerName,
		FilterSubjects: subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("eventbus: create consumer: %w", err)
	}

	go b.pullFetchLoop(ctx, consumer, handler)
	return nil
}

func (b *Bus) pullFetchLoop(ctx context.Context, consumer jetstream.Consumer, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			continue
		}

		for msg := range msgs.Messages() {
			var evt Event
			if err := json.Unmarshal(msg.Data(), &evt); err != nil {
				_ = msg.Nak()
				continue
			}
			if err := handler(ctx, evt); err != nil {
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
	}
}

// Close tears down the connection and, if Bus started one, the
// embedded server.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
}
