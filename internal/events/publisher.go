package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/phrazzld/data-retrieval/internal/events"

// ErrPublisherClosed is returned by a publisher after Close.
var ErrPublisherClosed = errors.New("event publisher is closed")

// Publisher delivers domain events to broker destinations. It keeps one
// producer per destination, created on first use. Delivered events are also
// handed to the in-process emitter, when one is set.
type Publisher struct {
	factory ProducerFactory
	router  *Router
	emitter EventEmitter
	logger  *slog.Logger
	tracer  trace.Tracer

	mu        sync.Mutex
	producers map[string]Producer
	closed    bool
}

// NewPublisher creates a publisher. emitter may be nil.
func NewPublisher(factory ProducerFactory, router *Router, emitter EventEmitter, logger *slog.Logger) *Publisher {
	if factory == nil {
		panic("producer factory cannot be nil")
	}
	if router == nil {
		router = NewRouter("", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		factory:   factory,
		router:    router,
		emitter:   emitter,
		logger:    logger.With(slog.String("component", "event_publisher")),
		tracer:    otel.Tracer(tracerName),
		producers: make(map[string]Producer),
	}
}

// Publish delivers a single event.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	return p.PublishAll(ctx, []domain.Event{event})
}

// PublishAll delivers events in order. Consecutive events bound for the same
// destination are sent as one atomic batch. Publication stops at the first
// failure, which is returned as a *PublishError naming the first event not
// delivered.
func (p *Publisher) PublishAll(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "events.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.Int("events.count", len(events))))
	defer span.End()

	log := logger.FromContextOrDefault(ctx, p.logger)

	for start := 0; start < len(events); {
		destination := p.router.Destination(events[start].EventName())
		end := start + 1
		for end < len(events) && p.router.Destination(events[end].EventName()) == destination {
			end++
		}

		if err := p.send(ctx, destination, events[start:end]); err != nil {
			log.Error("failed to publish events",
				slog.String("destination", destination),
				slog.String("event_type", events[start].EventName()),
				slog.String("event_id", events[start].EventID().String()),
				slog.String("error", err.Error()))
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
			return &PublishError{Index: start, Event: events[start], Err: err}
		}

		for _, event := range events[start:end] {
			log.Info("event published",
				slog.String("event_type", event.EventName()),
				slog.String("event_id", event.EventID().String()),
				slog.String("destination", destination))
			p.emit(ctx, event)
		}
		start = end
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, destination string, batch []domain.Event) error {
	records := make([][]byte, 0, len(batch))
	for _, event := range batch {
		record, err := Encode(event)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	producer, err := p.producer(ctx, destination)
	if err != nil {
		return err
	}
	return producer.Send(ctx, records)
}

func (p *Publisher) producer(ctx context.Context, destination string) (Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPublisherClosed
	}
	if producer, ok := p.producers[destination]; ok {
		return producer, nil
	}

	producer, err := p.factory.Producer(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer for %s: %w", destination, err)
	}
	p.producers[destination] = producer
	p.logger.Info("created producer", slog.String("destination", destination))
	return producer, nil
}

func (p *Publisher) emit(ctx context.Context, event domain.Event) {
	if p.emitter == nil {
		return
	}
	if err := p.emitter.EmitEvent(ctx, event); err != nil {
		logger.FromContextOrDefault(ctx, p.logger).Warn("in-process event handler failed",
			slog.String("event_type", event.EventName()),
			slog.String("error", err.Error()))
	}
}

// Destinations lists the destinations that currently have a producer.
func (p *Publisher) Destinations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.producers))
	for destination := range p.producers {
		out = append(out, destination)
	}
	return out
}

// Close closes every producer, then the factory when it is an io.Closer.
// Later publications fail with ErrPublisherClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for destination, producer := range p.producers {
		if err := producer.Close(); err != nil {
			p.logger.Warn("failed to close producer",
				slog.String("destination", destination),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("close producer %s: %w", destination, err))
		}
	}
	p.producers = make(map[string]Producer)

	if closer, ok := p.factory.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer factory: %w", err))
		}
	}
	return errors.Join(errs...)
}
