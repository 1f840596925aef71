// Package consumer runs the receive, dispatch and acknowledge loop that turns
// broker messages into command executions.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/data-retrieval/internal/command"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/phrazzld/data-retrieval/internal/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/phrazzld/data-retrieval/internal/consumer"

// Dispatcher runs the handler registered for an envelope's type.
type Dispatcher interface {
	Dispatch(ctx context.Context, env command.Envelope) error
}

// Config holds the loop settings.
type Config struct {
	// MaxWorkers caps the handlers running at once. Receiving pauses while
	// every worker is busy.
	MaxWorkers int

	// LogInterval is how many consecutive poll timeouts pass between idle
	// log lines.
	LogInterval int

	// ShutdownGrace bounds how long Stop waits for the pending receive
	// before cancelling it.
	ShutdownGrace time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight handlers. Zero
	// means Stop does not wait for them.
	DrainTimeout time.Duration

	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:    16,
		LogInterval:   60,
		ShutdownGrace: 5 * time.Second,
		ErrorBackoff:  time.Second,
	}
}

// Stats is a snapshot of the consumer's counters.
type Stats struct {
	Received int64 `json:"received"`
	Acked    int64 `json:"acked"`
	Nacked   int64 `json:"nacked"`
	InFlight int64 `json:"in_flight"`
}

// Consumer receives commands from a Source and dispatches each one on its
// own goroutine. Commands that succeed, or fail in a way redelivery cannot
// fix, are acknowledged; the rest are left for redelivery.
type Consumer struct {
	source     Source
	dispatcher Dispatcher
	config     Config
	logger     *slog.Logger
	tracer     trace.Tracer

	running  atomic.Bool
	started  atomic.Bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	// slots holds one token per running handler.
	slots    chan struct{}
	group    errgroup.Group
	stopOnce sync.Once
	stopErr  error

	received atomic.Int64
	acked    atomic.Int64
	nacked   atomic.Int64
	inFlight atomic.Int64
}

// New creates a consumer. Zero config fields take their defaults.
func New(source Source, dispatcher Dispatcher, cfg Config, log *slog.Logger) *Consumer {
	if source == nil {
		panic("source cannot be nil")
	}
	if dispatcher == nil {
		panic("dispatcher cannot be nil")
	}

	defaults := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaults.MaxWorkers
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = defaults.LogInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaults.ShutdownGrace
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaults.ErrorBackoff
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Consumer{
		source:     source,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     log.With(slog.String("component", "command_consumer")),
		tracer:     otel.Tracer(tracerName),
		loopDone:   make(chan struct{}),
		slots:      make(chan struct{}, cfg.MaxWorkers),
	}
	return c
}

// Start launches the receive loop. Cancelling ctx stops receiving as well.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("consumer already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running.Store(true)

	c.logger.Info("command consumer started",
		slog.Int("max_workers", c.config.MaxWorkers),
		slog.Duration("shutdown_grace", c.config.ShutdownGrace),
		slog.Duration("drain_timeout", c.config.DrainTimeout))

	go c.loop(loopCtx)
	return nil
}

// Running reports whether the loop is accepting messages.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Stats returns the current counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Received: c.received.Load(),
		Acked:    c.acked.Load(),
		Nacked:   c.nacked.Load(),
		InFlight: c.inFlight.Load(),
	}
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.loopDone)

	var timeouts int
	lastMessage := time.Now()

	for c.running.Load() {
		// Reserve a worker before receiving; the loop never holds a message
		// it cannot dispatch.
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		msg, err := c.source.Receive(ctx)
		if err != nil {
			<-c.slots
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrPollTimeout):
			timeouts++
			if timeouts%c.config.LogInterval == 0 {
				c.logger.Debug("waiting for commands",
					slog.Int("timeouts", timeouts),
					slog.Float64("idle_seconds", time.Since(lastMessage).Seconds()))
			}
			continue
		case ctx.Err() != nil:
			return
		default:
			c.logger.Error("failed to receive message", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.ErrorBackoff):
			}
			continue
		}

		timeouts = 0
		lastMessage = time.Now()
		c.received.Add(1)
		c.inFlight.Add(1)

		// Handlers outlive the receive context so that shutdown does not
		// abort commands half way through.
		handlerCtx := context.WithoutCancel(ctx)
		c.group.Go(func() error {
			defer func() { <-c.slots }()
			defer c.inFlight.Add(-1)
			c.process(handlerCtx, msg)
			return nil
		})
	}
}

// process decodes, dispatches and settles one message.
func (c *Consumer) process(ctx context.Context, msg Message) {
	log := c.logger.With(
		slog.String("topic", msg.Topic),
		slog.String("message_id", msg.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("command handler panicked", slog.Any("panic", r))
			c.settle(ctx, log, msg, false)
		}
	}()

	env, err := command.DecodeEnvelope(msg.Payload)
	if err != nil {
		log.Error("discarding malformed message", slog.String("error", err.Error()))
		c.settle(ctx, log, msg, true)
		return
	}

	log = log.With(
		slog.String("command_type", env.Type),
		slog.String("command_id", env.ID),
		slog.String("correlation_id", env.CorrelationID))
	ctx = logger.WithLogger(ctx, log)

	ctx, span := c.tracer.Start(ctx, "command.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("command.type", env.Type),
			attribute.String("command.id", env.ID),
			attribute.String("messaging.destination", msg.Topic)))
	defer span.End()

	log.Info("received command")
	start := time.Now()
	err = c.dispatcher.Dispatch(ctx, env)
	elapsed := slog.Duration("duration", time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command failed")
	}

	ack := Acknowledge(err)
	switch {
	case err == nil:
		log.Info("command processed", elapsed)
	case errors.Is(err, command.ErrUnknownCommand):
		log.Warn("no handler for command type, leaving for redelivery")
	case service.Classify(err) == service.KindMisconfigured:
		log.Error("command handler is misconfigured, not retrying", elapsed, slog.String("error", err.Error()))
	case ack:
		log.Error("command rejected, not retrying", elapsed, slog.String("error", err.Error()))
	default:
		log.Error("command failed, leaving for redelivery", elapsed, slog.String("error", err.Error()))
	}
	c.settle(ctx, log, msg, ack)
}

// Acknowledge decides whether a processing outcome settles the message.
// Successes, malformed messages and business rejections are acknowledged.
// Unknown command types and infrastructure failures are redelivered.
//
// Handler errors are not all redelivered. NotFound, InvalidState and
// Validation fail the same way on every attempt, a configuration fault needs
// a redeploy, and ErrPublishFailed follows a change that is already
// committed, so these are acknowledged and logged at ERROR. Redelivery is
// reserved for KindTransient errors and panics.
func Acknowledge(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, command.ErrMalformedEnvelope):
		return true
	case errors.Is(err, command.ErrUnknownCommand):
		return false
	}
	return service.Classify(err) != service.KindTransient
}

func (c *Consumer) settle(ctx context.Context, log *slog.Logger, msg Message, ack bool) {
	var err error
	if ack {
		c.acked.Add(1)
		err = c.source.Ack(ctx, msg)
	} else {
		c.nacked.Add(1)
		err = c.source.Nack(ctx, msg)
	}
	if err != nil {
		log.Error("failed to settle message",
			slog.Bool("ack", ack),
			slog.String("error", err.Error()))
	}
}

// Stop ends the loop and releases the source. It waits up to the grace
// period for the pending receive, then cancels it. In-flight handlers are
// awaited only up to DrainTimeout, or bounded by ctx. Calling Stop again
// returns the first result.
func (c *Consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.running.Store(false)

		if c.started.Load() {
			grace := time.NewTimer(c.config.ShutdownGrace)
			select {
			case <-c.loopDone:
			case <-grace.C:
				c.logger.Warn("receive still pending after grace period, cancelling")
			case <-ctx.Done():
			}
			grace.Stop()
			c.cancel()
			select {
			case <-c.loopDone:
			case <-ctx.Done():
				c.logger.Warn("receive loop did not exit before the stop deadline")
			}

			c.drain(ctx)
		}

		if err := c.source.Close(); err != nil {
			c.stopErr = fmt.Errorf("close source: %w", err)
		}
		stats := c.Stats()
		c.logger.Info("command consumer stopped",
			slog.Int64("received", stats.Received),
			slog.Int64("acked", stats.Acked),
			slog.Int64("nacked", stats.Nacked),
			slog.Int64("in_flight", stats.InFlight))
	})
	return c.stopErr
}

func (c *Consumer) drain(ctx context.Context) {
	pending := c.inFlight.Load()
	if pending == 0 {
		return
	}
	if c.config.DrainTimeout <= 0 {
		c.logger.Info("not waiting for in-flight commands", slog.Int64("in_flight", pending))
		return
	}

	done := make(chan struct{})
	go func() {
		_ = c.group.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.config.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		c.logger.Info("in-flight commands drained")
	case <-timer.C:
		c.logger.Warn("drain timeout reached", slog.Int64("in_flight", c.inFlight.Load()))
	case <-ctx.Done():
		c.logger.Warn("drain interrupted", slog.Int64("in_flight", c.inFlight.Load()))
	}
}
