package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/events"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/sethvargo/go-retry"
)

// EventPublisher delivers domain events in order. A failure part way through
// is reported as an *events.PublishError naming the first undelivered event.
type EventPublisher interface {
	PublishAll(ctx context.Context, events []domain.Event) error
}

// ContentSink stores image bytes under a relative path.
type ContentSink interface {
	// Write stores data and returns the size actually persisted.
	Write(ctx context.Context, path string, data []byte) (int64, error)
	// Delete removes the content. Deleting a missing path succeeds.
	Delete(ctx context.Context, path string) error
}

// PublishPolicy bounds the retries of post-commit publication.
type PublishPolicy struct {
	// Attempts is the total number of tries, at least 1.
	Attempts uint64
	// Backoff is the first delay; later delays grow exponentially.
	Backoff time.Duration
}

// DefaultPublishPolicy returns the policy used when none is configured.
func DefaultPublishPolicy() PublishPolicy {
	return PublishPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}
}

// committedPublisher publishes the events of a committed change. Retries
// resume from the first undelivered event, so delivered events are not sent
// twice by this process.
type committedPublisher struct {
	publisher EventPublisher
	policy    PublishPolicy
	logger    *slog.Logger
}

func newCommittedPublisher(p EventPublisher, policy PublishPolicy, log *slog.Logger) *committedPublisher {
	if policy.Attempts == 0 {
		policy.Attempts = DefaultPublishPolicy().Attempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultPublishPolicy().Backoff
	}
	return &committedPublisher{publisher: p, policy: policy, logger: log}
}

func (c *committedPublisher) publish(ctx context.Context, pending []domain.Event) error {
	if len(pending) == 0 {
		return nil
	}
	log := logger.FromContextOrDefault(ctx, c.logger)

	backoff := retry.WithMaxRetries(c.policy.Attempts-1, retry.NewExponential(c.policy.Backoff))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.publisher.PublishAll(ctx, pending)
		if err == nil {
			return nil
		}

		var pubErr *events.PublishError
		if errors.As(err, &pubErr) && pubErr.Index > 0 && pubErr.Index < len(pending) {
			pending = pending[pubErr.Index:]
		}
		log.Warn("event publication failed",
			slog.Int("attempt", attempt),
			slog.Int("undelivered", len(pending)),
			slog.String("error", err.Error()))
		return retry.RetryableError(err)
	})
	if err != nil {
		log.Error("giving up on event publication; change stays committed",
			slog.Int("undelivered", len(pending)),
			slog.String("first_undelivered", pending[0].EventName()),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// bestEffort publishes a failure notification. Its own failure is only
// logged so that the original error reaches the caller.
func (c *committedPublisher) bestEffort(ctx context.Context, event domain.Event) {
	if err := c.publisher.PublishAll(ctx, []domain.Event{event}); err != nil {
		logger.FromContextOrDefault(ctx, c.logger).Error("failed to publish failure event",
			slog.String("event_type", event.EventName()),
			slog.String("error", err.Error()))
	}
}
