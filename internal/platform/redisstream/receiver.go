package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/data-retrieval/internal/consumer"
	goredis "github.com/redis/go-redis/v9"
)

const (
	readCount  = 10
	claimCount = 10
)

// ReceiverConfig describes the shared subscription.
type ReceiverConfig struct {
	Streams         []string
	Group           string
	Consumer        string
	PollTimeout     time.Duration
	RedeliveryDelay time.Duration
}

// Receiver reads commands from a consumer group. Entries stay pending until
// acknowledged; entries left pending longer than the redelivery delay, by
// this instance or a dead one, are claimed again on idle polls.
type Receiver struct {
	rdb    *goredis.Client
	cfg    ReceiverConfig
	logger *slog.Logger

	mu       sync.Mutex
	buffered []consumer.Message
	closed   bool
}

var _ consumer.Source = (*Receiver)(nil)

// NewReceiver joins the consumer group on every stream, creating streams and
// group when missing. The receiver owns rdb and closes it on Close.
func NewReceiver(ctx context.Context, rdb *goredis.Client, cfg ReceiverConfig, logger *slog.Logger) (*Receiver, error) {
	if len(cfg.Streams) == 0 {
		return nil, errors.New("at least one stream is required")
	}
	if cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("group and consumer name are required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, stream := range cfg.Streams {
		err := rdb.XGroupCreateMkStream(ctx, stream, cfg.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("create group %s on %s: %w", cfg.Group, stream, err)
		}
	}

	return &Receiver{
		rdb: rdb,
		cfg: cfg,
		logger: logger.With(
			slog.String("component", "redis_receiver"),
			slog.String("group", cfg.Group),
			slog.String("consumer", cfg.Consumer)),
	}, nil
}

// Receive implements consumer.Source. It returns consumer.ErrPollTimeout
// when nothing arrived and nothing was due for redelivery.
func (r *Receiver) Receive(ctx context.Context) (consumer.Message, error) {
	if msg, ok := r.next(); ok {
		return msg, nil
	}

	res, err := r.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  readStreams(r.cfg.Streams),
		Count:    readCount,
		Block:    r.cfg.PollTimeout,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return consumer.Message{}, fmt.Errorf("xreadgroup: %w", err)
	}

	var fresh []consumer.Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			fresh = append(fresh, toMessage(stream.Stream, entry))
		}
	}
	if len(fresh) == 0 {
		reclaimed, err := r.reclaim(ctx)
		if err != nil {
			return consumer.Message{}, err
		}
		fresh = reclaimed
	}
	if len(fresh) == 0 {
		return consumer.Message{}, consumer.ErrPollTimeout
	}

	r.mu.Lock()
	r.buffered = append(r.buffered, fresh[1:]...)
	r.mu.Unlock()
	return fresh[0], nil
}

func (r *Receiver) next() (consumer.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buffered) == 0 {
		return consumer.Message{}, false
	}
	msg := r.buffered[0]
	r.buffered = r.buffered[1:]
	return msg, true
}

// reclaim takes over entries pending for longer than the redelivery delay.
func (r *Receiver) reclaim(ctx context.Context) ([]consumer.Message, error) {
	if r.cfg.RedeliveryDelay <= 0 {
		return nil, nil
	}

	var out []consumer.Message
	for _, stream := range r.cfg.Streams {
		entries, _, err := r.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   stream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.RedeliveryDelay,
			Start:    "0-0",
			Count:    claimCount,
		}).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
		}
		for _, entry := range entries {
			out = append(out, toMessage(stream, entry))
		}
	}

	if len(out) > 0 {
		r.logger.Info("reclaimed pending messages", slog.Int("count", len(out)))
	}
	return out, nil
}

// Ack implements consumer.Source.
func (r *Receiver) Ack(ctx context.Context, msg consumer.Message) error {
	if err := r.rdb.XAck(ctx, msg.Topic, r.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", msg.Topic, msg.ID, err)
	}
	return nil
}

// Nack implements consumer.Source. The entry stays in the pending list and
// is claimed again once the redelivery delay has passed. The delivery count
// logged is the broker's, so it holds across group members and restarts.
func (r *Receiver) Nack(ctx context.Context, msg consumer.Message) error {
	log := r.logger.With(
		slog.String("stream", msg.Topic),
		slog.String("message_id", msg.ID),
		slog.Duration("redelivery_delay", r.cfg.RedeliveryDelay))

	pending, err := r.rdb.XPendingExt(ctx, pendingArgs(msg, r.cfg.Group)).Result()
	if err != nil || len(pending) == 0 {
		log.Debug("message left for redelivery")
		return nil
	}
	log.Debug("message left for redelivery", slog.Int64("deliveries", pending[0].RetryCount))
	return nil
}

// Close implements consumer.Source.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.buffered = nil
	r.mu.Unlock()

	return r.rdb.Close()
}

// pendingArgs selects the pending-list entry of msg alone.
func pendingArgs(msg consumer.Message, group string) *goredis.XPendingExtArgs {
	return &goredis.XPendingExtArgs{
		Stream: msg.Topic,
		Group:  group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}
}

func readStreams(streams []string) []string {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	return args
}

func toMessage(stream string, entry goredis.XMessage) consumer.Message {
	msg := consumer.Message{Topic: stream, ID: entry.ID}
	switch v := entry.Values[PayloadField].(type) {
	case string:
		msg.Payload = []byte(v)
	case []byte:
		msg.Payload = v
	}
	return msg
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
