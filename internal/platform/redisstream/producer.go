package redisstream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/data-retrieval/internal/events"
	goredis "github.com/redis/go-redis/v9"
)

// Producers opens one producer per stream over a shared client.
type Producers struct {
	rdb    goredis.Cmdable
	closer func() error
	maxLen int64
	logger *slog.Logger
}

var _ events.ProducerFactory = (*Producers)(nil)

// NewProducers appends to streams through rdb. Streams are trimmed to about
// maxLen entries; zero disables trimming.
func NewProducers(rdb *goredis.Client, maxLen int64, logger *slog.Logger) *Producers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producers{
		rdb:    rdb,
		closer: rdb.Close,
		maxLen: maxLen,
		logger: logger.With(slog.String("component", "redis_producers")),
	}
}

// Producer implements events.ProducerFactory.
func (p *Producers) Producer(_ context.Context, destination string) (events.Producer, error) {
	if destination == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	return &producer{rdb: p.rdb, stream: destination, maxLen: p.maxLen}, nil
}

// Close closes the client shared by the producers.
func (p *Producers) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

type producer struct {
	rdb    goredis.Cmdable
	stream string
	maxLen int64
}

func (p *producer) args(record []byte) *goredis.XAddArgs {
	return xaddArgs(p.stream, p.maxLen, record)
}

// Send appends the records in order. Several records go through one
// MULTI/EXEC so that either all of them are appended or none.
func (p *producer) Send(ctx context.Context, records [][]byte) error {
	switch len(records) {
	case 0:
		return nil
	case 1:
		if err := p.rdb.XAdd(ctx, p.args(records[0])).Err(); err != nil {
			return fmt.Errorf("xadd %s: %w", p.stream, err)
		}
		return nil
	}

	_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, record := range records {
			pipe.XAdd(ctx, p.args(record))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd %s (%d records): %w", p.stream, len(records), err)
	}
	return nil
}

// Close is a no-op; the client belongs to Producers.
func (p *producer) Close() error {
	return nil
}

func xaddArgs(stream string, maxLen int64, record []byte) *goredis.XAddArgs {
	args := &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]any{PayloadField: record},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return args
}
