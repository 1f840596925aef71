// Package redisstream implements the broker on Redis Streams: a consumer
// group receiver for commands and per-stream producers for events.
package redisstream

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/data-retrieval/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

// PayloadField is the stream entry field holding the message body.
const PayloadField = "payload"

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, cfg config.BrokerConfig) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
