// Package observe ships call lifecycle events to external consumers.
package observe

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	callbridge "github.com/bt-bridge/callbridge"
)

// RedisSink publishes lifecycle events to a Redis channel so dashboards and
// billing consumers see call activity without touching the service.
type RedisSink struct {
	client  *redis.Client
	channel string
}

var _ callbridge.Sink = (*RedisSink)(nil)

// NewRedisSink connects and verifies the server is reachable before the
// sink is handed to the emitter; a dead Redis should fail boot, not drop
// events silently at runtime.
func NewRedisSink(ctx context.Context, addr, password string, db int, channel string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (s *RedisSink) Publish(ctx context.Context, ev callbridge.LifecycleEvent) error {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling lifecycle event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing lifecycle event: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
