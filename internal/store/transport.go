package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run attaches the Redis replication transport and starts the publisher
// and subscriber goroutines. If the transport cannot be reached the
// store stays in local-only mode: a visible but non-fatal degradation,
// logged and nothing more.
func (s *Store) Run(ctx context.Context, rdb *redis.Client, channel string) {
	if rdb == nil {
		s.log.Warn("no replication transport configured, running local-only")
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		s.log.Warn("replication transport unreachable, running local-only", zap.Error(err))
		return
	}

	s.offline = false
	go s.publishLoop(ctx, rdb, channel)
	go s.subscribeLoop(ctx, rdb, channel)
	s.log.Info("replication attached", zap.String("channel", channel), zap.String("origin", s.origin))
}

// publishLoop drains the outbox in order. A single goroutine keeps the
// publish order equal to the local write order.
func (s *Store) publishLoop(ctx context.Context, rdb *redis.Client, channel string) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.pub:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err = rdb.Publish(pubCtx, channel, payload).Err()
			cancel()
			if err != nil {
				s.log.Warn("publish failed", zap.Error(err),
					zap.String("ns", string(env.Namespace)), zap.String("key", env.Key))
			}
		}
	}
}

func (s *Store) subscribeLoop(ctx context.Context, rdb *redis.Client, channel string) {
	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.log.Warn("replication subscription closed")
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.log.Warn("bad replication envelope", zap.Error(err))
				continue
			}
			s.Receive(env)
		}
	}
}
