package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Notifier wakes idle workers when new work is queued. The queue table stays
// the source of truth; a lost signal only delays pickup until the next poll.
type Notifier interface {
	Notify(ctx context.Context)
	Wait(ctx context.Context, timeout time.Duration)
}

type memoryNotifier struct {
	ch chan struct{}
}

func newMemoryNotifier() *memoryNotifier {
	return &memoryNotifier{ch: make(chan struct{}, 1)}
}

func (n *memoryNotifier) Notify(context.Context) {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *memoryNotifier) Wait(ctx context.Context, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-n.ch:
	case <-timer.C:
	}
}

// redisNotifier shares wake-ups between connector processes through a list.
type redisNotifier struct {
	client *redis.Client
	key    string
	logger *zerolog.Logger
}

const maxPendingSignals = 64

func (n *redisNotifier) Notify(ctx context.Context) {
	pipe := n.client.Pipeline()
	pipe.LPush(ctx, n.key, "1")
	pipe.LTrim(ctx, n.key, 0, maxPendingSignals-1)
	if _, err := pipe.Exec(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("redis wake-up push failed")
	}
}

func (n *redisNotifier) Wait(ctx context.Context, timeout time.Duration) {
	_, err := n.client.BRPop(ctx, timeout, n.key).Result()
	if err == nil || errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return
	}
	n.logger.Warn().Err(err).Msg("redis wake-up wait failed")
	// Redis is down; fall back to plain polling.
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
