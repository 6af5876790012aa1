// Package wakeup shortens the push-worker poll latency with a Redis pub/sub
// channel. Notifications are best effort; workers still poll the database on
// their regular interval, so a lost message only delays delivery.
package wakeup

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "xqueue:wake:"

// RedisNotifier publishes a wake-up per accepted submission.
type RedisNotifier struct{ client *redis.Client }

// NewRedisNotifier connects using a redis:// URL.
func NewRedisNotifier(url string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisNotifier{client: redis.NewClient(opts)}, nil
}

// Notify publishes on the queue's channel. Failures are logged and dropped.
func (n *RedisNotifier) Notify(ctx context.Context, queueName string) {
	if err := n.client.Publish(ctx, channelPrefix+queueName, "1").Err(); err != nil {
		slog.Warn("wakeup publish failed", slog.String("queue", queueName), slog.Any("error", err))
	}
}

// Close releases the connection.
func (n *RedisNotifier) Close() error { return n.client.Close() }

// RedisListener subscribes to one queue's wake-up channel.
type RedisListener struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

// NewRedisListener subscribes to queueName's channel.
func NewRedisListener(ctx context.Context, url, queueName string) (*RedisListener, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	sub := client.Subscribe(ctx, channelPrefix+queueName)
	// Force the subscription to be established before the first Wait.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		_ = client.Close()
		return nil, err
	}
	return &RedisListener{sub: sub, ch: sub.Channel()}, nil
}

// Wait returns on the first wake-up, after max, or when ctx is done.
func (l *RedisListener) Wait(ctx context.Context, max time.Duration) {
	timer := time.NewTimer(max)
	defer timer.Stop()
	select {
	case <-l.ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Close tears down the subscription.
func (l *RedisListener) Close() error { return l.sub.Close() }

// NoopNotifier is used when no Redis URL is configured.
type NoopNotifier struct{}

// Notify does nothing.
func (NoopNotifier) Notify(context.Context, string) {}

// PollListener degrades Wait to a plain sleep.
type PollListener struct{}

// Wait sleeps for max or until ctx is done.
func (PollListener) Wait(ctx context.Context, max time.Duration) {
	timer := time.NewTimer(max)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
