package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
)

// ChangeNotifier fans bank store changes out to interested components,
// possibly in other processes.
type ChangeNotifier interface {
	Publish(ctx context.Context, rec domain.ChangeRecord) error
	// Subscribe registers fn for every published change until ctx is done.
	Subscribe(ctx context.Context, fn func(domain.ChangeRecord)) error
	Close() error
}

// LocalNotifier delivers changes to subscribers in the same process.
type LocalNotifier struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(domain.ChangeRecord)
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[int]func(domain.ChangeRecord))}
}

// Publish calls every subscriber synchronously.
func (n *LocalNotifier) Publish(ctx context.Context, rec domain.ChangeRecord) error {
	n.mu.RLock()
	subs := make([]func(domain.ChangeRecord), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()
	for _, fn := range subs {
		fn(rec)
	}
	return nil
}

// Subscribe registers fn; it is removed when ctx is done.
func (n *LocalNotifier) Subscribe(ctx context.Context, fn func(domain.ChangeRecord)) error {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}()
	return nil
}

// Close is a no-op.
func (n *LocalNotifier) Close() error {
	return nil
}

// RedisNotifier publishes changes on a Redis pub/sub channel so index
// workers in other processes wake up without waiting for their timer.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier connects to Redis and verifies the connection.
func NewRedisNotifier(ctx context.Context, cfg config.RedisConfig) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "mediamatch:changes"
	}
	return &RedisNotifier{client: client, channel: channel}, nil
}

// Publish sends the change as JSON.
func (n *RedisNotifier) Publish(ctx context.Context, rec domain.ChangeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Subscribe listens on the channel in a goroutine until ctx is done.
// Messages that do not decode are logged and dropped.
func (n *RedisNotifier) Subscribe(ctx context.Context, fn func(domain.ChangeRecord)) error {
	ps := n.client.Subscribe(ctx, n.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	go func() {
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec domain.ChangeRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					logger.FromContext(ctx).WithError(err).Warn("Dropping undecodable change notification")
					continue
				}
				fn(rec)
			}
		}
	}()
	return nil
}

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
