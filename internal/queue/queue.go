// Package queue selects a task queue backend for workers. The backends live
// in the memory, redis and pubsub subpackages.
package queue

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/posting"
	"github.com/JakeFAU/jobintake/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/jobintake/internal/queue/pubsub"
	redisqueue "github.com/JakeFAU/jobintake/internal/queue/redis"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendPubSub = "pubsub"
)

// Config selects and configures a backend.
type Config struct {
	Backend            string
	Depth              int
	RedisURL           string
	RedisKey           string
	PubSubProject      string
	PubSubTopic        string
	PubSubSubscription string
}

// Promoter is implemented by backends that hold delayed tasks server-side
// and need a periodic nudge to release them.
type Promoter interface {
	Promote(ctx context.Context) (int, error)
}

// Recoverer is implemented by backends that can return in-flight tasks
// left behind by a crashed process.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (posting.Queue, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return memory.NewQueue(cfg.Depth), nil
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("queue.redis_url is required for the redis backend")
		}
		client, err := redisqueue.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return redisqueue.New(client, redisqueue.Options{Key: cfg.RedisKey}), nil
	case BackendPubSub:
		if cfg.PubSubProject == "" || cfg.PubSubTopic == "" || cfg.PubSubSubscription == "" {
			return nil, fmt.Errorf("queue.pubsub_project, queue.pubsub_topic and queue.pubsub_subscription are required")
		}
		client, err := pubsub.NewClient(ctx, cfg.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		return pubsubqueue.New(client, cfg.PubSubTopic, cfg.PubSubSubscription, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
