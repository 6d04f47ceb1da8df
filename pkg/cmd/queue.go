package cmd

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/pieceflow/pieceflow/pkg/queue"
	"github.com/pieceflow/pieceflow/pkg/queue/memqueue"
	"github.com/pieceflow/pieceflow/pkg/queue/redisqueue"
)

// NewQueue selects the run queue from the queue URL scheme. redis://
// is the durable cross-process queue; memory:// lives inside one
// process and suits single-binary deployments and tests.
func NewQueue(queueURL string, perProjectLimit int, logger *slog.Logger) (queue.Queue, error) {
	switch parseProvider(queueURL) {
	case "redis", "rediss":
		redisOpts, err := redis.ParseURL(queueURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse queue url: %w", err)
		}

		client := redis.NewClient(redisOpts)

		return redisqueue.New(client, redisqueue.Options{
			PerProjectLimit: perProjectLimit,
			Logger:          logger,
		}), nil
	case "memory":
		return memqueue.New(memqueue.Options{
			PerProjectLimit: perProjectLimit,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported queue provider in %q, expected redis:// or memory://", queueURL)
	}
}
