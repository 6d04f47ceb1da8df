package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/pieceflow/pieceflow/pkg/channels/gochannel"
	"github.com/pieceflow/pieceflow/pkg/channels/kafka"
	"github.com/pieceflow/pieceflow/pkg/eventbus"
)

// NewEventBus builds the lifecycle event bus. kafka spans processes;
// gochannel stays inside one and suits single-binary deployments. The
// service name scopes the kafka consumer group, so each binary sees
// the full stream independently.
func NewEventBus(provider, serviceName, brokers string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName, strings.Split(brokers, ","))
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka channel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gochannel channel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q, expected kafka or gochannel", provider)
	}
}
