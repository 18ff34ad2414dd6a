package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/cadenhq/playbook/pkg/channels/gochannel"
	"github.com/cadenhq/playbook/pkg/channels/kafka"
	"github.com/cadenhq/playbook/pkg/eventbus"
)

// NewEventBus creates the event bus behind the outbox dispatcher.
// Kafka for deployments, an in-process channel for development.
func NewEventBus(provider, kafkaBrokers string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "playbook", kafkaBrokers)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create gochannel pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
