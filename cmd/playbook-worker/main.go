package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/cadenhq/playbook/pkg/cmd"
	"github.com/cadenhq/playbook/pkg/log"
	"github.com/cadenhq/playbook/pkg/queue"
)

func main() {
	command := &cli.Command{
		Name:                  "playbook-worker",
		Usage:                 "Start workers to execute playbook runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for worker presence (in-process store if unset)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of concurrent job workers",
				Value:   4,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Job attempts before dead-lettering",
				Value:   3,
				Sources: cli.EnvVars("MAX_ATTEMPTS"),
			},
			&cli.StringFlag{
				Name:    "sla-sweep-schedule",
				Usage:   "Cron schedule for the SLA sweep",
				Value:   "@every 1m",
				Sources: cli.EnvVars("SLA_SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("playbook-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Playbook Worker")

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			presenceStore := cmd.NewPresence(ctx, command.String("redis-url"))

			defer func() {
				err := presenceStore.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close presence store", "error", err)
				}
			}()

			registry := cmd.NewRegistry(logger)

			queueConfig := queue.DefaultConfig()
			queueConfig.MaxAttempts = command.Int("max-attempts")

			workerConfig := queue.DefaultWorkerConfig()
			workerConfig.Workers = command.Int("workers")

			manager := NewManager(
				workerID,
				persistence,
				eventBus,
				presenceStore,
				registry,
				queueConfig,
				workerConfig,
				command.String("sla-sweep-schedule"),
				logger,
			)

			err := manager.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
