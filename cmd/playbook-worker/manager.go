package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cadenhq/playbook/pkg/eventbus"
	"github.com/cadenhq/playbook/pkg/executor"
	"github.com/cadenhq/playbook/pkg/outbox"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/presence"
	"github.com/cadenhq/playbook/pkg/queue"
	"github.com/cadenhq/playbook/pkg/registry"
	"github.com/cadenhq/playbook/pkg/sla"
)

// Manager runs the three background loops of a worker node: the job
// worker pool, the outbox dispatcher, and the scheduled SLA sweep. It
// stops them together on SIGINT/SIGTERM.
type Manager struct {
	workerID      string
	persistence   persistence.Persistence
	eventBus      eventbus.EventBus
	presence      presence.Store
	registry      *registry.Registry
	queueConfig   queue.Config
	workerConfig  queue.WorkerConfig
	sweepSchedule string
	logger        *slog.Logger
}

func NewManager(
	workerID string,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	presenceStore presence.Store,
	reg *registry.Registry,
	queueConfig queue.Config,
	workerConfig queue.WorkerConfig,
	sweepSchedule string,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		workerID:      workerID,
		persistence:   p,
		eventBus:      eventBus,
		presence:      presenceStore,
		registry:      reg,
		queueConfig:   queueConfig,
		workerConfig:  workerConfig,
		sweepSchedule: sweepSchedule,
		logger:        logger,
	}
}

func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobQueue := queue.NewQueue(m.persistence, m.queueConfig)
	exec := executor.NewExecutor(m.persistence, m.registry, jobQueue, nil)
	pool := queue.NewWorkerPool(m.workerID, jobQueue, exec, m.presence, m.workerConfig, nil)
	dispatcher := outbox.NewDispatcher(m.persistence, m.eventBus, outbox.DefaultDispatcherConfig())
	monitor := sla.NewMonitor(m.persistence, sla.DefaultConfig())

	scheduler := cron.New()

	_, err := scheduler.AddFunc(m.sweepSchedule, func() {
		err := monitor.Sweep(ctx, time.Now().UTC())
		if err != nil {
			m.logger.Error("SLA sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	scheduler.Start()

	go dispatcher.Run(ctx)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signals
		m.logger.Info("Shutting down...")
		cancel()
	}()

	pool.Start(ctx)

	schedulerCtx := scheduler.Stop()
	<-schedulerCtx.Done()

	m.logger.Info("Stopped")

	return nil
}
