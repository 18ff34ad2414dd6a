package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cadenhq/playbook/pkg/log"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/otelhelper"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/presence"
)

// JobExecutor performs the work behind a claimed job.
type JobExecutor interface {
	Advance(ctx context.Context, runID, correlationID string) error
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
}

// DefaultWorkerConfig returns a small pool with one-second polling.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:           4,
		PollInterval:      1 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      30 * time.Second,
	}
}

// WorkerPool claims and executes jobs until its context is cancelled.
// Each worker polls independently; the store-level claim guarantees a
// job is executed by at most one of them.
type WorkerPool struct {
	workerID string
	queue    *Queue
	executor JobExecutor
	presence presence.Store
	config   WorkerConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewWorkerPool(workerID string, queue *Queue, executor JobExecutor, presenceStore presence.Store, config WorkerConfig, tracer trace.Tracer) *WorkerPool {
	if config.Workers <= 0 {
		config = DefaultWorkerConfig()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}

	return &WorkerPool{
		workerID: workerID,
		queue:    queue,
		executor: executor,
		presence: presenceStore,
		config:   config,
		logger:   log.WithModule("worker").With("worker_id", workerID),
		tracer:   tracer,
	}
}

// Start runs the pool until ctx is cancelled, then waits for in-flight
// jobs to finish.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", "workers", p.config.Workers)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx)
	}()

	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			p.pollLoop(ctx)
		}()
	}

	wg.Wait()

	if err := p.presence.Remove(context.Background(), p.workerID); err != nil {
		p.logger.Warn("Failed to remove worker presence", "error", err)
	}

	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	if err := p.presence.Heartbeat(ctx, p.workerID, p.config.HeartbeatTTL); err != nil {
		p.logger.Warn("Heartbeat failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.presence.Heartbeat(ctx, p.workerID, p.config.HeartbeatTTL); err != nil {
				p.logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (p *WorkerPool) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Claim(ctx, p.workerID)
		if err != nil {
			if !errors.Is(err, persistence.ErrNoEligibleJobs) {
				p.logger.Error("Failed to claim job", "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.PollInterval):
			}

			continue
		}

		p.execute(ctx, job)
	}
}

func (p *WorkerPool) execute(ctx context.Context, job *models.AsyncJob) {
	logger := p.logger.With("job_id", job.ID, "run_id", job.RunID, "attempt", job.Attempts+1)

	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "worker.execute",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.JobKindKey, string(job.Kind)),
		attribute.String(otelhelper.RunIDKey, job.RunID),
		attribute.String(otelhelper.WorkerIDKey, p.workerID),
	)
	defer span.End()

	logger.Info("Executing job")

	err := p.run(ctx, job)
	if err == nil {
		if err := p.queue.CompleteSuccess(ctx, job); err != nil {
			logger.Error("Failed to record job success", "error", err)
		}

		return
	}

	span.RecordError(err)
	logger.Warn("Job execution failed", "error", err)

	// A dead-lettered job halts automatic progress only; the run stays
	// RUNNING so an operator retry can pick up where it left off.
	if _, completeErr := p.queue.CompleteFailure(ctx, job, err); completeErr != nil {
		logger.Error("Failed to record job failure", "error", completeErr)
	}
}

func (p *WorkerPool) run(ctx context.Context, job *models.AsyncJob) error {
	switch job.Kind {
	case models.JobKindAdvanceRun:
		return p.executor.Advance(ctx, job.RunID, job.CorrelationID)
	default:
		return errors.New("unknown job kind " + string(job.Kind))
	}
}
