// Package presence tracks live workers through expiring heartbeats, so
// operators can see which workers are draining the job queue. Records
// are ephemeral and expire on their own when a worker dies.
package presence

import (
	"context"
	"time"
)

// Store holds worker heartbeats with a TTL.
type Store interface {
	// Heartbeat marks the worker alive for ttl from now, creating or
	// refreshing its record.
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	// Active returns the ids of workers whose heartbeat has not expired.
	Active(ctx context.Context) ([]string, error)
	// Remove drops a worker's record on graceful shutdown.
	Remove(ctx context.Context, workerID string) error
	Close() error
}
