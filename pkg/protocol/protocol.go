// Package protocol defines the contracts between the executor and
// pluggable step handlers.
package protocol

import (
	"context"
	"log/slog"

	"github.com/cadenhq/playbook/pkg/models"
)

// StepHandler executes one automatic step. The returned map is merged
// into the run's context on success.
type StepHandler interface {
	Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error)
}

// StepHandlerFactory creates configured handler instances for a
// registered handler type.
type StepHandlerFactory interface {
	Create(config map[string]any) (StepHandler, error)
	ID() string
}
