// Package log provides a step handler that records a message in the
// service log. Useful as a template smoke step.
package log

import (
	"context"
	"log/slog"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/protocol"
)

func NewLogHandlerFactory() *LogHandlerFactory {
	return &LogHandlerFactory{}
}

type LogHandlerFactory struct{}

func (*LogHandlerFactory) ID() string {
	return "log"
}

func (f *LogHandlerFactory) Create(config map[string]any) (protocol.StepHandler, error) {
	if config == nil {
		config = map[string]any{}
	}

	message, _ := config["message"].(string)

	return &LogHandler{message: message}, nil
}

type LogHandler struct {
	message string
}

func (h *LogHandler) Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("handler_type", "log")

	logger.Info("Log step", "message", h.message, "run_id", executionCtx.RunID)

	return map[string]any{}, nil
}
