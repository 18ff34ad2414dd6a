// Package setcontext provides a step handler that writes configured
// fields into the run context, for enrichment and routing setup.
package setcontext

import (
	"context"
	"log/slog"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/protocol"
)

func NewSetContextHandlerFactory() *SetContextHandlerFactory {
	return &SetContextHandlerFactory{}
}

type SetContextHandlerFactory struct{}

func (*SetContextHandlerFactory) ID() string {
	return "set_context"
}

func (f *SetContextHandlerFactory) Create(config map[string]any) (protocol.StepHandler, error) {
	fields, _ := config["fields"].(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}

	return &SetContextHandler{fields: fields}, nil
}

type SetContextHandler struct {
	fields map[string]any
}

func (h *SetContextHandler) Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("handler_type", "set_context")

	logger.Debug("Setting context fields", "count", len(h.fields))

	output := make(map[string]any, len(h.fields))
	for k, v := range h.fields {
		output[k] = v
	}

	return output, nil
}
