// Package registry maps handler types to step handler factories.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/cadenhq/playbook/pkg/protocol"
)

type Registry struct {
	logger           *slog.Logger
	handlerFactories map[string]protocol.StepHandlerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:           logger,
		handlerFactories: make(map[string]protocol.StepHandlerFactory),
	}
}

func (r *Registry) RegisterHandler(factory protocol.StepHandlerFactory) {
	r.handlerFactories[factory.ID()] = factory
	r.logger.Debug("Registered step handler", "handler_type", factory.ID())
}

// CreateHandler instantiates a configured handler for the type, or
// fails when the type was never registered. An unknown handler type in
// a published template surfaces here at execution time.
func (r *Registry) CreateHandler(handlerType string, config map[string]any) (protocol.StepHandler, error) {
	factory, ok := r.handlerFactories[handlerType]
	if !ok {
		return nil, fmt.Errorf("handler type '%s' not registered", handlerType)
	}

	return factory.Create(config)
}

// HandlerTypes lists the registered handler type ids.
func (r *Registry) HandlerTypes() []string {
	types := make([]string, 0, len(r.handlerFactories))
	for id := range r.handlerFactories {
		types = append(types, id)
	}

	return types
}
