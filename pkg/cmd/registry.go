// Package cmd provides common initialization functions for
// command-line applications.
package cmd

import (
	"context"
	"log/slog"

	"github.com/cadenhq/playbook/pkg/handlers/httprequest"
	loghandler "github.com/cadenhq/playbook/pkg/handlers/log"
	"github.com/cadenhq/playbook/pkg/handlers/setcontext"
	"github.com/cadenhq/playbook/pkg/presence"
	presencememory "github.com/cadenhq/playbook/pkg/presence/memory"
	presenceredis "github.com/cadenhq/playbook/pkg/presence/redis"
	"github.com/cadenhq/playbook/pkg/registry"
)

// NewRegistry returns the handler registry with the native step
// handlers registered.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.RegisterHandler(httprequest.NewHTTPRequestHandlerFactory())
	reg.RegisterHandler(setcontext.NewSetContextHandlerFactory())
	reg.RegisterHandler(loghandler.NewLogHandlerFactory())

	return reg
}

// NewPresence returns the worker presence store: Redis when a URL is
// configured, in-process otherwise.
func NewPresence(ctx context.Context, redisURL string) presence.Store {
	if redisURL == "" {
		return presencememory.NewStore()
	}

	store, err := presenceredis.NewStore(ctx, redisURL)
	if err != nil {
		panic(err)
	}

	return store
}
