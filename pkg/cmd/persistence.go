package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/persistence/memory"
	"github.com/cadenhq/playbook/pkg/persistence/postgresql"
)

// NewPersistence opens the store behind databaseURL. A postgres:// URL
// gets the PostgreSQL store; "memory" keeps everything in process, for
// development and tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return p
	case databaseURL == "memory", databaseURL == "":
		return memory.NewPersistence()
	default:
		panic("Unsupported database url: " + databaseURL)
	}
}
