// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/persistence/sqlbase"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so the same
// repository code serves autocommit and transactional access.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	q      querier
	logger *slog.Logger
}

// NewPersistence connects, pings, and runs migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, q: database, logger: logger}, nil
}

func (p *Persistence) Templates() persistence.TemplateRepository {
	return &templateRepository{q: p.q, logger: p.logger}
}

func (p *Persistence) Runs() persistence.RunRepository {
	return &runRepository{q: p.q, logger: p.logger}
}

func (p *Persistence) Jobs() persistence.JobRepository {
	return &jobRepository{q: p.q, logger: p.logger}
}

func (p *Persistence) Approvals() persistence.ApprovalRepository {
	return &approvalRepository{q: p.q, logger: p.logger}
}

func (p *Persistence) Outbox() persistence.OutboxRepository {
	return &outboxRepository{q: p.q, logger: p.logger}
}

// Transaction runs fn against a view whose repositories share one
// database transaction.
func (p *Persistence) Transaction(ctx context.Context, fn func(tx persistence.Persistence) error) error {
	if _, isTx := p.q.(*sql.Tx); isTx {
		// Nested transactions join the outer one.
		return fn(p)
	}

	transaction, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txView := &Persistence{db: p.db, q: transaction, logger: p.logger}

	err = fn(txView)
	if err != nil {
		if rbErr := transaction.Rollback(); rbErr != nil {
			p.logger.ErrorContext(ctx, "failed to rollback transaction", "error", rbErr)
		}

		return err
	}

	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
