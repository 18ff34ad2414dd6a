package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
)

type templateRepository struct {
	q      querier
	logger *slog.Logger
}

const templateColumns = `
	id
  , key
  , title
  , trigger_signal
  , nodes
  , edges
  , status
  , version
  , created_by
  , created_at
  , updated_at
  , published_at
  , deprecated_at
`

func (r *templateRepository) Save(ctx context.Context, template *models.PlaybookTemplate) error {
	nodes, err := json.Marshal(template.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	edges, err := json.Marshal(template.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	query := `
		INSERT INTO playbook_templates (
			id, key, title, trigger_signal, nodes, edges, status, version,
			created_by, created_at, updated_at, published_at, deprecated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			trigger_signal = EXCLUDED.trigger_signal,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at,
			deprecated_at = EXCLUDED.deprecated_at
	`

	_, err = r.q.ExecContext(ctx, query,
		template.ID, template.Key, template.Title, template.TriggerSignal,
		nodes, edges, template.Status, template.Version,
		template.CreatedBy, template.CreatedAt, template.UpdatedAt,
		template.PublishedAt, template.DeprecatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "template", template.ID, err)
	}

	return nil
}

func (r *templateRepository) GetByID(ctx context.Context, id string) (*models.PlaybookTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM playbook_templates WHERE id = $1`

	template, err := r.scanTemplate(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTemplateNotFound
		}

		return nil, persistence.NewStoreError("GetByID", "template", id, err)
	}

	return template, nil
}

func (r *templateRepository) GetPublishedByKey(ctx context.Context, key string) (*models.PlaybookTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM playbook_templates WHERE key = $1 AND status = 'published'`

	template, err := r.scanTemplate(r.q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTemplateNotFound
		}

		return nil, persistence.NewStoreError("GetPublishedByKey", "template", key, err)
	}

	return template, nil
}

func (r *templateRepository) GetByKeyAndVersion(ctx context.Context, key string, version int) (*models.PlaybookTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM playbook_templates WHERE key = $1 AND version = $2`

	template, err := r.scanTemplate(r.q.QueryRowContext(ctx, query, key, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTemplateNotFound
		}

		return nil, persistence.NewStoreError("GetByKeyAndVersion", "template", key, err)
	}

	return template, nil
}

func (r *templateRepository) List(ctx context.Context, status *models.TemplateStatus) ([]*models.PlaybookTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM playbook_templates`
	args := make([]any, 0, 1)

	if status != nil {
		query += ` WHERE status = $1`

		args = append(args, *status)
	}

	query += ` ORDER BY created_at ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewStoreError("List", "template", "", err)
	}

	defer closeRows(ctx, r.logger, rows)

	templates := make([]*models.PlaybookTemplate, 0)

	for rows.Next() {
		template, err := r.scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}

		templates = append(templates, template)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}

	return templates, nil
}

func (r *templateRepository) MaxVersion(ctx context.Context, key string) (int, error) {
	var version int

	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM playbook_templates WHERE key = $1`, key,
	).Scan(&version)
	if err != nil {
		return 0, persistence.NewStoreError("MaxVersion", "template", key, err)
	}

	return version, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *templateRepository) scanTemplate(row rowScanner) (*models.PlaybookTemplate, error) {
	var (
		template      models.PlaybookTemplate
		triggerSignal sql.NullString
		createdBy     sql.NullString
		nodes, edges  []byte
	)

	err := row.Scan(
		&template.ID, &template.Key, &template.Title, &triggerSignal,
		&nodes, &edges, &template.Status, &template.Version,
		&createdBy, &template.CreatedAt, &template.UpdatedAt,
		&template.PublishedAt, &template.DeprecatedAt,
	)
	if err != nil {
		return nil, err
	}

	template.TriggerSignal = triggerSignal.String
	template.CreatedBy = createdBy.String

	err = json.Unmarshal(nodes, &template.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	err = json.Unmarshal(edges, &template.Edges)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
	}

	return &template, nil
}
