package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/cadenhq/playbook/pkg/auth"
	"github.com/cadenhq/playbook/pkg/events"
	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/outbox"
	"github.com/cadenhq/playbook/pkg/persistence"
)

// TemplateSpec is the operator-supplied definition for a draft.
type TemplateSpec struct {
	Key           string             `json:"key"   validate:"required,lowercase"`
	Title         string             `json:"title" validate:"required,min=3"`
	TriggerSignal string             `json:"trigger_signal"`
	Nodes         []*models.StepNode `json:"nodes"`
	Edges         []*models.Edge     `json:"edges"`
}

// TemplatePatch applies partial updates to a draft. Nil fields are
// left unchanged.
type TemplatePatch struct {
	Title         *string            `json:"title,omitempty" validate:"omitempty,min=3"`
	TriggerSignal *string            `json:"trigger_signal,omitempty"`
	Nodes         []*models.StepNode `json:"nodes,omitempty"`
	Edges         []*models.Edge     `json:"edges,omitempty"`
}

// Templates is the template store: versioned, validated step-graph
// definitions with a draft -> published -> deprecated lifecycle.
type Templates struct {
	persistence persistence.Persistence
}

// NewTemplates creates the template store service.
func NewTemplates(p persistence.Persistence) *Templates {
	return &Templates{persistence: p}
}

// CreateDraft creates a new DRAFT template. The version is one above
// the highest version ever saved for the key.
func (s *Templates) CreateDraft(ctx context.Context, principal auth.Principal, spec TemplateSpec) (*models.PlaybookTemplate, error) {
	if err := auth.CanManageTemplates(principal); err != nil {
		return nil, err
	}

	maxVersion, err := s.persistence.Templates().MaxVersion(ctx, spec.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve template version: %w", err)
	}

	now := time.Now().UTC()

	template := &models.PlaybookTemplate{
		ID:            uuid.New().String(),
		Key:           spec.Key,
		Title:         spec.Title,
		TriggerSignal: spec.TriggerSignal,
		Nodes:         spec.Nodes,
		Edges:         spec.Edges,
		Status:        models.TemplateStatusDraft,
		Version:       maxVersion + 1,
		CreatedBy:     principal.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.persistence.Templates().Save(ctx, template)
	if err != nil {
		return nil, err
	}

	return template, nil
}

// UpdateDraft edits a DRAFT template. Published templates are immutable;
// editing one requires creating a new draft version.
func (s *Templates) UpdateDraft(ctx context.Context, principal auth.Principal, id string, patch TemplatePatch) (*models.PlaybookTemplate, error) {
	if err := auth.CanManageTemplates(principal); err != nil {
		return nil, err
	}

	template, err := s.persistence.Templates().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if template.Status != models.TemplateStatusDraft {
		return nil, InvalidStateError("template", id, template.Status)
	}

	if patch.Title != nil {
		template.Title = *patch.Title
	}

	if patch.TriggerSignal != nil {
		template.TriggerSignal = *patch.TriggerSignal
	}

	if patch.Nodes != nil {
		template.Nodes = patch.Nodes
	}

	if patch.Edges != nil {
		template.Edges = patch.Edges
	}

	template.UpdatedAt = time.Now().UTC()

	err = s.persistence.Templates().Save(ctx, template)
	if err != nil {
		return nil, err
	}

	return template, nil
}

// Validate runs the structural check without mutating anything and
// returns every defect found.
func (s *Templates) Validate(ctx context.Context, principal auth.Principal, id string) ([]models.GraphError, error) {
	template, err := s.persistence.Templates().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	_ = principal // validation is a pure read, no org data involved

	return template.ValidateGraph(), nil
}

// Publish validates the draft and makes it the active published version
// for its key, deprecating any previously published version in the same
// transaction. Publishing is the only operation that makes a template
// visible to the run engine.
func (s *Templates) Publish(ctx context.Context, principal auth.Principal, id string) (*models.PlaybookTemplate, error) {
	if err := auth.CanManageTemplates(principal); err != nil {
		return nil, err
	}

	template, err := s.persistence.Templates().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if template.Status != models.TemplateStatusDraft {
		return nil, InvalidStateError("template", id, template.Status)
	}

	if graphErrs := template.ValidateGraph(); len(graphErrs) > 0 {
		return nil, &ValidationError{TemplateID: id, Errors: graphErrs}
	}

	now := time.Now().UTC()

	err = s.persistence.Transaction(ctx, func(tx persistence.Persistence) error {
		previous, err := tx.Templates().GetPublishedByKey(ctx, template.Key)
		if err == nil {
			previous.Status = models.TemplateStatusDeprecated
			previous.DeprecatedAt = &now
			previous.UpdatedAt = now

			if err := tx.Templates().Save(ctx, previous); err != nil {
				return err
			}
		} else if !persistence.IsNotFound(err) {
			return err
		}

		template.Status = models.TemplateStatusPublished
		template.PublishedAt = &now
		template.UpdatedAt = now

		if err := tx.Templates().Save(ctx, template); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, "", events.TemplatePublished{
			BaseEvent: events.BaseEvent{
				ID:        uuid.New().String(),
				Type:      events.TemplatePublishedEvent,
				Timestamp: now,
			},
			TemplateID: template.ID,
			Key:        template.Key,
			Version:    template.Version,
		})
	})
	if err != nil {
		return nil, err
	}

	return template, nil
}

// Deprecate soft-retires a published template. In-flight runs keep
// their pinned version; templates are never hard-deleted.
func (s *Templates) Deprecate(ctx context.Context, principal auth.Principal, id string) (*models.PlaybookTemplate, error) {
	if err := auth.CanManageTemplates(principal); err != nil {
		return nil, err
	}

	template, err := s.persistence.Templates().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if template.Status != models.TemplateStatusPublished {
		return nil, InvalidStateError("template", id, template.Status)
	}

	now := time.Now().UTC()
	template.Status = models.TemplateStatusDeprecated
	template.DeprecatedAt = &now
	template.UpdatedAt = now

	err = s.persistence.Templates().Save(ctx, template)
	if err != nil {
		return nil, err
	}

	return template, nil
}

// Get returns a template by id.
func (s *Templates) Get(ctx context.Context, id string) (*models.PlaybookTemplate, error) {
	return s.persistence.Templates().GetByID(ctx, id)
}

// List returns templates, optionally filtered by status.
func (s *Templates) List(ctx context.Context, status *models.TemplateStatus) ([]*models.PlaybookTemplate, error) {
	return s.persistence.Templates().List(ctx, status)
}

// ExportDocument is the portable template serialization format.
type ExportDocument struct {
	Key           string             `json:"key"`
	Title         string             `json:"title"`
	TriggerSignal string             `json:"trigger_signal,omitempty"`
	Nodes         []*models.StepNode `json:"nodes"`
	Edges         []*models.Edge     `json:"edges"`
}

// Export serializes a template for portability across deployments.
func (s *Templates) Export(ctx context.Context, id string) (*ExportDocument, error) {
	template, err := s.persistence.Templates().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return &ExportDocument{
		Key:           template.Key,
		Title:         template.Title,
		TriggerSignal: template.TriggerSignal,
		Nodes:         template.Nodes,
		Edges:         template.Edges,
	}, nil
}

// importSchema guards imported documents before they are decoded into
// a draft. Structural graph validation still happens at publish time.
const importSchema = `{
	"type": "object",
	"required": ["key", "title", "nodes", "edges"],
	"properties": {
		"key": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 3},
		"trigger_signal": {"type": "string"},
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "name", "kind"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1},
					"kind": {"type": "string", "enum": ["automatic", "approval", "branch"]}
				}
			}
		},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["from", "to"],
				"properties": {
					"from": {"type": "string", "minLength": 1},
					"to": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

// Import validates a portable document against the import schema and
// creates a new draft from it.
func (s *Templates) Import(ctx context.Context, principal auth.Principal, document json.RawMessage) (*models.PlaybookTemplate, error) {
	if err := auth.CanManageTemplates(principal); err != nil {
		return nil, err
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(importSchema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate import document: %w", err)
	}

	if !result.Valid() {
		graphErrs := make([]models.GraphError, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			graphErrs = append(graphErrs, models.GraphError{Detail: desc.String()})
		}

		return nil, &ValidationError{Errors: graphErrs}
	}

	var doc ExportDocument

	err = json.Unmarshal(document, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode import document: %w", err)
	}

	return s.CreateDraft(ctx, principal, TemplateSpec{
		Key:           doc.Key,
		Title:         doc.Title,
		TriggerSignal: doc.TriggerSignal,
		Nodes:         doc.Nodes,
		Edges:         doc.Edges,
	})
}
