package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"formhive/api/internal/rbac"
	"formhive/api/internal/search"
	"formhive/api/internal/store"
	"formhive/api/internal/util"
)

// FieldInput carries a new field definition.
type FieldInput struct {
	Name          string               `json:"name"`
	Kind          string               `json:"kind"`
	Order         float64              `json:"order"`
	Required      bool                 `json:"required"`
	DefaultValue  *string              `json:"defaultValue"`
	SelectOptions []store.SelectOption `json:"selectOptions"`
}

// AddField appends a field definition to a form. The field registry is
// owner territory; editors change form settings, not its schema.
func (s *Service) AddField(ctx context.Context, formID, callerEmail string, input FieldInput) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, formID, callerEmail, rbac.RoleOwner); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("Field name is required", nil)
	}
	if !rbac.ValidFieldKind(input.Kind) {
		return nil, validationError("Unknown field kind", map[string]any{"kind": input.Kind})
	}
	if rbac.HasOptions(input.Kind) && len(input.SelectOptions) == 0 {
		return nil, validationError("This field kind requires select options", map[string]any{"kind": input.Kind})
	}

	field := store.Field{
		ID:            util.NewID("field"),
		FormID:        formID,
		Name:          name,
		Kind:          input.Kind,
		Order:         input.Order,
		Required:      input.Required,
		DefaultValue:  input.DefaultValue,
		SelectOptions: input.SelectOptions,
		CreatedAt:     time.Now(),
	}
	if err := s.store.InsertField(ctx, field); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexField(search.FieldRecord{
			ID:     field.ID,
			Name:   field.Name,
			Kind:   field.Kind,
			FormID: field.FormID,
		})
	}

	return fieldJSON(field), nil
}

// ListFormFields returns a form's fields in ascending order. Open read,
// respondents need the schema to render the form.
func (s *Service) ListFormFields(ctx context.Context, formID string) ([]map[string]any, error) {
	if _, err := s.store.GetForm(ctx, formID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Form not found")
		}
		return nil, err
	}
	fields, err := s.store.ListFields(ctx, formID)
	if err != nil {
		return nil, err
	}
	return fieldsJSON(fields), nil
}

// UpdateField patches only the supplied attributes; an empty patch is a
// no-op.
func (s *Service) UpdateField(ctx context.Context, formID, fieldID, callerEmail string, patch store.FieldPatch) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, formID, callerEmail, rbac.RoleOwner); err != nil {
		return nil, err
	}

	field, err := s.store.GetField(ctx, fieldID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Field not found")
		}
		return nil, err
	}
	if field.FormID != formID {
		return nil, notFound("Field not found")
	}

	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, validationError("Field name cannot be empty", nil)
	}
	if patch.Kind != nil && !rbac.ValidFieldKind(*patch.Kind) {
		return nil, validationError("Unknown field kind", map[string]any{"kind": *patch.Kind})
	}

	if patch.Empty() {
		return fieldJSON(field), nil
	}

	if err := s.store.UpdateField(ctx, fieldID, patch); err != nil {
		return nil, err
	}
	updated, err := s.store.GetField(ctx, fieldID)
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexField(search.FieldRecord{
			ID:     updated.ID,
			Name:   updated.Name,
			Kind:   updated.Kind,
			FormID: updated.FormID,
		})
	}

	return fieldJSON(updated), nil
}

// DeleteField removes a field and compacts the ordering of the survivors:
// every sibling ordered after the deleted field shifts down by one.
func (s *Service) DeleteField(ctx context.Context, formID, fieldID, callerEmail string) error {
	if _, _, err := s.requireRole(ctx, formID, callerEmail, rbac.RoleOwner); err != nil {
		return err
	}

	field, err := s.store.GetField(ctx, fieldID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Field not found")
		}
		return err
	}
	if field.FormID != formID {
		return notFound("Field not found")
	}

	if err := s.store.DeleteFieldAndCompact(ctx, formID, fieldID, field.Order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Field not found")
		}
		return err
	}

	if s.search != nil {
		s.search.DeleteField(fieldID)
	}
	return nil
}
