package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Forms

func (s *PostgresStore) InsertForm(ctx context.Context, form Form) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forms (id, created_by, name, description, auth_required, one_time, default_required)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, form.ID, form.CreatedBy, form.Name, form.Description, form.AuthRequired, form.OneTime, form.DefaultRequired)
	if err != nil {
		return fmt.Errorf("insert form: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetForm(ctx context.Context, formID string) (Form, error) {
	var form Form
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_by, name, description, auth_required, one_time, default_required, created_at, updated_at
		FROM forms
		WHERE id = $1
	`, formID).Scan(&form.ID, &form.CreatedBy, &form.Name, &form.Description,
		&form.AuthRequired, &form.OneTime, &form.DefaultRequired, &form.CreatedAt, &form.UpdatedAt)
	if err != nil {
		return Form{}, err
	}
	return form, nil
}

// UpdateForm patches only the supplied columns. Callers filter out empty
// patches before reaching here.
func (s *PostgresStore) UpdateForm(ctx context.Context, formID string, patch FormPatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{formID}
	n := 2

	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, n))
		args = append(args, value)
		n++
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.AuthRequired != nil {
		add("auth_required", *patch.AuthRequired)
	}
	if patch.OneTime != nil {
		add("one_time", *patch.OneTime)
	}
	if patch.DefaultRequired != nil {
		add("default_required", *patch.DefaultRequired)
	}

	query := "UPDATE forms SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update form: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFormsByCreator(ctx context.Context, email string) ([]Form, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_by, name, description, auth_required, one_time, default_required, created_at, updated_at
		FROM forms
		WHERE created_by = $1
		ORDER BY created_at DESC
	`, email)
	if err != nil {
		return nil, fmt.Errorf("list forms by creator: %w", err)
	}
	defer rows.Close()

	forms := make([]Form, 0)
	for rows.Next() {
		var form Form
		if err := rows.Scan(&form.ID, &form.CreatedBy, &form.Name, &form.Description,
			&form.AuthRequired, &form.OneTime, &form.DefaultRequired, &form.CreatedAt, &form.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		forms = append(forms, form)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forms: %w", err)
	}
	return forms, nil
}

func (s *PostgresStore) SearchFormsByText(ctx context.Context, text string, limit int) ([]Form, error) {
	pattern := "%" + text + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_by, name, description, auth_required, one_time, default_required, created_at, updated_at
		FROM forms
		WHERE name ILIKE $1 OR description ILIKE $1
		ORDER BY created_at DESC
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search forms: %w", err)
	}
	defer rows.Close()

	forms := make([]Form, 0)
	for rows.Next() {
		var form Form
		if err := rows.Scan(&form.ID, &form.CreatedBy, &form.Name, &form.Description,
			&form.AuthRequired, &form.OneTime, &form.DefaultRequired, &form.CreatedAt, &form.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		forms = append(forms, form)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forms: %w", err)
	}
	return forms, nil
}

func (s *PostgresStore) CountFormResponses(ctx context.Context, formID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM form_responses WHERE form_id = $1`, formID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count form responses: %w", err)
	}
	return count, nil
}

// DeleteFormAndFields removes a form and its field definitions in one
// transaction. Responses must already be absent; the service checks first.
func (s *PostgresStore) DeleteFormAndFields(ctx context.Context, formID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete form tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM form_fields WHERE form_id = $1`, formID); err != nil {
		return fmt.Errorf("delete form fields: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM forms WHERE id = $1`, formID); err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	return tx.Commit()
}

// DeleteFormCascade removes a form and every dependent record: field
// responses, form responses, fields, collaborations, then the form itself.
func (s *PostgresStore) DeleteFormCascade(ctx context.Context, formID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cascade tx: %w", err)
	}
	defer tx.Rollback()

	steps := []string{
		`DELETE FROM field_responses WHERE form_id = $1`,
		`DELETE FROM form_responses WHERE form_id = $1`,
		`DELETE FROM form_fields WHERE form_id = $1`,
		`DELETE FROM form_collaborators WHERE form_id = $1`,
		`DELETE FROM forms WHERE id = $1`,
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step, formID); err != nil {
			return fmt.Errorf("cascade delete form: %w", err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Fields

func (s *PostgresStore) InsertField(ctx context.Context, field Field) error {
	options, err := marshalOptions(field.SelectOptions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO form_fields (id, form_id, name, kind, sort_order, required, default_value, select_options)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, field.ID, field.FormID, field.Name, field.Kind, field.Order, field.Required, field.DefaultValue, options)
	if err != nil {
		return fmt.Errorf("insert field: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetField(ctx context.Context, fieldID string) (Field, error) {
	var field Field
	var options []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, form_id, name, kind, sort_order, required, default_value, select_options, created_at
		FROM form_fields
		WHERE id = $1
	`, fieldID).Scan(&field.ID, &field.FormID, &field.Name, &field.Kind,
		&field.Order, &field.Required, &field.DefaultValue, &options, &field.CreatedAt)
	if err != nil {
		return Field{}, err
	}
	if err := unmarshalOptions(options, &field.SelectOptions); err != nil {
		return Field{}, err
	}
	return field, nil
}

func (s *PostgresStore) UpdateField(ctx context.Context, fieldID string, patch FieldPatch) error {
	sets := []string{}
	args := []any{fieldID}
	n := 2

	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, n))
		args = append(args, value)
		n++
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Kind != nil {
		add("kind", *patch.Kind)
	}
	if patch.Order != nil {
		add("sort_order", *patch.Order)
	}
	if patch.Required != nil {
		add("required", *patch.Required)
	}
	if patch.SelectOptions != nil {
		options, err := marshalOptions(*patch.SelectOptions)
		if err != nil {
			return err
		}
		add("select_options", options)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE form_fields SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update field: %w", err)
	}
	return nil
}

// DeleteFieldAndCompact removes the field and closes the ordering gap by
// decrementing every sibling whose order exceeds the deleted one. Both
// statements run in a single transaction so concurrent deletes serialize
// rather than double-decrement.
func (s *PostgresStore) DeleteFieldAndCompact(ctx context.Context, formID, fieldID string, order float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete field tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM form_fields WHERE id = $1`, fieldID)
	if err != nil {
		return fmt.Errorf("delete field: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete field result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE form_fields
		SET sort_order = sort_order - 1
		WHERE form_id = $1 AND sort_order > $2
	`, formID, order); err != nil {
		return fmt.Errorf("compact field order: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ListFields(ctx context.Context, formID string) ([]Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, name, kind, sort_order, required, default_value, select_options, created_at
		FROM form_fields
		WHERE form_id = $1
		ORDER BY sort_order ASC
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	defer rows.Close()

	fields := make([]Field, 0)
	for rows.Next() {
		var field Field
		var options []byte
		if err := rows.Scan(&field.ID, &field.FormID, &field.Name, &field.Kind,
			&field.Order, &field.Required, &field.DefaultValue, &options, &field.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		if err := unmarshalOptions(options, &field.SelectOptions); err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return fields, nil
}

func marshalOptions(options []SelectOption) ([]byte, error) {
	if options == nil {
		return nil, nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("marshal select options: %w", err)
	}
	return data, nil
}

func unmarshalOptions(data []byte, target *[]SelectOption) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshal select options: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Collaborations

const collaborationColumns = `id, form_id, user_email, role, status, invited_by, invited_at, responded_at`

func (s *PostgresStore) InsertCollaboration(ctx context.Context, collab Collaboration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO form_collaborators (id, form_id, user_email, role, status, invited_by, invited_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, collab.ID, collab.FormID, collab.UserEmail, collab.Role, collab.Status, collab.InvitedBy, collab.InvitedAt)
	if err != nil {
		return fmt.Errorf("insert collaboration: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollaboration(ctx context.Context, collaborationID string) (Collaboration, error) {
	var collab Collaboration
	err := s.db.QueryRowContext(ctx, `
		SELECT `+collaborationColumns+`
		FROM form_collaborators
		WHERE id = $1
	`, collaborationID).Scan(&collab.ID, &collab.FormID, &collab.UserEmail, &collab.Role,
		&collab.Status, &collab.InvitedBy, &collab.InvitedAt, &collab.RespondedAt)
	if err != nil {
		return Collaboration{}, err
	}
	return collab, nil
}

func (s *PostgresStore) DeleteCollaboration(ctx context.Context, collaborationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM form_collaborators WHERE id = $1`, collaborationID); err != nil {
		return fmt.Errorf("delete collaboration: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetCollaborationStatus(ctx context.Context, collaborationID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE form_collaborators SET status = $2, responded_at = NOW() WHERE id = $1
	`, collaborationID, status)
	if err != nil {
		return fmt.Errorf("set collaboration status: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetCollaborationRole(ctx context.Context, collaborationID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE form_collaborators SET role = $2 WHERE id = $1
	`, collaborationID, role)
	if err != nil {
		return fmt.Errorf("set collaboration role: %w", err)
	}
	return nil
}

// FindCollaboration returns the collaboration for (form, email) regardless
// of status, or nil when none exists.
func (s *PostgresStore) FindCollaboration(ctx context.Context, formID, email string) (*Collaboration, error) {
	var collab Collaboration
	err := s.db.QueryRowContext(ctx, `
		SELECT `+collaborationColumns+`
		FROM form_collaborators
		WHERE form_id = $1 AND user_email = LOWER($2)
	`, formID, email).Scan(&collab.ID, &collab.FormID, &collab.UserEmail, &collab.Role,
		&collab.Status, &collab.InvitedBy, &collab.InvitedAt, &collab.RespondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find collaboration: %w", err)
	}
	return &collab, nil
}

func (s *PostgresStore) FindCollaborationByStatus(ctx context.Context, formID, email, status string) (*Collaboration, error) {
	var collab Collaboration
	err := s.db.QueryRowContext(ctx, `
		SELECT `+collaborationColumns+`
		FROM form_collaborators
		WHERE form_id = $1 AND user_email = LOWER($2) AND status = $3
	`, formID, email, status).Scan(&collab.ID, &collab.FormID, &collab.UserEmail, &collab.Role,
		&collab.Status, &collab.InvitedBy, &collab.InvitedAt, &collab.RespondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find collaboration by status: %w", err)
	}
	return &collab, nil
}

func (s *PostgresStore) ListCollaborations(ctx context.Context, formID string) ([]Collaboration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+collaborationColumns+`
		FROM form_collaborators
		WHERE form_id = $1
		ORDER BY invited_at ASC
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list collaborations: %w", err)
	}
	return scanCollaborations(rows)
}

func (s *PostgresStore) ListCollaborationsByUser(ctx context.Context, email, status string) ([]Collaboration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+collaborationColumns+`
		FROM form_collaborators
		WHERE user_email = LOWER($1) AND status = $2
		ORDER BY invited_at DESC
	`, email, status)
	if err != nil {
		return nil, fmt.Errorf("list collaborations by user: %w", err)
	}
	return scanCollaborations(rows)
}

func scanCollaborations(rows *sql.Rows) ([]Collaboration, error) {
	defer rows.Close()
	collabs := make([]Collaboration, 0)
	for rows.Next() {
		var collab Collaboration
		if err := rows.Scan(&collab.ID, &collab.FormID, &collab.UserEmail, &collab.Role,
			&collab.Status, &collab.InvitedBy, &collab.InvitedAt, &collab.RespondedAt); err != nil {
			return nil, fmt.Errorf("scan collaboration: %w", err)
		}
		collabs = append(collabs, collab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborations: %w", err)
	}
	return collabs, nil
}

// ---------------------------------------------------------------------------
// Responses

func (s *PostgresStore) HasUserResponse(ctx context.Context, formID, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM form_responses WHERE form_id = $1 AND user_email = LOWER($2))
	`, formID, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check existing response: %w", err)
	}
	return exists, nil
}

// InsertSubmission writes the form response and its field responses in one
// transaction; a failure anywhere commits nothing.
func (s *PostgresStore) InsertSubmission(ctx context.Context, response FormResponse, values []FieldResponse) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submission tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO form_responses (id, form_id, user_email)
		VALUES ($1, $2, $3)
	`, response.ID, response.FormID, response.UserEmail); err != nil {
		return fmt.Errorf("insert form response: %w", err)
	}

	for _, value := range values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO field_responses (id, form_id, field_id, form_response_id, user_email, response)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, value.ID, value.FormID, value.FieldID, value.FormResponseID, value.UserEmail, value.Response); err != nil {
			return fmt.Errorf("insert field response: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListFormResponses(ctx context.Context, formID string) ([]FormResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, user_email, created_at
		FROM form_responses
		WHERE form_id = $1
		ORDER BY created_at DESC
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list form responses: %w", err)
	}
	return scanFormResponses(rows)
}

func (s *PostgresStore) ListFormResponsesByUser(ctx context.Context, formID, email string) ([]FormResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, user_email, created_at
		FROM form_responses
		WHERE form_id = $1 AND user_email = LOWER($2)
		ORDER BY created_at DESC
	`, formID, email)
	if err != nil {
		return nil, fmt.Errorf("list form responses by user: %w", err)
	}
	return scanFormResponses(rows)
}

func scanFormResponses(rows *sql.Rows) ([]FormResponse, error) {
	defer rows.Close()
	responses := make([]FormResponse, 0)
	for rows.Next() {
		var response FormResponse
		if err := rows.Scan(&response.ID, &response.FormID, &response.UserEmail, &response.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan form response: %w", err)
		}
		responses = append(responses, response)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate form responses: %w", err)
	}
	return responses, nil
}

func (s *PostgresStore) ListFieldResponses(ctx context.Context, formResponseID string) ([]FieldResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, field_id, form_response_id, user_email, response, created_at
		FROM field_responses
		WHERE form_response_id = $1
		ORDER BY created_at ASC
	`, formResponseID)
	if err != nil {
		return nil, fmt.Errorf("list field responses: %w", err)
	}
	defer rows.Close()

	values := make([]FieldResponse, 0)
	for rows.Next() {
		var value FieldResponse
		if err := rows.Scan(&value.ID, &value.FormID, &value.FieldID, &value.FormResponseID,
			&value.UserEmail, &value.Response, &value.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan field response: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate field responses: %w", err)
	}
	return values, nil
}
