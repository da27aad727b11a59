package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"formhive/api/internal/store"
	"formhive/api/internal/util"
)

// DetailedFieldResponse is a field response enriched with the field
// definition it answered.
type DetailedFieldResponse struct {
	ID        string `json:"id"`
	FieldID   string `json:"fieldId"`
	FieldName string `json:"fieldName"`
	FieldKind string `json:"fieldKind"`
	Response  string `json:"response"`
}

type DetailedResponse struct {
	ID             string                  `json:"id"`
	UserEmail      *string                 `json:"userEmail,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
	FieldResponses []DetailedFieldResponse `json:"fieldResponses"`
}

// SubmitResponse runs the validated submission pipeline. The checks run in
// a fixed order so a bad payload reports the first failure, not a random
// one.
func (s *Service) SubmitResponse(ctx context.Context, formID, callerEmail string, values []ResponseValueInput) (string, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound("Form not found")
		}
		return "", err
	}

	if form.AuthRequired && callerEmail == "" {
		return "", domainError(401, "UNAUTHENTICATED", "Authentication required for this form", nil)
	}

	// Duplicate guard only applies to identified respondents on forms that
	// have not opted out of it.
	if callerEmail != "" && !form.OneTime {
		exists, err := s.store.HasUserResponse(ctx, formID, callerEmail)
		if err != nil {
			return "", err
		}
		if exists {
			return "", conflict("You have already submitted a response for this form")
		}
	}

	fields, err := s.store.ListFields(ctx, formID)
	if err != nil {
		return "", err
	}
	fieldMap := make(map[string]store.Field, len(fields))
	for _, field := range fields {
		fieldMap[field.ID] = field
	}

	provided := make(map[string]struct{}, len(values))
	for _, value := range values {
		provided[value.FieldID] = struct{}{}
	}
	for _, field := range fields {
		if !field.Required {
			continue
		}
		if _, ok := provided[field.ID]; !ok {
			return "", validationError(fmt.Sprintf("Required field %q is missing", field.Name),
				map[string]any{"fieldId": field.ID, "name": field.Name})
		}
	}

	for _, value := range values {
		field, ok := fieldMap[value.FieldID]
		if !ok {
			return "", validationError(fmt.Sprintf("Invalid field ID: %s", value.FieldID), nil)
		}
		if field.Required && strings.TrimSpace(value.Response) == "" {
			return "", validationError(fmt.Sprintf("Required field %q cannot be empty", field.Name),
				map[string]any{"fieldId": field.ID, "name": field.Name})
		}
		if field.Name != value.Name {
			return "", validationError(fmt.Sprintf("Field name mismatch for field %q", field.Name),
				map[string]any{"fieldId": field.ID})
		}
	}

	var userEmail *string
	if callerEmail != "" {
		normalized := strings.ToLower(callerEmail)
		userEmail = &normalized
	}

	response := store.FormResponse{
		ID:        util.NewID("resp"),
		FormID:    formID,
		UserEmail: userEmail,
	}
	fieldResponses := make([]store.FieldResponse, 0, len(values))
	for _, value := range values {
		fieldResponses = append(fieldResponses, store.FieldResponse{
			ID:             util.NewID("fresp"),
			FormID:         formID,
			FieldID:        value.FieldID,
			FormResponseID: response.ID,
			UserEmail:      userEmail,
			Response:       strings.TrimSpace(value.Response),
		})
	}

	if err := s.store.InsertSubmission(ctx, response, fieldResponses); err != nil {
		return "", err
	}
	return response.ID, nil
}

// AddResponse is the schema-free ingestion path: values are stored exactly
// as sent, with no required/kind validation.
func (s *Service) AddResponse(ctx context.Context, formID, callerEmail string, values []ResponseValueInput) (string, error) {
	if _, err := s.store.GetForm(ctx, formID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound("Form not found")
		}
		return "", err
	}

	var userEmail *string
	if callerEmail != "" {
		normalized := strings.ToLower(callerEmail)
		userEmail = &normalized
	}

	response := store.FormResponse{
		ID:        util.NewID("resp"),
		FormID:    formID,
		UserEmail: userEmail,
	}
	fieldResponses := make([]store.FieldResponse, 0, len(values))
	for _, value := range values {
		fieldResponses = append(fieldResponses, store.FieldResponse{
			ID:             util.NewID("fresp"),
			FormID:         formID,
			FieldID:        value.FieldID,
			FormResponseID: response.ID,
			UserEmail:      userEmail,
			Response:       value.Response,
		})
	}

	if err := s.store.InsertSubmission(ctx, response, fieldResponses); err != nil {
		return "", err
	}
	return response.ID, nil
}

// ListResponses returns a form's responses with their field responses,
// newest first. Anonymous callers get an empty list rather than an error.
func (s *Service) ListResponses(ctx context.Context, formID, callerEmail string) ([]map[string]any, error) {
	if callerEmail == "" {
		return []map[string]any{}, nil
	}

	responses, err := s.store.ListFormResponses(ctx, formID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(responses))
	for _, response := range responses {
		values, err := s.store.ListFieldResponses(ctx, response.ID)
		if err != nil {
			return nil, err
		}
		valueItems := make([]map[string]any, 0, len(values))
		for _, value := range values {
			valueItems = append(valueItems, map[string]any{
				"id":       value.ID,
				"fieldId":  value.FieldID,
				"response": value.Response,
			})
		}
		item := map[string]any{
			"id":             response.ID,
			"createdAt":      response.CreatedAt.UnixMilli(),
			"fieldResponses": valueItems,
		}
		if response.UserEmail != nil {
			item["userEmail"] = *response.UserEmail
		}
		items = append(items, item)
	}
	return items, nil
}

// DetailedResponses returns owner-only enriched responses with optional
// search, field value, and date filters.
func (s *Service) DetailedResponses(ctx context.Context, formID, callerEmail, searchText, filterField, fieldValue, dateFilter string) ([]DetailedResponse, error) {
	if callerEmail == "" {
		return []DetailedResponse{}, nil
	}

	form, err := s.store.GetForm(ctx, formID)
	if err != nil || form.CreatedBy != strings.ToLower(callerEmail) {
		return nil, forbidden("Only the form owner can view detailed responses")
	}

	fields, err := s.store.ListFields(ctx, formID)
	if err != nil {
		return nil, err
	}
	fieldMap := make(map[string]store.Field, len(fields))
	for _, field := range fields {
		fieldMap[field.ID] = field
	}

	var responses []store.FormResponse
	if filterField == "userEmail" && fieldValue != "" {
		responses, err = s.store.ListFormResponsesByUser(ctx, formID, fieldValue)
	} else {
		responses, err = s.store.ListFormResponses(ctx, formID)
	}
	if err != nil {
		return nil, err
	}

	if dateFilter != "" && dateFilter != "all" {
		responses = filterByDate(responses, dateFilter, time.Now())
	}

	detailed := make([]DetailedResponse, 0, len(responses))
	for _, response := range responses {
		values, err := s.store.ListFieldResponses(ctx, response.ID)
		if err != nil {
			return nil, err
		}
		enriched := make([]DetailedFieldResponse, 0, len(values))
		for _, value := range values {
			fieldName := "Unknown Field"
			fieldKind := "text"
			if field, ok := fieldMap[value.FieldID]; ok {
				fieldName = field.Name
				fieldKind = field.Kind
			}
			enriched = append(enriched, DetailedFieldResponse{
				ID:        value.ID,
				FieldID:   value.FieldID,
				FieldName: fieldName,
				FieldKind: fieldKind,
				Response:  value.Response,
			})
		}
		detailed = append(detailed, DetailedResponse{
			ID:             response.ID,
			UserEmail:      response.UserEmail,
			CreatedAt:      response.CreatedAt,
			FieldResponses: enriched,
		})
	}

	if trimmed := strings.TrimSpace(searchText); trimmed != "" {
		detailed = filterBySearch(detailed, trimmed)
	}
	if filterField != "" && filterField != "all" && filterField != "userEmail" && fieldValue != "" {
		detailed = filterByFieldValue(detailed, filterField, fieldValue)
	}

	return detailed, nil
}

func filterByDate(responses []store.FormResponse, dateFilter string, now time.Time) []store.FormResponse {
	kept := make([]store.FormResponse, 0, len(responses))
	for _, response := range responses {
		switch dateFilter {
		case "today":
			y1, m1, d1 := response.CreatedAt.Date()
			y2, m2, d2 := now.Date()
			if y1 == y2 && m1 == m2 && d1 == d2 {
				kept = append(kept, response)
			}
		case "week":
			if !response.CreatedAt.Before(now.Add(-7 * 24 * time.Hour)) {
				kept = append(kept, response)
			}
		case "month":
			if !response.CreatedAt.Before(now.Add(-30 * 24 * time.Hour)) {
				kept = append(kept, response)
			}
		default:
			kept = append(kept, response)
		}
	}
	return kept
}

func filterBySearch(responses []DetailedResponse, searchText string) []DetailedResponse {
	needle := strings.ToLower(searchText)
	kept := make([]DetailedResponse, 0, len(responses))
	for _, response := range responses {
		matches := false
		if response.UserEmail != nil && strings.Contains(strings.ToLower(*response.UserEmail), needle) {
			matches = true
		}
		if !matches {
			for _, value := range response.FieldResponses {
				if strings.Contains(strings.ToLower(value.Response), needle) ||
					strings.Contains(strings.ToLower(value.FieldName), needle) {
					matches = true
					break
				}
			}
		}
		if matches {
			kept = append(kept, response)
		}
	}
	return kept
}

func filterByFieldValue(responses []DetailedResponse, fieldID, fieldValue string) []DetailedResponse {
	needle := strings.ToLower(fieldValue)
	kept := make([]DetailedResponse, 0, len(responses))
	for _, response := range responses {
		for _, value := range response.FieldResponses {
			if value.FieldID != fieldID {
				continue
			}
			if strings.Contains(strings.ToLower(value.Response), needle) {
				kept = append(kept, response)
				break
			}
		}
	}
	return kept
}

// ExportResponsesCSV renders the owner's detailed responses as CSV. Columns
// follow field order, prefixed by submission time and respondent.
func (s *Service) ExportResponsesCSV(ctx context.Context, formID, callerEmail string) ([]byte, string, error) {
	if callerEmail == "" {
		return nil, "", errUnauthenticated()
	}

	responses, err := s.DetailedResponses(ctx, formID, callerEmail, "", "", "", "all")
	if err != nil {
		return nil, "", err
	}
	fields, err := s.store.ListFields(ctx, formID)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"Submitted At", "Respondent"}
	for _, field := range fields {
		header = append(header, field.Name)
	}
	if err := writer.Write(header); err != nil {
		return nil, "", fmt.Errorf("write csv header: %w", err)
	}

	for _, response := range responses {
		byField := make(map[string]string, len(response.FieldResponses))
		for _, value := range response.FieldResponses {
			byField[value.FieldID] = value.Response
		}

		respondent := ""
		if response.UserEmail != nil {
			respondent = *response.UserEmail
		}
		row := []string{response.CreatedAt.UTC().Format(time.RFC3339), respondent}
		for _, field := range fields {
			row = append(row, byField[field.ID])
		}
		if err := writer.Write(row); err != nil {
			return nil, "", fmt.Errorf("write csv row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", fmt.Errorf("flush csv: %w", err)
	}

	filename := fmt.Sprintf("form-%s-responses.csv", formID)
	return buf.Bytes(), filename, nil
}
