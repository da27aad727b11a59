package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"formhive/api/internal/config"
	"formhive/api/internal/rbac"
	"formhive/api/internal/store"
)

// memStore is an in-memory dataStore plus sessionStore for service tests.
type memStore struct {
	mu             sync.Mutex
	users          map[string]store.User
	forms          map[string]store.Form
	fields         map[string]store.Field
	collabs        map[string]store.Collaboration
	responses      map[string]store.FormResponse
	fieldResponses map[string][]store.FieldResponse
	refresh        map[string]refreshRecord
	revoked        map[string]bool
	pingErr        error
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:          map[string]store.User{},
		forms:          map[string]store.Form{},
		fields:         map[string]store.Field{},
		collabs:        map[string]store.Collaboration{},
		responses:      map[string]store.FormResponse{},
		fieldResponses: map[string][]store.FieldResponse{},
		refresh:        map[string]refreshRecord{},
		revoked:        map[string]bool{},
	}
}

func (m *memStore) addUser(id, email, name string) {
	m.users[id] = store.User{ID: id, Email: strings.ToLower(email), DisplayName: name, IsEmailVerified: true}
}

func (m *memStore) addForm(form store.Form) {
	if form.CreatedAt.IsZero() {
		form.CreatedAt = time.Now()
	}
	m.forms[form.ID] = form
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == strings.ToLower(email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) InsertForm(_ context.Context, form store.Form) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if form.UpdatedAt.IsZero() {
		form.UpdatedAt = form.CreatedAt
	}
	m.forms[form.ID] = form
	return nil
}

func (m *memStore) GetForm(_ context.Context, id string) (store.Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	form, ok := m.forms[id]
	if !ok {
		return store.Form{}, sql.ErrNoRows
	}
	return form, nil
}

func (m *memStore) UpdateForm(_ context.Context, id string, patch store.FormPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	form, ok := m.forms[id]
	if !ok {
		return sql.ErrNoRows
	}
	if patch.Name != nil {
		form.Name = *patch.Name
	}
	if patch.Description != nil {
		form.Description = *patch.Description
	}
	if patch.AuthRequired != nil {
		form.AuthRequired = *patch.AuthRequired
	}
	if patch.OneTime != nil {
		form.OneTime = *patch.OneTime
	}
	if patch.DefaultRequired != nil {
		form.DefaultRequired = *patch.DefaultRequired
	}
	form.UpdatedAt = time.Now()
	m.forms[id] = form
	return nil
}

func (m *memStore) ListFormsByCreator(_ context.Context, creator string) ([]store.Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Form
	for _, form := range m.forms {
		if form.CreatedBy == creator {
			out = append(out, form)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) SearchFormsByText(_ context.Context, text string, limit int) ([]store.Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(text)
	var out []store.Form
	for _, form := range m.forms {
		if strings.Contains(strings.ToLower(form.Name), needle) ||
			strings.Contains(strings.ToLower(form.Description), needle) {
			out = append(out, form)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CountFormResponses(_ context.Context, formID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, response := range m.responses {
		if response.FormID == formID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) DeleteFormAndFields(_ context.Context, formID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.forms, formID)
	for id, field := range m.fields {
		if field.FormID == formID {
			delete(m.fields, id)
		}
	}
	return nil
}

func (m *memStore) DeleteFormCascade(_ context.Context, formID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.forms, formID)
	for id, field := range m.fields {
		if field.FormID == formID {
			delete(m.fields, id)
		}
	}
	for id, collab := range m.collabs {
		if collab.FormID == formID {
			delete(m.collabs, id)
		}
	}
	for id, response := range m.responses {
		if response.FormID == formID {
			delete(m.responses, id)
			delete(m.fieldResponses, id)
		}
	}
	return nil
}

func (m *memStore) InsertField(_ context.Context, field store.Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[field.ID] = field
	return nil
}

func (m *memStore) GetField(_ context.Context, id string) (store.Field, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	field, ok := m.fields[id]
	if !ok {
		return store.Field{}, sql.ErrNoRows
	}
	return field, nil
}

func (m *memStore) UpdateField(_ context.Context, id string, patch store.FieldPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	field, ok := m.fields[id]
	if !ok {
		return sql.ErrNoRows
	}
	if patch.Name != nil {
		field.Name = *patch.Name
	}
	if patch.Kind != nil {
		field.Kind = *patch.Kind
	}
	if patch.Order != nil {
		field.Order = *patch.Order
	}
	if patch.Required != nil {
		field.Required = *patch.Required
	}
	if patch.SelectOptions != nil {
		field.SelectOptions = *patch.SelectOptions
	}
	m.fields[id] = field
	return nil
}

func (m *memStore) DeleteFieldAndCompact(_ context.Context, formID, fieldID string, order float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fields[fieldID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.fields, fieldID)
	for id, field := range m.fields {
		if field.FormID == formID && field.Order > order {
			field.Order--
			m.fields[id] = field
		}
	}
	return nil
}

func (m *memStore) ListFields(_ context.Context, formID string) ([]store.Field, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Field
	for _, field := range m.fields {
		if field.FormID == formID {
			out = append(out, field)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *memStore) InsertCollaboration(_ context.Context, collab store.Collaboration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collabs[collab.ID] = collab
	return nil
}

func (m *memStore) GetCollaboration(_ context.Context, id string) (store.Collaboration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	collab, ok := m.collabs[id]
	if !ok {
		return store.Collaboration{}, sql.ErrNoRows
	}
	return collab, nil
}

func (m *memStore) DeleteCollaboration(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collabs, id)
	return nil
}

func (m *memStore) SetCollaborationStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	collab, ok := m.collabs[id]
	if !ok {
		return sql.ErrNoRows
	}
	collab.Status = status
	now := time.Now()
	collab.RespondedAt = &now
	m.collabs[id] = collab
	return nil
}

func (m *memStore) SetCollaborationRole(_ context.Context, id, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	collab, ok := m.collabs[id]
	if !ok {
		return sql.ErrNoRows
	}
	collab.Role = role
	m.collabs[id] = collab
	return nil
}

func (m *memStore) FindCollaboration(_ context.Context, formID, email string) (*store.Collaboration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, collab := range m.collabs {
		if collab.FormID == formID && collab.UserEmail == strings.ToLower(email) {
			found := collab
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindCollaborationByStatus(_ context.Context, formID, email, status string) (*store.Collaboration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, collab := range m.collabs {
		if collab.FormID == formID && collab.UserEmail == strings.ToLower(email) && collab.Status == status {
			found := collab
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListCollaborations(_ context.Context, formID string) ([]store.Collaboration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Collaboration
	for _, collab := range m.collabs {
		if collab.FormID == formID {
			out = append(out, collab)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvitedAt.Before(out[j].InvitedAt) })
	return out, nil
}

func (m *memStore) ListCollaborationsByUser(_ context.Context, email, status string) ([]store.Collaboration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Collaboration
	for _, collab := range m.collabs {
		if collab.UserEmail == strings.ToLower(email) && collab.Status == status {
			out = append(out, collab)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvitedAt.After(out[j].InvitedAt) })
	return out, nil
}

func (m *memStore) HasUserResponse(_ context.Context, formID, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lowered := strings.ToLower(email)
	for _, response := range m.responses {
		if response.FormID == formID && response.UserEmail != nil && *response.UserEmail == lowered {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertSubmission(_ context.Context, response store.FormResponse, values []store.FieldResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if response.CreatedAt.IsZero() {
		response.CreatedAt = time.Now()
	}
	m.responses[response.ID] = response
	m.fieldResponses[response.ID] = values
	return nil
}

func (m *memStore) ListFormResponses(_ context.Context, formID string) ([]store.FormResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.FormResponse
	for _, response := range m.responses {
		if response.FormID == formID {
			out = append(out, response)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListFormResponsesByUser(_ context.Context, formID, email string) ([]store.FormResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lowered := strings.ToLower(email)
	var out []store.FormResponse
	for _, response := range m.responses {
		if response.FormID == formID && response.UserEmail != nil && *response.UserEmail == lowered {
			out = append(out, response)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListFieldResponses(_ context.Context, responseID string) ([]store.FieldResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fieldResponses[responseID], nil
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.refresh[tokenHash]
	if !ok || time.Now().After(record.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: record.userID}, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func newTestService(ms *memStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: time.Hour,
			AppURL:     "http://localhost:3000",
		},
		store:    ms,
		sessions: ms,
	}
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestCreateForm(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	payload, err := svc.CreateForm(ctx, "Alice@Example.com", "  Survey  ", "")
	if err != nil {
		t.Fatalf("CreateForm: %v", err)
	}
	if payload["name"] != "Survey" {
		t.Errorf("expected trimmed name, got %v", payload["name"])
	}
	if payload["description"] != defaultFormDescription {
		t.Errorf("expected default description, got %v", payload["description"])
	}
	if payload["createdBy"] != "alice@example.com" {
		t.Errorf("expected lowercased creator, got %v", payload["createdBy"])
	}

	payload, err = svc.CreateForm(ctx, "alice@example.com", "", "")
	if err != nil {
		t.Fatalf("CreateForm: %v", err)
	}
	if payload["name"] != defaultFormName {
		t.Errorf("expected default name, got %v", payload["name"])
	}

	if _, err := svc.CreateForm(ctx, "", "x", "y"); err == nil {
		t.Fatal("expected error for anonymous caller")
	} else if code := domainCode(t, err); code != "UNAUTHENTICATED" {
		t.Errorf("expected UNAUTHENTICATED, got %s", code)
	}
}

func TestAccessibleForms(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	base := time.Now()

	ms.addForm(store.Form{ID: "form_old", CreatedBy: "alice@example.com", Name: "Old", CreatedAt: base.Add(-2 * time.Hour)})
	ms.addForm(store.Form{ID: "form_new", CreatedBy: "alice@example.com", Name: "New", CreatedAt: base})
	ms.addForm(store.Form{ID: "form_shared", CreatedBy: "bob@example.com", Name: "Shared", CreatedAt: base.Add(-time.Hour)})
	ms.collabs["collab_1"] = store.Collaboration{
		ID: "collab_1", FormID: "form_shared", UserEmail: "alice@example.com",
		Role: "editor", Status: store.StatusAccepted, InvitedBy: "bob@example.com", InvitedAt: base,
	}
	// Accepted collaboration on a vanished form must not break the listing.
	ms.collabs["collab_gone"] = store.Collaboration{
		ID: "collab_gone", FormID: "form_missing", UserEmail: "alice@example.com",
		Role: "viewer", Status: store.StatusAccepted, InvitedBy: "bob@example.com", InvitedAt: base,
	}

	items, err := svc.AccessibleForms(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("AccessibleForms: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 forms, got %d", len(items))
	}
	if items[0]["id"] != "form_new" || items[1]["id"] != "form_shared" || items[2]["id"] != "form_old" {
		t.Errorf("unexpected ordering: %v %v %v", items[0]["id"], items[1]["id"], items[2]["id"])
	}
	if items[0]["role"] != "owner" {
		t.Errorf("expected owner role on own form, got %v", items[0]["role"])
	}
	if items[1]["role"] != "editor" {
		t.Errorf("expected editor role on shared form, got %v", items[1]["role"])
	}
}

func TestPermissionMatrix(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	ms.addForm(store.Form{ID: "form_1", CreatedBy: "owner@example.com", Name: "F"})
	ms.collabs["collab_editor"] = store.Collaboration{
		ID: "collab_editor", FormID: "form_1", UserEmail: "editor@example.com",
		Role: "editor", Status: store.StatusAccepted, InvitedAt: time.Now(),
	}
	ms.collabs["collab_viewer"] = store.Collaboration{
		ID: "collab_viewer", FormID: "form_1", UserEmail: "viewer@example.com",
		Role: "viewer", Status: store.StatusAccepted, InvitedAt: time.Now(),
	}
	ms.collabs["collab_pending"] = store.Collaboration{
		ID: "collab_pending", FormID: "form_1", UserEmail: "pending@example.com",
		Role: "editor", Status: store.StatusPending, InvitedAt: time.Now(),
	}

	tests := []struct {
		email   string
		canView bool
		canEdit bool
		manage  bool
		role    rbac.Role
	}{
		{"owner@example.com", true, true, true, rbac.RoleOwner},
		{"editor@example.com", true, true, false, rbac.RoleEditor},
		{"viewer@example.com", true, false, false, rbac.RoleViewer},
		{"pending@example.com", false, false, false, rbac.RoleNone},
		{"stranger@example.com", false, false, false, rbac.RoleNone},
		{"", false, false, false, rbac.RoleNone},
	}
	for _, tt := range tests {
		perms := svc.GetFormPermissions(ctx, "form_1", tt.email)
		if perms.CanView != tt.canView || perms.CanEdit != tt.canEdit ||
			perms.CanManageCollaborators != tt.manage || perms.Role != tt.role {
			t.Errorf("%q: got %+v", tt.email, perms)
		}
	}

	name := "Renamed"
	if _, err := svc.UpdateForm(ctx, "form_1", "viewer@example.com", store.FormPatch{Name: &name}); err == nil {
		t.Fatal("expected viewer update to fail")
	} else if code := domainCode(t, err); code != "INSUFFICIENT_PERMISSION" {
		t.Errorf("expected INSUFFICIENT_PERMISSION, got %s", code)
	}
	if _, err := svc.UpdateForm(ctx, "form_1", "editor@example.com", store.FormPatch{Name: &name}); err != nil {
		t.Errorf("editor update failed: %v", err)
	}
	if _, err := svc.UpdateForm(ctx, "form_1", "stranger@example.com", store.FormPatch{Name: &name}); err == nil {
		t.Fatal("expected stranger update to fail")
	} else if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", code)
	}
	if _, err := svc.UpdateForm(ctx, "form_missing", "editor@example.com", store.FormPatch{Name: &name}); err == nil {
		t.Fatal("expected missing form update to fail")
	} else if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
	// Identity is checked before existence, so anonymous callers learn
	// nothing about which form ids resolve.
	if _, err := svc.UpdateForm(ctx, "form_missing", "", store.FormPatch{Name: &name}); err == nil {
		t.Fatal("expected anonymous update to fail")
	} else if code := domainCode(t, err); code != "UNAUTHENTICATED" {
		t.Errorf("expected UNAUTHENTICATED, got %s", code)
	}
}

func TestInvitationLifecycle(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	ms.addForm(store.Form{ID: "form_1", CreatedBy: "owner@example.com", Name: "F"})

	invalid := []struct {
		email, role, wantCode string
	}{
		{"not-an-email", "editor", "VALIDATION_ERROR"},
		{"bob@example.com", "admin", "VALIDATION_ERROR"},
		{"owner@example.com", "editor", "VALIDATION_ERROR"},
	}
	for _, tt := range invalid {
		_, err := svc.InviteCollaborator(ctx, "form_1", "owner@example.com", tt.email, tt.role)
		if err == nil {
			t.Fatalf("expected invite %q to fail", tt.email)
		}
		if code := domainCode(t, err); code != tt.wantCode {
			t.Errorf("%q: expected %s, got %s", tt.email, tt.wantCode, code)
		}
	}

	payload, err := svc.InviteCollaborator(ctx, "form_1", "owner@example.com", "Bob@Example.com", "editor")
	if err != nil {
		t.Fatalf("InviteCollaborator: %v", err)
	}
	if payload["userEmail"] != "bob@example.com" {
		t.Errorf("expected lowercased invitee, got %v", payload["userEmail"])
	}
	if payload["status"] != store.StatusPending {
		t.Errorf("expected pending status, got %v", payload["status"])
	}
	collabID := payload["id"].(string)

	// Duplicate pending invite.
	if _, err := svc.InviteCollaborator(ctx, "form_1", "owner@example.com", "bob@example.com", "viewer"); err == nil {
		t.Fatal("expected duplicate invite to fail")
	} else if code := domainCode(t, err); code != "CONFLICT" {
		t.Errorf("expected CONFLICT, got %s", code)
	}

	// Only the invitee can respond.
	if err := svc.AcceptInvitation(ctx, collabID, "owner@example.com"); err == nil {
		t.Fatal("expected non-invitee accept to fail")
	} else if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", code)
	}

	if err := svc.AcceptInvitation(ctx, collabID, "bob@example.com"); err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}

	// Terminal status cannot be responded to again.
	if err := svc.RejectInvitation(ctx, collabID, "bob@example.com"); err == nil {
		t.Fatal("expected second response to fail")
	} else if code := domainCode(t, err); code != "CONFLICT" {
		t.Errorf("expected CONFLICT, got %s", code)
	}

	// Inviting an accepted collaborator again conflicts.
	if _, err := svc.InviteCollaborator(ctx, "form_1", "owner@example.com", "bob@example.com", "viewer"); err == nil {
		t.Fatal("expected invite of accepted collaborator to fail")
	} else if code := domainCode(t, err); code != "CONFLICT" {
		t.Errorf("expected CONFLICT, got %s", code)
	}

	// A rejected invitation clears the way for a fresh one.
	payload, err = svc.InviteCollaborator(ctx, "form_1", "owner@example.com", "carol@example.com", "viewer")
	if err != nil {
		t.Fatalf("InviteCollaborator: %v", err)
	}
	carolID := payload["id"].(string)
	if err := svc.RejectInvitation(ctx, carolID, "carol@example.com"); err != nil {
		t.Fatalf("RejectInvitation: %v", err)
	}
	payload, err = svc.InviteCollaborator(ctx, "form_1", "owner@example.com", "carol@example.com", "editor")
	if err != nil {
		t.Fatalf("re-invite after rejection: %v", err)
	}
	if payload["id"] == carolID {
		t.Error("expected the rejected record to be replaced")
	}
	if _, ok := ms.collabs[carolID]; ok {
		t.Error("expected the rejected record to be deleted")
	}
}

func TestUpdateCollaboratorRole(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	ms.addForm(store.Form{ID: "form_1", CreatedBy: "owner@example.com", Name: "F"})
	ms.collabs["collab_1"] = store.Collaboration{
		ID: "collab_1", FormID: "form_1", UserEmail: "bob@example.com",
		Role: "viewer", Status: store.StatusPending, InvitedAt: time.Now(),
	}

	if err := svc.UpdateCollaboratorRole(ctx, "collab_1", "owner@example.com", "editor"); err == nil {
		t.Fatal("expected role change on pending record to fail")
	} else if code := domainCode(t, err); code != "CONFLICT" {
		t.Errorf("expected CONFLICT, got %s", code)
	}

	collab := ms.collabs["collab_1"]
	collab.Status = store.StatusAccepted
	ms.collabs["collab_1"] = collab

	if err := svc.UpdateCollaboratorRole(ctx, "collab_1", "bob@example.com", "editor"); err == nil {
		t.Fatal("expected non-owner role change to fail")
	}
	if err := svc.UpdateCollaboratorRole(ctx, "collab_1", "owner@example.com", "owner"); err == nil {
		t.Fatal("expected owner role assignment to fail")
	} else if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
	if err := svc.UpdateCollaboratorRole(ctx, "collab_1", "owner@example.com", "editor"); err != nil {
		t.Fatalf("UpdateCollaboratorRole: %v", err)
	}
	if ms.collabs["collab_1"].Role != "editor" {
		t.Errorf("expected stored role editor, got %s", ms.collabs["collab_1"].Role)
	}
}

func TestRemoveCollaborator(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	ms.addForm(store.Form{ID: "form_1", CreatedBy: "owner@example.com", Name: "F"})
	ms.collabs["collab_1"] = store.Collaboration{
		ID: "collab_1", FormID: "form_1", UserEmail: "bob@example.com",
		Role: "editor", Status: store.StatusAccepted, InvitedAt: time.Now(),
	}

	if err := svc.RemoveCollaborator(ctx, "collab_1", "bob@example.com"); err == nil {
		t.Fatal("expected non-owner removal to fail")
	}
	if err := svc.RemoveCollaborator(ctx, "collab_missing", "owner@example.com"); err == nil {
		t.Fatal("expected missing collaborator removal to fail")
	} else if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
	if err := svc.RemoveCollaborator(ctx, "collab_1", "owner@example.com"); err != nil {
		t.Fatalf("RemoveCollaborator: %v", err)
	}
	if _, ok := ms.collabs["collab_1"]; ok {
		t.Error("expected collaboration to be deleted")
	}
}

func TestDeleteFormGuards(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	ms.addForm(store.Form{ID: "form_1", CreatedBy: "owner@example.com", Name: "F"})
	email := "resp@example.com"
	ms.responses["resp_1"] = store.FormResponse{ID: "resp_1", FormID: "form_1", UserEmail: &email, CreatedAt: time.Now()}

	if err := svc.DeleteForm(ctx, "form_1", "owner@example.com"); err == nil {
		t.Fatal("expected delete with responses to fail")
	} else if code := domainCode(t, err); code != "CONFLICT" {
		t.Errorf("expected CONFLICT, got %s", code)
	}

	if err := svc.DeleteFormEverything(ctx, "form_1", "owner@example.com"); err != nil {
		t.Fatalf("DeleteFormEverything: %v", err)
	}
	if _, ok := ms.forms["form_1"]; ok {
		t.Error("expected form to be deleted")
	}
	if _, ok := ms.responses["resp_1"]; ok {
		t.Error("expected responses to be deleted")
	}
}

func TestCheckOwnership(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	ms.addForm(store.Form{ID: "form_1", CreatedBy: "owner@example.com", Name: "F"})

	got := svc.CheckOwnership(ctx, "form_1", "Owner@Example.com")
	if got["formExists"] != true || got["isOwner"] != true {
		t.Errorf("owner check: %v", got)
	}
	got = svc.CheckOwnership(ctx, "form_1", "bob@example.com")
	if got["formExists"] != true || got["isOwner"] != false {
		t.Errorf("non-owner check: %v", got)
	}
	got = svc.CheckOwnership(ctx, "form_missing", "owner@example.com")
	if got["formExists"] != false || got["isOwner"] != false {
		t.Errorf("missing form check: %v", got)
	}
	got = svc.CheckOwnership(ctx, "form_1", "")
	if got["isOwner"] != false {
		t.Errorf("anonymous check: %v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	ms.addUser("usr_1", "alice@example.com", "Alice")

	session, err := svc.CreateSession(ctx, "usr_1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Email != "alice@example.com" || session.Name != "Alice" {
		t.Errorf("unexpected session identity: %+v", session)
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "usr_1" || parsed.JTI != session.JTI {
		t.Errorf("unexpected parsed session: %+v", parsed)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Error("expected refresh token rotation")
	}
	// Old refresh token is single use.
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("expected reused refresh token to fail")
	}

	if err := svc.Logout(ctx, rotated, rotated.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, rotated.Token); err == nil {
		t.Fatal("expected revoked access token to fail")
	}
	if _, err := svc.Refresh(ctx, rotated.RefreshToken); err == nil {
		t.Fatal("expected revoked refresh token to fail")
	}
}
