package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"formhive/api/internal/auth"
	"formhive/api/internal/authpw"
	"formhive/api/internal/config"
	"formhive/api/internal/email"
	"formhive/api/internal/rbac"
	"formhive/api/internal/search"
	"formhive/api/internal/store"
	"formhive/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Name         string
	JTI          string
	ExpiresAt    time.Time
}

// ResponseValueInput is one submitted answer. Name must match the stored
// field definition; a stale client label fails the submission.
type ResponseValueInput struct {
	FieldID  string `json:"fieldId"`
	Name     string `json:"name"`
	Response string `json:"response"`
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)

	InsertForm(context.Context, store.Form) error
	GetForm(context.Context, string) (store.Form, error)
	UpdateForm(context.Context, string, store.FormPatch) error
	ListFormsByCreator(context.Context, string) ([]store.Form, error)
	SearchFormsByText(context.Context, string, int) ([]store.Form, error)
	CountFormResponses(context.Context, string) (int, error)
	DeleteFormAndFields(context.Context, string) error
	DeleteFormCascade(context.Context, string) error

	InsertField(context.Context, store.Field) error
	GetField(context.Context, string) (store.Field, error)
	UpdateField(context.Context, string, store.FieldPatch) error
	DeleteFieldAndCompact(context.Context, string, string, float64) error
	ListFields(context.Context, string) ([]store.Field, error)

	InsertCollaboration(context.Context, store.Collaboration) error
	GetCollaboration(context.Context, string) (store.Collaboration, error)
	DeleteCollaboration(context.Context, string) error
	SetCollaborationStatus(context.Context, string, string) error
	SetCollaborationRole(context.Context, string, string) error
	FindCollaboration(context.Context, string, string) (*store.Collaboration, error)
	FindCollaborationByStatus(context.Context, string, string, string) (*store.Collaboration, error)
	ListCollaborations(context.Context, string) ([]store.Collaboration, error)
	ListCollaborationsByUser(context.Context, string, string) ([]store.Collaboration, error)

	HasUserResponse(context.Context, string, string) (bool, error)
	InsertSubmission(context.Context, store.FormResponse, []store.FieldResponse) error
	ListFormResponses(context.Context, string) ([]store.FormResponse, error)
	ListFormResponsesByUser(context.Context, string, string) ([]store.FormResponse, error)
	ListFieldResponses(context.Context, string) ([]store.FieldResponse, error)

	Ping(ctx context.Context) error
}

// sessionStore abstracts refresh token storage so Redis can replace the
// Postgres tables when configured.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   *search.Service
	authpw   *authpw.Service
	email    *email.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		search:   searchService,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		search:   searchService,
	}
}

func (s *Service) SetAuthPasswordService(svc *authpw.Service) {
	s.authpw = svc
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SetEmailService(svc *email.Service) {
	s.email = svc
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail delivers the signup verification link in the
// background. Failures are logged, never surfaced to the signup flow.
func (s *Service) SendVerificationEmail(to, name, token string) {
	if !s.SMTPConfigured() {
		return
	}
	verificationURL := fmt.Sprintf("%s/verify-email?token=%s", strings.TrimRight(s.cfg.AppURL, "/"), token)
	go func() {
		if err := s.email.SendVerificationEmail(to, name, verificationURL); err != nil {
			log.Printf("email: verification to %s: %v", to, err)
		}
	}()
}

// SendPasswordResetEmail delivers the reset link in the background.
func (s *Service) SendPasswordResetEmail(to, token string) {
	if !s.SMTPConfigured() {
		return
	}
	name := to
	if user, err := s.store.GetUserByEmail(context.Background(), to); err == nil {
		name = user.DisplayName
	}
	resetURL := fmt.Sprintf("%s/reset-password?token=%s", strings.TrimRight(s.cfg.AppURL, "/"), token)
	go func() {
		if err := s.email.SendPasswordResetEmail(to, name, resetURL); err != nil {
			log.Printf("email: password reset to %s: %v", to, err)
		}
	}()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---------------------------------------------------------------------------
// Sessions

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	// Rotate: the old refresh token is single use.
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		Name:         user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		Name:      claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Forms

const (
	defaultFormName        = "Untitled Form"
	defaultFormDescription = "Please fill out this form"
)

func (s *Service) CreateForm(ctx context.Context, callerEmail, name, description string) (map[string]any, error) {
	if callerEmail == "" {
		return nil, errUnauthenticated()
	}

	formName := strings.TrimSpace(name)
	if formName == "" {
		formName = defaultFormName
	}
	formDescription := strings.TrimSpace(description)
	if formDescription == "" {
		formDescription = defaultFormDescription
	}

	form := store.Form{
		ID:          util.NewID("form"),
		CreatedBy:   strings.ToLower(callerEmail),
		Name:        formName,
		Description: formDescription,
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertForm(ctx, form); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexForm(search.FormRecord{
			ID:          form.ID,
			Name:        form.Name,
			Description: form.Description,
			CreatedBy:   form.CreatedBy,
		})
	}

	return formJSON(form), nil
}

// AccessibleForms returns forms the caller owns plus forms where they are an
// accepted collaborator, newest first.
func (s *Service) AccessibleForms(ctx context.Context, callerEmail string) ([]map[string]any, error) {
	if callerEmail == "" {
		return nil, errUnauthenticated()
	}

	owned, err := s.store.ListFormsByCreator(ctx, strings.ToLower(callerEmail))
	if err != nil {
		return nil, err
	}

	type entry struct {
		form store.Form
		role rbac.Role
	}
	entries := make([]entry, 0, len(owned))
	for _, form := range owned {
		entries = append(entries, entry{form: form, role: rbac.RoleOwner})
	}

	collabs, err := s.store.ListCollaborationsByUser(ctx, callerEmail, store.StatusAccepted)
	if err != nil {
		return nil, err
	}
	for _, collab := range collabs {
		form, err := s.store.GetForm(ctx, collab.FormID)
		if err != nil {
			// The form may have been cascade-deleted out from under the
			// collaboration record.
			continue
		}
		entries = append(entries, entry{form: form, role: rbac.Normalize(collab.Role)})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].form.CreatedAt.After(entries[j].form.CreatedAt)
	})

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		item := formJSON(e.form)
		item["role"] = string(e.role)
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) GetFormByID(ctx context.Context, formID string) (map[string]any, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	return formJSON(form), nil
}

// FormContext returns the form together with its ordered fields. Open read,
// respondents load this before submitting.
func (s *Service) FormContext(ctx context.Context, formID string) (map[string]any, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	fields, err := s.store.ListFields(ctx, formID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"form":   formJSON(form),
		"fields": fieldsJSON(fields),
	}, nil
}

func (s *Service) UpdateForm(ctx context.Context, formID, callerEmail string, patch store.FormPatch) (map[string]any, error) {
	form, _, err := s.requireRole(ctx, formID, callerEmail, rbac.RoleEditor)
	if err != nil {
		return nil, err
	}

	if patch.Empty() {
		return formJSON(form), nil
	}

	if err := s.store.UpdateForm(ctx, formID, patch); err != nil {
		return nil, err
	}
	updated, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexForm(search.FormRecord{
			ID:          updated.ID,
			Name:        updated.Name,
			Description: updated.Description,
			CreatedBy:   updated.CreatedBy,
		})
	}

	return formJSON(updated), nil
}

// DeleteForm removes a form and its field definitions. Refused while
// responses exist; DeleteFormEverything is the destructive variant.
func (s *Service) DeleteForm(ctx context.Context, formID, callerEmail string) error {
	if _, _, err := s.requireRole(ctx, formID, callerEmail, rbac.RoleOwner); err != nil {
		return err
	}

	count, err := s.store.CountFormResponses(ctx, formID)
	if err != nil {
		return err
	}
	if count > 0 {
		return conflict("Cannot delete a form that has responses")
	}

	if err := s.store.DeleteFormAndFields(ctx, formID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteForm(formID)
	}
	return nil
}

// DeleteFormEverything removes the form and every dependent record,
// responses included.
func (s *Service) DeleteFormEverything(ctx context.Context, formID, callerEmail string) error {
	if _, _, err := s.requireRole(ctx, formID, callerEmail, rbac.RoleOwner); err != nil {
		return err
	}
	if err := s.store.DeleteFormCascade(ctx, formID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteForm(formID)
	}
	return nil
}

// CheckOwnership never fails; unknown forms and anonymous callers simply
// report false.
func (s *Service) CheckOwnership(ctx context.Context, formID, callerEmail string) map[string]any {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return map[string]any{"formExists": false, "isOwner": false}
	}
	isOwner := callerEmail != "" && form.CreatedBy == strings.ToLower(callerEmail)
	return map[string]any{"formExists": true, "isOwner": isOwner}
}

// ---------------------------------------------------------------------------
// Search

func (s *Service) Search(ctx context.Context, callerEmail, text string, limit, offset int) (search.Response, error) {
	if callerEmail == "" {
		return search.Response{}, errUnauthenticated()
	}
	var resp search.Response
	if s.search != nil {
		resp = s.search.Search(search.Query{
			Text:   text,
			Limit:  limit,
			Offset: offset,
		})
	} else {
		// No search backend wired: plain substring match against the store.
		forms, err := s.store.SearchFormsByText(ctx, text, limit)
		if err != nil {
			return search.Response{}, err
		}
		results := make([]search.Result, 0, len(forms))
		for _, form := range forms {
			results = append(results, search.Result{
				Type:    search.ResultForm,
				ID:      form.ID,
				Title:   form.Name,
				Snippet: form.Description,
				FormID:  form.ID,
				Creator: form.CreatedBy,
			})
		}
		resp = search.Response{Results: results, Total: len(results), Query: text}
	}

	// Only surface hits on forms the caller can actually open.
	filtered := make([]search.Result, 0, len(resp.Results))
	for _, result := range resp.Results {
		form, err := s.store.GetForm(ctx, result.FormID)
		if err != nil {
			continue
		}
		if s.resolveRole(ctx, form, callerEmail) == rbac.RoleNone {
			continue
		}
		filtered = append(filtered, result)
	}
	resp.Results = filtered
	resp.Total = len(filtered)
	return resp, nil
}

// ---------------------------------------------------------------------------
// JSON shapes

func formJSON(form store.Form) map[string]any {
	return map[string]any{
		"id":              form.ID,
		"name":            form.Name,
		"description":     form.Description,
		"createdBy":       form.CreatedBy,
		"authRequired":    form.AuthRequired,
		"oneTime":         form.OneTime,
		"defaultRequired": form.DefaultRequired,
		"createdAt":       form.CreatedAt.UnixMilli(),
		"updatedAt":       form.UpdatedAt.UnixMilli(),
	}
}

func fieldJSON(field store.Field) map[string]any {
	item := map[string]any{
		"id":       field.ID,
		"formId":   field.FormID,
		"name":     field.Name,
		"kind":     field.Kind,
		"order":    field.Order,
		"required": field.Required,
	}
	if field.DefaultValue != nil {
		item["defaultValue"] = *field.DefaultValue
	}
	if field.SelectOptions != nil {
		item["selectOptions"] = field.SelectOptions
	}
	return item
}

func fieldsJSON(fields []store.Field) []map[string]any {
	items := make([]map[string]any, 0, len(fields))
	for _, field := range fields {
		items = append(items, fieldJSON(field))
	}
	return items
}

func collaborationJSON(collab store.Collaboration) map[string]any {
	item := map[string]any{
		"id":        collab.ID,
		"formId":    collab.FormID,
		"userEmail": collab.UserEmail,
		"role":      collab.Role,
		"status":    collab.Status,
		"invitedBy": collab.InvitedBy,
		"invitedAt": collab.InvitedAt.UnixMilli(),
	}
	if collab.RespondedAt != nil {
		item["respondedAt"] = collab.RespondedAt.UnixMilli()
	}
	return item
}
