package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"formhive/api/internal/rbac"
	"formhive/api/internal/store"
	"formhive/api/internal/util"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// FormPermissions is the answer to "what can this caller do on this form".
// It never carries an error; a caller with no access gets the all-false shape.
type FormPermissions struct {
	CanView                bool      `json:"canView"`
	CanEdit                bool      `json:"canEdit"`
	CanManageCollaborators bool      `json:"canManageCollaborators"`
	Role                   rbac.Role `json:"role"`
}

// resolveRole computes the caller's effective role on a form: owner when they
// created it, otherwise the role of their accepted collaboration, otherwise
// none.
func (s *Service) resolveRole(ctx context.Context, form store.Form, callerEmail string) rbac.Role {
	if callerEmail == "" {
		return rbac.RoleNone
	}
	if form.CreatedBy == strings.ToLower(callerEmail) {
		return rbac.RoleOwner
	}
	collab, err := s.store.FindCollaborationByStatus(ctx, form.ID, callerEmail, store.StatusAccepted)
	if err != nil || collab == nil {
		return rbac.RoleNone
	}
	return rbac.Normalize(collab.Role)
}

// requireRole is the single authorization gate for form operations. Checks
// run in a fixed order: identity, existence, membership, then role level.
// Identity comes first so anonymous callers cannot probe form existence.
func (s *Service) requireRole(ctx context.Context, formID, callerEmail string, minimum rbac.Role) (store.Form, rbac.Role, error) {
	if callerEmail == "" {
		return store.Form{}, rbac.RoleNone, errUnauthenticated()
	}

	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Form{}, rbac.RoleNone, notFound("Form not found")
		}
		return store.Form{}, rbac.RoleNone, err
	}

	role := s.resolveRole(ctx, form, callerEmail)
	if role == rbac.RoleNone {
		return store.Form{}, rbac.RoleNone, forbidden("You don't have permission to access this form")
	}
	if !role.Satisfies(minimum) {
		return store.Form{}, role, insufficientPermission(minimum, role)
	}
	return form, role, nil
}

// GetFormPermissions reports the caller's capabilities on a form. It
// deliberately swallows every failure into the no-access shape.
func (s *Service) GetFormPermissions(ctx context.Context, formID, callerEmail string) FormPermissions {
	none := FormPermissions{Role: rbac.RoleNone}
	if callerEmail == "" {
		return none
	}
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return none
	}
	role := s.resolveRole(ctx, form, callerEmail)
	if role == rbac.RoleNone {
		return none
	}
	return FormPermissions{
		CanView:                true,
		CanEdit:                role == rbac.RoleOwner || role == rbac.RoleEditor,
		CanManageCollaborators: role == rbac.RoleOwner,
		Role:                   role,
	}
}

// InviteCollaborator creates a pending invitation. A rejected record for the
// same email is replaced; pending and accepted records block the invite.
func (s *Service) InviteCollaborator(ctx context.Context, formID, callerEmail, inviteeEmail, role string) (map[string]any, error) {
	form, _, err := s.requireRole(ctx, formID, callerEmail, rbac.RoleOwner)
	if err != nil {
		return nil, err
	}

	invitee := strings.ToLower(strings.TrimSpace(inviteeEmail))
	if !emailPattern.MatchString(invitee) {
		return nil, validationError("Invalid email format", nil)
	}
	if !rbac.ValidCollaboratorRole(role) {
		return nil, validationError("Role must be editor or viewer", nil)
	}
	if invitee == strings.ToLower(callerEmail) {
		return nil, validationError("You cannot invite yourself", nil)
	}
	if invitee == form.CreatedBy {
		return nil, validationError("Form creator is already the owner", nil)
	}

	existing, err := s.store.FindCollaboration(ctx, formID, invitee)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case store.StatusPending:
			return nil, conflict("Invitation already sent to this user")
		case store.StatusAccepted:
			return nil, conflict("User is already a collaborator")
		default:
			// A rejected invitation does not block a re-invite.
			if err := s.store.DeleteCollaboration(ctx, existing.ID); err != nil {
				return nil, err
			}
		}
	}

	collab := store.Collaboration{
		ID:        util.NewID("collab"),
		FormID:    formID,
		UserEmail: invitee,
		Role:      role,
		Status:    store.StatusPending,
		InvitedBy: strings.ToLower(callerEmail),
		InvitedAt: time.Now(),
	}
	if err := s.store.InsertCollaboration(ctx, collab); err != nil {
		return nil, err
	}

	s.notifyInvitation(collab, form)

	return collaborationJSON(collab), nil
}

// notifyInvitation sends the invitation email when SMTP is configured. Mail
// failures never fail the invite.
func (s *Service) notifyInvitation(collab store.Collaboration, form store.Form) {
	if !s.SMTPConfigured() {
		return
	}
	invitationURL := fmt.Sprintf("%s/invitations", strings.TrimRight(s.cfg.AppURL, "/"))
	go func() {
		if err := s.email.SendInvitationEmail(collab.UserEmail, collab.InvitedBy, form.Name, collab.Role, invitationURL); err != nil {
			log.Printf("email: invitation to %s: %v", collab.UserEmail, err)
		}
	}()
}

func (s *Service) AcceptInvitation(ctx context.Context, collaborationID, callerEmail string) error {
	return s.respondToInvitation(ctx, collaborationID, callerEmail, store.StatusAccepted)
}

func (s *Service) RejectInvitation(ctx context.Context, collaborationID, callerEmail string) error {
	return s.respondToInvitation(ctx, collaborationID, callerEmail, store.StatusRejected)
}

// respondToInvitation flips a pending invitation to its terminal status.
// Only the invitee may respond, and only once.
func (s *Service) respondToInvitation(ctx context.Context, collaborationID, callerEmail, status string) error {
	if callerEmail == "" {
		return errUnauthenticated()
	}

	collab, err := s.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Invitation not found")
		}
		return err
	}

	if collab.UserEmail != strings.ToLower(callerEmail) {
		if status == store.StatusAccepted {
			return forbidden("You can only accept your own invitations")
		}
		return forbidden("You can only reject your own invitations")
	}

	if collab.Status != store.StatusPending {
		return conflict("Invitation has already been responded to")
	}

	return s.store.SetCollaborationStatus(ctx, collaborationID, status)
}

// RemoveCollaborator deletes a collaboration record in any status. Owner of
// the parent form only.
func (s *Service) RemoveCollaborator(ctx context.Context, collaborationID, callerEmail string) error {
	collab, err := s.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Collaborator not found")
		}
		return err
	}

	if _, _, err := s.requireRole(ctx, collab.FormID, callerEmail, rbac.RoleOwner); err != nil {
		return err
	}

	return s.store.DeleteCollaboration(ctx, collaborationID)
}

// UpdateCollaboratorRole changes the stored role of an accepted
// collaboration.
func (s *Service) UpdateCollaboratorRole(ctx context.Context, collaborationID, callerEmail, newRole string) error {
	collab, err := s.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Collaborator not found")
		}
		return err
	}

	if _, _, err := s.requireRole(ctx, collab.FormID, callerEmail, rbac.RoleOwner); err != nil {
		return err
	}

	if !rbac.ValidCollaboratorRole(newRole) {
		return validationError("Role must be editor or viewer", nil)
	}
	if collab.Status != store.StatusAccepted {
		return conflict("Can only update role for accepted collaborators")
	}

	return s.store.SetCollaborationRole(ctx, collaborationID, newRole)
}

// ListCollaborators returns every collaboration record on a form, all
// statuses included. Any member can look.
func (s *Service) ListCollaborators(ctx context.Context, formID, callerEmail string) ([]map[string]any, error) {
	if _, _, err := s.requireRole(ctx, formID, callerEmail, rbac.RoleViewer); err != nil {
		return nil, err
	}

	collabs, err := s.store.ListCollaborations(ctx, formID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(collabs))
	for _, collab := range collabs {
		items = append(items, collaborationJSON(collab))
	}
	return items, nil
}

// PendingInvitations lists the caller's pending invitations, optionally
// restricted to one form, enriched with the form name.
func (s *Service) PendingInvitations(ctx context.Context, callerEmail, formID string) ([]map[string]any, error) {
	if callerEmail == "" {
		return []map[string]any{}, nil
	}

	invitations, err := s.store.ListCollaborationsByUser(ctx, callerEmail, store.StatusPending)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(invitations))
	for _, invitation := range invitations {
		if formID != "" && invitation.FormID != formID {
			continue
		}
		items = append(items, s.enrichInvitation(ctx, invitation))
	}
	return items, nil
}

// PendingInvitationForForm returns the caller's pending invitation on one
// form, or nil when there is none.
func (s *Service) PendingInvitationForForm(ctx context.Context, formID, callerEmail string) (map[string]any, error) {
	if callerEmail == "" {
		return nil, nil
	}

	invitation, err := s.store.FindCollaborationByStatus(ctx, formID, callerEmail, store.StatusPending)
	if err != nil {
		return nil, err
	}
	if invitation == nil {
		return nil, nil
	}
	return s.enrichInvitation(ctx, *invitation), nil
}

func (s *Service) enrichInvitation(ctx context.Context, invitation store.Collaboration) map[string]any {
	formName := defaultFormName
	if form, err := s.store.GetForm(ctx, invitation.FormID); err == nil {
		formName = form.Name
	}
	return map[string]any{
		"id":        invitation.ID,
		"formId":    invitation.FormID,
		"formName":  formName,
		"role":      invitation.Role,
		"invitedBy": invitation.InvitedBy,
		"invitedAt": invitation.InvitedAt.UnixMilli(),
	}
}
