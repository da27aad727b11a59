package store

import "time"

type User struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Form struct {
	ID              string
	CreatedBy       string
	Name            string
	Description     string
	AuthRequired    bool
	OneTime         bool
	DefaultRequired bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FormPatch carries the explicitly supplied form updates. Nil pointers mean
// "leave unchanged"; a non-nil pointer to a zero value clears the field.
type FormPatch struct {
	Name            *string
	Description     *string
	AuthRequired    *bool
	OneTime         *bool
	DefaultRequired *bool
}

func (p FormPatch) Empty() bool {
	return p.Name == nil && p.Description == nil &&
		p.AuthRequired == nil && p.OneTime == nil && p.DefaultRequired == nil
}

// SelectOption is one predefined choice on a select/MCQ/checkbox field.
type SelectOption struct {
	Name  string  `json:"name"`
	Order float64 `json:"order"`
}

type Field struct {
	ID            string
	FormID        string
	Name          string
	Kind          string
	Order         float64
	Required      bool
	DefaultValue  *string
	SelectOptions []SelectOption
	CreatedAt     time.Time
}

type FieldPatch struct {
	Name          *string
	Kind          *string
	Order         *float64
	Required      *bool
	SelectOptions *[]SelectOption
}

func (p FieldPatch) Empty() bool {
	return p.Name == nil && p.Kind == nil && p.Order == nil &&
		p.Required == nil && p.SelectOptions == nil
}

// Collaboration statuses. Pending transitions to accepted or rejected
// exactly once; both are terminal.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

type Collaboration struct {
	ID          string
	FormID      string
	UserEmail   string
	Role        string
	Status      string
	InvitedBy   string
	InvitedAt   time.Time
	RespondedAt *time.Time
}

type FormResponse struct {
	ID        string
	FormID    string
	UserEmail *string
	CreatedAt time.Time
}

type FieldResponse struct {
	ID             string
	FormID         string
	FieldID        string
	FormResponseID string
	UserEmail      *string
	Response       string
	CreatedAt      time.Time
}
