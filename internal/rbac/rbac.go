package rbac

type Role string

const (
	RoleNone   Role = "none"
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// Level returns the position of a role in the capability order
// owner > editor > viewer. Unknown roles (including "none") rank below all.
func Level(role Role) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether the role meets the given minimum role.
func (r Role) Satisfies(minimum Role) bool {
	return Level(r) >= Level(minimum)
}

// ValidCollaboratorRole reports whether a role may be stored on a
// collaboration record. Owner is implicit via form creatorship and is
// never granted through a collaboration.
func ValidCollaboratorRole(role string) bool {
	return Role(role) == RoleEditor || Role(role) == RoleViewer
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}

// FieldKind is the closed set of input types a form field can take.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldTextarea FieldKind = "textarea"
	FieldSelect   FieldKind = "select"
	FieldNumber   FieldKind = "number"
	FieldDate     FieldKind = "date"
	FieldTime     FieldKind = "time"
	FieldMCQ      FieldKind = "MCQ"
	FieldCheckbox FieldKind = "checkbox"
	FieldFile     FieldKind = "file"
)

func ValidFieldKind(kind string) bool {
	switch FieldKind(kind) {
	case FieldText, FieldTextarea, FieldSelect, FieldNumber,
		FieldDate, FieldTime, FieldMCQ, FieldCheckbox, FieldFile:
		return true
	default:
		return false
	}
}

// HasOptions reports whether the kind renders from a list of predefined
// choices and therefore carries select options.
func HasOptions(kind string) bool {
	switch FieldKind(kind) {
	case FieldSelect, FieldMCQ, FieldCheckbox:
		return true
	default:
		return false
	}
}
