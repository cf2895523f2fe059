// Package rbac decides what uploaders and administrators may do.
package rbac

type Role string
type Action string

const (
	RoleUploader Role = "uploader"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead         Action = "read"
	ActionUpload       Action = "upload"
	ActionReview       Action = "review"
	ActionManageWindow Action = "manage_window"
	ActionManageUsers  Action = "manage_users"
)

// Can reports whether role may perform action. Administrators manage the
// window and review uploads but do not submit tables themselves.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return action != ActionUpload
	case RoleUploader:
		return action == ActionRead || action == ActionUpload
	default:
		return false
	}
}

// Normalize maps unknown roles to uploader.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleUploader, RoleAdmin:
		return Role(role)
	default:
		return RoleUploader
	}
}
