package auth

import (
	"time"
)

// AuthResult represents the result of authentication
type AuthResult struct {
	Success bool     `json:"success"`
	Subject string   `json:"subject,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Token represents a signed JWT
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// Permission represents a permission in the system
type Permission struct {
	Resource string `json:"resource"` // e.g., "bot", "activity", "system"
	Action   string `json:"action"`   // "read" or "write"
}

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"

	ActionRead  = "read"
	ActionWrite = "write"

	ResourceBot      = "bot"
	ResourceActivity = "activity"
	ResourceSystem   = "system"
)

var rolePermissions = map[string][]Permission{
	RoleAdmin: {
		{Resource: "*", Action: "*"},
	},
	RoleOperator: {
		{Resource: ResourceBot, Action: ActionRead},
		{Resource: ResourceBot, Action: ActionWrite},
		{Resource: ResourceActivity, Action: ActionRead},
		{Resource: ResourceSystem, Action: ActionRead},
	},
	RoleViewer: {
		{Resource: ResourceBot, Action: ActionRead},
		{Resource: ResourceActivity, Action: ActionRead},
		{Resource: ResourceSystem, Action: ActionRead},
	},
}
