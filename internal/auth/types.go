package auth

import "errors"

// AuthMethod represents the type of authentication
type AuthMethod string

const (
	AuthMethodBasic AuthMethod = "basic" // username/password
	AuthMethodToken AuthMethod = "token" // static bearer token
)

// Resources and actions checked by the control API.
const (
	ResourceGroup = "group"
	ActionRead    = "read"
	ActionStop    = "stop"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthResult represents the result of authentication
type AuthResult struct {
	Success bool       `json:"success"`
	Subject string     `json:"subject,omitempty"`
	Method  AuthMethod `json:"method,omitempty"`
	Roles   []string   `json:"roles,omitempty"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Method   AuthMethod `json:"method"`
	Username string     `json:"username,omitempty"`
	Password string     `json:"password,omitempty"`
	Token    string     `json:"token,omitempty"`
}

// Permission represents a permission in the system
type Permission struct {
	Resource string `json:"resource"` // e.g. "group"
	Action   string `json:"action"`   // e.g. "read", "stop"
}

// Role represents a role with associated permissions
type Role struct {
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}

// DefaultRoles are the roles understood by HasPermission.
var DefaultRoles = []Role{
	{Name: "admin", Permissions: []Permission{{Resource: "*", Action: "*"}}},
	{Name: "operator", Permissions: []Permission{
		{Resource: ResourceGroup, Action: ActionRead},
		{Resource: ResourceGroup, Action: ActionStop},
	}},
	{Name: "viewer", Permissions: []Permission{{Resource: ResourceGroup, Action: ActionRead}}},
}
