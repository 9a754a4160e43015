package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/svcgroup/internal/config"
)

type user struct {
	passwordHash []byte
	roles        []string
}

type token struct {
	name  string
	sum   [sha256.Size]byte
	roles []string
}

// AuthService checks credentials declared in the [server.auth] section.
type AuthService struct {
	users  map[string]user
	tokens []token
	roles  map[string][]Permission
}

// NewAuthService validates cfg: every password hash must be a bcrypt hash and
// every role must be known.
func NewAuthService(cfg config.AuthConfig) (*AuthService, error) {
	s := &AuthService{
		users: make(map[string]user, len(cfg.Users)),
		roles: make(map[string][]Permission, len(DefaultRoles)),
	}
	for _, r := range DefaultRoles {
		s.roles[r.Name] = r.Permissions
	}
	for _, u := range cfg.Users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
		if err := s.checkRoles(u.Roles); err != nil {
			return nil, fmt.Errorf("user %s: %w", u.Username, err)
		}
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("user %s: duplicate username", u.Username)
		}
		s.users[u.Username] = user{passwordHash: []byte(u.PasswordHash), roles: u.Roles}
	}
	for _, t := range cfg.Tokens {
		if err := s.checkRoles(t.Roles); err != nil {
			return nil, fmt.Errorf("token %s: %w", t.Name, err)
		}
		s.tokens = append(s.tokens, token{name: t.Name, sum: sha256.Sum256([]byte(t.Token)), roles: t.Roles})
	}
	return s, nil
}

func (s *AuthService) checkRoles(roles []string) error {
	for _, r := range roles {
		if _, ok := s.roles[r]; !ok {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	return nil
}

// Authenticate verifies a login request.
func (s *AuthService) Authenticate(_ context.Context, req LoginRequest) (*AuthResult, error) {
	switch req.Method {
	case AuthMethodBasic:
		return s.authenticateBasic(req.Username, req.Password)
	case AuthMethodToken:
		return s.authenticateToken(req.Token)
	default:
		return &AuthResult{Success: false}, fmt.Errorf("unsupported auth method: %s", req.Method)
	}
}

func (s *AuthService) authenticateBasic(username, password string) (*AuthResult, error) {
	if username == "" || password == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	u, ok := s.users[username]
	if !ok {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return &AuthResult{Success: true, Subject: username, Method: AuthMethodBasic, Roles: u.roles}, nil
}

// authenticateToken compares digests so every candidate costs the same.
func (s *AuthService) authenticateToken(value string) (*AuthResult, error) {
	if value == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	sum := sha256.Sum256([]byte(value))
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare(sum[:], t.sum[:]) == 1 {
			return &AuthResult{Success: true, Subject: t.name, Method: AuthMethodToken, Roles: t.roles}, nil
		}
	}
	return &AuthResult{Success: false}, ErrInvalidCredentials
}

// HasPermission checks if any of roles grants action on resource.
func (s *AuthService) HasPermission(roles []string, resource, action string) bool {
	for _, role := range roles {
		for _, perm := range s.roles[role] {
			if (perm.Resource == "*" || perm.Resource == resource) &&
				(perm.Action == "*" || perm.Action == action) {
				return true
			}
		}
	}
	return false
}

// HashPassword returns a bcrypt hash suitable for password_hash.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
