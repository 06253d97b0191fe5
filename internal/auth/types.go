package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Permissions understood by the admin API.
const (
	PermPluginsRead       = "plugins.read"
	PermPluginsAdmin      = "plugins.admin"
	PermSubmissionsSubmit = "submissions.submit"
	PermSubmissionsReview = "submissions.review"
)

// AllPermissions lists every admin permission.
var AllPermissions = []string{PermPluginsRead, PermPluginsAdmin, PermSubmissionsSubmit, PermSubmissionsReview}

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string
}

// HasPermission 判断是否持有权限，"*" 表示全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.ToLower(strings.TrimSpace(permission))
	for _, p := range s.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "*" || p == permission {
			return true
		}
	}
	return false
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone 返回副本。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	return &Subject{Name: s.Name, Permissions: slices.Clone(s.Permissions)}
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config configures the authentication service.
type Config struct {
	Mode   Mode          `yaml:"mode"`
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig 描述一个静态访问令牌。
type TokenConfig struct {
	Token       string   `yaml:"token"`
	Subject     string   `yaml:"subject"`
	Permissions []string `yaml:"permissions"`
}
