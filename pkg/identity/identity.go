// Package identity normalizes local accounts, federated logins and MFA
// assertions into one UserContext shape.
package identity

import (
	"context"
	"errors"
	"strings"

	"hiegate/pkg/models"
)

type Role string

const (
	RoleNormal        Role = "normal"
	RoleAdministrator Role = "administrator"
)

type Source string

const (
	SourceLocal Source = "local"
	SourceOIDC  Source = "oidc"
	SourceMFA   Source = "mfa"
)

const unknown = "unknown"

var (
	ErrNotFound           = errors.New("identity not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserContext is derived per request and never stored by itself.
type UserContext struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"doctorname"`
	Organization string `json:"hospital"`
	Role         Role   `json:"role"`
	Source       Source `json:"source"`
	// ClaimedName is the configured or federated name before any fallback.
	// Administrator names are matched against it only.
	ClaimedName  string `json:"-"`
}

func (u UserContext) Authenticated() bool { return u.ID != "" && u.ID != unknown }

func (u UserContext) IsAdmin() bool { return u.Role == RoleAdministrator }

func (u UserContext) Actor() models.Actor {
	if !u.Authenticated() {
		return models.Actor{Email: unknown, Name: unknown, Organization: unknown}
	}
	return models.Actor{Email: u.Email, Name: u.Name, Organization: u.Organization}
}

// DisplayName falls back to the id when no name is configured.
func (u UserContext) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// Unknown is the placeholder actor recorded when identity cannot be resolved.
func Unknown() UserContext {
	return UserContext{ID: unknown, Email: unknown, Name: unknown, Organization: unknown, Role: RoleNormal}
}

// Account is a statically configured identity record.
type Account struct {
	ID           string `yaml:"id"`
	Email        string `yaml:"email"`
	Name         string `yaml:"name"`
	Organization string `yaml:"organization"`
	Password     string `yaml:"password"`
}

type Store interface {
	ByID(ctx context.Context, id string) (Account, error)
	ByEmail(ctx context.Context, email string) (Account, error)
}

// AdminPolicy grants the administrator role when any one designation
// matches exactly.
type AdminPolicy struct {
	Emails []string `yaml:"emails"`
	IDs    []string `yaml:"ids"`
	Names  []string `yaml:"names"`
}

func (p AdminPolicy) IsAdmin(id, email, name string) bool {
	return matchAny(p.IDs, id) || matchAny(p.Emails, email) || matchAny(p.Names, name)
}

func matchAny(designated []string, v string) bool {
	if v == "" {
		return false
	}
	for _, d := range designated {
		if d != "" && d == v {
			return true
		}
	}
	return false
}

// OrgDirectory maps an email domain to an organization.
type OrgDirectory struct {
	Domains map[string]string
	Default string
}

func (d OrgDirectory) Lookup(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 {
		if org, ok := d.Domains[strings.ToLower(email[at+1:])]; ok {
			return org
		}
	}
	return d.Default
}
