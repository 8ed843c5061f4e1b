package identity

import (
	"context"
	"errors"
	"strings"
)

// Claims is the subset of federated token claims used to build a user.
type Claims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	DoctorName        string `json:"doctorname"`
	HospitalName      string `json:"HospitalName"`
}

// SessionView is what a stored session contributes to identity.
type SessionView struct {
	Subject      string
	Source       Source
	Email        string
	Name         string
	Organization string
	ClaimedName  string
}

type Resolver struct {
	store  Store
	admins AdminPolicy
	orgs   OrgDirectory
}

func NewResolver(store Store, admins AdminPolicy, orgs OrgDirectory) *Resolver {
	if orgs.Default == "" {
		orgs.Default = defaultOrganization
	}
	return &Resolver{store: store, admins: admins, orgs: orgs}
}

func NewResolverFromDirectory(d Directory) *Resolver {
	return NewResolver(NewStaticStore(d.Accounts), d.Admins, d.Orgs())
}

// Authenticate checks local credentials. The identifier may be an account
// id or an email. Unknown identifiers and wrong passwords are
// indistinguishable to the caller.
func (r *Resolver) Authenticate(ctx context.Context, identifier, password string) (UserContext, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return UserContext{}, ErrInvalidCredentials
	}
	acct, err := r.store.ByID(ctx, identifier)
	if errors.Is(err, ErrNotFound) && strings.Contains(identifier, "@") {
		acct, err = r.store.ByEmail(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn comparable time so misses are not observable.
			VerifyPassword(dummyHash, password)
			return UserContext{}, ErrInvalidCredentials
		}
		return UserContext{}, err
	}
	if !VerifyPassword(acct.Password, password) {
		return UserContext{}, ErrInvalidCredentials
	}
	return r.fromAccount(acct, SourceLocal), nil
}

const dummyHash = "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0c2FsdA$0000000000000000000000000000000000000000000"

func (r *Resolver) fromAccount(a Account, src Source) UserContext {
	org := a.Organization
	if org == "" {
		org = r.orgs.Lookup(a.Email)
	}
	u := UserContext{ID: a.ID, Email: a.Email, Name: a.Name, Organization: org, Role: RoleNormal, Source: src, ClaimedName: a.Name}
	if u.Name == "" {
		u.Name = a.ID
	}
	if r.admins.IsAdmin(u.ID, u.Email, u.ClaimedName) {
		u.Role = RoleAdministrator
	}
	return u
}

// FromClaims builds a user from federated claims. A missing subject means
// unauthenticated.
func (r *Resolver) FromClaims(c Claims, src Source) (UserContext, bool) {
	if strings.TrimSpace(c.Subject) == "" {
		return UserContext{}, false
	}
	name := firstNonEmpty(c.DoctorName, c.PreferredUsername, c.Email, c.Subject)
	org := c.HospitalName
	if org == "" {
		org = r.orgs.Lookup(c.Email)
	}
	u := UserContext{ID: c.Subject, Email: c.Email, Name: name, Organization: org, Role: RoleNormal, Source: src, ClaimedName: c.DoctorName}
	if r.admins.IsAdmin(u.ID, u.Email, u.ClaimedName) {
		u.Role = RoleAdministrator
	}
	return u, true
}

// FromSession re-derives a user from session state. Local sessions are
// re-read from the store so that role and organization follow the
// current directory.
func (r *Resolver) FromSession(ctx context.Context, s SessionView) (UserContext, bool) {
	if s.Subject == "" {
		return UserContext{}, false
	}
	if s.Source == SourceLocal {
		acct, err := r.store.ByID(ctx, s.Subject)
		if err != nil {
			return UserContext{}, false
		}
		return r.fromAccount(acct, SourceLocal), true
	}
	return r.FromClaims(Claims{
		Subject:           s.Subject,
		Email:             s.Email,
		DoctorName:        s.ClaimedName,
		PreferredUsername: s.Name,
		HospitalName:      s.Organization,
	}, s.Source)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
