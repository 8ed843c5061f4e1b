package identity

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hengadev/errsx"
	"gopkg.in/yaml.v3"
)

// Directory is the YAML identity seed file.
type Directory struct {
	DefaultOrganization string            `yaml:"default_organization"`
	Organizations       map[string]string `yaml:"organizations"`
	Admins              AdminPolicy       `yaml:"admins"`
	Accounts            []Account         `yaml:"accounts"`
}

const defaultOrganization = "기타"

// LoadFile reads and validates a directory from disk.
func LoadFile(path string) (Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Directory{}, fmt.Errorf("read identities: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Directory, error) {
	var d Directory
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Directory{}, fmt.Errorf("parse identities: %w", err)
	}
	if d.DefaultOrganization == "" {
		d.DefaultOrganization = defaultOrganization
	}
	if err := d.Validate(); err != nil {
		return Directory{}, err
	}
	return d, nil
}

// Validate reports every problem in the directory keyed by location.
func (d Directory) Validate() error {
	errs := errsx.Map{}
	seenID := map[string]bool{}
	seenEmail := map[string]bool{}
	for i, a := range d.Accounts {
		key := fmt.Sprintf("accounts[%d]", i)
		switch {
		case strings.TrimSpace(a.ID) == "":
			errs.Set(key, "id is required")
		case seenID[a.ID]:
			errs.Set(key, "duplicate id "+a.ID)
		case a.Password == "":
			errs.Set(key, "password is required")
		case a.Email != "" && seenEmail[strings.ToLower(a.Email)]:
			errs.Set(key, "duplicate email "+a.Email)
		}
		if IsHashed(a.Password) {
			if _, _, _, err := decodeArgon2(a.Password); err != nil {
				errs.Set(key+".password", err)
			}
		}
		seenID[a.ID] = true
		if a.Email != "" {
			seenEmail[strings.ToLower(a.Email)] = true
		}
	}
	for domain, org := range d.Organizations {
		if strings.TrimSpace(domain) == "" || strings.TrimSpace(org) == "" {
			errs.Set("organizations", "empty domain or organization")
		}
	}
	return errs.AsError()
}

// PlainPasswords lists account ids whose password is not hashed.
func (d Directory) PlainPasswords() []string {
	var out []string
	for _, a := range d.Accounts {
		if !IsHashed(a.Password) {
			out = append(out, a.ID)
		}
	}
	return out
}

func (d Directory) Orgs() OrgDirectory {
	domains := make(map[string]string, len(d.Organizations))
	for k, v := range d.Organizations {
		domains[strings.ToLower(k)] = v
	}
	return OrgDirectory{Domains: domains, Default: d.DefaultOrganization}
}

// StaticStore serves accounts from an in-memory directory.
type StaticStore struct {
	byID    map[string]Account
	byEmail map[string]Account
}

func NewStaticStore(accounts []Account) *StaticStore {
	s := &StaticStore{byID: map[string]Account{}, byEmail: map[string]Account{}}
	for _, a := range accounts {
		s.byID[a.ID] = a
		if a.Email != "" {
			s.byEmail[strings.ToLower(a.Email)] = a
		}
	}
	return s
}

func (s *StaticStore) ByID(_ context.Context, id string) (Account, error) {
	a, ok := s.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (s *StaticStore) ByEmail(_ context.Context, email string) (Account, error) {
	a, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}
