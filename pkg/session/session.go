// Package session keeps web-tier login state server side. The browser only
// holds an opaque id in an HttpOnly cookie.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"hiegate/pkg/identity"
	"hiegate/pkg/store"
)

const (
	DefaultCookieName = "hie_session"
	DefaultLifetime   = 8 * time.Hour
	keyPrefix         = "sess:"
)

var ErrNoSession = errors.New("no session")

type Session struct {
	ID        string          `json:"id"`
	Subject   string          `json:"sub"`
	Source    identity.Source `json:"source"`
	Email     string          `json:"email,omitempty"`
	Name      string          `json:"name,omitempty"`
	Claimed   string          `json:"claimed_name,omitempty"`
	Org       string          `json:"org,omitempty"`
	IDToken   string          `json:"id_token,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (s Session) View() identity.SessionView {
	return identity.SessionView{Subject: s.Subject, Source: s.Source, Email: s.Email, Name: s.Name, Organization: s.Org, ClaimedName: s.Claimed}
}

func (s Session) IsOIDC() bool { return s.Source == identity.SourceOIDC }

type Config struct {
	CookieName string
	Lifetime   time.Duration
	Secure     bool
	SameSite   http.SameSite
}

type Manager struct {
	cache store.Cache
	cfg   Config
	now   func() time.Time
}

func NewManager(cache store.Cache, cfg Config) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteLaxMode
	}
	return &Manager{cache: cache, cfg: cfg, now: time.Now}
}

// Create stores a new session for the user and sets the cookie. Any
// session already carried by the request is destroyed first.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, r *http.Request, u identity.UserContext, idToken string) (Session, error) {
	if r != nil {
		if c, err := r.Cookie(m.cfg.CookieName); err == nil && c.Value != "" {
			_ = m.cache.Del(ctx, keyPrefix+c.Value)
		}
	}
	now := m.now().UTC()
	s := Session{
		ID:        uuid.NewString(),
		Subject:   u.ID,
		Source:    u.Source,
		Email:     u.Email,
		Name:      u.Name,
		Claimed:   u.ClaimedName,
		Org:       u.Organization,
		IDToken:   idToken,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.Lifetime),
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return Session{}, err
	}
	if err := m.cache.Set(ctx, keyPrefix+s.ID, string(raw), m.cfg.Lifetime); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	http.SetCookie(w, m.cookie(s.ID, s.ExpiresAt))
	return s, nil
}

// Load returns the request's session. The lifetime is fixed at creation
// and never extended by activity.
func (m *Manager) Load(ctx context.Context, r *http.Request) (Session, error) {
	c, err := r.Cookie(m.cfg.CookieName)
	if err != nil || c.Value == "" {
		return Session{}, ErrNoSession
	}
	raw, err := m.cache.Get(ctx, keyPrefix+c.Value)
	if store.IsMiss(err) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.ID != c.Value {
		return Session{}, ErrNoSession
	}
	if !m.now().Before(s.ExpiresAt) {
		_ = m.cache.Del(ctx, keyPrefix+s.ID)
		return Session{}, ErrNoSession
	}
	return s, nil
}

// Destroy removes the session and clears the cookie. It returns the
// destroyed session when there was one.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) (Session, bool) {
	s, err := m.Load(ctx, r)
	if c, cerr := r.Cookie(m.cfg.CookieName); cerr == nil && c.Value != "" {
		_ = m.cache.Del(ctx, keyPrefix+c.Value)
	}
	http.SetCookie(w, m.cookie("", time.Unix(0, 0)))
	return s, err == nil
}

func (m *Manager) cookie(value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
		Expires:  expires,
	}
	if value == "" {
		c.MaxAge = -1
	}
	return c
}
