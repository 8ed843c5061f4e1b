// Package mfa runs step-up ceremonies: a session asks for a second
// factor bound to one sensitive action, the provider calls back once, and
// the caller receives a short-lived assertion to present per request.
package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"hiegate/pkg/auth"
	"hiegate/pkg/oidc"
	"hiegate/pkg/store"
)

const (
	DefaultStateTTL = 5 * time.Minute
	DefaultAction   = "unmask"
	keyPrefix       = "mfa:"
)

// Actions a ceremony may be bound to.
const (
	ActionUnmask         = "unmask"
	ActionExternalSearch = "external_search"
)

var (
	// ErrInvalidSession is returned for unknown, expired or replayed states.
	ErrInvalidSession = errors.New("invalid session")
	ErrNoSession      = errors.New("session required")
	ErrUnknownAction  = errors.New("unknown mfa action")
	ErrExchange       = errors.New("token exchange failed")
)

// Ceremony is the server-side record of one pending step-up.
type Ceremony struct {
	State     string    `json:"state"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	ReturnURL string    `json:"return_url"`
	IssuedAt  time.Time `json:"issued_at"`
	Status    string    `json:"status"`
}

// Result is handed to the browser once and never stored.
type Result struct {
	Token        string
	Action       string
	ReturnURL    string
	TargetOrigin string
	Claims       auth.AssertionClaims
	Status       string
}

type StepUpProvider interface {
	StepUpURL(state string) string
	ExchangeStepUp(ctx context.Context, code string) (oidc.Tokens, error)
}

type AssertionVerifier interface {
	VerifyAssertion(ctx context.Context, raw string) (auth.AssertionClaims, error)
}

type Config struct {
	StateTTL time.Duration
	// DefaultReturnURL is used when the caller supplies no usable target.
	DefaultReturnURL string
	// AllowedOrigins, when set, restricts return targets to these origins.
	AllowedOrigins []string
}

type Gate struct {
	cache    store.Cache
	provider StepUpProvider
	verifier AssertionVerifier
	cfg      Config
	now      func() time.Time
}

func NewGate(cache store.Cache, provider StepUpProvider, verifier AssertionVerifier, cfg Config) *Gate {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	return &Gate{cache: cache, provider: provider, verifier: verifier, cfg: cfg, now: time.Now}
}

func stateKey(sessionID, state string) string {
	return keyPrefix + sessionID + ":" + state
}

func normalizeAction(action string) (string, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return DefaultAction, nil
	}
	switch action {
	case ActionUnmask, ActionExternalSearch:
		return action, nil
	}
	return "", ErrUnknownAction
}

// Begin issues a state token bound to the session and action and returns
// the provider URL to open.
func (g *Gate) Begin(ctx context.Context, sessionID, action, returnURL string) (authURL string, c Ceremony, err error) {
	if sessionID == "" {
		return "", Ceremony{}, ErrNoSession
	}
	if action, err = normalizeAction(action); err != nil {
		return "", Ceremony{}, err
	}
	c = Ceremony{
		State:     uuid.NewString(),
		SessionID: sessionID,
		Action:    action,
		ReturnURL: g.ReturnTarget(returnURL),
		IssuedAt:  g.now().UTC(),
		Status:    Issued,
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", Ceremony{}, err
	}
	if err := g.cache.Set(ctx, stateKey(sessionID, c.State), string(raw), g.cfg.StateTTL); err != nil {
		return "", Ceremony{}, fmt.Errorf("store mfa state: %w", err)
	}
	return g.provider.StepUpURL(c.State), c, nil
}

// Complete redeems the callback. The state entry is removed atomically
// before the exchange, so a second callback with the same state fails
// with ErrInvalidSession whatever the first one's outcome.
func (g *Gate) Complete(ctx context.Context, sessionID, state, code string) (Result, error) {
	if sessionID == "" || strings.TrimSpace(state) == "" {
		return Result{}, ErrInvalidSession
	}
	raw, err := g.cache.Take(ctx, stateKey(sessionID, state))
	if store.IsMiss(err) {
		return Result{}, ErrInvalidSession
	}
	if err != nil {
		return Result{}, fmt.Errorf("load mfa state: %w", err)
	}
	var c Ceremony
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.State != state || c.SessionID != sessionID {
		return Result{}, ErrInvalidSession
	}
	if IsTerminal(c.Status) {
		return Result{Status: c.Status}, ErrInvalidSession
	}
	if g.now().Sub(c.IssuedAt) > g.cfg.StateTTL {
		c.Status, _ = Next(c.Status, EventExpire)
		return Result{Status: c.Status}, ErrInvalidSession
	}
	tokens, err := g.provider.ExchangeStepUp(ctx, code)
	if err != nil {
		c.Status, _ = Next(c.Status, EventFail)
		return Result{Action: c.Action, Status: c.Status}, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	if c.Status, err = Next(c.Status, EventComplete); err != nil {
		return Result{}, err
	}
	claims, err := g.verifier.VerifyAssertion(ctx, tokens.AccessToken)
	if err != nil {
		c.Status, _ = Next(c.Status, EventFail)
		return Result{Action: c.Action, Status: c.Status}, err
	}
	if c.Status, err = Next(c.Status, EventConsume); err != nil {
		return Result{}, err
	}
	return Result{
		Token:        tokens.AccessToken,
		Action:       c.Action,
		ReturnURL:    c.ReturnURL,
		TargetOrigin: Origin(c.ReturnURL),
		Claims:       claims,
		Status:       c.Status,
	}, nil
}

// ClearSession drops every pending ceremony of a session.
func (g *Gate) ClearSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, ErrNoSession
	}
	return g.cache.DelPrefix(ctx, keyPrefix+sessionID+":")
}

// ReturnTarget keeps absolute http(s) URLs from allowed origins and
// replaces anything else with the configured default.
func (g *Gate) ReturnTarget(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return g.cfg.DefaultReturnURL
	}
	if len(g.cfg.AllowedOrigins) > 0 {
		origin := u.Scheme + "://" + u.Host
		allowed := false
		for _, o := range g.cfg.AllowedOrigins {
			if strings.EqualFold(strings.TrimRight(o, "/"), origin) {
				allowed = true
				break
			}
		}
		if !allowed {
			return g.cfg.DefaultReturnURL
		}
	}
	return u.String()
}

// Origin is the scheme and host of a URL, the postMessage target.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
