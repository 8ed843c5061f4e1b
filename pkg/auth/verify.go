package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"hiegate/pkg/identity"
)

const (
	ModeRS256 = "oidc_rs256"
	ModeHS256 = "oidc_hs256"

	// DefaultMaxAge is how long a completed second factor stays usable.
	DefaultMaxAge = 10 * time.Minute
)

var (
	// ErrMFAMissing means no assertion was presented at all.
	ErrMFAMissing = errors.New("mfa assertion missing")
	// ErrMFAInvalid covers every rejection of a presented assertion.
	ErrMFAInvalid = errors.New("mfa assertion invalid")
)

// AssertionClaims are the token claims the gateway reads.
type AssertionClaims struct {
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	DoctorName        string `json:"doctorname,omitempty"`
	HospitalName      string `json:"HospitalName,omitempty"`
	AuthTime          int64  `json:"auth_time,omitempty"`
	ACR               string `json:"acr,omitempty"`
	AuthorizedParty   string `json:"azp,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

func (c AssertionClaims) Identity() identity.Claims {
	return identity.Claims{
		Subject:           c.Subject,
		Email:             c.Email,
		PreferredUsername: c.PreferredUsername,
		DoctorName:        c.DoctorName,
		HospitalName:      c.HospitalName,
	}
}

// User is the display identifier reported by status endpoints.
func (c AssertionClaims) User() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// ExpiresIn is the remaining freshness of the assertion.
func (c AssertionClaims) ExpiresIn(now time.Time, maxAge time.Duration) time.Duration {
	left := time.Unix(c.AuthTime, 0).Add(maxAge).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

type VerifierConfig struct {
	Mode        string
	Secret      string
	JWKSURL     string
	Issuer      string
	Audience    string
	MaxAge      time.Duration
	RequiredACR string
	KeyTTL      time.Duration
	HTTPClient  *http.Client
}

type Verifier struct {
	cfg  VerifierConfig
	keys *KeyCache
	now  func() time.Time
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = ModeRS256
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	v := &Verifier{cfg: cfg, now: time.Now}
	switch cfg.Mode {
	case ModeRS256:
		if strings.TrimSpace(cfg.JWKSURL) == "" {
			return nil, errors.New("jwks url is required for oidc_rs256")
		}
		v.keys = NewKeyCache(cfg.JWKSURL, cfg.KeyTTL, cfg.HTTPClient)
	case ModeHS256:
		if cfg.Secret == "" {
			return nil, errors.New("secret is required for oidc_hs256")
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	return v, nil
}

func (v *Verifier) MaxAge() time.Duration { return v.cfg.MaxAge }

// Keys exposes the JWKS cache, nil in shared-secret mode.
func (v *Verifier) Keys() *KeyCache { return v.keys }

func (v *Verifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if v.cfg.Mode == ModeHS256 {
			return []byte(v.cfg.Secret), nil
		}
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("kid required")
		}
		return v.keys.Key(ctx, kid)
	}
}

func (v *Verifier) parse(ctx context.Context, raw string) (AssertionClaims, error) {
	method := "RS256"
	if v.cfg.Mode == ModeHS256 {
		method = "HS256"
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	var claims AssertionClaims
	if _, err := jwt.ParseWithClaims(raw, &claims, v.keyFunc(ctx), opts...); err != nil {
		return AssertionClaims{}, err
	}
	if claims.Subject == "" {
		return AssertionClaims{}, errors.New("subject required")
	}
	if v.cfg.Audience != "" && !v.audienceMatches(claims) {
		return AssertionClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

// Keycloak access tokens name the client in azp rather than aud.
func (v *Verifier) audienceMatches(c AssertionClaims) bool {
	if c.AuthorizedParty == v.cfg.Audience {
		return true
	}
	for _, a := range c.Audience {
		if a == v.cfg.Audience {
			return true
		}
	}
	return false
}

// VerifyIDToken checks a login ID token: signature, issuer, audience,
// expiry and, when non-empty, the nonce.
func (v *Verifier) VerifyIDToken(ctx context.Context, raw, nonce string) (AssertionClaims, error) {
	claims, err := v.parse(ctx, strings.TrimSpace(raw))
	if err != nil {
		return AssertionClaims{}, fmt.Errorf("id token: %w", err)
	}
	if nonce != "" && claims.Nonce != nonce {
		return AssertionClaims{}, errors.New("id token: nonce mismatch")
	}
	return claims, nil
}

// VerifyAssertion validates a step-up MFA assertion. Errors wrap
// ErrMFAMissing or ErrMFAInvalid.
func (v *Verifier) VerifyAssertion(ctx context.Context, raw string) (AssertionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AssertionClaims{}, ErrMFAMissing
	}
	claims, err := v.parse(ctx, raw)
	if err != nil {
		return AssertionClaims{}, fmt.Errorf("%w: %v", ErrMFAInvalid, err)
	}
	if claims.AuthTime == 0 {
		return AssertionClaims{}, fmt.Errorf("%w: auth_time missing", ErrMFAInvalid)
	}
	authTime := time.Unix(claims.AuthTime, 0)
	now := v.now()
	if now.Sub(authTime) > v.cfg.MaxAge {
		return AssertionClaims{}, fmt.Errorf("%w: authentication older than %s", ErrMFAInvalid, v.cfg.MaxAge)
	}
	if authTime.After(now.Add(time.Minute)) {
		return AssertionClaims{}, fmt.Errorf("%w: auth_time in the future", ErrMFAInvalid)
	}
	if v.cfg.RequiredACR != "" && claims.ACR != v.cfg.RequiredACR {
		return AssertionClaims{}, fmt.Errorf("%w: acr %q not accepted", ErrMFAInvalid, claims.ACR)
	}
	return claims, nil
}

// BearerToken extracts the MFA assertion from Authorization or X-MFA-Token.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-MFA-Token"))
}
