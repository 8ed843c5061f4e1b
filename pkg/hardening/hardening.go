// Package hardening refuses to start a production-like deployment whose
// transport or secret configuration is unsafe for patient data.
package hardening

import (
	"fmt"
	"net/url"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	DatabaseRequireTLS string
	// WithoutDatabase skips the database transport check for a tier that
	// holds no database connection.
	WithoutDatabase    bool
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	CORSAllowedOrigins []string
	// CookieSecure applies to the web tier's session cookie.
	CookieSecure string
	// AuthMode is the MFA verifier mode; shared-secret mode is dev only.
	AuthMode string
	// PublicURLs must all be https, e.g. the OIDC redirect and HIE base URL.
	PublicURLs             []EnvRequirement
	RequiredServiceSecrets []EnvRequirement
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%s: strict production hardening %s", service, fmt.Sprintf(format, args...))
	}
	if !o.WithoutDatabase && !isTrue(o.DatabaseRequireTLS, false) {
		return fail("requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fail("requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) {
			return fail("forbids REDIS_TLS_INSECURE")
		}
	}
	if o.CookieSecure != "" && !isTrue(o.CookieSecure, true) {
		return fail("requires SESSION_COOKIE_SECURE=true")
	}
	if strings.EqualFold(strings.TrimSpace(o.AuthMode), "oidc_hs256") {
		return fail("forbids MFA_AUTH_MODE=oidc_hs256")
	}
	if o.CORSAllowedOrigins != nil {
		if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
			return fail("%v", err)
		}
	}
	for _, u := range o.PublicURLs {
		if strings.TrimSpace(u.Value) == "" {
			continue
		}
		parsed, err := url.Parse(u.Value)
		if err != nil || parsed.Scheme != "https" {
			return fail("requires an https %s, got %q", u.Name, u.Value)
		}
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Value) == "" {
			return fail("requires %s", req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(origins []string) error {
	valid := 0
	for _, origin := range origins {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		valid++
		switch {
		case o == "*":
			return fmt.Errorf("forbids CORS wildcard origin")
		case strings.Contains(o, "://localhost") || strings.Contains(o, "://127.0.0.1"):
			return fmt.Errorf("forbids localhost CORS origin %q", origin)
		case !strings.HasPrefix(o, "https://"):
			return fmt.Errorf("requires HTTPS CORS origin, got %q", origin)
		}
	}
	if valid == 0 {
		return fmt.Errorf("requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
