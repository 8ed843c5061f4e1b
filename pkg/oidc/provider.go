// Package oidc wraps the authorization-code flow against the identity
// provider: discovery, login and step-up redirects, code exchange and
// end-session URLs.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

type Config struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// MFARedirectURL receives the step-up callback.
	MFARedirectURL string
	Scopes         []string
	HTTPClient     *http.Client
}

type Endpoints struct {
	Issuer        string `json:"issuer"`
	Authorization string `json:"authorization_endpoint"`
	Token         string `json:"token_endpoint"`
	JWKS          string `json:"jwks_uri"`
	EndSession    string `json:"end_session_endpoint"`
}

func (c Config) realmURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/realms/" + url.PathEscape(c.Realm)
}

// ConventionalEndpoints are the Keycloak paths used when discovery is down.
func ConventionalEndpoints(c Config) Endpoints {
	base := c.realmURL()
	return Endpoints{
		Issuer:        base,
		Authorization: base + "/protocol/openid-connect/auth",
		Token:         base + "/protocol/openid-connect/token",
		JWKS:          base + "/protocol/openid-connect/certs",
		EndSession:    base + "/protocol/openid-connect/logout",
	}
}

// Discover reads the discovery document, filling any missing entry from
// the conventional layout. The error is returned alongside usable
// fallback endpoints so callers can log it and continue.
func Discover(ctx context.Context, c Config) (Endpoints, error) {
	fallback := ConventionalEndpoints(c)
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.realmURL()+"/.well-known/openid-configuration", nil)
	if err != nil {
		return fallback, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fallback, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fallback, fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}
	var ep Endpoints
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		return fallback, fmt.Errorf("oidc discovery: %w", err)
	}
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&ep.Issuer, fallback.Issuer)
	fill(&ep.Authorization, fallback.Authorization)
	fill(&ep.Token, fallback.Token)
	fill(&ep.JWKS, fallback.JWKS)
	fill(&ep.EndSession, fallback.EndSession)
	return ep, nil
}

type Tokens struct {
	AccessToken string
	IDToken     string
	Expiry      time.Time
}

type Provider struct {
	cfg    Config
	ep     Endpoints
	oauth  oauth2.Config
	client *http.Client
}

func NewProvider(c Config, ep Endpoints) *Provider {
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &Provider{
		cfg: c,
		ep:  ep,
		oauth: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   ep.Authorization,
				TokenURL:  ep.Token,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: c.HTTPClient,
	}
}

func (p *Provider) Endpoints() Endpoints { return p.ep }

func (p *Provider) LoginURL(state, nonce string) string {
	opts := []oauth2.AuthCodeOption{}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return p.oauth.AuthCodeURL(state, opts...)
}

// StepUpURL forces a fresh interactive login with the mfa ACR.
func (p *Provider) StepUpURL(state string) string {
	conf := p.mfaConfig()
	return conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("acr_values", "mfa"),
		oauth2.SetAuthURLParam("prompt", "login"),
		oauth2.SetAuthURLParam("max_age", "0"),
	)
}

func (p *Provider) mfaConfig() oauth2.Config {
	conf := p.oauth
	if p.cfg.MFARedirectURL != "" {
		conf.RedirectURL = p.cfg.MFARedirectURL
	}
	return conf
}

func (p *Provider) Exchange(ctx context.Context, code string) (Tokens, error) {
	return p.exchange(ctx, p.oauth, code)
}

// ExchangeStepUp redeems a code issued to the step-up callback.
func (p *Provider) ExchangeStepUp(ctx context.Context, code string) (Tokens, error) {
	return p.exchange(ctx, p.mfaConfig(), code)
}

func (p *Provider) exchange(ctx context.Context, conf oauth2.Config, code string) (Tokens, error) {
	if strings.TrimSpace(code) == "" {
		return Tokens{}, errors.New("authorization code missing")
	}
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return Tokens{}, fmt.Errorf("token exchange: %w", err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	return Tokens{AccessToken: tok.AccessToken, IDToken: idToken, Expiry: tok.Expiry}, nil
}

// LogoutURL is the provider end-session URL, or empty when unknown.
func (p *Provider) LogoutURL(idTokenHint, postLogoutRedirect string) string {
	if p.ep.EndSession == "" {
		return ""
	}
	q := url.Values{}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	if len(q) == 0 {
		return p.ep.EndSession
	}
	sep := "?"
	if strings.Contains(p.ep.EndSession, "?") {
		sep = "&"
	}
	return p.ep.EndSession + sep + q.Encode()
}
