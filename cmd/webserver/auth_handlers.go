package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hiegate/pkg/httpx"
	"hiegate/pkg/identity"
	"hiegate/pkg/models"
	"hiegate/pkg/oidc"
	"hiegate/pkg/session"
)

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// currentUser resolves the caller from the session cookie. Any failure
// yields the unknown placeholder rather than an error.
func (s *Server) currentUser(r *http.Request) (identity.UserContext, session.Session) {
	sess, err := s.Sessions.Load(r.Context(), r)
	if err != nil {
		if !errors.Is(err, session.ErrNoSession) {
			s.Log.Warn().Err(err).Msg("session lookup failed")
		}
		return identity.Unknown(), session.Session{}
	}
	u, ok := s.Users.FromSession(r.Context(), sess.View())
	if !ok {
		return identity.Unknown(), session.Session{}
	}
	return u, sess
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := models.Decode(r.Body, &req); err != nil {
		msg := "username and password are required"
		if !models.IsValidation(err) {
			msg = "invalid request body"
		}
		httpx.StatusFail(w, http.StatusBadRequest, msg)
		return
	}
	u, err := s.Users.Authenticate(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		s.Log.Warn().Str("username", req.Username).Msg("login failed")
		httpx.StatusFail(w, http.StatusUnauthorized, "invalid username or password")
		return
	case err != nil:
		s.Log.Error().Err(err).Msg("login lookup failed")
		httpx.StatusFail(w, http.StatusInternalServerError, "login failed")
		return
	}
	if _, err := s.Sessions.Create(r.Context(), w, r, u, ""); err != nil {
		s.Log.Error().Err(err).Msg("session create failed")
		httpx.StatusFail(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.Log.Info().Str("user", u.ID).Msg("local login")
	httpx.StatusSuccess(w, map[string]any{
		"id":         u.ID,
		"email":      u.Email,
		"name":       u.DisplayName(),
		"doctorname": u.Name,
		"hospital":   u.Organization,
		"is_admin":   u.IsAdmin(),
	})
}

func (s *Server) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	state, nonce, err := s.LoginStates.Issue(r.Context())
	if err != nil {
		s.Log.Error().Err(err).Msg("sso state issue failed")
		httpx.Fail(w, http.StatusInternalServerError, "cannot start single sign-on")
		return
	}
	http.Redirect(w, r, s.SSO.LoginURL(state, nonce), http.StatusFound)
}

func (s *Server) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.Log.Warn().Str("error", e).Msg("sso callback error")
		http.Redirect(w, r, s.LoginPageURL, http.StatusFound)
		return
	}
	u, idToken, err := s.completeSSO(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		s.Log.Warn().Err(err).Msg("sso callback rejected")
		http.Redirect(w, r, s.LoginPageURL, http.StatusFound)
		return
	}
	if _, err := s.Sessions.Create(r.Context(), w, r, u, idToken); err != nil {
		s.Log.Error().Err(err).Msg("session create failed")
		http.Redirect(w, r, s.LoginPageURL, http.StatusFound)
		return
	}
	s.Log.Info().Str("user", u.Email).Msg("sso login")
	target := s.FrontendURL
	if u.IsAdmin() {
		target = s.AdminPageURL
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) completeSSO(ctx context.Context, state, code string) (identity.UserContext, string, error) {
	nonce, err := s.LoginStates.Consume(ctx, state)
	if err != nil {
		return identity.UserContext{}, "", err
	}
	tokens, err := s.SSO.Exchange(ctx, code)
	if err != nil {
		return identity.UserContext{}, "", err
	}
	claims, err := s.Tokens.VerifyIDToken(ctx, tokens.IDToken, nonce)
	if err != nil {
		return identity.UserContext{}, "", err
	}
	u, ok := s.Users.FromClaims(claims.Identity(), identity.SourceOIDC)
	if !ok {
		return identity.UserContext{}, "", oidc.ErrInvalidState
	}
	return u, tokens.IDToken, nil
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := s.currentUser(r)
	if !u.Authenticated() {
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]any{"id": nil})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"id":          u.ID,
		"email":       u.Email,
		"doctorname":  u.Name,
		"hospital":    u.Organization,
		"is_keycloak": u.Source == identity.SourceOIDC,
		"is_admin":    u.IsAdmin(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Sessions.Destroy(r.Context(), w, r)
	if ok {
		if _, err := s.Gate.ClearSession(r.Context(), sess.ID); err != nil {
			s.Log.Warn().Err(err).Msg("mfa state cleanup failed")
		}
		s.Log.Info().Str("user", sess.Subject).Msg("logout")
	}
	target := s.LoginPageURL
	if ok && sess.IsOIDC() && sess.IDToken != "" {
		if u := s.SSO.LogoutURL(sess.IDToken, s.LoginPageURL); u != "" {
			target = u
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}
