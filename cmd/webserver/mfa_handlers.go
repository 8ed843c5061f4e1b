package main

import (
	"errors"
	"net/http"

	"hiegate/pkg/auth"
	"hiegate/pkg/httpx"
	"hiegate/pkg/metrics"
	"hiegate/pkg/mfa"
	"hiegate/pkg/models"
)

// The callback page posts to its opener with an inline script.
const mfaPageCSP = "default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; frame-ancestors 'none'"

func (s *Server) handleMFAAuthURL(w http.ResponseWriter, r *http.Request) {
	u, sess := s.currentUser(r)
	if !u.Authenticated() {
		httpx.Fail(w, http.StatusUnauthorized, "login required")
		return
	}
	var req models.MFAAuthURLRequest
	if err := models.Decode(r.Body, &req); err != nil {
		if !errors.Is(err, models.ErrEmptyBody) {
			badRequest(w, err)
			return
		}
		_ = req.Validate()
	}
	if req.ReturnURL == "" {
		req.ReturnURL = r.Referer()
	}
	authURL, c, err := s.Gate.Begin(r.Context(), sess.ID, req.Action, req.ReturnURL)
	switch {
	case errors.Is(err, mfa.ErrUnknownAction):
		httpx.Fail(w, http.StatusBadRequest, "unknown mfa action")
		return
	case err != nil:
		s.Log.Error().Err(err).Msg("mfa begin failed")
		httpx.Fail(w, http.StatusInternalServerError, "failed to generate auth url")
		return
	}
	s.Log.Info().Str("action", c.Action).Str("state", c.State).Msg("mfa ceremony issued")
	httpx.Success(w, http.StatusOK, map[string]any{
		"auth_url": authURL,
		"state":    c.State,
		"action":   c.Action,
	})
}

func (s *Server) renderMFAError(w http.ResponseWriter, status int, title, msg, origin string) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Security-Policy", mfaPageCSP)
	w.WriteHeader(status)
	if err := mfa.RenderError(w, title, msg, origin); err != nil {
		s.Log.Error().Err(err).Msg("render mfa error page")
	}
}

func (s *Server) handleMFACallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	origin := mfa.Origin(s.FrontendURL)
	if e := q.Get("error"); e != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = e
		}
		s.renderMFAError(w, http.StatusBadRequest, "MFA failed", desc, origin)
		return
	}
	_, sess := s.currentUser(r)
	res, err := s.Gate.Complete(r.Context(), sess.ID, q.Get("state"), q.Get("code"))
	switch {
	case errors.Is(err, mfa.ErrInvalidSession):
		s.renderMFAError(w, http.StatusBadRequest, "MFA failed", "Invalid session. Please start the verification again.", origin)
		return
	case errors.Is(err, mfa.ErrExchange):
		s.Metrics.Inc(metrics.UpstreamErrors, "mfa-exchange")
		s.Log.Warn().Err(err).Msg("mfa token exchange failed")
		s.renderMFAError(w, http.StatusBadGateway, "MFA failed", "Token exchange with the identity provider failed.", origin)
		return
	case err != nil:
		s.Metrics.Inc(metrics.MFAVerifications, "rejected")
		s.Log.Warn().Err(err).Msg("mfa assertion rejected")
		s.renderMFAError(w, http.StatusForbidden, "MFA failed", "The second factor could not be verified.", origin)
		return
	}
	s.Metrics.Inc(metrics.MFAVerifications, "completed")
	s.Log.Info().Str("action", res.Action).Str("user", res.Claims.User()).Msg("mfa ceremony completed")
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Security-Policy", mfaPageCSP)
	if err := mfa.RenderSuccess(w, res); err != nil {
		s.Log.Error().Err(err).Msg("render mfa success page")
	}
}

func (s *Server) assertionReport(claims auth.AssertionClaims) map[string]any {
	return map[string]any{
		"user":       claims.User(),
		"auth_time":  claims.AuthTime,
		"acr":        claims.ACR,
		"expires_in": int(claims.ExpiresIn(s.clock(), s.MaxAge).Seconds()),
	}
}

func (s *Server) handleMFAStatus(w http.ResponseWriter, r *http.Request) {
	claims, err := s.Tokens.VerifyAssertion(r.Context(), auth.BearerToken(r))
	if err != nil {
		body := map[string]any{"mfa_authenticated": false}
		if !errors.Is(err, auth.ErrMFAMissing) {
			body["error"] = "mfa assertion invalid or expired"
		}
		httpx.WriteJSON(w, http.StatusOK, body)
		return
	}
	body := s.assertionReport(claims)
	body["mfa_authenticated"] = true
	httpx.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleMFAVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyTokenRequest
	if err := models.Decode(r.Body, &req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "error": "token required"})
		return
	}
	claims, err := s.Tokens.VerifyAssertion(r.Context(), req.Token)
	if err != nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"valid": false, "error": "mfa assertion invalid or expired"})
		return
	}
	body := s.assertionReport(claims)
	body["valid"] = true
	httpx.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleMFAClearSession(w http.ResponseWriter, r *http.Request) {
	u, sess := s.currentUser(r)
	if !u.Authenticated() {
		httpx.Fail(w, http.StatusUnauthorized, "login required")
		return
	}
	n, err := s.Gate.ClearSession(r.Context(), sess.ID)
	if err != nil {
		s.Log.Error().Err(err).Msg("mfa clear failed")
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "failed to clear session"})
		return
	}
	s.Log.Info().Str("user", u.ID).Int("cleared", n).Msg("mfa session cleared")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": n, "message": "mfa session cleared"})
}
