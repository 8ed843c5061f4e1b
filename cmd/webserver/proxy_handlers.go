package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hiegate/pkg/auth"
	"hiegate/pkg/hieclient"
	"hiegate/pkg/httpx"
	"hiegate/pkg/identity"
	"hiegate/pkg/metrics"
	"hiegate/pkg/models"
	"hiegate/pkg/policy"
	"hiegate/pkg/stream"
)

func badRequest(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		httpx.Fail(w, http.StatusBadRequest, models.FirstMessage(err))
	case errors.Is(err, models.ErrEmptyBody):
		httpx.Fail(w, http.StatusBadRequest, "request body is empty")
	default:
		httpx.Fail(w, http.StatusBadRequest, "invalid request body")
	}
}

func deny(w http.ResponseWriter, d policy.Decision) {
	httpx.FailCode(w, d.Status, d.Code, d.Message)
}

// recordContent validates only the clinical fields; the actor fields are
// taken from the session afterwards.
type recordContent struct {
	*models.RecordRequest
}

func (c recordContent) Validate() error { return c.ValidateContent() }

// relay writes the HIE server's reply through unchanged, or the mapped
// upstream failure.
func (s *Server) relay(w http.ResponseWriter, route string, reply hieclient.Reply, err error) {
	if err != nil {
		status, msg := hieclient.StatusOf(err)
		s.Metrics.Inc(metrics.UpstreamErrors, route)
		s.Log.Warn().Err(err).Str("route", route).Int("status", status).Msg("hie request failed")
		httpx.Fail(w, status, msg)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	_, _ = w.Write(reply.Body)
}

func (s *Server) authorize(ctx context.Context, c policy.Capability, u identity.UserContext, assertion string) policy.Decision {
	d := policy.Authorize(ctx, s.Tokens, c, policy.Request{User: u, Assertion: assertion})
	if !d.Allowed {
		s.Metrics.Inc(metrics.PolicyDenied, d.Code)
	}
	return d
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	u, _ := s.currentUser(r)
	if d := s.authorize(r.Context(), policy.CreateRecord, u, ""); !d.Allowed {
		deny(w, d)
		return
	}
	var req models.RecordRequest
	if err := models.Decode(r.Body, &recordContent{&req}); err != nil {
		badRequest(w, err)
		return
	}
	actor := u.Actor()
	req.UserEmail, req.DoctorName, req.Hospital = actor.Email, actor.Name, actor.Organization
	reply, err := s.HIE.RegisterRecord(r.Context(), &req)
	s.relay(w, "record", reply, err)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	u, _ := s.currentUser(r)
	if !u.Authenticated() {
		deny(w, s.authorize(r.Context(), policy.SearchInternal, u, ""))
		return
	}
	if u.Organization == "" {
		httpx.Fail(w, http.StatusBadRequest, "organization information missing")
		return
	}
	var req models.SearchRequest
	if err := models.Decode(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	d := s.authorize(r.Context(), policy.SearchCapability(req.IncludeExternal), u, auth.BearerToken(r))
	if !d.Allowed {
		deny(w, d)
		return
	}
	actor := u.Actor()
	req.UserEmail, req.DoctorName, req.Hospital = actor.Email, actor.Name, actor.Organization
	req.MFAVerified, req.MFAUser = false, ""
	if req.IncludeExternal {
		req.MFAVerified, req.MFAUser = true, d.MFAUser
		s.Log.Info().Str("mfa_user", d.MFAUser).Msg("cross-organization search")
	}
	reply, err := s.HIE.SearchRecords(r.Context(), &req)
	s.relay(w, "search", reply, err)
}

func (s *Server) handleUnmask(w http.ResponseWriter, r *http.Request) {
	u, _ := s.currentUser(r)
	d := s.authorize(r.Context(), policy.Unmask, u, auth.BearerToken(r))
	if !d.Allowed {
		deny(w, d)
		return
	}
	var req models.UnmaskRequest
	if err := models.Decode(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	actor := u.Actor()
	req.UserEmail, req.DoctorName, req.Hospital = actor.Email, actor.Name, actor.Organization
	req.MFAVerified, req.MFAUser = true, d.MFAUser
	s.Log.Info().Str("mfa_user", d.MFAUser).Int64("record_id", req.ID()).Msg("unmask requested")
	reply, err := s.HIE.Unmask(r.Context(), &req)
	s.relay(w, "unmask", reply, err)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	u, _ := s.currentUser(r)
	if d := s.authorize(r.Context(), policy.ReadAuditLog, u, ""); !d.Allowed {
		deny(w, d)
		return
	}
	q := models.ParsePaging(r.URL.Query().Get("page"), r.URL.Query().Get("limit"))
	reply, err := s.HIE.ListAuditLogs(r.Context(), q.Page, q.Limit)
	s.relay(w, "logs", reply, err)
}

func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	u, _ := s.currentUser(r)
	if d := s.authorize(r.Context(), policy.ReadAuditLog, u, ""); !d.Allowed {
		deny(w, d)
		return
	}
	var q models.AuditQuery
	if err := models.Decode(r.Body, &q); err != nil {
		badRequest(w, err)
		return
	}
	reply, err := s.HIE.SearchAuditLogs(r.Context(), &q)
	s.relay(w, "logs-search", reply, err)
}

// handleLogStream relays the HIE live audit feed to an administrator's
// browser. The service credential never leaves the web tier.
func (s *Server) handleLogStream(originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, _ := s.currentUser(r)
		if d := s.authorize(r.Context(), policy.ReadAuditLog, u, ""); !d.Allowed {
			deny(w, d)
			return
		}
		upstream, err := s.HIE.DialLogStream(r.Context())
		if err != nil {
			s.relay(w, "logs-stream", hieclient.Reply{}, err)
			return
		}
		defer upstream.CloseNow()
		conn, err := stream.Accept(w, r, originPatterns)
		if err != nil {
			s.Log.Warn().Err(err).Msg("websocket accept failed")
			return
		}
		defer conn.CloseNow()
		s.Log.Info().Str("user", u.ID).Msg("live audit feed opened")
		if err := stream.Relay(r.Context(), conn, upstream); err != nil {
			s.Log.Debug().Err(err).Str("user", u.ID).Msg("live audit feed ended")
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	keys := "unknown"
	if s.Keys != nil {
		keys = "disconnected"
		if snap := s.Keys.Snapshot(); snap != nil && len(snap.Keys) > 0 {
			keys = "connected"
		}
	}
	hie := "connected"
	reply, err := s.HIE.Health(r.Context())
	switch {
	case err != nil:
		hie = "error"
	case reply.Status != http.StatusOK:
		hie = "disconnected"
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   s.clock().Format(time.RFC3339),
		"services":    map[string]string{"keycloak": keys, "hie_server": hie},
		"mfa_enabled": true,
	})
}
