package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"hiegate/pkg/audit"
	"hiegate/pkg/httpx"
	"hiegate/pkg/masking"
	"hiegate/pkg/models"
	"hiegate/pkg/policy"
	"hiegate/pkg/records"
)

const (
	msgDatabase       = "database error"
	allOrganizations  = "all organizations"
	defaultHealthWait = 3 * time.Second
)

// internalAuthMiddleware admits only the web tier. An empty token disables
// the check for local development.
func (s *Server) internalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AuthToken != "" {
			got := r.Header.Get(s.AuthHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.AuthToken)) != 1 {
				httpx.Fail(w, http.StatusUnauthorized, "internal credential required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func badRequest(w http.ResponseWriter, err error) {
	if models.IsValidation(err) {
		httpx.Fail(w, http.StatusBadRequest, models.FirstMessage(err))
		return
	}
	if errors.Is(err, models.ErrEmptyBody) {
		httpx.Fail(w, http.StatusBadRequest, "request body is empty")
		return
	}
	httpx.Fail(w, http.StatusBadRequest, "invalid request body")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":   "HIE server running",
		"status":    "healthy",
		"timestamp": s.clock().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	wait := s.healthTimeout
	if wait <= 0 {
		wait = defaultHealthWait
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	status, db, code := "healthy", "healthy", http.StatusOK
	if err := s.Records.Ping(ctx); err != nil {
		s.Log.Error().Err(err).Msg("database health check failed")
		status, db, code = "unhealthy", "unhealthy", http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]any{
		"status":    status,
		"database":  db,
		"timestamp": s.clock().Format(time.RFC3339),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RecordRequest
	if err := models.Decode(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	actor := req.Actor()
	ctx := r.Context()
	s.Audit.Record(ctx, audit.RecordCreateStarted, actor,
		fmt.Sprintf("patient_no: %s, patient: %s", req.PatientNo, masking.Name(req.Name)))

	id, err := s.Records.Insert(ctx, req.Record())
	if err != nil {
		s.Log.Error().Err(err).Msg("record insert failed")
		s.Audit.Record(ctx, audit.RecordCreateFailed, actor,
			fmt.Sprintf("patient_no: %s, error: %s", req.PatientNo, msgDatabase))
		httpx.Fail(w, http.StatusInternalServerError, msgDatabase)
		return
	}
	s.Audit.Record(ctx, audit.RecordCreateSucceeded, actor,
		fmt.Sprintf("patient_no: %s, record_id: %d", req.PatientNo, id))
	httpx.Success(w, http.StatusOK, map[string]any{"record_id": id})
}

func searchActions(external bool) (started, succeeded, failed string) {
	if external {
		return audit.SearchExternalStarted, audit.SearchExternalSucceeded, audit.SearchExternalFailed
	}
	return audit.SearchInternalStarted, audit.SearchInternalSucceeded, audit.SearchInternalFailed
}

func searchFail(w http.ResponseWriter, status int, code, msg string) {
	body := map[string]any{"result": httpx.ResultFail, "records": []models.MaskedRecord{}, "from": "error", "msg": msg}
	if code != "" {
		body["code"] = code
	}
	httpx.WriteJSON(w, status, body)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := models.Decode(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	actor := req.Actor()
	ctx := r.Context()
	started, succeeded, failed := searchActions(req.IncludeExternal)
	detail := req.Conditions()
	if req.IncludeExternal && req.MFAUser != "" {
		detail += ", mfa_user: " + req.MFAUser
	}
	s.Audit.Record(ctx, started, actor, detail)

	d := policy.Recheck(policy.SearchCapability(req.IncludeExternal), req.MFAVerified, req.Hospital)
	if !d.Allowed {
		s.Audit.Record(ctx, failed, actor, fmt.Sprintf("denied: %s, %s", d.Code, detail))
		searchFail(w, d.Status, d.Code, d.Message)
		return
	}

	f := records.Filter{
		Name:       req.Name,
		PatientNo:  req.PatientID,
		Birth6:     req.Birth6,
		StartDate:  req.Start(),
		EndDate:    req.End(),
		Department: req.Department,
		DoctorName: req.DoctorNameSearch,
	}
	from := allOrganizations
	if !req.IncludeExternal {
		f.Organization = req.Hospital
		from = req.Hospital
	}
	found, err := s.Records.Search(ctx, f)
	if err != nil {
		s.Log.Error().Err(err).Msg("record search failed")
		s.Audit.Record(ctx, failed, actor, fmt.Sprintf("error: %s, %s", msgDatabase, detail))
		searchFail(w, http.StatusInternalServerError, "", msgDatabase)
		return
	}
	s.Audit.Record(ctx, succeeded, actor, fmt.Sprintf("results: %d, %s", len(found), detail))
	httpx.Success(w, http.StatusOK, map[string]any{
		"records": masking.ViewAll(found),
		"from":    from,
		"count":   len(found),
	})
}

func (s *Server) handleUnmask(w http.ResponseWriter, r *http.Request) {
	var req models.UnmaskRequest
	if err := models.Decode(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	actor := req.Actor()
	ctx := r.Context()
	id := req.ID()
	s.Audit.Record(ctx, audit.UnmaskStarted, actor,
		fmt.Sprintf("record_id: %d, fields: %s, mfa_user: %s", id, strings.Join(req.Fields, ","), req.MFAUser))

	d := policy.Recheck(policy.Unmask, req.MFAVerified, req.Hospital)
	if !d.Allowed {
		s.Audit.Record(ctx, audit.UnmaskFailed, actor, fmt.Sprintf("record_id: %d, denied: %s", id, d.Code))
		httpx.FailCode(w, d.Status, d.Code, d.Message)
		return
	}

	rec, err := s.Records.Get(ctx, id)
	switch {
	case errors.Is(err, records.ErrNotFound):
		s.Audit.Record(ctx, audit.UnmaskFailed, actor, fmt.Sprintf("record_id: %d, error: not found", id))
		httpx.Fail(w, http.StatusNotFound, "record not found")
		return
	case err != nil:
		s.Log.Error().Err(err).Int64("record_id", id).Msg("record fetch failed")
		s.Audit.Record(ctx, audit.UnmaskFailed, actor, fmt.Sprintf("record_id: %d, error: %s", id, msgDatabase))
		httpx.Fail(w, http.StatusInternalServerError, msgDatabase)
		return
	}

	revealed := policy.UnmaskFields(rec, req.Fields)
	names := make([]string, 0, len(revealed))
	for k := range revealed {
		names = append(names, k)
	}
	sort.Strings(names)
	s.Audit.Record(ctx, audit.UnmaskSucceeded, actor,
		fmt.Sprintf("record_id: %d, patient: %s, revealed: %s", id, masking.Name(rec.Name), strings.Join(names, ",")))
	httpx.Success(w, http.StatusOK, map[string]any{
		"record_id":     id,
		"unmasked_data": revealed,
	})
}

func logsPage(w http.ResponseWriter, page models.AuditPage) {
	httpx.Success(w, http.StatusOK, map[string]any{
		"logs":  page.Logs,
		"total": page.Total,
		"page":  page.Page,
		"limit": page.Limit,
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := models.ParsePaging(r.URL.Query().Get("page"), r.URL.Query().Get("limit"))
	page, err := s.Logs.List(r.Context(), q)
	if err != nil {
		s.Log.Error().Err(err).Msg("audit list failed")
		httpx.Fail(w, http.StatusInternalServerError, "audit log query failed")
		return
	}
	logsPage(w, page)
}

func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	var q models.AuditQuery
	if err := models.Decode(r.Body, &q); err != nil {
		badRequest(w, err)
		return
	}
	page, err := s.Logs.Search(r.Context(), q)
	if err != nil {
		s.Log.Error().Err(err).Msg("audit search failed")
		httpx.Fail(w, http.StatusInternalServerError, "audit log search failed")
		return
	}
	logsPage(w, page)
}
