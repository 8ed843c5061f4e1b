package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"hiegate/pkg/auth"
	"hiegate/pkg/hieclient"
	"hiegate/pkg/identity"
	"hiegate/pkg/metrics"
	"hiegate/pkg/mfa"
	"hiegate/pkg/models"
	"hiegate/pkg/oidc"
	"hiegate/pkg/ratelimit"
	"hiegate/pkg/session"
	"hiegate/pkg/store"
	"hiegate/pkg/stream"
)

const (
	testSecret = "test-secret"
	frontend   = "https://emr.example.kr"
)

const identitiesYAML = `
default_organization: Other
organizations:
  seoul.kr: Seoul Hospital
admins:
  ids: [superadmin]
accounts:
  - id: doctor1
    email: kim@seoul.kr
    name: Kim
    password: pw1
  - id: superadmin
    email: admin@system.kr
    name: Admin
    password: pw2
`

type fakeSSO struct {
	mu      sync.Mutex
	nonce   string
	idToken string
	err     error
}

func (f *fakeSSO) LoginURL(state, nonce string) string {
	f.mu.Lock()
	f.nonce = nonce
	f.mu.Unlock()
	return "https://idp.example.kr/auth?state=" + url.QueryEscape(state)
}

func (f *fakeSSO) Exchange(context.Context, string) (oidc.Tokens, error) {
	return oidc.Tokens{IDToken: f.idToken}, f.err
}

func (f *fakeSSO) LogoutURL(hint, post string) string {
	return "https://idp.example.kr/logout?id_token_hint=" + url.QueryEscape(hint) + "&post_logout_redirect_uri=" + url.QueryEscape(post)
}

type fakeStepUp struct {
	token string
	err   error
}

func (f *fakeStepUp) StepUpURL(state string) string { return "https://idp.example.kr/auth?acr_values=mfa&state=" + state }

func (f *fakeStepUp) ExchangeStepUp(context.Context, string) (oidc.Tokens, error) {
	return oidc.Tokens{AccessToken: f.token}, f.err
}

type fakeHIE struct {
	mu        sync.Mutex
	calls     []string
	record    *models.RecordRequest
	search    *models.SearchRequest
	unmask    *models.UnmaskRequest
	page      [2]int
	logQuery  *models.AuditQuery
	err       error
	healthOK  bool
	streamURL string
}

var okReply = hieclient.Reply{Status: http.StatusOK, Body: json.RawMessage(`{"result":"success"}`)}

func (f *fakeHIE) note(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeHIE) RegisterRecord(_ context.Context, req *models.RecordRequest) (hieclient.Reply, error) {
	f.note("record")
	f.record = req
	return okReply, f.err
}

func (f *fakeHIE) SearchRecords(_ context.Context, req *models.SearchRequest) (hieclient.Reply, error) {
	f.note("search")
	f.search = req
	return okReply, f.err
}

func (f *fakeHIE) Unmask(_ context.Context, req *models.UnmaskRequest) (hieclient.Reply, error) {
	f.note("unmask")
	f.unmask = req
	return okReply, f.err
}

func (f *fakeHIE) ListAuditLogs(_ context.Context, page, limit int) (hieclient.Reply, error) {
	f.note("logs")
	f.page = [2]int{page, limit}
	return okReply, f.err
}

func (f *fakeHIE) SearchAuditLogs(_ context.Context, q *models.AuditQuery) (hieclient.Reply, error) {
	f.note("logs-search")
	f.logQuery = q
	return okReply, f.err
}

func (f *fakeHIE) Health(context.Context) (hieclient.Reply, error) {
	if !f.healthOK {
		return hieclient.Reply{}, &hieclient.Error{Status: http.StatusBadGateway, Msg: "cannot reach HIE server"}
	}
	return okReply, nil
}

func (f *fakeHIE) DialLogStream(ctx context.Context) (*websocket.Conn, error) {
	f.note("logs-stream")
	if f.streamURL == "" {
		return nil, &hieclient.Error{Status: http.StatusBadGateway, Msg: "cannot reach HIE server"}
	}
	conn, _, err := websocket.Dial(ctx, f.streamURL, nil)
	return conn, err
}

type harness struct {
	srv    *Server
	h      http.Handler
	sso    *fakeSSO
	stepUp *fakeStepUp
	hie    *fakeHIE
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir, err := identity.Parse([]byte(identitiesYAML))
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Mode: auth.ModeHS256, Secret: testSecret})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	cache := store.NewMemoryCache()
	sso := &fakeSSO{}
	stepUp := &fakeStepUp{}
	hie := &fakeHIE{healthOK: true}
	s := &Server{
		Users:        identity.NewResolverFromDirectory(dir),
		Sessions:     session.NewManager(cache, session.Config{}),
		SSO:          sso,
		LoginStates:  oidc.NewLoginStates(cache),
		Tokens:       verifier,
		MaxAge:       verifier.MaxAge(),
		Gate:         mfa.NewGate(cache, stepUp, verifier, mfa.Config{DefaultReturnURL: frontend + "/", AllowedOrigins: []string{frontend}}),
		HIE:          hie,
		Metrics:      metrics.NewRegistry("hie_web"),
		Log:          zerolog.Nop(),
		FrontendURL:  frontend + "/",
		LoginPageURL: frontend + "/login",
		AdminPageURL: frontend + "/admin/logs",
	}
	guard := &ratelimit.Guard{Limiter: ratelimit.NewInMemory(), Metrics: s.Metrics}
	return &harness{srv: s, h: s.routes(guard, []string{frontend}), sso: sso, stepUp: stepUp, hie: hie}
}

func assertion(t *testing.T, sub string, authAge time.Duration, extra func(*auth.AssertionClaims)) string {
	t.Helper()
	now := time.Now()
	c := auth.AssertionClaims{
		PreferredUsername: sub,
		AuthTime:          now.Add(-authAge).Unix(),
		ACR:               "mfa",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now.Add(-authAge)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	if extra != nil {
		extra(&c)
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

type call struct {
	method, path, body string
	cookies            []*http.Cookie
	headers            map[string]string
}

func (h *harness) do(c call) *httptest.ResponseRecorder {
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, req)
	return rr
}

func (h *harness) login(t *testing.T, user, pass string) []*http.Cookie {
	t.Helper()
	rr := h.do(call{method: http.MethodPost, path: "/api/login", body: `{"username":"` + user + `","password":"` + pass + `"}`})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", user, rr.Code, rr.Body.String())
	}
	return rr.Result().Cookies()
}

func body(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestLoginAndMe(t *testing.T) {
	h := newHarness(t)

	rr := h.do(call{method: http.MethodPost, path: "/api/login", body: `{"username":"doctor1","password":"pw1"}`})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rr.Code, rr.Body.String())
	}
	out := body(t, rr)
	if out["status"] != "success" || out["hospital"] != "Seoul Hospital" || out["is_admin"] != false {
		t.Fatalf("unexpected login body %v", out)
	}
	if _, ok := out["result"]; ok {
		t.Fatal("login must use the status envelope")
	}

	me := h.do(call{method: http.MethodGet, path: "/api/me", cookies: rr.Result().Cookies()})
	if me.Code != http.StatusOK {
		t.Fatalf("me: %d", me.Code)
	}
	got := body(t, me)
	if got["id"] != "doctor1" || got["doctorname"] != "Kim" || got["is_keycloak"] != false {
		t.Fatalf("unexpected me %v", got)
	}

	anon := h.do(call{method: http.MethodGet, path: "/api/me"})
	if anon.Code != http.StatusUnauthorized || body(t, anon)["id"] != nil {
		t.Fatalf("anonymous me: %d %s", anon.Code, anon.Body.String())
	}
}

func TestLoginFailures(t *testing.T) {
	h := newHarness(t)
	rr := h.do(call{method: http.MethodPost, path: "/api/login", body: `{"username":"doctor1","password":"nope"}`})
	if rr.Code != http.StatusUnauthorized || body(t, rr)["status"] != "fail" {
		t.Fatalf("wrong password: %d %s", rr.Code, rr.Body.String())
	}
	rr = h.do(call{method: http.MethodPost, path: "/api/login", body: `{"username":"doctor1"}`})
	if rr.Code != http.StatusBadRequest || body(t, rr)["status"] != "fail" {
		t.Fatalf("missing password: %d %s", rr.Code, rr.Body.String())
	}
}

func TestLoginRateLimitUsesStatusEnvelope(t *testing.T) {
	h := newHarness(t)
	var rr *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rr = h.do(call{method: http.MethodPost, path: "/api/login", body: `{"username":"x","password":"y"}`})
	}
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if body(t, rr)["status"] != "fail" {
		t.Fatalf("unexpected envelope %s", rr.Body.String())
	}
}

func TestRegisterRequiresSessionAndOverridesActor(t *testing.T) {
	h := newHarness(t)
	rec := `{"patient_no":"P-1","name":"Hong","hospital":"Spoofed Clinic"}`

	rr := h.do(call{method: http.MethodPost, path: "/api/medical-record", body: rec})
	if rr.Code != http.StatusUnauthorized || body(t, rr)["code"] != "UNAUTHENTICATED" {
		t.Fatalf("anonymous register: %d %s", rr.Code, rr.Body.String())
	}
	if len(h.hie.calls) != 0 {
		t.Fatal("HIE must not be called")
	}

	cookies := h.login(t, "doctor1", "pw1")
	rr = h.do(call{method: http.MethodPost, path: "/api/medical-record", body: rec, cookies: cookies})
	if rr.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rr.Code, rr.Body.String())
	}
	if h.hie.record.Hospital != "Seoul Hospital" || h.hie.record.UserEmail != "kim@seoul.kr" || h.hie.record.DoctorName != "Kim" {
		t.Fatalf("actor not taken from session: %+v", h.hie.record)
	}

	rr = h.do(call{method: http.MethodPost, path: "/api/medical-record", body: `{"name":"Hong"}`, cookies: cookies})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing patient_no, got %d", rr.Code)
	}
}

func TestExternalSearchRequiresFreshAssertion(t *testing.T) {
	h := newHarness(t)
	cookies := h.login(t, "doctor1", "pw1")
	external := `{"includeExternal":true,"name":"Hong"}`

	rr := h.do(call{method: http.MethodPost, path: "/api/patient/search", body: external, cookies: cookies})
	if rr.Code != http.StatusUnauthorized || body(t, rr)["code"] != "MFA_REQUIRED_EXTERNAL" {
		t.Fatalf("no token: %d %s", rr.Code, rr.Body.String())
	}
	rr = h.do(call{method: http.MethodPost, path: "/api/patient/search", body: external, cookies: cookies, headers: bearer("garbage")})
	if rr.Code != http.StatusForbidden || body(t, rr)["code"] != "MFA_VERIFICATION_FAILED" {
		t.Fatalf("bad token: %d %s", rr.Code, rr.Body.String())
	}
	if len(h.hie.calls) != 0 {
		t.Fatalf("HIE reached without mfa: %v", h.hie.calls)
	}

	rr = h.do(call{method: http.MethodPost, path: "/api/patient/search", body: external, cookies: cookies,
		headers: bearer(assertion(t, "kim", time.Minute, nil))})
	if rr.Code != http.StatusOK {
		t.Fatalf("valid token: %d %s", rr.Code, rr.Body.String())
	}
	if !h.hie.search.MFAVerified || h.hie.search.MFAUser != "kim" || h.hie.search.Hospital != "Seoul Hospital" {
		t.Fatalf("forwarded search: %+v", h.hie.search)
	}
}

func TestInternalSearchCannotClaimMFA(t *testing.T) {
	h := newHarness(t)
	cookies := h.login(t, "doctor1", "pw1")
	rr := h.do(call{method: http.MethodPost, path: "/api/patient/search", body: `{"mfa_verified":true,"mfa_user":"mallory"}`, cookies: cookies})
	if rr.Code != http.StatusOK {
		t.Fatalf("internal search: %d %s", rr.Code, rr.Body.String())
	}
	if h.hie.search.MFAVerified || h.hie.search.MFAUser != "" {
		t.Fatalf("client-supplied mfa flags forwarded: %+v", h.hie.search)
	}
}

func TestUnmaskRequiresSessionAndAssertion(t *testing.T) {
	h := newHarness(t)
	req := `{"record_id":7,"fields":["diagnosis"]}`
	fresh := assertion(t, "kim", time.Minute, nil)

	rr := h.do(call{method: http.MethodPost, path: "/api/patient/unmask", body: req, headers: bearer(fresh)})
	if rr.Code != http.StatusUnauthorized || body(t, rr)["code"] != "UNAUTHENTICATED" {
		t.Fatalf("assertion alone must not suffice: %d %s", rr.Code, rr.Body.String())
	}

	cookies := h.login(t, "doctor1", "pw1")
	rr = h.do(call{method: http.MethodPost, path: "/api/patient/unmask", body: req, cookies: cookies})
	if rr.Code != http.StatusUnauthorized || body(t, rr)["code"] != "MFA_TOKEN_MISSING" {
		t.Fatalf("session alone must not suffice: %d %s", rr.Code, rr.Body.String())
	}

	stale := assertion(t, "kim", 11*time.Minute, nil)
	rr = h.do(call{method: http.MethodPost, path: "/api/patient/unmask", body: req, cookies: cookies, headers: bearer(stale)})
	if rr.Code != http.StatusForbidden || body(t, rr)["code"] != "MFA_TOKEN_INVALID" {
		t.Fatalf("stale assertion: %d %s", rr.Code, rr.Body.String())
	}

	rr = h.do(call{method: http.MethodPost, path: "/api/patient/unmask", body: req, cookies: cookies,
		headers: map[string]string{"X-MFA-Token": fresh}})
	if rr.Code != http.StatusOK {
		t.Fatalf("session and assertion: %d %s", rr.Code, rr.Body.String())
	}
	if h.hie.unmask.ID() != 7 || !h.hie.unmask.MFAVerified || h.hie.unmask.MFAUser != "kim" {
		t.Fatalf("forwarded unmask: %+v", h.hie.unmask)
	}
}

func TestAdminLogsRequireAdministrator(t *testing.T) {
	h := newHarness(t)
	doctor := h.login(t, "doctor1", "pw1")
	rr := h.do(call{method: http.MethodGet, path: "/api/admin/logs", cookies: doctor})
	if rr.Code != http.StatusForbidden || body(t, rr)["code"] != "FORBIDDEN" {
		t.Fatalf("doctor logs: %d %s", rr.Code, rr.Body.String())
	}

	admin := h.login(t, "superadmin", "pw2")
	rr = h.do(call{method: http.MethodGet, path: "/api/admin/logs?page=3&limit=50", cookies: admin})
	if rr.Code != http.StatusOK || h.hie.page != [2]int{3, 50} {
		t.Fatalf("admin logs: %d page=%v", rr.Code, h.hie.page)
	}
	rr = h.do(call{method: http.MethodPost, path: "/api/admin/logs/search", body: `{"user_email":"kim"}`, cookies: admin})
	if rr.Code != http.StatusOK || h.hie.logQuery.UserEmail != "kim" {
		t.Fatalf("admin search: %d %+v", rr.Code, h.hie.logQuery)
	}
}

func TestAdminLogStreamRelaysFeed(t *testing.T) {
	h := newHarness(t)
	doctor := h.login(t, "doctor1", "pw1")
	rr := h.do(call{method: http.MethodGet, path: "/api/admin/logs/stream", cookies: doctor})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("doctor stream: %d %s", rr.Code, rr.Body.String())
	}
	rr = h.do(call{method: http.MethodGet, path: "/api/admin/logs/stream"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous stream: %d %s", rr.Code, rr.Body.String())
	}

	admin := h.login(t, "superadmin", "pw2")
	rr = h.do(call{method: http.MethodGet, path: "/api/admin/logs/stream", cookies: admin})
	if rr.Code != http.StatusBadGateway || body(t, rr)["result"] != "fail" {
		t.Fatalf("unreachable feed: %d %s", rr.Code, rr.Body.String())
	}

	hub := stream.NewHub()
	upstream := httptest.NewServer(stream.Handler(hub, nil))
	defer upstream.Close()
	h.hie.streamURL = upstream.URL
	web := httptest.NewServer(h.h)
	defer web.Close()

	hdr := http.Header{}
	for _, c := range admin {
		hdr.Add("Cookie", (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, web.URL+"/api/admin/logs/stream", &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil || ready.Type != stream.EventReady {
		t.Fatalf("ready event: %+v %v", ready, err)
	}
	hub.Publish(stream.NewEvent(stream.EventAudit, map[string]string{"action": "record-create-succeeded"}))
	var got stream.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != stream.EventAudit || !strings.Contains(string(got.Data), "record-create-succeeded") {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestUpstreamFailureMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&hieclient.Error{Status: http.StatusGatewayTimeout, Msg: "HIE server timed out"}, http.StatusGatewayTimeout},
		{&hieclient.Error{Status: http.StatusBadGateway, Msg: "cannot reach HIE server"}, http.StatusBadGateway},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.hie.err = tc.err
		cookies := h.login(t, "doctor1", "pw1")
		rr := h.do(call{method: http.MethodPost, path: "/api/patient/search", body: `{}`, cookies: cookies})
		if rr.Code != tc.status || body(t, rr)["result"] != "fail" {
			t.Fatalf("err %v: %d %s", tc.err, rr.Code, rr.Body.String())
		}
	}
}

func TestMFACeremony(t *testing.T) {
	h := newHarness(t)
	cookies := h.login(t, "doctor1", "pw1")
	h.stepUp.token = assertion(t, "kim", 0, nil)

	rr := h.do(call{method: http.MethodPost, path: "/api/mfa/auth-url", body: `{"action":"unmask","return_url":"https://evil.example.com/x"}`, cookies: cookies})
	if rr.Code != http.StatusOK {
		t.Fatalf("auth-url: %d %s", rr.Code, rr.Body.String())
	}
	out := body(t, rr)
	state, _ := out["state"].(string)
	if state == "" || !strings.Contains(out["auth_url"].(string), state) {
		t.Fatalf("auth-url body %v", out)
	}

	cb := "/auth/mfa/callback?state=" + url.QueryEscape(state) + "&code=abc"
	rr = h.do(call{method: http.MethodGet, path: cb, cookies: cookies})
	if rr.Code != http.StatusOK {
		t.Fatalf("callback: %d %s", rr.Code, rr.Body.String())
	}
	page := rr.Body.String()
	if !strings.Contains(page, "MFA_SUCCESS") || strings.Contains(page, "evil.example.com") {
		t.Fatalf("success page must target the allowed origin: %s", page)
	}
	if !strings.Contains(rr.Header().Get("Content-Security-Policy"), "script-src") {
		t.Fatal("callback page needs a script-src policy")
	}

	rr = h.do(call{method: http.MethodGet, path: cb, cookies: cookies})
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "MFA_ERROR") {
		t.Fatalf("replayed state: %d %s", rr.Code, rr.Body.String())
	}
}

func TestMFACallbackFromOtherSessionFails(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "doctor1", "pw1")
	b := h.login(t, "superadmin", "pw2")
	rr := h.do(call{method: http.MethodPost, path: "/api/mfa/auth-url", body: `{}`, cookies: a})
	state := body(t, rr)["state"].(string)
	rr = h.do(call{method: http.MethodGet, path: "/auth/mfa/callback?state=" + state + "&code=c", cookies: b})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("foreign session callback: %d", rr.Code)
	}
}

func TestMFAStatusAndVerify(t *testing.T) {
	h := newHarness(t)
	fresh := assertion(t, "kim", 2*time.Minute, nil)

	rr := h.do(call{method: http.MethodGet, path: "/api/mfa/status"})
	if body(t, rr)["mfa_authenticated"] != false {
		t.Fatalf("status without token: %s", rr.Body.String())
	}
	rr = h.do(call{method: http.MethodGet, path: "/api/mfa/status", headers: bearer(fresh)})
	out := body(t, rr)
	if out["mfa_authenticated"] != true || out["user"] != "kim" {
		t.Fatalf("status: %v", out)
	}
	if left := out["expires_in"].(float64); left <= 0 || left > 480 {
		t.Fatalf("expires_in=%v", left)
	}

	rr = h.do(call{method: http.MethodPost, path: "/api/mfa/verify-token", body: `{"token":""}`})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty token: %d", rr.Code)
	}
	rr = h.do(call{method: http.MethodPost, path: "/api/mfa/verify-token", body: `{"token":"` + fresh + `"}`})
	if body(t, rr)["valid"] != true {
		t.Fatalf("verify: %s", rr.Body.String())
	}
	noAuthTime := assertion(t, "kim", 0, func(c *auth.AssertionClaims) { c.AuthTime = 0 })
	rr = h.do(call{method: http.MethodPost, path: "/api/mfa/verify-token", body: `{"token":"` + noAuthTime + `"}`})
	if body(t, rr)["valid"] != false {
		t.Fatalf("assertion without auth_time accepted: %s", rr.Body.String())
	}
}

func TestMFAClearSession(t *testing.T) {
	h := newHarness(t)
	rr := h.do(call{method: http.MethodPost, path: "/api/mfa/clear-session"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous clear: %d", rr.Code)
	}
	cookies := h.login(t, "doctor1", "pw1")
	for i := 0; i < 2; i++ {
		h.do(call{method: http.MethodPost, path: "/api/mfa/auth-url", body: `{}`, cookies: cookies})
	}
	rr = h.do(call{method: http.MethodPost, path: "/api/mfa/clear-session", cookies: cookies})
	if out := body(t, rr); out["success"] != true || out["cleared"] != float64(2) {
		t.Fatalf("clear: %v", out)
	}
}

func TestSSOLoginAndLogout(t *testing.T) {
	h := newHarness(t)
	rr := h.do(call{method: http.MethodGet, path: "/keycloak-login"})
	if rr.Code != http.StatusFound {
		t.Fatalf("sso login: %d", rr.Code)
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	state := loc.Query().Get("state")
	h.sso.idToken = assertion(t, "sub-123", 0, func(c *auth.AssertionClaims) {
		c.Email = "lee@seoul.kr"
		c.DoctorName = "Lee"
		c.Nonce = h.sso.nonce
	})

	rr = h.do(call{method: http.MethodGet, path: "/keycloak/callback?state=" + url.QueryEscape(state) + "&code=c"})
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != frontend+"/" {
		t.Fatalf("callback: %d %s", rr.Code, rr.Header().Get("Location"))
	}
	cookies := rr.Result().Cookies()
	me := body(t, h.do(call{method: http.MethodGet, path: "/api/me", cookies: cookies}))
	if me["id"] != "sub-123" || me["hospital"] != "Seoul Hospital" || me["is_keycloak"] != true {
		t.Fatalf("sso me: %v", me)
	}

	rr = h.do(call{method: http.MethodGet, path: "/keycloak/callback?state=" + url.QueryEscape(state) + "&code=c"})
	if rr.Header().Get("Location") != frontend+"/login" {
		t.Fatalf("replayed sso state must return to login, got %s", rr.Header().Get("Location"))
	}

	rr = h.do(call{method: http.MethodGet, path: "/logout", cookies: cookies})
	if rr.Code != http.StatusFound || !strings.Contains(rr.Header().Get("Location"), "id_token_hint=") {
		t.Fatalf("oidc logout: %d %s", rr.Code, rr.Header().Get("Location"))
	}
	if me := h.do(call{method: http.MethodGet, path: "/api/me", cookies: cookies}); me.Code != http.StatusUnauthorized {
		t.Fatalf("session survived logout: %d", me.Code)
	}
}

func TestSSOCallbackRejectsWrongNonce(t *testing.T) {
	h := newHarness(t)
	rr := h.do(call{method: http.MethodGet, path: "/keycloak-login"})
	loc, _ := url.Parse(rr.Header().Get("Location"))
	h.sso.idToken = assertion(t, "sub-1", 0, func(c *auth.AssertionClaims) { c.Nonce = "other" })
	rr = h.do(call{method: http.MethodGet, path: "/keycloak/callback?state=" + loc.Query().Get("state") + "&code=c"})
	if rr.Header().Get("Location") != frontend+"/login" || len(rr.Result().Cookies()) != 0 {
		t.Fatalf("nonce mismatch accepted: %s", rr.Header().Get("Location"))
	}
}

func TestLocalLogoutRedirectsToLogin(t *testing.T) {
	h := newHarness(t)
	cookies := h.login(t, "doctor1", "pw1")
	rr := h.do(call{method: http.MethodGet, path: "/logout", cookies: cookies})
	if rr.Header().Get("Location") != frontend+"/login" {
		t.Fatalf("local logout: %s", rr.Header().Get("Location"))
	}
}

func TestHealthReportsDependencies(t *testing.T) {
	h := newHarness(t)
	out := body(t, h.do(call{method: http.MethodGet, path: "/api/health"}))
	services := out["services"].(map[string]any)
	if services["hie_server"] != "connected" || services["keycloak"] != "unknown" {
		t.Fatalf("health: %v", out)
	}
	h.hie.healthOK = false
	out = body(t, h.do(call{method: http.MethodGet, path: "/api/health"}))
	if out["services"].(map[string]any)["hie_server"] != "error" {
		t.Fatalf("health: %v", out)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	rr := h.do(call{method: http.MethodOptions, path: "/api/patient/search", headers: map[string]string{
		"Origin": frontend, "Access-Control-Request-Method": "POST",
	}})
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != frontend {
		t.Fatalf("preflight: %d %v", rr.Code, rr.Header())
	}
	rr = h.do(call{method: http.MethodOptions, path: "/api/patient/search", headers: map[string]string{
		"Origin": "https://evil.example.com", "Access-Control-Request-Method": "POST",
	}})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign preflight: %d", rr.Code)
	}
}
