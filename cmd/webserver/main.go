package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hiegate/pkg/auth"
	"hiegate/pkg/config"
	"hiegate/pkg/hardening"
	"hiegate/pkg/hieclient"
	"hiegate/pkg/httpx"
	"hiegate/pkg/identity"
	"hiegate/pkg/logging"
	"hiegate/pkg/metrics"
	"hiegate/pkg/mfa"
	"hiegate/pkg/models"
	"hiegate/pkg/oidc"
	"hiegate/pkg/ratelimit"
	"hiegate/pkg/session"
	"hiegate/pkg/store"
	"hiegate/pkg/stream"
	"hiegate/pkg/telemetry"
)

const serviceName = "web-server"

type userResolver interface {
	Authenticate(ctx context.Context, identifier, password string) (identity.UserContext, error)
	FromClaims(c identity.Claims, src identity.Source) (identity.UserContext, bool)
	FromSession(ctx context.Context, s identity.SessionView) (identity.UserContext, bool)
}

type ssoProvider interface {
	LoginURL(state, nonce string) string
	Exchange(ctx context.Context, code string) (oidc.Tokens, error)
	LogoutURL(idTokenHint, postLogoutRedirect string) string
}

type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, raw, nonce string) (auth.AssertionClaims, error)
	VerifyAssertion(ctx context.Context, raw string) (auth.AssertionClaims, error)
}

type mfaGate interface {
	Begin(ctx context.Context, sessionID, action, returnURL string) (string, mfa.Ceremony, error)
	Complete(ctx context.Context, sessionID, state, code string) (mfa.Result, error)
	ClearSession(ctx context.Context, sessionID string) (int, error)
}

// hieAPI is the slice of hieclient.Client the proxies call.
type hieAPI interface {
	RegisterRecord(ctx context.Context, req *models.RecordRequest) (hieclient.Reply, error)
	SearchRecords(ctx context.Context, req *models.SearchRequest) (hieclient.Reply, error)
	Unmask(ctx context.Context, req *models.UnmaskRequest) (hieclient.Reply, error)
	ListAuditLogs(ctx context.Context, page, limit int) (hieclient.Reply, error)
	SearchAuditLogs(ctx context.Context, q *models.AuditQuery) (hieclient.Reply, error)
	Health(ctx context.Context) (hieclient.Reply, error)
	DialLogStream(ctx context.Context) (*websocket.Conn, error)
}

type Server struct {
	Users       userResolver
	Sessions    *session.Manager
	SSO         ssoProvider
	LoginStates *oidc.LoginStates
	Tokens      idTokenVerifier
	MaxAge      time.Duration
	Gate        mfaGate
	HIE         hieAPI
	Keys        *auth.KeyCache
	Metrics     *metrics.Registry
	Log         zerolog.Logger

	FrontendURL  string
	LoginPageURL string
	AdminPageURL string

	MaxRequestBodyBytes int64
	now                 func() time.Time
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type discoverFunc func(ctx context.Context, c oidc.Config) (oidc.Endpoints, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logger         = logging.New(serviceName)
	logFatalf      = func(format string, args ...any) { logger.Fatal().Msgf(format, args...) }
	initTelemetryW = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return telemetry.Init(ctx, telemetry.ConfigFromEnv(service), logger)
	}
	openRedisFnW = store.NewRedis
	discoverFnW  = oidc.Discover
	listenFnW    = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logger.Warn().Err(err).Msg("dotenv")
	}
	if err := runWebServer(initTelemetryW, openRedisFnW, discoverFnW, listenFnW); err != nil {
		logFatalf("%v", err)
	}
}

func loadIdentities() (identity.Directory, error) {
	path := config.Env("IDENTITIES_FILE", "identities.yaml")
	d, err := identity.LoadFile(path)
	if err != nil {
		return identity.Directory{}, err
	}
	if plain := d.PlainPasswords(); len(plain) > 0 {
		logger.Warn().Strs("accounts", plain).Msg("identity file has unhashed passwords, hash them with hiectl hash-password")
	}
	return d, nil
}

func runWebServer(initTelemetry initTelemetryFunc, openRedis openRedisFunc, discover discoverFunc, listen listenFunc) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := initTelemetry(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(c)
	}()

	origins := config.EnvList("CORS_ALLOWED_ORIGINS")
	if origins == nil {
		origins = []string{}
	}
	authMode := config.Env("MFA_AUTH_MODE", auth.ModeRS256)
	cookieSecure := config.Env("SESSION_COOKIE_SECURE", "true")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            serviceName,
		Environment:        config.RuntimeEnvironment(),
		StrictProdSecurity: os.Getenv("STRICT_PROD_SECURITY"),
		WithoutDatabase:    true,
		RedisAddr:          config.Env("REDIS_ADDR", "localhost:6379"),
		RedisRequireTLS:    os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:   os.Getenv("REDIS_TLS_INSECURE"),
		CORSAllowedOrigins: origins,
		CookieSecure:       cookieSecure,
		AuthMode:           authMode,
		PublicURLs: []hardening.EnvRequirement{
			{Name: "OIDC_REDIRECT_URL", Value: os.Getenv("OIDC_REDIRECT_URL")},
			{Name: "MFA_REDIRECT_URL", Value: os.Getenv("MFA_REDIRECT_URL")},
			{Name: "HIE_SERVER_URL", Value: os.Getenv("HIE_SERVER_URL")},
		},
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "HIE_AUTH_TOKEN", Value: os.Getenv("HIE_AUTH_TOKEN")},
			{Name: "OIDC_CLIENT_SECRET", Value: os.Getenv("OIDC_CLIENT_SECRET")},
		},
	}); err != nil {
		return err
	}

	dir, err := loadIdentities()
	if err != nil {
		return fmt.Errorf("identities: %w", err)
	}

	client, err := openRedis(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, sessions and limits are per instance")
		client = nil
	}
	if client != nil {
		defer client.Close()
	}
	cache := store.NewCache(ctx, client)

	oidcCfg := oidc.Config{
		BaseURL:        config.Env("KEYCLOAK_BASE_URL", "http://localhost:8080"),
		Realm:          config.Env("KEYCLOAK_REALM", "hie"),
		ClientID:       config.Env("OIDC_CLIENT_ID", "hie-web"),
		ClientSecret:   os.Getenv("OIDC_CLIENT_SECRET"),
		RedirectURL:    config.Env("OIDC_REDIRECT_URL", "http://localhost:5001/keycloak/callback"),
		MFARedirectURL: config.Env("MFA_REDIRECT_URL", "http://localhost:5001/auth/mfa/callback"),
		HTTPClient:     telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second}),
	}
	discoverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	endpoints, err := discover(discoverCtx, oidcCfg)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("oidc discovery failed, using conventional endpoints")
	}
	provider := oidc.NewProvider(oidcCfg, endpoints)

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Mode:        authMode,
		Secret:      os.Getenv("MFA_SHARED_SECRET"),
		JWKSURL:     config.Env("OIDC_JWKS_URL", endpoints.JWKS),
		Issuer:      config.Env("OIDC_ISSUER", endpoints.Issuer),
		Audience:    os.Getenv("OIDC_AUDIENCE"),
		MaxAge:      config.EnvDurationSec("MFA_MAX_AGE_SEC", int(auth.DefaultMaxAge/time.Second)),
		RequiredACR: os.Getenv("MFA_REQUIRED_ACR"),
		HTTPClient:  telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}),
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	frontend := strings.TrimRight(config.Env("FRONTEND_URL", "http://localhost:3000"), "/")
	gate := mfa.NewGate(cache, provider, verifier, mfa.Config{
		StateTTL:         config.EnvDurationSec("MFA_STATE_TTL_SEC", int(mfa.DefaultStateTTL/time.Second)),
		DefaultReturnURL: frontend + "/",
		AllowedOrigins:   append([]string{frontend}, origins...),
	})

	hie, err := hieclient.New(hieclient.Config{
		BaseURL:       config.Env("HIE_SERVER_URL", "http://localhost:5002"),
		AuthHeader:    config.Env("HIE_AUTH_HEADER", hieclient.DefaultAuthHeader),
		AuthToken:     os.Getenv("HIE_AUTH_TOKEN"),
		Timeout:       config.EnvDurationSec("HIE_TIMEOUT_SEC", 10),
		SearchTimeout: config.EnvDurationSec("HIE_SEARCH_TIMEOUT_SEC", 15),
	})
	if err != nil {
		return fmt.Errorf("hie client: %w", err)
	}

	s := &Server{
		Users: identity.NewResolverFromDirectory(dir),
		Sessions: session.NewManager(cache, session.Config{
			CookieName: config.Env("SESSION_COOKIE_NAME", session.DefaultCookieName),
			Lifetime:   config.EnvDurationSec("SESSION_LIFETIME_SEC", int(session.DefaultLifetime/time.Second)),
			Secure:     strings.EqualFold(cookieSecure, "true"),
		}),
		SSO:                 provider,
		LoginStates:         oidc.NewLoginStates(cache),
		Tokens:              verifier,
		MaxAge:              verifier.MaxAge(),
		Gate:                gate,
		HIE:                 hie,
		Keys:                verifier.Keys(),
		Metrics:             metrics.NewRegistry("hie_web"),
		Log:                 logger,
		FrontendURL:         frontend + "/",
		LoginPageURL:        config.Env("FRONTEND_LOGIN_URL", frontend+"/login"),
		AdminPageURL:        config.Env("FRONTEND_ADMIN_URL", frontend+"/admin/logs"),
		MaxRequestBodyBytes: int64(config.EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	guard := &ratelimit.Guard{
		Limiter:        ratelimit.NewRedis(client),
		Metrics:        s.Metrics,
		TrustedProxies: config.ParseCIDRs(os.Getenv("TRUSTED_PROXY_CIDRS")),
	}

	server := &http.Server{
		Addr:              config.Env("ADDR", ":5001"),
		Handler:           s.routes(guard, origins),
		ReadHeaderTimeout: config.EnvDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       config.EnvDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      config.EnvDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       config.EnvDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), config.EnvDurationSec("SHUTDOWN_TIMEOUT_SEC", 10))
		defer cancel()
		_ = server.Shutdown(c)
	}()

	logger.Info().Str("addr", server.Addr).Str("auth_mode", authMode).Msg("web server listening")
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) routes(guard *ratelimit.Guard, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.AccessLog(s.Log))
	r.Use(httpx.CORSMiddleware(origins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.Middleware(serviceName))
	r.Use(s.metricsMiddleware)
	r.Use(s.limitRequestBodyMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Fail(w, http.StatusNotFound, "requested resource not found")
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "HIE web server running", "status": "healthy"})
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/api/health", s.handleHealth)
	r.Get("/metrics", s.Metrics.PrometheusHandler())
	r.Get("/metrics/json", s.Metrics.Handler())

	r.With(guard.Limit("login", ratelimit.PerMinute(5), ratelimit.RejectStatus)).Post("/api/login", s.handleLogin)
	r.Get("/keycloak-login", s.handleSSOLogin)
	r.Get("/keycloak/callback", s.handleSSOCallback)
	r.Get("/api/me", s.handleMe)
	r.Get("/logout", s.handleLogout)

	r.Post("/api/mfa/auth-url", s.handleMFAAuthURL)
	r.Get("/auth/mfa/callback", s.handleMFACallback)
	r.Get("/api/mfa/status", s.handleMFAStatus)
	r.Post("/api/mfa/verify-token", s.handleMFAVerifyToken)
	r.Post("/api/mfa/clear-session", s.handleMFAClearSession)

	r.With(guard.Limit("record", ratelimit.PerMinute(20), nil)).Post("/api/medical-record", s.handleRegister)
	r.With(guard.Limit("search", ratelimit.PerMinute(30), nil)).Post("/api/patient/search", s.handleSearch)
	r.With(guard.Limit("unmask", ratelimit.PerMinute(10), nil)).Post("/api/patient/unmask", s.handleUnmask)
	r.With(guard.Limit("logs", ratelimit.PerMinute(50), nil)).Get("/api/admin/logs", s.handleListLogs)
	r.With(guard.Limit("logs-search", ratelimit.PerMinute(30), nil)).Post("/api/admin/logs/search", s.handleSearchLogs)
	r.With(guard.Limit("logs-stream", ratelimit.PerMinute(10), nil)).Get("/api/admin/logs/stream", s.handleLogStream(stream.OriginHosts(origins)))
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack hands the connection to the websocket handlers.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
