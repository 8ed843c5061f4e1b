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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hiegate/pkg/audit"
	"hiegate/pkg/auditbus"
	"hiegate/pkg/config"
	"hiegate/pkg/hardening"
	"hiegate/pkg/hieclient"
	"hiegate/pkg/httpx"
	"hiegate/pkg/logging"
	"hiegate/pkg/metrics"
	"hiegate/pkg/models"
	"hiegate/pkg/ratelimit"
	"hiegate/pkg/records"
	"hiegate/pkg/secrets"
	"hiegate/pkg/store"
	"hiegate/pkg/stream"
	"hiegate/pkg/telemetry"
)

const serviceName = "hie-server"

type recordStore interface {
	Insert(ctx context.Context, rec models.MedicalRecord) (int64, error)
	Search(ctx context.Context, f records.Filter) ([]models.MedicalRecord, error)
	Get(ctx context.Context, id int64) (models.MedicalRecord, error)
	Ping(ctx context.Context) error
}

type auditReader interface {
	List(ctx context.Context, q models.AuditQuery) (models.AuditPage, error)
	Search(ctx context.Context, q models.AuditQuery) (models.AuditPage, error)
}

type auditRecorder interface {
	Record(ctx context.Context, action string, actor models.Actor, detail string) bool
}

// hieDB is the slice of pgxpool.Pool the server needs: the record
// repository's transactions, the audit table insert and the audit reader.
type hieDB interface {
	records.DB
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type hieDBCloser interface {
	hieDB
	Close()
}

type Server struct {
	Records    recordStore
	Audit      auditRecorder
	Logs       auditReader
	Hub        *stream.Hub
	Metrics    *metrics.Registry
	Log        zerolog.Logger
	AuthHeader string
	AuthToken  string

	MaxRequestBodyBytes int64
	WSOriginPatterns    []string
	healthTimeout       time.Duration
	now                 func() time.Time
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (hieDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type encryptionKeyFunc func(ctx context.Context) (string, string, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logger         = logging.New(serviceName)
	logFatalf      = func(format string, args ...any) { logger.Fatal().Msgf(format, args...) }
	initTelemetryH = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return telemetry.Init(ctx, telemetry.ConfigFromEnv(service), logger)
	}
	openDBFnH = func(ctx context.Context) (hieDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
	openRedisFnH = store.NewRedis
	encryptionKeyFnH = func(ctx context.Context) (string, string, error) {
		return secrets.EncryptionKey(ctx, secrets.ConfigFromEnv())
	}
	listenFnH = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logger.Warn().Err(err).Msg("dotenv")
	}
	if err := runHIEServer(initTelemetryH, openDBFnH, openRedisFnH, encryptionKeyFnH, listenFnH); err != nil {
		logFatalf("%v", err)
	}
}

func runHIEServer(initTelemetry initTelemetryFunc, openDB openDBFunc, openRedis openRedisFunc, encryptionKey encryptionKeyFunc, listen listenFunc) error {
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

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            serviceName,
		Environment:        config.RuntimeEnvironment(),
		StrictProdSecurity: os.Getenv("STRICT_PROD_SECURITY"),
		DatabaseRequireTLS: os.Getenv("DATABASE_REQUIRE_TLS"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisRequireTLS:    os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:   os.Getenv("REDIS_TLS_INSECURE"),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "HIE_AUTH_TOKEN", Value: os.Getenv("HIE_AUTH_TOKEN")},
		},
	}); err != nil {
		return err
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	key, source, err := encryptionKey(ctx)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	repo, err := records.NewRepository(pool, key)
	if err != nil {
		return fmt.Errorf("records: %w", err)
	}
	logger.Info().Str("source", source).Msg("record encryption key loaded")

	reg := metrics.NewRegistry("hie_server")
	hub := stream.NewHub()
	sinks := audit.OpenSinks(audit.SinkConfig{
		Kind:       config.Env("AUDIT_SINK", audit.SinkSyslog),
		SyslogAddr: config.Env("ESM_SERVER_HOST", "localhost") + ":" + config.Env("ESM_SERVER_PORT", "514"),
		Kafka: auditbus.Config{
			Brokers: config.EnvList("KAFKA_BROKERS"),
			Topic:   config.Env("AUDIT_KAFKA_TOPIC", auditbus.DefaultTopic),
		},
		FallbackPath: config.Env("AUDIT_FALLBACK_PATH", audit.DefaultFallbackPath),
	}, logger)
	auditLog := audit.NewLogger(audit.Config{
		Workers:   config.EnvInt("AUDIT_WORKERS", audit.DefaultWorkers),
		QueueSize: config.EnvInt("AUDIT_QUEUE_SIZE", audit.DefaultQueueSize),
		Remote:    sinks.Remote,
		Fallback:  sinks.Fallback,
		Table:     &audit.TableSink{DB: pool},
		Hub:       hub,
		Metrics:   reg,
		Log:       logger,
	})

	limiter := ratelimit.Limiter(ratelimit.NewInMemory())
	if client, err := openRedis(ctx); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, rate limits are per instance")
	} else if client != nil {
		defer client.Close()
		limiter = ratelimit.NewRedis(client)
	}

	s := &Server{
		Records:             repo,
		Audit:               auditLog,
		Logs:                &audit.Reader{DB: pool},
		Hub:                 hub,
		Metrics:             reg,
		Log:                 logger,
		AuthHeader:          config.Env("HIE_AUTH_HEADER", hieclient.DefaultAuthHeader),
		AuthToken:           os.Getenv("HIE_AUTH_TOKEN"),
		MaxRequestBodyBytes: int64(config.EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		WSOriginPatterns:    config.EnvList("WS_ORIGIN_PATTERNS"),
	}
	if s.AuthToken == "" {
		logger.Warn().Msg("HIE_AUTH_TOKEN is empty, internal credential check disabled")
	}
	guard := &ratelimit.Guard{
		Limiter:        limiter,
		Metrics:        reg,
		TrustedProxies: config.ParseCIDRs(os.Getenv("TRUSTED_PROXY_CIDRS")),
	}

	server := &http.Server{
		Addr:              config.Env("ADDR", ":5002"),
		Handler:           s.routes(guard),
		ReadHeaderTimeout: config.EnvDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       config.EnvDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      config.EnvDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       config.EnvDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	logger.Info().Str("addr", server.Addr).Msg("hie server listening")
	err = serve(ctx, server, listen, config.EnvDurationSec("SHUTDOWN_TIMEOUT_SEC", 10))
	drainCtx, cancel := context.WithTimeout(context.Background(), config.EnvDurationSec("AUDIT_DRAIN_TIMEOUT_SEC", 5))
	defer cancel()
	if derr := auditLog.Shutdown(drainCtx); derr != nil {
		// Workers may still be writing, so the sinks stay open.
		logger.Warn().Err(derr).Int("pending", auditLog.Pending()).Msg("audit drain incomplete")
	} else {
		sinks.Close()
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// serve runs listen until it fails or ctx ends. It returns only after
// server.Shutdown has returned, so no handler is still running and every
// terminal audit entry has been queued.
func serve(ctx context.Context, server *http.Server, listen listenFunc, timeout time.Duration) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = server.Shutdown(c)
	}()

	err := listen(server)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	stop()
	<-shutdownDone
	return err
}

func (s *Server) routes(guard *ratelimit.Guard) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.AccessLog(s.Log))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.Middleware(serviceName))
	r.Use(s.metricsMiddleware)
	r.Use(s.limitRequestBodyMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Fail(w, http.StatusNotFound, "requested API not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Fail(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.internalAuthMiddleware)
		r.Get("/metrics", s.withStreamGauges(s.Metrics.PrometheusHandler()))
		r.Get("/metrics/json", s.withStreamGauges(s.Metrics.Handler()))
		r.With(guard.Limit("record", ratelimit.PerMinute(50), nil)).Post("/api/medical-record", s.handleRegister)
		r.With(guard.Limit("search", ratelimit.PerMinute(100), nil)).Post("/api/patient/search", s.handleSearch)
		r.With(guard.Limit("unmask", ratelimit.PerMinute(20), nil)).Post("/api/patient/unmask", s.handleUnmask)
		r.With(guard.Limit("logs", ratelimit.PerMinute(100), nil)).Get("/api/admin/logs", s.handleListLogs)
		r.With(guard.Limit("logs-search", ratelimit.PerMinute(50), nil)).Post("/api/admin/logs/search", s.handleSearchLogs)
		r.Get("/api/admin/logs/stream", stream.Handler(s.Hub, s.WSOriginPatterns))
	})
	return r
}

// withStreamGauges samples the live feed before a metrics scrape.
func (s *Server) withStreamGauges(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.SetGauge(metrics.StreamSubscribers, float64(s.Hub.Subscribers()))
		s.Metrics.SetGauge(metrics.StreamDropped, float64(s.Hub.Dropped()))
		next(w, r)
	}
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
