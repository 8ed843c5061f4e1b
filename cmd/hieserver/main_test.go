package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hiegate/pkg/audit"
	"hiegate/pkg/models"
)

type fakeHIEDB struct {
	closed bool
}

func (f *fakeHIEDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("no tx")
}
func (f *fakeHIEDB) Ping(context.Context) error { return nil }
func (f *fakeHIEDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeHIEDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("no rows")
}
func (f *fakeHIEDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (f *fakeHIEDB) Close()                                          { f.closed = true }

func okTelemetry(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func noRedis(context.Context) (*redis.Client, error) { return nil, errors.New("redis down") }

func staticKey(context.Context) (string, string, error) { return "k", "env", nil }

func quietAudit(t *testing.T) {
	t.Helper()
	t.Setenv("AUDIT_SINK", "none")
	t.Setenv("AUDIT_FALLBACK_PATH", filepath.Join(t.TempDir(), "audit.log"))
}

func TestRunHIEServer(t *testing.T) {
	t.Run("telemetry_error", func(t *testing.T) {
		err := runHIEServer(
			func(context.Context, string) (func(context.Context) error, error) {
				return nil, errors.New("otel down")
			},
			func(context.Context) (hieDBCloser, error) {
				t.Fatal("openDB must not be called on telemetry error")
				return nil, nil
			},
			noRedis, staticKey,
			func(*http.Server) error {
				t.Fatal("listen must not be called on telemetry error")
				return nil
			},
		)
		if err == nil || !strings.Contains(err.Error(), "otel:") {
			t.Fatalf("expected wrapped telemetry error, got %v", err)
		}
	})

	t.Run("db_error", func(t *testing.T) {
		err := runHIEServer(okTelemetry,
			func(context.Context) (hieDBCloser, error) { return nil, errors.New("db down") },
			noRedis, staticKey,
			func(*http.Server) error {
				t.Fatal("listen must not be called on db error")
				return nil
			},
		)
		if err == nil || !strings.Contains(err.Error(), "db:") {
			t.Fatalf("expected wrapped db error, got %v", err)
		}
	})

	t.Run("key_error", func(t *testing.T) {
		db := &fakeHIEDB{}
		err := runHIEServer(okTelemetry,
			func(context.Context) (hieDBCloser, error) { return db, nil },
			noRedis,
			func(context.Context) (string, string, error) { return "", "", errors.New("vault sealed") },
			func(*http.Server) error {
				t.Fatal("listen must not be called without a key")
				return nil
			},
		)
		if err == nil || !strings.Contains(err.Error(), "encryption key:") {
			t.Fatalf("expected wrapped key error, got %v", err)
		}
		if !db.closed {
			t.Fatal("pool must be closed")
		}
	})

	t.Run("hardening_error", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("DATABASE_REQUIRE_TLS", "false")
		err := runHIEServer(okTelemetry,
			func(context.Context) (hieDBCloser, error) {
				t.Fatal("openDB must not be called when hardening fails")
				return nil, nil
			},
			noRedis, staticKey,
			func(*http.Server) error { return nil },
		)
		if err == nil || !strings.Contains(err.Error(), "strict production hardening") {
			t.Fatalf("expected hardening error, got %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		quietAudit(t)
		t.Setenv("ADDR", "127.0.0.1:0")
		db := &fakeHIEDB{}
		var got *http.Server
		err := runHIEServer(okTelemetry,
			func(context.Context) (hieDBCloser, error) { return db, nil },
			noRedis, staticKey,
			func(server *http.Server) error {
				got = server
				return http.ErrServerClosed
			},
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got == nil || got.Addr != "127.0.0.1:0" || got.ReadHeaderTimeout == 0 {
			t.Fatalf("server not configured: %+v", got)
		}
		if !db.closed {
			t.Fatal("pool must be closed after listen returns")
		}
	})

	t.Run("listen_error", func(t *testing.T) {
		quietAudit(t)
		err := runHIEServer(okTelemetry,
			func(context.Context) (hieDBCloser, error) { return &fakeHIEDB{}, nil },
			noRedis, staticKey,
			func(*http.Server) error { return errors.New("address in use") },
		)
		if err == nil || !strings.Contains(err.Error(), "listen:") {
			t.Fatalf("expected wrapped listen error, got %v", err)
		}
	})
}

type captureSink struct {
	mu      sync.Mutex
	actions []string
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Write(_ context.Context, e audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, e.Action)
	return nil
}

func (c *captureSink) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

func TestServeWaitsForInFlightRequests(t *testing.T) {
	sink := &captureSink{}
	auditLog := audit.NewLogger(audit.Config{Workers: 1, Remote: sink, Log: zerolog.Nop()})
	actor := models.Actor{Email: "kim@abc.com", Name: "김의사", Organization: "A병원"}

	entered := make(chan struct{})
	release := make(chan struct{})
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auditLog.Record(r.Context(), audit.RecordCreateStarted, actor, "")
		close(entered)
		<-release
		if !auditLog.Record(r.Context(), audit.RecordCreateSucceeded, actor, "") {
			t.Error("terminal entry rejected during shutdown")
		}
		w.WriteHeader(http.StatusCreated)
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- serve(ctx, server, func(s *http.Server) error { return s.Serve(ln) }, 5*time.Second)
	}()

	resp := make(chan int, 1)
	go func() {
		res, err := http.Post("http://"+ln.Addr().String()+"/api/records", "application/json", nil)
		if err != nil {
			resp <- 0
			return
		}
		res.Body.Close()
		resp <- res.StatusCode
	}()
	<-entered
	cancel()

	select {
	case err := <-served:
		t.Fatalf("serve returned with a request in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if code := <-resp; code != http.StatusCreated {
		t.Fatalf("in-flight request got status %d", code)
	}
	if err := auditLog.Shutdown(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got := sink.got()
	if len(got) != 2 || got[1] != audit.RecordCreateSucceeded {
		t.Fatalf("unexpected audit entries %v", got)
	}
}

func TestServeReturnsListenError(t *testing.T) {
	err := serve(context.Background(), &http.Server{}, func(*http.Server) error {
		return errors.New("address in use")
	}, time.Second)
	if err == nil || err.Error() != "address in use" {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestMainCallsFatalOnError(t *testing.T) {
	origFatal, origTel := logFatalf, initTelemetryH
	defer func() { logFatalf, initTelemetryH = origFatal, origTel }()

	var msg string
	logFatalf = func(format string, args ...any) { msg = format }
	initTelemetryH = func(context.Context, string) (func(context.Context) error, error) {
		return nil, errors.New("otel down")
	}
	main()
	if msg == "" {
		t.Fatal("expected logFatalf to be called")
	}
}
