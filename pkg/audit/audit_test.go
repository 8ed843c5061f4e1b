package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiegate/pkg/metrics"
	"hiegate/pkg/models"
	"hiegate/pkg/stream"
)

type memSink struct {
	name  string
	mu    sync.Mutex
	got   []Entry
	err   error
	block chan struct{}
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Write(ctx context.Context, e Entry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return s.err
}

func (s *memSink) entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.got...)
}

var doctor = models.Actor{Email: "kim@seoul-hospital.kr", Name: "Kim", Organization: "Seoul Hospital"}

func TestRecordDeliversToRemoteAndTable(t *testing.T) {
	remote := &memSink{name: "remote"}
	fallback := &memSink{name: "file"}
	table := &memSink{name: "table"}
	hub := stream.NewHub()
	sub := hub.Subscribe(4)
	reg := metrics.NewRegistry("test")
	l := NewLogger(Config{Remote: remote, Fallback: fallback, Table: table, Hub: hub, Metrics: reg, Log: zerolog.Nop()})

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	require.True(t, l.Record(ctx, RecordCreateStarted, doctor, "patient_no: P-1"))
	require.NoError(t, l.Shutdown(context.Background()))

	require.Len(t, remote.entries(), 1)
	require.Len(t, table.entries(), 1)
	assert.Empty(t, fallback.entries())
	e := table.entries()[0]
	assert.Equal(t, RecordCreateStarted, e.Action)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "patient_no: P-1, request_id: req-1", e.Context())
	assert.EqualValues(t, 1, reg.Counter(metrics.AuditQueued, ""))
	assert.EqualValues(t, 1, reg.Counter(metrics.AuditWritten, ""))

	select {
	case evt := <-sub:
		assert.Equal(t, stream.EventAudit, evt.Type)
		assert.Contains(t, string(evt.Data), RecordCreateStarted)
	case <-time.After(time.Second):
		t.Fatal("no live event")
	}
}

func TestRemoteFailureFallsBackAndTableFailureIsSwallowed(t *testing.T) {
	remote := &memSink{name: "syslog", err: errors.New("unreachable")}
	fallback := &memSink{name: "file"}
	table := &memSink{name: "table", err: errors.New("db down")}
	reg := metrics.NewRegistry("test")
	l := NewLogger(Config{Remote: remote, Fallback: fallback, Table: table, Metrics: reg, Log: zerolog.Nop()})

	require.True(t, l.Record(context.Background(), SearchInternalFailed, doctor, "boom"))
	require.NoError(t, l.Shutdown(context.Background()))

	assert.Len(t, fallback.entries(), 1)
	assert.EqualValues(t, 1, reg.Counter(metrics.AuditSinkFailures, "syslog"))
	assert.EqualValues(t, 1, reg.Counter(metrics.AuditSinkFailures, "table"))
	assert.Zero(t, reg.Counter(metrics.AuditWritten, ""))
}

func TestNoRemoteUsesFallback(t *testing.T) {
	fallback := &memSink{name: "file"}
	l := NewLogger(Config{Fallback: fallback, Log: zerolog.Nop()})
	l.Record(context.Background(), UnmaskStarted, models.Actor{}, "")
	require.NoError(t, l.Shutdown(context.Background()))
	got := fallback.entries()
	require.Len(t, got, 1)
	assert.Equal(t, models.Actor{Email: "unknown", Name: "unknown", Organization: "unknown"}, got[0].Actor)
}

func TestRecordNeverBlocksWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	table := &memSink{name: "table", block: block}
	reg := metrics.NewRegistry("test")
	l := NewLogger(Config{Workers: 1, QueueSize: 1, Table: table, Metrics: reg, Log: zerolog.Nop()})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Record(context.Background(), SearchExternalStarted, doctor, "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked the caller")
	}
	assert.Positive(t, reg.Counter(metrics.AuditDropped, "full"))
	close(block)
	require.NoError(t, l.Shutdown(context.Background()))
}

func TestShutdownRejectsLaterRecordsAndHonoursDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	table := &memSink{name: "table", block: block}
	reg := metrics.NewRegistry("test")
	l := NewLogger(Config{Workers: 1, Table: table, Metrics: reg, Log: zerolog.Nop()})
	l.Record(context.Background(), RecordCreateStarted, doctor, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, l.Record(context.Background(), RecordCreateFailed, doctor, ""))
	assert.EqualValues(t, 1, reg.Counter(metrics.AuditDropped, "closed"))
	assert.ErrorIs(t, l.Shutdown(context.Background()), ErrClosed)
}

func TestNilLoggerRecord(t *testing.T) {
	var l *Logger
	assert.False(t, l.Record(context.Background(), UnmaskStarted, doctor, ""))
}

func TestFormatLine(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	e := Entry{Action: UnmaskSucceeded, Actor: doctor, Detail: "record_id: 7, fields: name", At: at}
	assert.Equal(t,
		"[record-unmask-succeeded] actor: kim@seoul-hospital.kr, name: Kim, org: Seoul Hospital, at: 2026-03-01 09:30:00, record_id: 7, fields: name",
		FormatLine(e))
	e.Detail = ""
	assert.True(t, strings.HasSuffix(FormatLine(e), "09:30:00"))
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	s, err := NewFileSink(path)
	require.NoError(t, err)
	e := Entry{Action: SearchInternalStarted, Actor: doctor, At: time.Now()}
	require.NoError(t, s.Write(context.Background(), e))
	require.NoError(t, s.Write(context.Background(), e))
	require.NoError(t, s.Close())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "HIE-SERVER: [search-internal-started]"))
}

type fakeExec struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestTableSinkInsertsColumns(t *testing.T) {
	db := &fakeExec{}
	at := time.Now().UTC()
	s := &TableSink{DB: db}
	err := s.Write(context.Background(), Entry{Action: RecordCreateSucceeded, Actor: doctor, Detail: "record_id: 9", RequestID: "r", At: at})
	require.NoError(t, err)
	assert.Contains(t, db.sql, "INSERT INTO audit_logs")
	assert.Equal(t, []any{RecordCreateSucceeded, doctor.Email, doctor.Name, doctor.Organization, "record_id: 9, request_id: r", at}, db.args)
}

type fakePublisher struct {
	key, value string
}

func (f *fakePublisher) Publish(_ context.Context, key string, value []byte) error {
	f.key, f.value = key, string(value)
	return nil
}
func (f *fakePublisher) Close() error { return nil }

func TestKafkaSinkPublishesLine(t *testing.T) {
	p := &fakePublisher{}
	s := &KafkaSink{p: p}
	require.NoError(t, s.Write(context.Background(), Entry{Action: SearchExternalSucceeded, Actor: doctor, At: time.Now()}))
	assert.Equal(t, SearchExternalSucceeded, p.key)
	assert.True(t, strings.HasPrefix(p.value, "[search-external-succeeded]"))
}

func TestOpenSinksNoneStillOpensFallback(t *testing.T) {
	sinks := OpenSinks(SinkConfig{Kind: SinkNone, FallbackPath: filepath.Join(t.TempDir(), "a.log")}, zerolog.Nop())
	defer sinks.Close()
	assert.Nil(t, sinks.Remote)
	assert.NotNil(t, sinks.Fallback)
}

func TestOpenSinksKafkaWithoutBrokers(t *testing.T) {
	sinks := OpenSinks(SinkConfig{Kind: SinkKafka, FallbackPath: filepath.Join(t.TempDir(), "a.log")}, zerolog.Nop())
	defer sinks.Close()
	assert.Nil(t, sinks.Remote)
}
