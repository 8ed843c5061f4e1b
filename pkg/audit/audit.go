// Package audit records sensitive actions off the request path. Record
// never blocks and never returns a sink error to its caller.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"hiegate/pkg/metrics"
	"hiegate/pkg/models"
	"hiegate/pkg/stream"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
	sinkTimeout      = 5 * time.Second
	lineTimeLayout   = "2006-01-02 15:04:05"
)

// Actions. Each sensitive operation records exactly one started entry and
// exactly one terminal entry.
const (
	RecordCreateStarted   = "record-create-started"
	RecordCreateSucceeded = "record-create-succeeded"
	RecordCreateFailed    = "record-create-failed"

	SearchInternalStarted   = "search-internal-started"
	SearchInternalSucceeded = "search-internal-succeeded"
	SearchInternalFailed    = "search-internal-failed"

	SearchExternalStarted   = "search-external-started"
	SearchExternalSucceeded = "search-external-succeeded"
	SearchExternalFailed    = "search-external-failed"

	UnmaskStarted   = "record-unmask-started"
	UnmaskSucceeded = "record-unmask-succeeded"
	UnmaskFailed    = "record-unmask-failed"
)

var ErrClosed = errors.New("audit logger closed")

type Entry struct {
	Action    string       `json:"action"`
	Actor     models.Actor `json:"actor"`
	Detail    string       `json:"additional_info,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	At        time.Time    `json:"at"`
}

// Context is the free-text column: the detail plus the request id.
func (e Entry) Context() string {
	switch {
	case e.RequestID == "":
		return e.Detail
	case e.Detail == "":
		return "request_id: " + e.RequestID
	default:
		return e.Detail + ", request_id: " + e.RequestID
	}
}

// FormatLine renders the single line sent to the remote sink.
func FormatLine(e Entry) string {
	line := fmt.Sprintf("[%s] actor: %s, name: %s, org: %s, at: %s",
		e.Action, e.Actor.Email, e.Actor.Name, e.Actor.Organization, e.At.Local().Format(lineTimeLayout))
	if c := e.Context(); c != "" {
		line += ", " + c
	}
	return line
}

// Sink is one destination for audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Entry) error
}

type Config struct {
	Workers   int
	QueueSize int
	// Remote receives the formatted line. When nil, or when a write fails,
	// the line goes to Fallback instead.
	Remote   Sink
	Fallback Sink
	Table    Sink
	Hub      *stream.Hub
	Metrics  *metrics.Registry
	Log      zerolog.Logger
}

type Logger struct {
	cfg   Config
	queue chan Entry
	wg    sync.WaitGroup
	now   func() time.Time

	mu     sync.RWMutex
	closed bool
}

func NewLogger(cfg Config) *Logger {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	l := &Logger{cfg: cfg, queue: make(chan Entry, cfg.QueueSize), now: time.Now}
	for i := 0; i < cfg.Workers; i++ {
		l.wg.Add(1)
		go l.work()
	}
	return l
}

// Record schedules an entry. The request context only contributes the
// request id; entries outlive the request. It reports whether the entry was
// queued.
func (l *Logger) Record(ctx context.Context, action string, actor models.Actor, detail string) bool {
	if l == nil {
		return false
	}
	e := Entry{
		Action:    action,
		Actor:     normalizeActor(actor),
		Detail:    detail,
		RequestID: middleware.GetReqID(ctx),
		At:        l.now().UTC(),
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.count(metrics.AuditDropped, "closed")
		return false
	}
	select {
	case l.queue <- e:
		l.count(metrics.AuditQueued, "")
		return true
	default:
		l.count(metrics.AuditDropped, "full")
		l.cfg.Log.Warn().Str("action", action).Msg("audit queue full, entry dropped")
		return false
	}
}

// Shutdown stops accepting entries and waits for queued ones until ctx ends.
func (l *Logger) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain: %w", ctx.Err())
	}
}

// Pending is the number of queued entries not yet picked up by a worker.
func (l *Logger) Pending() int { return len(l.queue) }

func (l *Logger) work() {
	defer l.wg.Done()
	for e := range l.queue {
		l.deliver(e)
	}
}

func (l *Logger) deliver(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	log := l.cfg.Log.With().Str("action", e.Action).Str("request_id", e.RequestID).Logger()

	remote := l.cfg.Remote
	if remote != nil {
		if err := remote.Write(ctx, e); err != nil {
			l.count(metrics.AuditSinkFailures, remote.Name())
			log.Warn().Err(err).Str("sink", remote.Name()).Msg("remote audit sink failed")
			remote = nil
		}
	}
	if remote == nil && l.cfg.Fallback != nil {
		if err := l.cfg.Fallback.Write(ctx, e); err != nil {
			l.count(metrics.AuditSinkFailures, l.cfg.Fallback.Name())
			log.Error().Err(err).Msg("audit fallback sink failed")
		}
	}
	if l.cfg.Table != nil {
		if err := l.cfg.Table.Write(ctx, e); err != nil {
			l.count(metrics.AuditSinkFailures, l.cfg.Table.Name())
			log.Error().Err(err).Msg("audit table write failed")
		} else {
			l.count(metrics.AuditWritten, "")
		}
	}
	log.Info().Str("line", FormatLine(e)).Msg("audit")
	l.cfg.Hub.Publish(stream.NewEvent(stream.EventAudit, e))
}

func (l *Logger) count(name, label string) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.Inc(name, label)
	}
}

func normalizeActor(a models.Actor) models.Actor {
	fill := func(v string) string {
		if v = strings.TrimSpace(v); v == "" {
			return "unknown"
		}
		return v
	}
	return models.Actor{Email: fill(a.Email), Name: fill(a.Name), Organization: fill(a.Organization)}
}
