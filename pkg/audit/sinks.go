package audit

import (
	"context"
	"fmt"
	"log/syslog"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"hiegate/pkg/auditbus"
)

const (
	SyslogTag           = "HIE-SERVER"
	DefaultFallbackPath = "hie_audit.log"

	SinkSyslog = "syslog"
	SinkKafka  = "kafka"
	SinkNone   = "none"
)

// SyslogSink sends the formatted line to a remote syslog collector over UDP.
type SyslogSink struct {
	w *syslog.Writer
}

func NewSyslogSink(addr, tag string) (*SyslogSink, error) {
	if tag == "" {
		tag = SyslogTag
	}
	w, err := syslog.Dial("udp", addr, syslog.LOG_INFO|syslog.LOG_LOCAL0, tag)
	if err != nil {
		return nil, fmt.Errorf("syslog dial %s: %w", addr, err)
	}
	return &SyslogSink{w: w}, nil
}

func (s *SyslogSink) Name() string { return SinkSyslog }

func (s *SyslogSink) Write(_ context.Context, e Entry) error {
	return s.w.Info(FormatLine(e))
}

func (s *SyslogSink) Close() error { return s.w.Close() }

type publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// KafkaSink publishes the formatted line keyed by action.
type KafkaSink struct {
	p publisher
}

func NewKafkaSink(cfg auditbus.Config) (*KafkaSink, error) {
	p, err := auditbus.NewPublisher(cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{p: p}, nil
}

func (s *KafkaSink) Name() string { return SinkKafka }

func (s *KafkaSink) Write(ctx context.Context, e Entry) error {
	return s.p.Publish(ctx, e.Action, []byte(FormatLine(e)))
}

func (s *KafkaSink) Close() error { return s.p.Close() }

// FileSink appends "HIE-SERVER: <line>" to a local file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		path = DefaultFallbackPath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.f, "%s: %s\n", SyslogTag, FormatLine(e))
	return err
}

func (s *FileSink) Close() error { return s.f.Close() }

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TableSink appends to audit_logs.
type TableSink struct {
	DB execer
}

func (s *TableSink) Name() string { return "table" }

func (s *TableSink) Write(ctx context.Context, e Entry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_logs (action, user_email, user_name, hospital, additional_info, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.Action, e.Actor.Email, e.Actor.Name, e.Actor.Organization, e.Context(), e.At)
	return err
}

type SinkConfig struct {
	Kind         string
	SyslogAddr   string
	Kafka        auditbus.Config
	FallbackPath string
}

// Sinks holds what OpenSinks opened so it can be closed on shutdown.
type Sinks struct {
	Remote   Sink
	Fallback Sink
	closers  []func() error
}

func (s *Sinks) Close() {
	for _, c := range s.closers {
		_ = c()
	}
}

// OpenSinks opens the configured remote sink and the file fallback once at
// startup. A remote sink that cannot be opened is left nil, so every entry
// goes to the file.
func OpenSinks(cfg SinkConfig, log zerolog.Logger) *Sinks {
	out := &Sinks{}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case SinkNone:
	case SinkKafka:
		if k, err := NewKafkaSink(cfg.Kafka); err != nil {
			log.Warn().Err(err).Msg("kafka audit sink unavailable, using file fallback")
		} else {
			out.Remote = k
			out.closers = append(out.closers, k.Close)
		}
	default:
		if s, err := NewSyslogSink(cfg.SyslogAddr, SyslogTag); err != nil {
			log.Warn().Err(err).Msg("syslog audit sink unavailable, using file fallback")
		} else {
			out.Remote = s
			out.closers = append(out.closers, s.Close)
		}
	}
	if f, err := NewFileSink(cfg.FallbackPath); err != nil {
		log.Error().Err(err).Msg("audit fallback file unavailable")
	} else {
		out.Fallback = f
		out.closers = append(out.closers, f.Close)
	}
	return out
}
