// Package auditbus carries formatted audit lines over Kafka. The servers
// publish when AUDIT_SINK=kafka; hiectl audit-tail consumes.
package auditbus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "hie-audit"

var ErrNotInitialized = errors.New("auditbus: not initialized")

type Message struct {
	Key   string
	Value []byte
	Time  time.Time
}

type Config struct {
	Brokers []string
	Topic   string
	// GroupID is optional for consumers; without it the reader tails
	// partition 0 from the newest offset.
	GroupID string
}

func (c Config) brokers() []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c Config) validate() ([]string, string, error) {
	brokers := c.brokers()
	if len(brokers) == 0 {
		return nil, "", errors.New("kafka brokers required")
	}
	topic := strings.TrimSpace(c.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return brokers, topic, nil
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	w kafkaWriter
}

func NewPublisher(cfg Config) (*Publisher, error) {
	brokers, topic, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	return &Publisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}}, nil
}

// Publish writes one message keyed by action so an action's entries stay ordered.
func (p *Publisher) Publish(ctx context.Context, key string, value []byte) error {
	if p == nil || p.w == nil {
		return ErrNotInitialized
	}
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value, Time: time.Now().UTC()})
}

func (p *Publisher) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	r kafkaReader
}

func NewConsumer(cfg Config) (*Consumer, error) {
	brokers, topic, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	rc := kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}
	if g := strings.TrimSpace(cfg.GroupID); g != "" {
		rc.GroupID = g
		rc.CommitInterval = time.Second
	} else {
		rc.StartOffset = kafka.LastOffset
	}
	return &Consumer{r: kafka.NewReader(rc)}, nil
}

func (c *Consumer) Read(ctx context.Context) (Message, error) {
	if c == nil || c.r == nil {
		return Message{}, ErrNotInitialized
	}
	msg, err := c.r.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: string(msg.Key), Value: msg.Value, Time: msg.Time}, nil
}

func (c *Consumer) Close() error {
	if c == nil || c.r == nil {
		return nil
	}
	return c.r.Close()
}
