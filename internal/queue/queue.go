// Package queue carries the reconciler's outbound feed: full snapshot
// payloads plus per-record lifecycle signals, keyed by idempotency id so
// downstream consumers can dedupe redeliveries. Kafka is the production
// driver; stdio exists for local runs and piping between commands.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

var ErrInvalidQueueConfig = errors.New("queue: invalid queue config")

// Message is one delivered queue record. Value holds the JSON payload;
// Key is the producer-side idempotency id and may be empty on stdio.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the broker timestamp on kafka and the local receive
	// time on stdio.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits the message on drivers that track consumer progress. It is a
// no-op on stdio.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

// WithAck returns a copy of the message whose Ack invokes fn. Drivers attach
// their commit hooks through it.
func (m Message) WithAck(fn func(context.Context) error) Message {
	m.ackFn = fn
	return m
}

// Consumer delivers queue messages asynchronously until closed.
type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes queue messages. Key partitions kafka topics and lets
// consumers dedupe; it may be nil.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// ConsumerConfig selects and configures a consumer driver.
type ConsumerConfig struct {
	Driver string

	// Kafka fields.
	Brokers []string
	Group   string
	Topics  []string

	// KafkaMaxBytes caps one fetched message. Defaults to 10 MiB.
	KafkaMaxBytes int

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int
}

// ProducerConfig selects and configures a producer driver.
type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// NewConsumer starts a consumer for the configured driver. The context bounds
// the consumer's lifetime; cancelling it stops delivery.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch driverName(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidQueueConfig, cfg.Driver)
	}
}

// NewProducer creates a producer for the configured driver.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driverName(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidQueueConfig, cfg.Driver)
	}
}

// driverName normalizes a driver flag value. Empty means kafka, the
// production default.
func driverName(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitCommaList splits a comma-separated flag value, dropping empty and
// whitespace-only entries.
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

const envKafkaTLS = "VAULTSYNC_QUEUE_KAFKA_TLS"

// kafkaTLSFromEnv reports whether broker connections should use TLS. Managed
// kafka endpoints usually require it, local compose setups do not.
func kafkaTLSFromEnv() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
