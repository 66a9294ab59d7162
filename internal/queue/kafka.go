package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const defaultKafkaMaxBytes = 10 << 20

type kafkaConsumer struct {
	reader *kafka.Reader

	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := trimAll(cfg.Brokers)
	topics := trimAll(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one broker", ErrInvalidQueueConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka consumer requires a group", ErrInvalidQueueConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one topic", ErrInvalidQueueConfig)
	}
	fetchMax := cfg.KafkaMaxBytes
	if fetchMax <= 0 {
		fetchMax = defaultKafkaMaxBytes
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    fetchMax,
	}
	if kafkaTLSFromEnv() {
		rc.Dialer = &kafka.Dialer{
			Timeout: 10 * time.Second,
			TLS:     &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: kafka.NewReader(rc),
		msgCh:  make(chan Message, 32),
		errCh:  make(chan error, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.fetchLoop(ctx)
	return c, nil
}

// fetchStopped classifies fetch errors that end the loop rather than being
// reported and retried.
func fetchStopped(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (c *kafkaConsumer) fetchLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer close(c.errCh)

	for {
		rec, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if fetchStopped(err) {
				return
			}
			select {
			case c.errCh <- err:
			case <-ctx.Done():
				return
			}
			continue
		}

		msg := Message{
			Topic:     rec.Topic,
			Key:       append([]byte(nil), rec.Key...),
			Value:     append([]byte(nil), rec.Value...),
			Timestamp: rec.Time,
		}.WithAck(func(ackCtx context.Context) error {
			return c.reader.CommitMessages(ackCtx, rec)
		})
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgCh }

func (c *kafkaConsumer) Errors() <-chan error { return c.errCh }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := trimAll(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidQueueConfig)
	}

	flushEvery := cfg.BatchTimeout
	if flushEvery <= 0 {
		flushEvery = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: flushEvery,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSFromEnv() {
		w.Transport = &kafka.Transport{
			TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidQueueConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}
