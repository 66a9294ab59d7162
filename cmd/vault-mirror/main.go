// Command vault-mirror consumes published snapshot payloads from the queue
// and mirrors them into the blobstore archive. It gives downstream readers a
// durable copy of every reconciliation pass without querying the chain.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/stratos-custody/vaultsync/internal/blobstore"
	"github.com/stratos-custody/vaultsync/internal/queue"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, _ io.Writer) error {
	fs := flag.NewFlagSet("vault-mirror", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	queueGroup := fs.String("queue-group", "vault-mirror", "queue consumer group")
	queueTopics := fs.String("queue-topics", queue.TopicSnapshot, "comma-separated snapshot topics to mirror")
	queueMaxBytes := fs.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
	maxLineBytes := fs.Int("max-line-bytes", 1<<20, "maximum input line size for the stdio driver (bytes)")
	ackTimeout := fs.Duration("ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

	blobDriver := fs.String("blob-driver", blobstore.DriverS3, "blobstore driver: s3|memory")
	blobBucket := fs.String("blob-bucket", "", "blobstore bucket (required for s3)")
	blobPrefix := fs.String("blob-prefix", "", "blobstore key prefix")
	persistTimeout := fs.Duration("persist-timeout", 30*time.Second, "timeout for archiving one snapshot")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *queueMaxBytes <= 0 || *maxLineBytes <= 0 {
		return errors.New("--queue-max-bytes and --max-line-bytes must be > 0")
	}
	if *ackTimeout <= 0 || *persistTimeout <= 0 {
		return errors.New("--ack-timeout and --persist-timeout must be > 0")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := newBlobStore(ctx, *blobDriver, *blobBucket, *blobPrefix)
	if err != nil {
		return fmt.Errorf("init blobstore: %w", err)
	}
	archive, err := blobstore.NewArchive(blobs)
	if err != nil {
		return fmt.Errorf("init snapshot archive: %w", err)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        queue.SplitCommaList(*queueTopics),
		KafkaMaxBytes: *queueMaxBytes,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		return fmt.Errorf("init queue consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	m := mirror{
		archive:        archive,
		log:            log,
		ackTimeout:     *ackTimeout,
		persistTimeout: *persistTimeout,
	}

	log.Info("vault mirror started",
		"queueDriver", *queueDriver,
		"topics", *queueTopics,
		"blobDriver", strings.ToLower(strings.TrimSpace(*blobDriver)),
		"blobBucket", strings.TrimSpace(*blobBucket),
	)

	msgCh := consumer.Messages()
	errCh := consumer.Errors()
	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				log.Info("shutdown", "reason", "queue drained")
				return nil
			}
			m.handle(ctx, msg)
		}
	}
}

type mirror struct {
	archive        *blobstore.Archive
	log            *slog.Logger
	ackTimeout     time.Duration
	persistTimeout time.Duration
}

// handle archives one snapshot message. Malformed payloads are acked and
// dropped; archive failures leave the message unacked so the driver
// redelivers it.
func (m mirror) handle(ctx context.Context, msg queue.Message) {
	line := bytes.TrimSpace(msg.Value)
	if len(line) == 0 {
		m.ack(msg)
		return
	}

	var payload queue.SnapshotPayload
	if err := json.Unmarshal(line, &payload); err != nil {
		m.log.Error("parse snapshot payload", "topic", msg.Topic, "err", err)
		m.ack(msg)
		return
	}
	if payload.Version != "v1" || (payload.Vault == common.Address{}) {
		m.log.Warn("skipping unrecognized payload", "topic", msg.Topic, "version", payload.Version)
		m.ack(msg)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.persistTimeout)
	defer cancel()

	// Keys are deterministic per (vault, head), so a redelivered payload that
	// is already archived only needs its ack.
	if ok, err := m.archive.Contains(pctx, payload.Vault, payload.Head); err == nil && ok {
		m.ack(msg)
		return
	}
	if err := m.archive.Put(pctx, payload); err != nil {
		m.log.Error("archive snapshot", "vault", payload.Vault, "head", payload.Head, "err", err)
		return
	}

	m.log.Info("snapshot mirrored",
		"vault", payload.Vault,
		"head", payload.Head,
		"id", payload.ID,
		"records", len(payload.Records),
	)
	m.ack(msg)
}

func (m mirror) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), m.ackTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		m.log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}

func newBlobStore(ctx context.Context, driver, bucket, prefix string) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver: strings.ToLower(strings.TrimSpace(driver)),
		Bucket: strings.TrimSpace(bucket),
		Prefix: strings.TrimSpace(prefix),
	}
	if cfg.Driver == "" || cfg.Driver == blobstore.DriverS3 {
		if cfg.Bucket == "" {
			return nil, errors.New("--blob-bucket is required for the s3 driver")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}
