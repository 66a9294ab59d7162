// Command vault-sync rebuilds one vault's withdrawal ledger from chain
// events, persists the sync checkpoint, and optionally publishes the
// snapshot and lifecycle payloads.
package main

import (
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
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratos-custody/vaultsync/internal/blobstore"
	"github.com/stratos-custody/vaultsync/internal/chain"
	"github.com/stratos-custody/vaultsync/internal/ledger"
	"github.com/stratos-custody/vaultsync/internal/queue"
	"github.com/stratos-custody/vaultsync/internal/registry"
	"github.com/stratos-custody/vaultsync/internal/syncstate"
	syncstatepg "github.com/stratos-custody/vaultsync/internal/syncstate/postgres"
	"github.com/stratos-custody/vaultsync/internal/units"
	"github.com/stratos-custody/vaultsync/internal/vault"
	"github.com/stratos-custody/vaultsync/internal/window"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("vault-sync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	rpcURL := fs.String("rpc-url", "", "chain RPC URL (required)")
	ownerHex := fs.String("owner", "", "vault owner address (required unless --vault-address is set)")
	registryHex := fs.String("registry-address", "", "VaultRegistry contract address (required)")
	vaultHex := fs.String("vault-address", "", "vault address override; skips the registry lookup")

	lookback := fs.Duration("lookback", window.DefaultLookback, "wall-clock span the sync window covers")
	sampleSize := fs.Uint64("sample-size", window.DefaultSampleSize, "blocks sampled when sizing the window")
	decimals := fs.Int("decimals", units.ProtocolTokenDecimals, "protocol token decimals")

	storeDriver := fs.String("store-driver", "memory", "checkpoint store driver: postgres|memory")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")

	publish := fs.Bool("publish", false, "publish snapshot and lifecycle payloads to the queue")
	queueDriver := fs.String("queue-driver", queue.DriverStdio, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")

	archiveSnapshots := fs.Bool("archive", false, "archive snapshots to the blobstore")
	blobDriver := fs.String("blob-driver", blobstore.DriverS3, "blobstore driver: s3|memory")
	blobBucket := fs.String("blob-bucket", "", "blobstore bucket (required for s3)")
	blobPrefix := fs.String("blob-prefix", "", "blobstore key prefix")

	watch := fs.Duration("watch", 0, "rebuild continuously at this interval; 0 runs a single pass")
	timeout := fs.Duration("timeout", 2*time.Minute, "per-pass timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*rpcURL) == "" {
		return errors.New("--rpc-url is required")
	}
	if !common.IsHexAddress(strings.TrimSpace(*registryHex)) {
		return errors.New("--registry-address must be a valid hex address")
	}
	if strings.TrimSpace(*vaultHex) == "" && !common.IsHexAddress(strings.TrimSpace(*ownerHex)) {
		return errors.New("--owner must be a valid hex address when --vault-address is not set")
	}
	if strings.TrimSpace(*vaultHex) != "" && !common.IsHexAddress(strings.TrimSpace(*vaultHex)) {
		return errors.New("--vault-address must be a valid hex address")
	}
	if *lookback <= 0 || *timeout <= 0 {
		return errors.New("--lookback and --timeout must be > 0")
	}
	if *sampleSize == 0 {
		return errors.New("--sample-size must be > 0")
	}
	if *decimals < 0 {
		return errors.New("--decimals must be >= 0")
	}
	if *watch < 0 {
		return errors.New("--watch must be >= 0")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	retry := chain.DefaultRetryPolicy()

	registryClient, err := registry.NewClient(client, nil, common.HexToAddress(strings.TrimSpace(*registryHex)), retry)
	if err != nil {
		return fmt.Errorf("init registry client: %w", err)
	}

	vaultAddr := common.HexToAddress(strings.TrimSpace(*vaultHex))
	if (vaultAddr == common.Address{}) {
		rctx, cancel := context.WithTimeout(ctx, *timeout)
		vaultAddr, err = registryClient.VaultAddressByOwner(rctx, common.HexToAddress(strings.TrimSpace(*ownerHex)))
		cancel()
		if err != nil {
			return fmt.Errorf("resolve vault address: %w", err)
		}
	}

	vaultClient, err := vault.NewClient(client, nil, vaultAddr, retry)
	if err != nil {
		return fmt.Errorf("init vault client: %w", err)
	}

	tracker, err := window.NewTracker(client, retry)
	if err != nil {
		return fmt.Errorf("init window tracker: %w", err)
	}

	builder, err := ledger.NewBuilder(client, vaultClient, registryClient, tracker, ledger.BuilderConfig{
		Retry: retry,
		Log:   log,
	})
	if err != nil {
		return fmt.Errorf("init ledger builder: %w", err)
	}

	var store syncstate.Store
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			return errors.New("--postgres-dsn is required when --store-driver=postgres")
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			return fmt.Errorf("init pgx pool: %w", err)
		}
		defer pool.Close()

		pgStore, err := syncstatepg.New(pool)
		if err != nil {
			return fmt.Errorf("init checkpoint store: %w", err)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure checkpoint schema: %w", err)
		}
		store = pgStore
	case "memory":
		store = syncstate.NewMemoryStore(nil)
	default:
		return fmt.Errorf("unsupported --store-driver %q", *storeDriver)
	}

	var producer queue.Producer
	if *publish {
		producer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			Writer:  stdout,
		})
		if err != nil {
			return fmt.Errorf("init queue producer: %w", err)
		}
		defer func() { _ = producer.Close() }()
	}

	var archive *blobstore.Archive
	if *archiveSnapshots {
		blobs, err := newBlobStore(ctx, *blobDriver, *blobBucket, *blobPrefix)
		if err != nil {
			return fmt.Errorf("init blobstore: %w", err)
		}
		archive, err = blobstore.NewArchive(blobs)
		if err != nil {
			return fmt.Errorf("init snapshot archive: %w", err)
		}
	}

	{
		cctx, cancel := context.WithTimeout(ctx, *timeout)
		cp, err := store.Load(cctx, vaultAddr)
		cancel()
		switch {
		case err == nil:
			tracker.Restore(cp.Window)
			log.Info("checkpoint restored", "vault", vaultAddr, "lastScannedBlock", cp.Window.LastScannedBlock, "blockOffset", cp.Window.BlockOffset)
		case errors.Is(err, syncstate.ErrNotFound):
		default:
			return fmt.Errorf("load checkpoint: %w", err)
		}
	}

	s := syncer{
		builder:    builder,
		tracker:    tracker,
		store:      store,
		producer:   producer,
		archive:    archive,
		stdout:     stdout,
		log:        log,
		vault:      vaultAddr,
		decimals:   *decimals,
		lookback:   *lookback,
		sampleSize: *sampleSize,
	}

	if *watch <= 0 {
		cctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		return s.pass(cctx)
	}

	log.Info("vault sync started",
		"vault", vaultAddr,
		"interval", watch.String(),
		"lookback", lookback.String(),
		"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
		"publish", *publish,
		"archive", *archiveSnapshots,
	)

	t := time.NewTicker(*watch)
	defer t.Stop()
	for {
		cctx, cancel := context.WithTimeout(ctx, *timeout)
		err := s.pass(cctx)
		cancel()
		if err != nil {
			log.Error("sync pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return nil
		case <-t.C:
		}
	}
}

type syncer struct {
	builder  *ledger.Builder
	tracker  *window.Tracker
	store    syncstate.Store
	producer queue.Producer
	archive  *blobstore.Archive
	stdout   io.Writer
	log      *slog.Logger

	vault      common.Address
	decimals   int
	lookback   time.Duration
	sampleSize uint64
}

// pass runs one head refresh, rebuild, publish, archive, checkpoint cycle.
// Data conditions surfaced by the rebuild (reconciliation gap, unmatched
// cancellation) are logged but do not stop the snapshot from being used.
func (s syncer) pass(ctx context.Context) error {
	head, err := s.tracker.RefreshHead(ctx)
	if err != nil {
		return fmt.Errorf("refresh head: %w", err)
	}
	if s.tracker.Current().BlockOffset == 0 {
		offset, err := s.tracker.EstimateLookback(ctx, s.sampleSize, s.lookback)
		if err != nil {
			return fmt.Errorf("size sync window: %w", err)
		}
		s.log.Info("sync window sized", "head", head, "blockOffset", offset)
	}

	snap, rebuildErr := s.builder.Rebuild(ctx)
	if rebuildErr != nil {
		s.log.Warn("rebuild reported data conditions", "err", rebuildErr)
	}

	payload := queue.NewSnapshotPayload(snap, s.decimals)

	if s.producer != nil {
		if err := s.publish(ctx, payload); err != nil {
			return err
		}
	} else {
		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		encoded = append(encoded, '\n')
		if _, err := s.stdout.Write(encoded); err != nil {
			return err
		}
	}

	if s.archive != nil {
		if err := s.archive.Put(ctx, payload); err != nil {
			return fmt.Errorf("archive snapshot: %w", err)
		}
	}

	if err := s.store.Save(ctx, syncstate.Checkpoint{
		Vault:      s.vault,
		Window:     snap.Window,
		SnapshotID: payload.ID,
	}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	s.log.Info("sync pass complete",
		"vault", s.vault,
		"head", head,
		"records", len(snap.Records),
		"partial", snap.Partial,
		"gapDetected", snap.GapDetected,
	)
	return nil
}

func (s syncer) publish(ctx context.Context, payload queue.SnapshotPayload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.producer.Publish(ctx, queue.TopicSnapshot, payload.ID.Bytes(), encoded); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}

	for _, rec := range payload.Records {
		topic := topicForRecord(payload, rec)
		if topic == "" {
			continue
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := s.producer.Publish(ctx, topic, rec.ID.Bytes(), b); err != nil {
			return fmt.Errorf("publish record: %w", err)
		}
	}
	return nil
}

func topicForRecord(payload queue.SnapshotPayload, rec queue.RecordPayload) string {
	if payload.Active != nil && rec.ID == payload.Active.ID {
		return queue.TopicWithdrawRequested
	}
	switch rec.Status {
	case ledger.StatusCancelled.String():
		return queue.TopicWithdrawCancelled
	case ledger.StatusComplete.String():
		return queue.TopicWithdrawCompleted
	}
	return ""
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
