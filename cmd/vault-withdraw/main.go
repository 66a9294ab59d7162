// Command vault-withdraw drives one withdrawal flow action against a vault:
// requesting a withdrawal, cancelling the outstanding request, or completing
// a matured one.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/stratos-custody/vaultsync/internal/chain"
	"github.com/stratos-custody/vaultsync/internal/eth"
	"github.com/stratos-custody/vaultsync/internal/flow"
	"github.com/stratos-custody/vaultsync/internal/gas"
	"github.com/stratos-custody/vaultsync/internal/ledger"
	"github.com/stratos-custody/vaultsync/internal/queue"
	"github.com/stratos-custody/vaultsync/internal/registry"
	"github.com/stratos-custody/vaultsync/internal/secrets"
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
	fs := flag.NewFlagSet("vault-withdraw", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	rpcURL := fs.String("rpc-url", "", "chain RPC URL (required)")
	chainID := fs.Uint64("chain-id", 0, "chain id (required)")
	registryHex := fs.String("registry-address", "", "VaultRegistry contract address (required)")
	tokenHex := fs.String("token", "", "protocol token address (required)")

	action := fs.String("action", "", "flow action: request|cancel|complete (required)")
	amount := fs.String("amount", "", "withdrawal amount in decimal token units (required for request)")
	recipientHex := fs.String("recipient", "", "external recipient address; empty requests a self-withdrawal")

	secretsDriver := fs.String("secrets-driver", secrets.DriverEnv, "owner key provider: env|aws")
	ownerKeyRef := fs.String("owner-key-ref", "", "owner key reference, env var name or secret id (required)")

	decimals := fs.Int("decimals", units.ProtocolTokenDecimals, "protocol token decimals")
	lookback := fs.Duration("lookback", window.DefaultLookback, "wall-clock span the ledger rebuild covers")
	sampleSize := fs.Uint64("sample-size", window.DefaultSampleSize, "blocks sampled when sizing the rebuild window")

	minTipCap := fs.Int64("min-tip-cap-wei", 1_000_000_000, "minimum priority fee in wei")
	receiptPoll := fs.Duration("receipt-poll", 2*time.Second, "receipt poll interval")
	replaceAfter := fs.Duration("replace-after", 45*time.Second, "replace a stuck transaction after this long; 0 disables replacement")
	maxReplacements := fs.Int("max-replacements", 2, "maximum fee-bumped replacements per submission")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall action timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*rpcURL) == "" {
		return errors.New("--rpc-url is required")
	}
	if *chainID == 0 {
		return errors.New("--chain-id is required")
	}
	if !common.IsHexAddress(strings.TrimSpace(*registryHex)) {
		return errors.New("--registry-address must be a valid hex address")
	}
	if !common.IsHexAddress(strings.TrimSpace(*tokenHex)) {
		return errors.New("--token must be a valid hex address")
	}
	if strings.TrimSpace(*ownerKeyRef) == "" {
		return errors.New("--owner-key-ref is required")
	}
	act := strings.ToLower(strings.TrimSpace(*action))
	switch act {
	case "request":
		if strings.TrimSpace(*amount) == "" {
			return errors.New("--amount is required for --action=request")
		}
		if strings.TrimSpace(*recipientHex) != "" && !common.IsHexAddress(strings.TrimSpace(*recipientHex)) {
			return errors.New("--recipient must be a valid hex address")
		}
	case "cancel", "complete":
	default:
		return fmt.Errorf("unsupported --action %q", *action)
	}
	if *minTipCap < 0 {
		return errors.New("--min-tip-cap-wei must be >= 0")
	}
	if *receiptPoll <= 0 || *timeout <= 0 {
		return errors.New("--receipt-poll and --timeout must be > 0")
	}
	if *replaceAfter < 0 || *maxReplacements < 0 {
		return errors.New("--replace-after and --max-replacements must be >= 0")
	}
	if *sampleSize == 0 {
		return errors.New("--sample-size must be > 0")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	sctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(sctx, *timeout)
	defer cancel()

	provider, err := secrets.NewProvider(ctx, *secretsDriver)
	if err != nil {
		return fmt.Errorf("init secrets provider: %w", err)
	}
	ownerKey, err := secrets.OwnerKey(ctx, provider, strings.TrimSpace(*ownerKeyRef))
	if err != nil {
		return fmt.Errorf("load owner key: %w", err)
	}
	signer := eth.NewLocalSigner(ownerKey)
	owner := signer.Address()

	client, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	retry := chain.DefaultRetryPolicy()

	subCfg := eth.SubmitterConfig{
		ChainID:             new(big.Int).SetUint64(*chainID),
		MinTipCap:           big.NewInt(*minTipCap),
		ReceiptPollInterval: *receiptPoll,
	}
	if *replaceAfter > 0 && *maxReplacements > 0 {
		subCfg.ReplaceAfter = *replaceAfter
		subCfg.MaxReplacements = *maxReplacements
		subCfg.ReplacementBumpPercent = 12
		subCfg.MinReplacementTipBump = big.NewInt(1)
		subCfg.MinReplacementFeeBump = big.NewInt(1)
	}
	submitter, err := eth.NewSubmitter(client, signer, subCfg)
	if err != nil {
		return fmt.Errorf("init submitter: %w", err)
	}

	registryClient, err := registry.NewClient(client, submitter, common.HexToAddress(strings.TrimSpace(*registryHex)), retry)
	if err != nil {
		return fmt.Errorf("init registry client: %w", err)
	}
	vaultAddr, err := registryClient.VaultAddressByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("resolve vault address: %w", err)
	}
	vaultClient, err := vault.NewClient(client, submitter, vaultAddr, retry)
	if err != nil {
		return fmt.Errorf("init vault client: %w", err)
	}

	tracker, err := window.NewTracker(client, retry)
	if err != nil {
		return fmt.Errorf("init window tracker: %w", err)
	}
	if _, err := tracker.RefreshHead(ctx); err != nil {
		return fmt.Errorf("refresh head: %w", err)
	}
	if _, err := tracker.EstimateLookback(ctx, *sampleSize, *lookback); err != nil {
		return fmt.Errorf("size rebuild window: %w", err)
	}

	builder, err := ledger.NewBuilder(client, vaultClient, registryClient, tracker, ledger.BuilderConfig{
		Retry: retry,
		Log:   log,
	})
	if err != nil {
		return fmt.Errorf("init ledger builder: %w", err)
	}
	estimator, err := gas.NewEstimator(client, retry, log)
	if err != nil {
		return fmt.Errorf("init gas estimator: %w", err)
	}

	controller, err := flow.NewController(flow.ControllerConfig{
		Ledger:   builder,
		Gas:      estimator,
		Vault:    vaultClient,
		Token:    common.HexToAddress(strings.TrimSpace(*tokenHex)),
		Owner:    owner,
		Decimals: *decimals,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("init flow controller: %w", err)
	}

	log.Info("withdrawal action started", "action", act, "owner", owner, "vault", vaultAddr)

	switch act {
	case "request":
		kind := flow.KindSelf
		if strings.TrimSpace(*recipientHex) != "" {
			kind = flow.KindExternal
		}
		if err := controller.EnterAmount(kind, strings.TrimSpace(*amount)); err != nil {
			return fmt.Errorf("enter amount: %w", err)
		}
		if kind == flow.KindExternal {
			if err := controller.EnterRecipient(kind, strings.TrimSpace(*recipientHex)); err != nil {
				return fmt.Errorf("enter recipient: %w", err)
			}
		}
		if err := controller.Submit(ctx, kind); err != nil {
			return fmt.Errorf("submit request: %w", err)
		}
		if err := controller.Confirm(ctx, kind); err != nil {
			return fmt.Errorf("confirm request: %w", err)
		}
	case "cancel":
		if err := controller.Cancel(ctx); err != nil {
			return fmt.Errorf("cancel request: %w", err)
		}
	case "complete":
		if err := controller.Complete(ctx); err != nil {
			return fmt.Errorf("complete withdrawal: %w", err)
		}
	}

	snap, ok := controller.Snapshot()
	if !ok {
		snap, err = controller.Refresh(ctx)
		if err != nil {
			log.Warn("post-action rebuild reported data conditions", "err", err)
		}
	}

	encoded, err := json.MarshalIndent(queue.NewSnapshotPayload(snap, *decimals), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	encoded = append(encoded, '\n')
	_, err = stdout.Write(encoded)
	return err
}
