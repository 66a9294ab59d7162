// Command vault-create provisions a vault through the registry, or recovers
// an already-deployed vault address from a creation transaction or a
// deployer nonce.
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
	"github.com/stratos-custody/vaultsync/internal/registry"
	"github.com/stratos-custody/vaultsync/internal/secrets"
)

type createResult struct {
	Vault    common.Address `json:"vault"`
	Owner    common.Address `json:"owner,omitempty"`
	TxHash   common.Hash    `json:"txHash,omitempty"`
	Deployer common.Address `json:"deployer,omitempty"`
	Nonce    uint64         `json:"nonce,omitempty"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("vault-create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	rpcURL := fs.String("rpc-url", "", "chain RPC URL (required unless deriving from --deployer)")
	chainID := fs.Uint64("chain-id", 0, "chain id (required for --action=create)")
	registryHex := fs.String("registry-address", "", "VaultRegistry contract address")

	action := fs.String("action", "create", "create|recover-tx|derive")
	ownerHex := fs.String("owner", "", "vault owner; defaults to the signer address for --action=create")
	fromTx := fs.String("from-tx", "", "creation transaction hash (required for --action=recover-tx)")
	deployerHex := fs.String("deployer", "", "deployer address (required for --action=derive)")
	nonce := fs.Uint64("nonce", 0, "deployer account nonce (for --action=derive)")

	secretsDriver := fs.String("secrets-driver", secrets.DriverEnv, "owner key provider: env|aws")
	ownerKeyRef := fs.String("owner-key-ref", "", "owner key reference (required for --action=create)")

	gasLimit := fs.Uint64("gas-limit", 0, "gas limit override; 0 estimates")
	minTipCap := fs.Int64("min-tip-cap-wei", 1_000_000_000, "minimum priority fee in wei")
	receiptPoll := fs.Duration("receipt-poll", 2*time.Second, "receipt poll interval")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeout <= 0 || *receiptPoll <= 0 {
		return errors.New("--timeout and --receipt-poll must be > 0")
	}
	if *minTipCap < 0 {
		return errors.New("--min-tip-cap-wei must be >= 0")
	}

	act := strings.ToLower(strings.TrimSpace(*action))

	sctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(sctx, *timeout)
	defer cancel()

	switch act {
	case "derive":
		if !common.IsHexAddress(strings.TrimSpace(*deployerHex)) {
			return errors.New("--deployer must be a valid hex address for --action=derive")
		}
		res := createResult{
			Deployer: common.HexToAddress(strings.TrimSpace(*deployerHex)),
			Nonce:    *nonce,
		}
		res.Vault = registry.DeriveContractAddress(res.Deployer, *nonce)
		return writeResult(stdout, res)

	case "recover-tx":
		if strings.TrimSpace(*rpcURL) == "" {
			return errors.New("--rpc-url is required for --action=recover-tx")
		}
		if !common.IsHexAddress(strings.TrimSpace(*registryHex)) {
			return errors.New("--registry-address must be a valid hex address")
		}
		txHash := strings.TrimSpace(*fromTx)
		if !strings.HasPrefix(txHash, "0x") || len(txHash) != 66 {
			return errors.New("--from-tx must be a 32-byte hex transaction hash")
		}

		client, err := ethclient.DialContext(ctx, *rpcURL)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		defer client.Close()

		registryClient, err := registry.NewClient(client, nil, common.HexToAddress(strings.TrimSpace(*registryHex)), chain.DefaultRetryPolicy())
		if err != nil {
			return fmt.Errorf("init registry client: %w", err)
		}
		vaultAddr, err := registryClient.ContractAddressFromTx(ctx, common.HexToHash(txHash))
		if err != nil {
			return fmt.Errorf("recover vault address: %w", err)
		}
		return writeResult(stdout, createResult{Vault: vaultAddr, TxHash: common.HexToHash(txHash)})

	case "create":
		if strings.TrimSpace(*rpcURL) == "" {
			return errors.New("--rpc-url is required for --action=create")
		}
		if *chainID == 0 {
			return errors.New("--chain-id is required for --action=create")
		}
		if !common.IsHexAddress(strings.TrimSpace(*registryHex)) {
			return errors.New("--registry-address must be a valid hex address")
		}
		if strings.TrimSpace(*ownerKeyRef) == "" {
			return errors.New("--owner-key-ref is required for --action=create")
		}
		if strings.TrimSpace(*ownerHex) != "" && !common.IsHexAddress(strings.TrimSpace(*ownerHex)) {
			return errors.New("--owner must be a valid hex address")
		}

		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

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
		if strings.TrimSpace(*ownerHex) != "" {
			owner = common.HexToAddress(strings.TrimSpace(*ownerHex))
		}

		client, err := ethclient.DialContext(ctx, *rpcURL)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		defer client.Close()

		submitter, err := eth.NewSubmitter(client, signer, eth.SubmitterConfig{
			ChainID:             new(big.Int).SetUint64(*chainID),
			MinTipCap:           big.NewInt(*minTipCap),
			ReceiptPollInterval: *receiptPoll,
		})
		if err != nil {
			return fmt.Errorf("init submitter: %w", err)
		}

		registryClient, err := registry.NewClient(client, submitter, common.HexToAddress(strings.TrimSpace(*registryHex)), chain.DefaultRetryPolicy())
		if err != nil {
			return fmt.Errorf("init registry client: %w", err)
		}

		log.Info("creating vault", "owner", owner, "registry", registryClient.Address())

		vaultAddr, res, err := registryClient.CreateVault(ctx, owner, eth.FeeParams{GasLimit: *gasLimit})
		if err != nil {
			return fmt.Errorf("create vault: %w", err)
		}

		log.Info("vault created", "vault", vaultAddr, "txHash", res.TxHash, "replacements", res.Replacements)
		return writeResult(stdout, createResult{Vault: vaultAddr, Owner: owner, TxHash: res.TxHash})

	default:
		return fmt.Errorf("unsupported --action %q", *action)
	}
}

func writeResult(stdout io.Writer, res createResult) error {
	encoded, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	encoded = append(encoded, '\n')
	_, err = stdout.Write(encoded)
	return err
}
