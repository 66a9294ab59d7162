package secrets

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/stratos-custody/vaultsync/internal/eth"
)

const (
	DriverEnv = "env"
	DriverAWS = "aws"
)

// NewProvider selects a secret provider by driver name. The empty driver
// defaults to env, which is what local runs use.
func NewProvider(ctx context.Context, driver string) (Provider, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "", DriverEnv:
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

// OwnerKey fetches and parses the vault owner's signing key. ref is the
// provider-specific reference (env var name or secret id); the stored value
// is a hex-encoded secp256k1 private key.
func OwnerKey(ctx context.Context, p Provider, ref string) (*ecdsa.PrivateKey, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	raw, err := p.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	key, err := eth.ParsePrivateKeyHex(raw)
	if err != nil {
		return nil, fmt.Errorf("secrets: owner key %q: %w", ref, err)
	}
	return key, nil
}
