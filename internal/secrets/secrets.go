// Package secrets resolves operator-held material, chiefly the vault owner's
// signing key. References are provider-specific: an environment variable name
// for local runs, a Secrets Manager id or ARN in deployments.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

// Provider resolves one secret reference to its stored value.
type Provider interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider resolves references against AWS Secrets Manager.
type AWSProvider struct {
	api secretsManagerAPI
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(api secretsManagerAPI) (*AWSProvider, error) {
	if api == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{api: api}, nil
}

func (p *AWSProvider) Resolve(ctx context.Context, ref string) (string, error) {
	if p == nil || p.api == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty secret ref", ErrInvalidConfig)
	}
	out, err := p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &ref})
	if err != nil {
		return "", fmt.Errorf("secrets: resolve %q: %w", ref, err)
	}
	// String secrets take precedence; binary is the fallback for keys stored
	// raw.
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, ref)
}

// EnvProvider resolves references as environment variable names.
type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty env ref", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(ref))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, ref)
	}
	return v, nil
}
