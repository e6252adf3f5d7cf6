package auth

import (
	"context"
	"fmt"
)

// SSMClient is the interface for AWS SSM Parameter Store lookups.
type SSMClient interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// WithSSM registers an "ssm" provider so credential references of the form
// "ssm:/path/to/param" resolve from AWS SSM Parameter Store.
func WithSSM(client SSMClient) ResolverOption {
	return WithProvider("ssm", func(ctx context.Context, ref string) (string, error) {
		val, err := client.GetParameter(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("SSM GetParameter %q: %w", ref, err)
		}
		return val, nil
	})
}

// SecretsManagerClient is the interface for AWS Secrets Manager lookups.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, secretID string) (string, error)
}

// WithSecretsManager registers a "secretsmanager" provider so credential
// references of the form "secretsmanager:name" resolve from AWS Secrets
// Manager.
func WithSecretsManager(client SecretsManagerClient) ResolverOption {
	return WithProvider("secretsmanager", func(ctx context.Context, ref string) (string, error) {
		val, err := client.GetSecretValue(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("SecretsManager GetSecretValue %q: %w", ref, err)
		}
		return val, nil
	})
}
