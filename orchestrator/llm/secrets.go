// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretValueGetter is the subset of the Secrets Manager client used to load
// key pairs. *secretsmanager.Client satisfies it.
type SecretValueGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsManagerClient creates a Secrets Manager client using the default
// AWS credential chain.
func NewSecretsManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	cfgOpts := []func(*config.LoadOptions) error{}
	if region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return secretsmanager.NewFromConfig(cfg), nil
}

// LoadKeyPoolFromSecret builds a pool from a JSON secret whose keys follow the
// same VANCHIN_API_KEY_<n>/VANCHIN_ENDPOINT_<n> naming as the environment.
func LoadKeyPoolFromSecret(ctx context.Context, client SecretValueGetter, secretID string) (*KeyPool, error) {
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, &ConfigurationError{
			Message: fmt.Sprintf("failed to get secret %s", maskSecretID(secretID)),
			Cause:   err,
		}
	}

	if result.SecretString == nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("secret %s has no string value", maskSecretID(secretID))}
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &values); err != nil {
		return nil, &ConfigurationError{
			Message: fmt.Sprintf("secret %s is not a JSON object of strings", maskSecretID(secretID)),
			Cause:   err,
		}
	}

	return NewKeyPool(scanNumberedPairs(func(key string) string {
		return values[key]
	}))
}

// maskSecretID keeps only the trailing name segment of an ARN for logs.
func maskSecretID(id string) string {
	if idx := strings.LastIndex(id, ":"); idx >= 0 && idx < len(id)-1 {
		return "arn:...:" + id[idx+1:]
	}
	return id
}
