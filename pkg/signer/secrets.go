package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"digitalvault/pkg/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource loads the identity's PEM private key from AWS
// Secrets Manager. The secret is either the PEM itself or a JSON object
// holding it under KeyField.
type SecretsManagerSource struct {
	client   SecretsManagerAPI
	secretID string
	keyField string
}

// NewSecretsManagerSource builds a client for region, optionally pointed at
// a custom endpoint (localstack).
func NewSecretsManagerSource(ctx context.Context, region, endpoint, secretID, keyField string) (*SecretsManagerSource, error) {
	if secretID == "" {
		return nil, fmt.Errorf("secret id is required")
	}
	if region == "" {
		return nil, fmt.Errorf("region is required to read secret %s", secretID)
	}

	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration for region %s: %w", region, err)
	}

	var opts []func(*secretsmanager.Options)
	if endpoint != "" {
		opts = append(opts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return NewSecretsManagerSourceWithClient(secretsmanager.NewFromConfig(cfg, opts...), secretID, keyField), nil
}

func NewSecretsManagerSourceWithClient(client SecretsManagerAPI, secretID, keyField string) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, secretID: secretID, keyField: keyField}
}

// LoadPrivateKey fetches and parses the key. Any failure means the signing
// identity is unavailable.
func (s *SecretsManagerSource) LoadPrivateKey(ctx context.Context) (ed25519.PrivateKey, error) {
	output, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return nil, models.NewError(models.ErrCodeSignerUnavailable, "failed to fetch secret "+s.secretID, err)
	}

	var payload string
	switch {
	case output.SecretString != nil:
		payload = *output.SecretString
	case len(output.SecretBinary) > 0:
		payload = string(output.SecretBinary)
	default:
		return nil, models.Errorf(models.ErrCodeSignerUnavailable, "secret %s has no payload", s.secretID)
	}

	pemData, err := extractField(payload, s.keyField)
	if err != nil {
		return nil, models.NewError(models.ErrCodeSignerUnavailable, "secret "+s.secretID+" is malformed", err)
	}
	priv, err := ParsePrivateKeyPEM([]byte(pemData))
	if err != nil {
		return nil, models.NewError(models.ErrCodeSignerUnavailable, "secret "+s.secretID+" holds no usable key", err)
	}
	logger.Info("loaded identity key from secret %s", s.secretID)
	return priv, nil
}

// extractField returns payload unchanged when it is already PEM.
func extractField(payload, field string) (string, error) {
	if field == "" || len(payload) > 0 && payload[0] == '-' {
		return payload, nil
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return "", fmt.Errorf("failed to parse secret JSON: %w", err)
	}
	value, ok := parsed[field]
	if !ok {
		return "", fmt.Errorf("secret JSON does not contain field %q", field)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret field %q is not a string value", field)
	}
	return str, nil
}
