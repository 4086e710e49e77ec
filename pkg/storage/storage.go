// Package storage provides content-addressed stores for capsule ciphertext.
// A store failure is always an error; no store ever fabricates an address.
package storage

import (
	"context"
	"fmt"

	"digitalvault/logging"
	"digitalvault/pkg/models"

	"github.com/multiformats/go-multihash"
)

var logger = logging.GetLogger()

// Metadata describes a pinned object for stores that keep it.
type Metadata struct {
	Name      string
	KeyValues map[string]string
}

// Store is a content-addressed blob store. Put is idempotent for identical
// bytes on stores that compute addresses locally.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
}

// MetadataStore is implemented by stores that accept object metadata.
type MetadataStore interface {
	Store
	PutWithMetadata(ctx context.Context, data []byte, meta Metadata) (string, error)
}

// ContentAddress returns the base58 sha2-256 multihash of data, the same
// string IPFS uses for CIDv0 ("Qm...").
func ContentAddress(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return mh.B58String(), nil
}

// ValidateAddress checks that address is a well-formed sha2-256 multihash.
func ValidateAddress(address string) error {
	mh, err := multihash.FromB58String(address)
	if err != nil {
		return models.NewError(models.ErrCodeInvalidInput, "malformed content address", err)
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return models.NewError(models.ErrCodeInvalidInput, "malformed content address", err)
	}
	if decoded.Code != multihash.SHA2_256 {
		return models.Errorf(models.ErrCodeInvalidInput, "unsupported hash function %s", decoded.Name)
	}
	return nil
}

// verify checks data against its address.
func verify(address string, data []byte) error {
	got, err := ContentAddress(data)
	if err != nil {
		return models.NewError(models.ErrCodeStorageUnavailable, "failed to hash stored content", err)
	}
	if got != address {
		return models.Errorf(models.ErrCodeStorageUnavailable, "stored content does not match address %s", address)
	}
	return nil
}
