// Package signer provides the signing identity that seals and unlocks
// capsules. Ed25519 signatures are deterministic, so signing the fixed
// challenge twice yields the same bytes and therefore the same wrapping key.
package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"digitalvault/logging"
	"digitalvault/pkg/models"

	"github.com/multiformats/go-multibase"
)

var logger = logging.GetLogger()

// ed25519PubPrefix is the multicodec varint for ed25519-pub.
var ed25519PubPrefix = []byte{0xed, 0x01}

const pemBlockType = "PRIVATE KEY"

// Signer produces signatures for one identity.
type Signer interface {
	Identity() string
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// Ed25519Signer signs with a locally held private key.
type Ed25519Signer struct {
	priv     ed25519.PrivateKey
	identity string
}

func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	identity, err := IdentityFromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{priv: priv, identity: identity}, nil
}

func (s *Ed25519Signer) Identity() string {
	return s.identity
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) Sign(ctx context.Context, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewError(models.ErrCodeSignerUnavailable, "signing cancelled", err)
	}
	return ed25519.Sign(s.priv, message), nil
}

// IdentityFromPublicKey renders a public key as a multibase base58btc
// identity ("z6Mk...").
func IdentityFromPublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	return multibase.Encode(multibase.Base58BTC, append(append([]byte(nil), ed25519PubPrefix...), pub...))
}

// PublicKeyFromIdentity is the inverse of IdentityFromPublicKey.
func PublicKeyFromIdentity(identity string) (ed25519.PublicKey, error) {
	_, raw, err := multibase.Decode(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identity: %w", err)
	}
	if !bytes.HasPrefix(raw, ed25519PubPrefix) || len(raw) != len(ed25519PubPrefix)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity is not an ed25519 public key")
	}
	return ed25519.PublicKey(raw[len(ed25519PubPrefix):]), nil
}

// Verify checks a signature against an identity.
func Verify(identity string, message, signature []byte) bool {
	pub, err := PublicKeyFromIdentity(identity)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return priv, nil
}

func MarshalPrivateKeyPEM(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der}), nil
}

func ParsePrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("no %s PEM block found", pemBlockType)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want ed25519", key)
	}
	return priv, nil
}

// LoadKeyFile reads a PEM private key. A missing or unreadable key file
// means the identity is unavailable.
func LoadKeyFile(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, models.NewError(models.ErrCodeSignerUnavailable, "no identity key at "+path+", run keygen first", err)
	}
	if err != nil {
		return nil, models.NewError(models.ErrCodeSignerUnavailable, "failed to read identity key", err)
	}
	priv, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, models.NewError(models.ErrCodeSignerUnavailable, "identity key is invalid", err)
	}
	return priv, nil
}

// WriteKeyFile writes priv as PEM with owner-only permissions. It refuses to
// replace an existing key, since that would orphan every sealed capsule.
func WriteKeyFile(path string, priv ed25519.PrivateKey) error {
	data, err := MarshalPrivateKeyPEM(priv)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}
	logger.Info("wrote identity key to %s", path)
	return nil
}
