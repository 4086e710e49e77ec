// Package crypto implements the capsule envelope encryption: AES-256-GCM
// content encryption and content-key wrapping under a PBKDF2 key derived
// from a signature over a fixed challenge.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"digitalvault/pkg/models"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the GCM nonce length (96 bits).
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16

	DefaultIterations = 100000
	DefaultSalt       = "digital_vault_salt"
)

// Engine performs the envelope encryption operations. The zero value is not
// usable; construct with NewEngine.
type Engine struct {
	iterations int
	salt       []byte
	random     io.Reader
}

type Option func(*Engine)

// WithIterations overrides the PBKDF2 iteration count.
func WithIterations(n int) Option {
	return func(e *Engine) { e.iterations = n }
}

// WithSalt overrides the application salt. Every capsule wrapped under one
// salt must be unwrapped under the same salt.
func WithSalt(salt string) Option {
	return func(e *Engine) { e.salt = []byte(salt) }
}

// WithRandom replaces the randomness source.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.random = r }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		iterations: DefaultIterations,
		salt:       []byte(DefaultSalt),
		random:     rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Iterations returns the configured PBKDF2 iteration count.
func (e *Engine) Iterations() int {
	return e.iterations
}

// GenerateContentKey returns a fresh random 256-bit content key.
func (e *Engine) GenerateContentKey() (*Key, error) {
	raw := make([]byte, KeySize)
	defer clear(raw)
	if _, err := io.ReadFull(e.random, raw); err != nil {
		return nil, models.NewError(models.ErrCodeCryptoUnavailable, "failed to generate content key", err)
	}
	return NewKey(raw)
}

// Encrypt seals plaintext under key with a fresh random nonce.
func (e *Engine) Encrypt(plaintext []byte, key *Key) (*Envelope, error) {
	nonce, ciphertext, err := e.seal(plaintext, key)
	if err != nil {
		return nil, err
	}
	return &Envelope{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens an envelope. Any tag mismatch is AUTHENTICATION_FAILED.
func (e *Engine) Decrypt(envelope *Envelope, key *Key) ([]byte, error) {
	if envelope == nil {
		return nil, models.Errorf(models.ErrCodeInvalidInput, "envelope is nil")
	}
	return open(envelope.Nonce, envelope.Ciphertext, key, "payload")
}

// DeriveWrappingKey derives the wrapping key from a signature. The same
// secret always yields the same key.
func (e *Engine) DeriveWrappingKey(secret []byte) (*Key, error) {
	if len(secret) == 0 {
		return nil, models.Errorf(models.ErrCodeInvalidInput, "signature secret is empty")
	}
	if e.iterations <= 0 {
		return nil, models.Errorf(models.ErrCodeCryptoUnavailable, "invalid kdf iteration count %d", e.iterations)
	}
	raw := pbkdf2.Key(secret, e.salt, e.iterations, KeySize, sha256.New)
	defer clear(raw)
	return NewKey(raw)
}

// WrapKey encrypts the content key's bytes under the wrapping key.
func (e *Engine) WrapKey(contentKey, wrappingKey *Key) (*WrappedKey, error) {
	if contentKey == nil {
		return nil, models.Errorf(models.ErrCodeInvalidInput, "content key is nil")
	}
	raw := contentKey.Bytes()
	if raw == nil {
		return nil, models.Errorf(models.ErrCodeCryptoUnavailable, "content key has been destroyed")
	}
	defer clear(raw)

	nonce, wrapped, err := e.seal(raw, wrappingKey)
	if err != nil {
		return nil, err
	}
	return &WrappedKey{Nonce: nonce, WrappedBytes: wrapped}, nil
}

// UnwrapKey recovers the content key. A wrong wrapping key is
// AUTHENTICATION_FAILED.
func (e *Engine) UnwrapKey(wrapped *WrappedKey, wrappingKey *Key) (*Key, error) {
	if wrapped == nil {
		return nil, models.Errorf(models.ErrCodeInvalidInput, "wrapped key is nil")
	}
	raw, err := open(wrapped.Nonce, wrapped.WrappedBytes, wrappingKey, "content key")
	if err != nil {
		return nil, err
	}
	defer clear(raw)
	key, err := NewKey(raw)
	if err != nil {
		return nil, models.NewError(models.ErrCodeAuthenticationFailed, "unwrapped key has wrong length", err)
	}
	return key, nil
}

func (e *Engine) seal(plaintext []byte, key *Key) (nonce, ciphertext []byte, err error) {
	err = key.use(func(raw []byte) error {
		gcm, err := newGCM(raw)
		if err != nil {
			return err
		}
		if err := key.reserveSeal(); err != nil {
			return err
		}
		nonce = make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(e.random, nonce); err != nil {
			return models.NewError(models.ErrCodeCryptoUnavailable, "failed to generate nonce", err)
		}
		ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return nonce, ciphertext, nil
}

func open(nonce, ciphertext []byte, key *Key, what string) ([]byte, error) {
	if len(nonce) != NonceSize || len(ciphertext) < TagSize {
		return nil, models.Errorf(models.ErrCodeAuthenticationFailed, "%s is truncated or malformed", what)
	}
	var plaintext []byte
	err := key.use(func(raw []byte) error {
		gcm, err := newGCM(raw)
		if err != nil {
			return err
		}
		plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return models.NewError(models.ErrCodeAuthenticationFailed, "failed to authenticate "+what, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func newGCM(raw []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, models.NewError(models.ErrCodeCryptoUnavailable, "failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, models.NewError(models.ErrCodeCryptoUnavailable, "failed to create GCM mode", err)
	}
	return gcm, nil
}
