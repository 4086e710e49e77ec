package crypto

import (
	"crypto/subtle"
	"sync"
	"sync/atomic"

	"digitalvault/pkg/models"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// maxSealsPerKey bounds random-nonce GCM invocations under one key
// (NIST SP 800-38D, 2^32 with 96-bit random nonces).
const maxSealsPerKey = 1 << 32

// Key holds symmetric key material. Its String form never reveals bytes and
// Destroy zeroes the backing array; callers defer Destroy right after
// acquiring a key.
type Key struct {
	mu    sync.RWMutex
	b     []byte
	seals atomic.Uint64
}

// NewKey copies raw into a new Key.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, models.Errorf(models.ErrCodeInvalidInput, "key must be %d bytes, got %d", KeySize, len(raw))
	}
	return &Key{b: append([]byte(nil), raw...)}, nil
}

// Bytes returns a copy of the key material.
func (k *Key) Bytes() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.b == nil {
		return nil
	}
	return append([]byte(nil), k.b...)
}

// Destroy zeroes and releases the key material. Safe to call repeatedly
// and on a nil Key.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.b)
	k.b = nil
}

// Destroyed reports whether Destroy has been called.
func (k *Key) Destroyed() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.b == nil
}

// Equal compares two keys in constant time.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return false
	}
	a, b := k.Bytes(), other.Bytes()
	defer clear(a)
	defer clear(b)
	return a != nil && subtle.ConstantTimeCompare(a, b) == 1
}

func (k *Key) String() string {
	return "crypto.Key(redacted)"
}

func (k *Key) GoString() string {
	return k.String()
}

// use runs fn with the live key bytes under a read lock.
func (k *Key) use(fn func(raw []byte) error) error {
	if k == nil {
		return models.Errorf(models.ErrCodeInvalidInput, "key is nil")
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.b == nil {
		return models.Errorf(models.ErrCodeCryptoUnavailable, "key has been destroyed")
	}
	return fn(k.b)
}

// reserveSeal counts one encryption under k and refuses once the random
// nonce budget is spent.
func (k *Key) reserveSeal() error {
	if k.seals.Add(1) > maxSealsPerKey {
		return models.Errorf(models.ErrCodeCryptoUnavailable, "nonce budget exhausted for key, rotate to a fresh key")
	}
	return nil
}
