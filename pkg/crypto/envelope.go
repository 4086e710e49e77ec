package crypto

import "digitalvault/pkg/models"

// Envelope is the result of Encrypt. Its serialized form, nonce followed by
// ciphertext, is what gets uploaded to storage.
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
}

// Marshal returns nonce ‖ ciphertext.
func (e *Envelope) Marshal() []byte {
	return joinNonce(e.Nonce, e.Ciphertext)
}

// ParseEnvelope splits serialized envelope bytes. Truncated input is
// reported as AUTHENTICATION_FAILED since it cannot be opened.
func ParseEnvelope(data []byte) (*Envelope, error) {
	nonce, body, err := splitNonce(data, "envelope")
	if err != nil {
		return nil, err
	}
	return &Envelope{Nonce: nonce, Ciphertext: body}, nil
}

// WrappedKey is a content key sealed under a wrapping key. Persisted as
// nonce ‖ wrapped bytes.
type WrappedKey struct {
	Nonce        []byte
	WrappedBytes []byte
}

func (w *WrappedKey) Marshal() []byte {
	return joinNonce(w.Nonce, w.WrappedBytes)
}

func ParseWrappedKey(data []byte) (*WrappedKey, error) {
	nonce, body, err := splitNonce(data, "wrapped key")
	if err != nil {
		return nil, err
	}
	return &WrappedKey{Nonce: nonce, WrappedBytes: body}, nil
}

func joinNonce(nonce, body []byte) []byte {
	out := make([]byte, 0, len(nonce)+len(body))
	out = append(out, nonce...)
	return append(out, body...)
}

func splitNonce(data []byte, what string) ([]byte, []byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, nil, models.Errorf(models.ErrCodeAuthenticationFailed, "%s too short: %d bytes", what, len(data))
	}
	nonce := append([]byte(nil), data[:NonceSize]...)
	body := append([]byte(nil), data[NonceSize:]...)
	return nonce, body, nil
}
