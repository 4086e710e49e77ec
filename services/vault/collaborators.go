// Package vault sequences the capsule Create and Unlock pipelines over the
// encryption engine and the ledger, storage, signer and location
// collaborators.
package vault

import (
	"context"
	"time"

	"digitalvault/logging"
	"digitalvault/pkg/models"
	"digitalvault/pkg/storage"
)

var logger = logging.GetLogger()

// DefaultChallenge is the fixed message signed to derive wrapping keys. It
// is not capsule specific, so one signature unlocks every capsule of an
// identity.
const DefaultChallenge = "Digital Vault - Authorize file access"

// Ledger is the authority on capsule registration and unlock eligibility.
type Ledger interface {
	Register(ctx context.Context, meta *models.CapsuleMetadata) (*models.Registration, error)
	QueryEligibility(ctx context.Context, id string, loc *models.Location) (bool, error)
	ListCapsules(ctx context.Context, owner string) ([]*models.CapsuleMetadata, error)
}

// Storage is a content-addressed blob store.
type Storage interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
}

// metadataStorage is implemented by stores that can label uploads.
type metadataStorage interface {
	PutWithMetadata(ctx context.Context, data []byte, meta storage.Metadata) (string, error)
}

// Signer produces signatures bound to one externally held identity.
type Signer interface {
	Identity() string
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// LocationProvider reports the requester's current position.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (*models.Location, error)
}

// Session is the caller's identity for one or more pipeline runs. Location
// is optional and only consulted for geofenced unlocks without an explicit
// location.
type Session struct {
	Signer   Signer
	Location LocationProvider
}

// Owner is the session's signer identity.
func (s *Session) Owner() string {
	if s == nil || s.Signer == nil {
		return ""
	}
	return s.Signer.Identity()
}

func (s *Session) validate() error {
	if s == nil || s.Signer == nil {
		return models.Errorf(models.ErrCodeInvalidInput, "session has no signer")
	}
	if s.Signer.Identity() == "" {
		return models.NewError(models.ErrCodeInvalidInput, "session signer has no identity", models.ErrMissingOwner)
	}
	return nil
}

// Timeouts bounds each collaborator call.
type Timeouts struct {
	Ledger   time.Duration
	Storage  time.Duration
	Signer   time.Duration
	Location time.Duration
}

// DefaultTimeouts leaves the signer room for an interactive confirmation.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ledger:   30 * time.Second,
		Storage:  60 * time.Second,
		Signer:   2 * time.Minute,
		Location: 15 * time.Second,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
