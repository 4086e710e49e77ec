// Package ledger holds the HTTP wire format of the capsule ledger and a
// client implementing the vault's Ledger collaborator over it.
package ledger

import (
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"digitalvault/logging"
	"digitalvault/pkg/models"
)

var logger = logging.GetLogger()

const (
	CapsulesPath    = "/api/v1/capsules"
	StatsPath       = "/api/v1/stats"
	HealthPath      = "/health"
	eligibilityPath = "eligibility"

	contentTypeJSON  = "application/json"
	authHeaderPrefix = "Bearer "
)

// microDegreesPerDegree scales coordinates to the ledger's integer encoding.
const microDegreesPerDegree = 1_000_000

// ToMicroDegrees encodes a coordinate as integer micro-degrees.
func ToMicroDegrees(deg float64) int64 {
	return int64(math.Round(deg * microDegreesPerDegree))
}

// FromMicroDegrees decodes an integer micro-degree coordinate.
func FromMicroDegrees(micro int64) float64 {
	return float64(micro) / microDegreesPerDegree
}

// GeofenceRecord is a geofence as stored on the ledger.
type GeofenceRecord struct {
	Latitude     int64 `json:"latitude"`
	Longitude    int64 `json:"longitude"`
	RadiusMeters int64 `json:"radius_meters"`
}

// CapsuleRecord is capsule metadata in ledger encoding: micro-degree
// coordinates, whole-meter radius, unix-second timestamps and a base64
// wrapped key.
type CapsuleRecord struct {
	ID                string          `json:"id,omitempty"`
	Owner             string          `json:"owner"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Classification    int             `json:"classification"`
	ContentPointer    string          `json:"content_pointer"`
	WrappedContentKey string          `json:"wrapped_content_key"`
	UnlockAt          int64           `json:"unlock_at"`
	Geofence          *GeofenceRecord `json:"geofence,omitempty"`
	CreatedAt         int64           `json:"created_at,omitempty"`
}

// RecordFromMetadata encodes m for the wire.
func RecordFromMetadata(m *models.CapsuleMetadata) *CapsuleRecord {
	r := &CapsuleRecord{
		ID:                m.ID,
		Owner:             m.Owner,
		Title:             m.Title,
		Description:       m.Description,
		Classification:    m.Classification.Priority(),
		ContentPointer:    m.ContentPointer,
		WrappedContentKey: base64.StdEncoding.EncodeToString(m.WrappedContentKey),
		UnlockAt:          m.UnlockAt.Unix(),
	}
	if !m.CreatedAt.IsZero() {
		r.CreatedAt = m.CreatedAt.Unix()
	}
	if m.Geofence != nil {
		r.Geofence = &GeofenceRecord{
			Latitude:     ToMicroDegrees(m.Geofence.Latitude),
			Longitude:    ToMicroDegrees(m.Geofence.Longitude),
			RadiusMeters: int64(math.Trunc(m.Geofence.RadiusMeters)),
		}
	}
	return r
}

// Metadata decodes r. It fails on an unknown classification or a wrapped
// key that is not valid base64.
func (r *CapsuleRecord) Metadata() (*models.CapsuleMetadata, error) {
	class, err := models.ClassificationFromPriority(r.Classification)
	if err != nil {
		return nil, err
	}
	wrapped, err := base64.StdEncoding.DecodeString(r.WrappedContentKey)
	if err != nil {
		return nil, fmt.Errorf("wrapped content key is not base64: %w", err)
	}

	m := &models.CapsuleMetadata{
		ID:                r.ID,
		Owner:             r.Owner,
		Title:             r.Title,
		Description:       r.Description,
		Classification:    class,
		ContentPointer:    r.ContentPointer,
		WrappedContentKey: wrapped,
		UnlockAt:          time.Unix(r.UnlockAt, 0).UTC(),
	}
	if r.CreatedAt != 0 {
		m.CreatedAt = time.Unix(r.CreatedAt, 0).UTC()
	}
	if r.Geofence != nil {
		m.Geofence = &models.Geofence{
			Latitude:     FromMicroDegrees(r.Geofence.Latitude),
			Longitude:    FromMicroDegrees(r.Geofence.Longitude),
			RadiusMeters: float64(r.Geofence.RadiusMeters),
		}
	}
	return m, nil
}

// RegisterResponse answers a successful registration.
type RegisterResponse struct {
	ID           string `json:"id"`
	Receipt      string `json:"receipt"`
	RegisteredAt int64  `json:"registered_at"`
}

// LocationRecord is a requester position in micro-degrees.
type LocationRecord struct {
	Latitude       int64 `json:"latitude"`
	Longitude      int64 `json:"longitude"`
	AccuracyMeters int64 `json:"accuracy_meters"`
}

func LocationRecordFrom(loc *models.Location) *LocationRecord {
	if loc == nil {
		return nil
	}
	return &LocationRecord{
		Latitude:       ToMicroDegrees(loc.Latitude),
		Longitude:      ToMicroDegrees(loc.Longitude),
		AccuracyMeters: int64(math.Round(loc.AccuracyMeters)),
	}
}

func (l *LocationRecord) Location() *models.Location {
	if l == nil {
		return nil
	}
	return &models.Location{
		Latitude:       FromMicroDegrees(l.Latitude),
		Longitude:      FromMicroDegrees(l.Longitude),
		AccuracyMeters: float64(l.AccuracyMeters),
	}
}

// EligibilityRequest asks whether a capsule may be unlocked now.
type EligibilityRequest struct {
	Location *LocationRecord `json:"location,omitempty"`
}

// EligibilityResponse is the ledger's authoritative answer.
type EligibilityResponse struct {
	Eligible      bool              `json:"eligible"`
	TimeSatisfied bool              `json:"time_satisfied"`
	GeoSatisfied  bool              `json:"geo_satisfied"`
	Reason        models.ReasonCode `json:"reason"`
	EvaluatedAt   int64             `json:"evaluated_at"`
}

// ListResponse wraps an owner's capsules.
type ListResponse struct {
	Capsules []*CapsuleRecord `json:"capsules"`
	Total    int              `json:"total"`
}

// StatsResponse reports ledger-wide counters.
type StatsResponse struct {
	TotalCapsules int64 `json:"total_capsules"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
