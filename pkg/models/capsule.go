package models

import (
	"fmt"
	"strings"
	"time"
)

// Classification is informational priority. It has no bearing on unlock
// eligibility.
type Classification int

const (
	ClassificationStandard Classification = iota
	ClassificationElevated
	ClassificationCritical
)

var classificationNames = map[Classification]string{
	ClassificationStandard: "standard",
	ClassificationElevated: "elevated",
	ClassificationCritical: "critical",
}

func (c Classification) String() string {
	if name, ok := classificationNames[c]; ok {
		return name
	}
	return fmt.Sprintf("classification(%d)", int(c))
}

// Priority is the numeric priority recorded on the ledger.
func (c Classification) Priority() int {
	return int(c)
}

func (c Classification) Valid() bool {
	_, ok := classificationNames[c]
	return ok
}

// ParseClassification accepts a name or a priority number.
func ParseClassification(s string) (Classification, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "0":
		return ClassificationStandard, nil
	case "elevated", "1":
		return ClassificationElevated, nil
	case "critical", "2":
		return ClassificationCritical, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidClass, s)
}

// ClassificationFromPriority maps a ledger priority back to a classification.
func ClassificationFromPriority(p int) (Classification, error) {
	c := Classification(p)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: priority %d", ErrInvalidClass, p)
	}
	return c, nil
}

func (c Classification) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidClass, int(c))
	}
	return []byte(c.String()), nil
}

func (c *Classification) UnmarshalText(text []byte) error {
	parsed, err := ParseClassification(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// LifecycleState is the orchestrator-driven state of a capsule.
type LifecycleState string

const (
	StateDraft       LifecycleState = "DRAFT"
	StateEncrypting  LifecycleState = "ENCRYPTING"
	StateUploading   LifecycleState = "UPLOADING"
	StateKeyWrapping LifecycleState = "KEY_WRAPPING"
	StateRegistering LifecycleState = "REGISTERING"
	StateSealed      LifecycleState = "SEALED"
	StateUnlocking   LifecycleState = "UNLOCKING"
	StateUnlocked    LifecycleState = "UNLOCKED"
	StateFailed      LifecycleState = "FAILED"
)

// InFlight reports whether a pipeline is currently driving the capsule.
func (s LifecycleState) InFlight() bool {
	switch s {
	case StateEncrypting, StateUploading, StateKeyWrapping, StateRegistering, StateUnlocking:
		return true
	}
	return false
}

var allowedTransitions = map[LifecycleState][]LifecycleState{
	StateDraft:       {StateEncrypting, StateFailed},
	StateEncrypting:  {StateUploading, StateFailed},
	StateUploading:   {StateKeyWrapping, StateFailed},
	StateKeyWrapping: {StateRegistering, StateFailed},
	StateRegistering: {StateSealed, StateFailed},
	StateSealed:      {StateUnlocking},
	StateUnlocking:   {StateUnlocked, StateFailed},
	StateUnlocked:    {StateUnlocking},
	// An unlock attempt that failed may be retried by the caller.
	StateFailed: {StateUnlocking},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to LifecycleState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Geofence is a circular region. RadiusMeters must be positive.
type Geofence struct {
	Latitude     float64 `json:"latitude" yaml:"latitude"`
	Longitude    float64 `json:"longitude" yaml:"longitude"`
	RadiusMeters float64 `json:"radius_meters" yaml:"radius_meters"`
}

func (g *Geofence) Validate() error {
	if err := ValidateCoordinates(g.Latitude, g.Longitude); err != nil {
		return err
	}
	if !(g.RadiusMeters > 0) {
		return ErrInvalidRadius
	}
	return nil
}

// Location is a position fix from a location provider.
type Location struct {
	Latitude       float64   `json:"latitude" yaml:"latitude"`
	Longitude      float64   `json:"longitude" yaml:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters" yaml:"accuracy_meters"`
	Timestamp      time.Time `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

func (l *Location) Validate() error {
	if err := ValidateCoordinates(l.Latitude, l.Longitude); err != nil {
		return err
	}
	if l.AccuracyMeters < 0 {
		return ErrInvalidAccuracy
	}
	return nil
}

// ValidateCoordinates checks latitude and longitude ranges.
func ValidateCoordinates(lat, lon float64) error {
	if !(lat >= -90 && lat <= 90) {
		return ErrInvalidLatitude
	}
	if !(lon >= -180 && lon <= 180) {
		return ErrInvalidLongitude
	}
	return nil
}

// CapsuleMetadata is what the ledger records and returns for a capsule.
type CapsuleMetadata struct {
	ID                string         `json:"id" yaml:"id"`
	Owner             string         `json:"owner" yaml:"owner"`
	Title             string         `json:"title" yaml:"title"`
	Description       string         `json:"description,omitempty" yaml:"description,omitempty"`
	Classification    Classification `json:"classification" yaml:"classification"`
	ContentPointer    string         `json:"content_pointer" yaml:"content_pointer"`
	WrappedContentKey []byte         `json:"wrapped_content_key" yaml:"-"`
	UnlockAt          time.Time      `json:"unlock_at" yaml:"unlock_at"`
	Geofence          *Geofence      `json:"geofence,omitempty" yaml:"geofence,omitempty"`
	CreatedAt         time.Time      `json:"created_at" yaml:"created_at"`
}

// Validate checks metadata before registration.
func (m *CapsuleMetadata) Validate(now time.Time) error {
	if strings.TrimSpace(m.Owner) == "" {
		return ErrMissingOwner
	}
	if strings.TrimSpace(m.Title) == "" {
		return ErrMissingTitle
	}
	if !m.Classification.Valid() {
		return ErrInvalidClass
	}
	if m.ContentPointer == "" {
		return ErrMissingContent
	}
	if len(m.WrappedContentKey) == 0 {
		return ErrMissingWrappedKey
	}
	if !m.UnlockAt.After(now) {
		return ErrUnlockNotInFuture
	}
	if m.Geofence != nil {
		return m.Geofence.Validate()
	}
	return nil
}

// IsGeoLocked reports whether the capsule carries a geofence.
func (m *CapsuleMetadata) IsGeoLocked() bool {
	return m.Geofence != nil
}

// Registration is the ledger's answer to a successful register call.
type Registration struct {
	ID           string    `json:"id"`
	Receipt      string    `json:"receipt"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Capsule is the session-side view of a capsule: ledger metadata plus the
// local lifecycle state.
type Capsule struct {
	CapsuleMetadata `yaml:",inline"`

	// DraftID identifies the capsule before the ledger assigns ID.
	DraftID   string         `json:"draft_id,omitempty" yaml:"draft_id,omitempty"`
	Receipt   string         `json:"receipt,omitempty" yaml:"receipt,omitempty"`
	State     LifecycleState `json:"state" yaml:"state"`
	Failure   *Error         `json:"failure,omitempty" yaml:"failure,omitempty"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Key returns the registry key: the ledger id once assigned, else the draft id.
func (c *Capsule) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.DraftID
}

// Clone returns a deep copy safe to hand out of the registry.
func (c *Capsule) Clone() *Capsule {
	if c == nil {
		return nil
	}
	cp := *c
	if c.WrappedContentKey != nil {
		cp.WrappedContentKey = append([]byte(nil), c.WrappedContentKey...)
	}
	if c.Geofence != nil {
		g := *c.Geofence
		cp.Geofence = &g
	}
	if c.Failure != nil {
		f := *c.Failure
		cp.Failure = &f
	}
	return &cp
}
