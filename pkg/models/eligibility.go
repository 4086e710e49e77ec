package models

import "time"

// ReasonCode explains an eligibility decision. User-facing messages are
// chosen from the code, never synthesized by the evaluator.
type ReasonCode string

const (
	ReasonBothPending     ReasonCode = "BOTH_PENDING"
	ReasonTimePending     ReasonCode = "TIME_PENDING"
	ReasonLocationPending ReasonCode = "LOCATION_PENDING"
	ReasonEligible        ReasonCode = "ELIGIBLE"
)

// ReasonFor derives the reason code from the two conditions.
func ReasonFor(timeSatisfied, geoSatisfied bool) ReasonCode {
	switch {
	case timeSatisfied && geoSatisfied:
		return ReasonEligible
	case !timeSatisfied && !geoSatisfied:
		return ReasonBothPending
	case !timeSatisfied:
		return ReasonTimePending
	default:
		return ReasonLocationPending
	}
}

// EligibilityResult is the outcome of evaluating a capsule's release
// conditions at a given instant and location.
type EligibilityResult struct {
	TimeSatisfied bool       `json:"time_satisfied" yaml:"time_satisfied"`
	GeoSatisfied  bool       `json:"geo_satisfied" yaml:"geo_satisfied"`
	Eligible      bool       `json:"eligible" yaml:"eligible"`
	Reason        ReasonCode `json:"reason" yaml:"reason"`

	// TimeRemaining is zero once the time-lock is satisfied.
	TimeRemaining time.Duration `json:"time_remaining" yaml:"time_remaining"`
	// DistanceMeters is set when both a geofence and a location were present.
	DistanceMeters *float64 `json:"distance_meters,omitempty" yaml:"distance_meters,omitempty"`
}
