// Package eligibility evaluates a capsule's time-lock and geofence. The
// result is advisory; the ledger re-derives eligibility on its own.
package eligibility

import (
	"time"

	"digitalvault/pkg/geo"
	"digitalvault/pkg/models"
)

// Evaluate checks the capsule's release conditions at now. loc may be nil.
func Evaluate(capsule *models.CapsuleMetadata, now time.Time, loc *models.Location) *models.EligibilityResult {
	result := &models.EligibilityResult{
		TimeSatisfied: !now.Before(capsule.UnlockAt),
	}
	if !result.TimeSatisfied {
		result.TimeRemaining = capsule.UnlockAt.Sub(now)
	}

	switch fence := capsule.Geofence; {
	case fence == nil:
		result.GeoSatisfied = true
	case loc == nil:
		result.GeoSatisfied = false
	default:
		d := geo.Distance(loc.Latitude, loc.Longitude, fence.Latitude, fence.Longitude)
		result.DistanceMeters = &d
		result.GeoSatisfied = d <= fence.RadiusMeters
	}

	result.Eligible = result.TimeSatisfied && result.GeoSatisfied
	result.Reason = models.ReasonFor(result.TimeSatisfied, result.GeoSatisfied)
	return result
}

// Summary counts capsules by release status for a dashboard view.
type Summary struct {
	Total      int `json:"total" yaml:"total"`
	Locked     int `json:"locked" yaml:"locked"`
	Unlockable int `json:"unlockable" yaml:"unlockable"`
	GeoLocked  int `json:"geo_locked" yaml:"geo_locked"`
}

// Summarize evaluates every capsule at now and loc.
func Summarize(capsules []*models.CapsuleMetadata, now time.Time, loc *models.Location) Summary {
	s := Summary{Total: len(capsules)}
	for _, c := range capsules {
		if c.IsGeoLocked() {
			s.GeoLocked++
		}
		if Evaluate(c, now, loc).Eligible {
			s.Unlockable++
		} else {
			s.Locked++
		}
	}
	return s
}
