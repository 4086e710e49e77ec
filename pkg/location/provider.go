// Package location supplies the requester's position for geofenced unlocks.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"digitalvault/pkg/models"
)

const (
	// DefaultTimeout bounds one acquisition.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxAge is the oldest fix accepted.
	DefaultMaxAge = 60 * time.Second
)

// Provider returns the current location or fails with LOCATION_UNAVAILABLE,
// PERMISSION_DENIED or TIMEOUT.
type Provider interface {
	CurrentLocation(ctx context.Context) (*models.Location, error)
}

// Grade buckets a fix's accuracy for display.
type Grade string

const (
	GradeExcellent Grade = "excellent"
	GradeGood      Grade = "good"
	GradeFair      Grade = "fair"
	GradePoor      Grade = "poor"
)

// GradeAccuracy grades an accuracy radius in meters.
func GradeAccuracy(meters float64) Grade {
	switch {
	case meters <= 10:
		return GradeExcellent
	case meters <= 50:
		return GradeGood
	case meters <= 100:
		return GradeFair
	default:
		return GradePoor
	}
}

// StaticProvider always reports the same position, stamped at call time.
type StaticProvider struct {
	loc models.Location
	now func() time.Time
}

func NewStaticProvider(lat, lon, accuracy float64) (*StaticProvider, error) {
	loc := models.Location{Latitude: lat, Longitude: lon, AccuracyMeters: accuracy}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return &StaticProvider{loc: loc, now: time.Now}, nil
}

func (p *StaticProvider) CurrentLocation(ctx context.Context) (*models.Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, timeoutOrUnavailable(err)
	}
	loc := p.loc
	loc.Timestamp = p.now()
	return &loc, nil
}

// FileProvider reads the latest fix written by an external GPS daemon as
// JSON ({"latitude":..,"longitude":..,"accuracy_meters":..,"timestamp":..}).
type FileProvider struct {
	path   string
	maxAge time.Duration
	now    func() time.Time
}

func NewFileProvider(path string, maxAge time.Duration) *FileProvider {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &FileProvider{path: path, maxAge: maxAge, now: time.Now}
}

func (p *FileProvider) CurrentLocation(ctx context.Context) (*models.Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, timeoutOrUnavailable(err)
	}

	data, err := os.ReadFile(p.path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, models.NewError(models.ErrCodePermissionDenied, "cannot read location fix", err)
	case errors.Is(err, fs.ErrNotExist):
		return nil, models.NewError(models.ErrCodeLocationUnavailable, "no location fix available", err)
	case err != nil:
		return nil, models.NewError(models.ErrCodeLocationUnavailable, "failed to read location fix", err)
	}

	var fix models.Location
	if err := json.Unmarshal(data, &fix); err != nil {
		return nil, models.NewError(models.ErrCodeLocationUnavailable, "location fix is malformed", err)
	}
	if err := fix.Validate(); err != nil {
		return nil, models.NewError(models.ErrCodeLocationUnavailable, "location fix is invalid", err)
	}
	if fix.Timestamp.IsZero() {
		return nil, models.Errorf(models.ErrCodeLocationUnavailable, "location fix has no timestamp")
	}
	if age := p.now().Sub(fix.Timestamp); age > p.maxAge {
		return nil, models.Errorf(models.ErrCodeLocationUnavailable, "location fix is stale (%s old)", age.Round(time.Second))
	}
	return &fix, nil
}

// WithTimeout bounds every acquisition of inner.
func WithTimeout(inner Provider, timeout time.Duration) Provider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutProvider{inner: inner, timeout: timeout}
}

type timeoutProvider struct {
	inner   Provider
	timeout time.Duration
}

func (p *timeoutProvider) CurrentLocation(ctx context.Context) (*models.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		loc *models.Location
		err error
	}
	ch := make(chan result, 1)
	go func() {
		loc, err := p.inner.CurrentLocation(ctx)
		ch <- result{loc, err}
	}()

	select {
	case <-ctx.Done():
		return nil, timeoutOrUnavailable(ctx.Err())
	case r := <-ch:
		return r.loc, r.err
	}
}

func timeoutOrUnavailable(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.ErrCodeTimeout, "location acquisition timed out", err)
	}
	return models.NewError(models.ErrCodeLocationUnavailable, "location acquisition cancelled", err)
}
