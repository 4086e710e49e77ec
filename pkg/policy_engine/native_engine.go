package policy_engine

import (
	"context"
	"time"

	"digitalvault/pkg/eligibility"
	"digitalvault/pkg/models"
)

// NativeEngine evaluates eligibility in Go.
type NativeEngine struct{}

func NewNativeEngine() *NativeEngine {
	return &NativeEngine{}
}

func (e *NativeEngine) Name() string {
	return EngineNative
}

func (e *NativeEngine) Evaluate(ctx context.Context, capsule *models.CapsuleMetadata, now time.Time, loc *models.Location) (*models.EligibilityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return eligibility.Evaluate(capsule, now, loc), nil
}
