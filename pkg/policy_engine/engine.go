// Package policy_engine decides capsule unlock eligibility on the ledger,
// either natively or through an OPA Rego policy.
package policy_engine

import (
	"context"
	"fmt"
	"time"

	"digitalvault/logging"
	"digitalvault/pkg/models"
)

var logger = logging.GetLogger()

const (
	EngineNative = "native"
	EngineRego   = "rego"
)

// Engine evaluates a capsule's release conditions. loc may be nil.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, capsule *models.CapsuleMetadata, now time.Time, loc *models.Location) (*models.EligibilityResult, error)
}

// NewEngine returns the engine named by kind. module overrides the
// embedded Rego policy when non-empty.
func NewEngine(ctx context.Context, kind, module string) (Engine, error) {
	switch kind {
	case "", EngineNative:
		return NewNativeEngine(), nil
	case EngineRego:
		if module == "" {
			return NewRegoEngine(ctx)
		}
		return NewRegoEngineFromModule(ctx, "custom.rego", module)
	default:
		return nil, fmt.Errorf("unknown policy engine %q", kind)
	}
}
