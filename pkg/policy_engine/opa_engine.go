package policy_engine

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"digitalvault/pkg/geo"
	"digitalvault/pkg/models"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed policies/unlock.rego
var unlockPolicy string

const decisionQuery = "data.digitalvault.unlock.decision"

// RegoEngine evaluates eligibility with a prepared Rego query. Distance is
// computed in Go and handed to the policy as input.
type RegoEngine struct {
	query rego.PreparedEvalQuery
}

// NewRegoEngine prepares the embedded unlock policy.
func NewRegoEngine(ctx context.Context) (*RegoEngine, error) {
	return NewRegoEngineFromModule(ctx, "unlock.rego", unlockPolicy)
}

// NewRegoEngineFromModule prepares a policy that defines decision in package
// digitalvault.unlock.
func NewRegoEngineFromModule(ctx context.Context, name, module string) (*RegoEngine, error) {
	r := rego.New(
		rego.Query(decisionQuery),
		rego.Module(name, module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare OPA query: %w", err)
	}
	logger.Debug("prepared rego unlock policy %s", name)
	return &RegoEngine{query: query}, nil
}

func (e *RegoEngine) Name() string {
	return EngineRego
}

func (e *RegoEngine) Evaluate(ctx context.Context, capsule *models.CapsuleMetadata, now time.Time, loc *models.Location) (*models.EligibilityResult, error) {
	input := map[string]interface{}{
		"now_ns":       now.UnixNano(),
		"unlock_at_ns": capsule.UnlockAt.UnixNano(),
	}

	var distance *float64
	if fence := capsule.Geofence; fence != nil {
		input["geofence"] = map[string]interface{}{"radius_meters": fence.RadiusMeters}
		if loc != nil {
			d := geo.Distance(loc.Latitude, loc.Longitude, fence.Latitude, fence.Longitude)
			distance = &d
			input["distance_meters"] = d
		}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate OPA policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy returned no decision")
	}

	decision, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("policy decision has unexpected type %T", results[0].Expressions[0].Value)
	}

	result := &models.EligibilityResult{
		TimeSatisfied:  decision["time_satisfied"] == true,
		GeoSatisfied:   decision["geo_satisfied"] == true,
		Eligible:       decision["eligible"] == true,
		DistanceMeters: distance,
	}
	reason, _ := decision["reason"].(string)
	result.Reason = models.ReasonCode(reason)
	if !result.TimeSatisfied {
		result.TimeRemaining = capsule.UnlockAt.Sub(now)
	}
	return result, nil
}
