package features

import (
	"sort"
	"strings"
	"sync"
)

// Build-time variables set via ldflags
var (
	// BuildMode indicates the build mode (demo, production, development)
	BuildMode = "production"

	// BuildFeatures is a comma-separated list of enabled features
	// Can be overridden at build time with:
	// -ldflags "-X digitalvault/features.BuildFeatures=metrics,rego"
	BuildFeatures = ""

	// BuildVersion is the version of the build
	BuildVersion = "dev"

	// BuildTime is the time the binary was built
	BuildTime = "unknown"
)

// Feature names
const (
	FeatureFullLogging   = "full-logging"
	FeatureMetrics       = "metrics"
	FeatureObservability = "observability"
	FeatureRateLimiting  = "rate-limiting"
	FeatureShortTimeouts = "short-timeouts"
	FeatureCaching       = "caching"
	// FeatureRego makes the ledger server evaluate unlock eligibility with
	// the embedded Rego policy instead of the native evaluator.
	FeatureRego = "rego"
)

var (
	enabledSet map[string]bool
	parsedFrom string
	setMux     sync.RWMutex
)

// enabled returns the parsed feature set, reparsing when BuildFeatures
// changed since the last call (tests rewrite it).
func enabled() map[string]bool {
	setMux.RLock()
	if enabledSet != nil && parsedFrom == BuildFeatures {
		set := enabledSet
		setMux.RUnlock()
		return set
	}
	setMux.RUnlock()

	setMux.Lock()
	defer setMux.Unlock()
	if enabledSet != nil && parsedFrom == BuildFeatures {
		return enabledSet
	}

	set := make(map[string]bool)
	for _, f := range strings.Split(BuildFeatures, ",") {
		if name := strings.ToLower(strings.TrimSpace(f)); name != "" {
			set[name] = true
		}
	}
	enabledSet = set
	parsedFrom = BuildFeatures
	return set
}

// IsEnabled checks if a feature is enabled based on build-time flags
func IsEnabled(feature string) bool {
	return enabled()[feature]
}

// IsDemoMode returns true if the build is in demo mode
func IsDemoMode() bool {
	return strings.EqualFold(BuildMode, "demo")
}

// IsProductionMode returns true if the build is in production mode
func IsProductionMode() bool {
	return strings.EqualFold(BuildMode, "production")
}

// IsDevelopmentMode returns true if the build is in development mode
func IsDevelopmentMode() bool {
	return strings.EqualFold(BuildMode, "development")
}

// GetEnabledFeatures returns the enabled features in sorted order
func GetEnabledFeatures() []string {
	set := enabled()
	result := make([]string, 0, len(set))
	for name := range set {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// ShouldEnableFullLogging returns true unless the build is a demo build
// without the full-logging feature.
func ShouldEnableFullLogging() bool {
	return IsEnabled(FeatureFullLogging) || !IsDemoMode()
}

func ShouldEnableMetrics() bool {
	return IsEnabled(FeatureMetrics)
}

func ShouldEnableObservability() bool {
	return IsEnabled(FeatureObservability)
}

func ShouldEnableRateLimiting() bool {
	return IsEnabled(FeatureRateLimiting)
}

// ShouldUseShortTimeouts shortens collaborator timeouts for demos.
func ShouldUseShortTimeouts() bool {
	return IsEnabled(FeatureShortTimeouts) || IsDemoMode()
}

// ShouldEnableCaching enables the ledger listing cache.
func ShouldEnableCaching() bool {
	return IsEnabled(FeatureCaching)
}

func ShouldUseRegoPolicy() bool {
	return IsEnabled(FeatureRego)
}

// GetBuildInfo returns build information as a map
func GetBuildInfo() map[string]string {
	return map[string]string{
		"mode":      BuildMode,
		"version":   BuildVersion,
		"buildTime": BuildTime,
		"features":  BuildFeatures,
	}
}
