package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func withBuild(t *testing.T, mode, feats string) {
	t.Helper()
	origMode, origFeatures := BuildMode, BuildFeatures
	BuildMode, BuildFeatures = mode, feats
	t.Cleanup(func() { BuildMode, BuildFeatures = origMode, origFeatures })
}

func TestIsEnabled(t *testing.T) {
	tests := []struct {
		name          string
		buildFeatures string
		feature       string
		want          bool
	}{
		{"empty features", "", FeatureMetrics, false},
		{"single feature enabled", "metrics", FeatureMetrics, true},
		{"multiple features enabled", "metrics,rego,rate-limiting", FeatureRego, true},
		{"feature not in list", "metrics,observability", FeatureRateLimiting, false},
		{"features with spaces", "metrics, caching , rego", FeatureCaching, true},
		{"case insensitive", "METRICS", FeatureMetrics, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withBuild(t, "production", tt.buildFeatures)
			assert.Equal(t, tt.want, IsEnabled(tt.feature))
		})
	}
}

func TestIsEnabled_ReparsesAfterChange(t *testing.T) {
	withBuild(t, "production", "metrics")
	assert.True(t, IsEnabled(FeatureMetrics))

	BuildFeatures = "caching"
	assert.False(t, IsEnabled(FeatureMetrics))
	assert.True(t, IsEnabled(FeatureCaching))
}

func TestModes(t *testing.T) {
	tests := []struct {
		mode                     string
		demo, production, devel  bool
		fullLogging, shortTimers bool
	}{
		{"demo", true, false, false, false, true},
		{"DEMO", true, false, false, false, true},
		{"production", false, true, false, true, false},
		{"development", false, false, true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			withBuild(t, tt.mode, "")
			assert.Equal(t, tt.demo, IsDemoMode())
			assert.Equal(t, tt.production, IsProductionMode())
			assert.Equal(t, tt.devel, IsDevelopmentMode())
			assert.Equal(t, tt.fullLogging, ShouldEnableFullLogging())
			assert.Equal(t, tt.shortTimers, ShouldUseShortTimeouts())
		})
	}
}

func TestDemoModeWithFullLogging(t *testing.T) {
	withBuild(t, "demo", "full-logging")
	assert.True(t, ShouldEnableFullLogging())
}

func TestGetEnabledFeatures(t *testing.T) {
	withBuild(t, "production", "rego, metrics,,caching")
	assert.Equal(t, []string{"caching", "metrics", "rego"}, GetEnabledFeatures())

	withBuild(t, "production", "")
	assert.Empty(t, GetEnabledFeatures())
}

func TestShouldHelpers(t *testing.T) {
	withBuild(t, "production", "metrics,observability,rate-limiting,caching,rego")
	assert.True(t, ShouldEnableMetrics())
	assert.True(t, ShouldEnableObservability())
	assert.True(t, ShouldEnableRateLimiting())
	assert.True(t, ShouldEnableCaching())
	assert.True(t, ShouldUseRegoPolicy())
}

func TestGetBuildInfo(t *testing.T) {
	withBuild(t, "development", "metrics")
	info := GetBuildInfo()
	assert.Equal(t, "development", info["mode"])
	assert.Equal(t, "metrics", info["features"])
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "buildTime")
}
