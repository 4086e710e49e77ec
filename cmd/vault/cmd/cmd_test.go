package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"digitalvault/features"
	"digitalvault/pkg/models"
	"digitalvault/pkg/repository/sqldb"
	ledgersvc "digitalvault/services/ledger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "cli-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// runCLI executes the root command and returns what it wrote to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	stdout, stderr = &out, &errOut
	t.Cleanup(func() { stdout, stderr = os.Stdout, os.Stderr })

	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	err := Execute()
	return out.String(), err
}

func startLedger(t *testing.T) string {
	t.Helper()
	repo, err := sqldb.NewRepository(context.Background(), sqldb.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"), sqldb.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	server := ledgersvc.NewServer(ledgersvc.NewService(repo, nil, nil), ledgersvc.ServerOptions{
		JWTSecret: testSecret,
		Issuer:    "digitalvault",
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func writeConfig(t *testing.T, ledgerURL string, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "digitalvault.yaml")
	body := fmt.Sprintf(`
logging:
  color: false
ledger:
  address: %s
  jwt_secret: %s
storage:
  type: file
  dir: %s
signer:
  type: file
  key_file: %s
`, ledgerURL, testSecret, filepath.Join(dir, "objects"), filepath.Join(dir, "keys", "identity.pem"))
	body += strings.Join(extra, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestCLI_SealListCheckStatsUnlock(t *testing.T) {
	configFile := writeConfig(t, startLedger(t))

	out, err := runCLI(t, "keygen", "-c", configFile, "-o", "json")
	require.NoError(t, err)
	var ident identityOutput
	require.NoError(t, json.Unmarshal([]byte(out), &ident))
	assert.Regexp(t, `^z6Mk`, ident.Identity)

	_, err = runCLI(t, "keygen", "-c", configFile, "-o", "json")
	require.Error(t, err, "an existing identity must never be replaced")

	out, err = runCLI(t, "identity", "-c", configFile, "-o", "json")
	require.NoError(t, err)
	var again identityOutput
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	assert.Equal(t, ident.Identity, again.Identity)

	out, err = runCLI(t, "seal", "-c", configFile, "-o", "json",
		"--text", "meet me at the old oak", "--title", "Oak letter", "--class", "critical", "--unlock-in", "48h")
	require.NoError(t, err)
	var sealed struct {
		ID             string `json:"id"`
		Receipt        string `json:"receipt"`
		ContentPointer string `json:"content_pointer"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sealed))
	require.NotEmpty(t, sealed.ID)
	assert.NotEmpty(t, sealed.Receipt)
	assert.Regexp(t, `^Qm`, sealed.ContentPointer)

	out, err = runCLI(t, "list", "-c", configFile, "-o", "json")
	require.NoError(t, err)
	var rows []capsuleRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, sealed.ID, rows[0].ID)
	assert.Equal(t, models.ClassificationCritical, rows[0].Classification)
	assert.Equal(t, models.StateSealed, rows[0].State)
	assert.Equal(t, models.ReasonTimePending, rows[0].Reason)

	out, err = runCLI(t, "check", sealed.ID, "-c", configFile, "-o", "json")
	require.NoError(t, err)
	var report struct {
		Local  models.EligibilityResult `json:"local"`
		Ledger struct {
			Eligible bool              `json:"eligible"`
			Reason   models.ReasonCode `json:"reason"`
		} `json:"ledger"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Ledger.Eligible)
	assert.Equal(t, models.ReasonTimePending, report.Ledger.Reason)
	assert.Greater(t, report.Local.TimeRemaining, 47*time.Hour)

	out, err = runCLI(t, "stats", "-c", configFile, "-o", "json")
	require.NoError(t, err)
	var stats struct {
		Total       int   `json:"total"`
		Locked      int   `json:"locked"`
		LedgerTotal int64 `json:"ledger_total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Locked)
	assert.Equal(t, int64(1), stats.LedgerTotal)

	out, err = runCLI(t, "unlock", sealed.ID, "-c", configFile)
	require.Error(t, err)
	assert.Empty(t, out, "nothing may be written before the capsule is released")
	assert.Equal(t, models.ErrCodeNotEligible, models.CodeOf(err))
	assert.Equal(t, models.StepQueryEligibility, models.StepOf(err))
}

func TestCLI_CheckUnknownCapsule(t *testing.T) {
	configFile := writeConfig(t, startLedger(t))
	_, err := runCLI(t, "keygen", "-c", configFile)
	require.NoError(t, err)

	_, err = runCLI(t, "check", "no-such-capsule", "-c", configFile, "-o", "json")
	assert.ErrorIs(t, err, models.ErrCapsuleNotFound)
}

func TestLoadConfig_StartsTelemetry(t *testing.T) {
	origMode, origFeatures := features.BuildMode, features.BuildFeatures
	t.Cleanup(func() {
		features.BuildMode, features.BuildFeatures = origMode, origFeatures
		configPath = ""
		flushTelemetry()
	})
	features.BuildMode, features.BuildFeatures = "production", "observability,metrics"

	configPath = writeConfig(t, "http://127.0.0.1:1", `observability:
  tracing:
    enabled: true
    endpoint: 127.0.0.1:4317
  metrics:
    enabled: true
    address: 127.0.0.1:0
`)
	c := &cobra.Command{}
	c.SetContext(context.Background())
	require.NoError(t, loadConfig(c, nil))

	require.NotNil(t, telemetry)
	assert.True(t, telemetry.Tracing(), "pipeline spans must reach the collector")
	assert.Empty(t, telemetry.MetricsAddr(), "a CLI run never opens a scrape endpoint")

	flushTelemetry()
	assert.Nil(t, telemetry)
}

func TestCLI_RejectsUnknownOutputFormat(t *testing.T) {
	_, err := runCLI(t, "stats", "-o", "xml")
	assert.ErrorContains(t, err, "unsupported output format")
	output = "table"
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "now"},
		{-time.Minute, "now"},
		{20 * time.Second, "1m"},
		{45 * time.Minute, "45m"},
		{3*time.Hour + 5*time.Minute, "3h 5m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatRemaining(tt.in))
		})
	}
}

func TestDescribeError(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, "boom", describeError(plain))

	vErr := models.NewError(models.ErrCodeNotEligible, "capsule is not eligible", nil).WithStep(models.StepQueryEligibility)
	assert.Equal(t, "capsule is not eligible (NOT_ELIGIBLE at query_eligibility)", describeError(vErr))
	assert.NotEmpty(t, errorHint(vErr))

	wrapped := fmt.Errorf("unlock: %w", models.NewError(models.ErrCodeStorageUnavailable, "download failed", plain))
	assert.Equal(t, "download failed: boom (STORAGE_UNAVAILABLE)", describeError(wrapped))
	assert.Empty(t, errorHint(wrapped))
}

type recordingSpinner struct {
	active bool
	events []string
}

func (s *recordingSpinner) Active() bool { return s.active }
func (s *recordingSpinner) Start() { s.active = true; s.events = append(s.events, "start") }
func (s *recordingSpinner) Stop() { s.active = false; s.events = append(s.events, "stop") }

func TestPauseFor(t *testing.T) {
	tests := []struct {
		name   string
		active bool
		want   []string
	}{
		{"running spinner is stopped for the prompt", true, []string{"stop", "prompt", "start"}},
		{"idle spinner stays idle", false, []string{"prompt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSpinner{active: tt.active}
			confirm := pauseFor(s, func(ctx context.Context, identity string, message []byte) (bool, error) {
				assert.False(t, s.active, "spinner must not redraw over the prompt")
				s.events = append(s.events, "prompt")
				return true, nil
			})

			ok, err := confirm(context.Background(), "z6MkOwner", []byte("challenge"))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.want, s.events)
			assert.Equal(t, tt.active, s.active)
		})
	}
}

func TestLocationFlags(t *testing.T) {
	unset := locationFlags{}
	loc, err := unset.location()
	require.NoError(t, err)
	assert.Nil(t, loc)

	good := locationFlags{lat: 59.3293, lon: 18.0686, accuracy: 12, set: true}
	loc, err = good.location()
	require.NoError(t, err)
	assert.Equal(t, 12.0, loc.AccuracyMeters)

	bad := locationFlags{lat: 123, lon: 0, set: true}
	_, err = bad.location()
	assert.ErrorIs(t, err, models.ErrInvalidLatitude)
	assert.Equal(t, models.ErrCodeInvalidInput, models.CodeOf(err))
}

func TestBuildFilter(t *testing.T) {
	t.Cleanup(func() { listState, listClass, listSearch = "", "", "" })

	listState, listClass, listSearch = "SEALED", "elevated", "oak"
	f, err := buildFilter("z6MkOwner")
	require.NoError(t, err)
	assert.Equal(t, "z6MkOwner", f.Owner)
	assert.Equal(t, models.StateSealed, f.State)
	require.NotNil(t, f.Classification)
	assert.Equal(t, models.ClassificationElevated, *f.Classification)
	assert.Equal(t, "oak", f.Search)

	listClass = "top-secret"
	_, err = buildFilter("z6MkOwner")
	assert.ErrorIs(t, err, models.ErrInvalidClass)
}
