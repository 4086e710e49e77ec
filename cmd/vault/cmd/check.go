package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"digitalvault/pkg/eligibility"
	"digitalvault/pkg/ledger"
	"digitalvault/pkg/location"
	"digitalvault/pkg/models"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:     "check <capsule-id>",
	Aliases: []string{"status"},
	Short:   "Show whether a capsule can be opened",
	Long: `Evaluate a capsule's time-lock and geofence locally and ask the ledger
for its authoritative decision. Nothing is signed or decrypted.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var checkLoc locationFlags

func init() {
	addLocationFlags(checkCmd, &checkLoc)
}

type locationReport struct {
	models.Location `yaml:",inline"`
	Grade           location.Grade `json:"grade" yaml:"grade"`
}

type checkReport struct {
	ID       string                      `json:"id" yaml:"id"`
	Title    string                      `json:"title" yaml:"title"`
	UnlockAt time.Time                   `json:"unlock_at" yaml:"unlock_at"`
	Geofence *models.Geofence            `json:"geofence,omitempty" yaml:"geofence,omitempty"`
	Location *locationReport             `json:"location,omitempty" yaml:"location,omitempty"`
	Local    *models.EligibilityResult   `json:"local" yaml:"local"`
	Ledger   *ledger.EligibilityResponse `json:"ledger" yaml:"ledger"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	loc, err := checkLoc.location()
	if err != nil {
		return err
	}
	d, err := wire(ctx, cfg, nil)
	if err != nil {
		return err
	}

	_, stop := startSpinner("Checking capsule")
	registry := d.orchestrator.Registry()
	if err := registry.Refresh(ctx, d.ledger, d.session.Owner()); err != nil {
		stop("")
		return err
	}
	capsule, ok := registry.Get(id)
	if !ok {
		stop("")
		return models.NewError(models.ErrCodeNotFound, "capsule "+id+" is not registered to this identity", models.ErrCapsuleNotFound)
	}

	if loc == nil && capsule.IsGeoLocked() && d.session.Location != nil {
		loc, err = d.session.Location.CurrentLocation(ctx)
		if err != nil {
			// The ledger still answers on time alone.
			stop("")
			PrintWarning("no position available: " + describeError(err))
			_, stop = startSpinner("Checking capsule")
		}
	}

	verdict, err := d.ledger.CheckEligibility(ctx, id, loc)
	stop("")
	if err != nil {
		return err
	}

	report := checkReport{
		ID:       capsule.ID,
		Title:    capsule.Title,
		UnlockAt: capsule.UnlockAt,
		Geofence: capsule.Geofence,
		Local:    eligibility.Evaluate(&capsule.CapsuleMetadata, time.Now(), loc),
		Ledger:   verdict,
	}
	if loc != nil {
		report.Location = &locationReport{Location: *loc, Grade: location.GradeAccuracy(loc.AccuracyMeters)}
	}
	if report.Local.Eligible != verdict.Eligible {
		PrintWarning("local evaluation disagrees with the ledger; the ledger decides")
	}

	return OutputData(report, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Capsule:\t%s (%s)\n", report.Title, report.ID)
		fmt.Fprintf(w, "Time-lock:\t%s %s (unlocks %s)\n", mark(verdict.TimeSatisfied), formatRemaining(report.Local.TimeRemaining), formatTime(report.UnlockAt))
		if g := report.Geofence; g != nil {
			fmt.Fprintf(w, "Geofence:\t%s %s from center, radius %.0f m\n", mark(verdict.GeoSatisfied), formatDistance(report.Local.DistanceMeters), g.RadiusMeters)
		}
		if l := report.Location; l != nil {
			fmt.Fprintf(w, "Position:\t%.5f, %.5f (±%.0f m, %s)\n", l.Latitude, l.Longitude, l.AccuracyMeters, l.Grade)
		}
		fmt.Fprintf(w, "Ledger:\t%s %s\n", mark(verdict.Eligible), verdict.Reason)
	})
}
