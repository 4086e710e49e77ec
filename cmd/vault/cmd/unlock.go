package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"digitalvault/services/vault"

	"github.com/spf13/cobra"
)

var unlockCmd = &cobra.Command{
	Use:     "unlock <capsule-id>",
	Aliases: []string{"open"},
	Short:   "Open a capsule whose release conditions are met",
	Long: `Ask the ledger whether the capsule may be released and, if so, decrypt it.

The plaintext is written to --out, or to stdout when --out is not given.
Geofenced capsules need a position: pass --lat/--lon or configure a
location provider.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnlock,
}

// Flags
var (
	unlockOut   string
	unlockForce bool
	unlockLoc   locationFlags
)

func init() {
	unlockCmd.Flags().StringVar(&unlockOut, "out", "", "Write plaintext to this file instead of stdout")
	unlockCmd.Flags().BoolVar(&unlockForce, "force", false, "Overwrite --out if it exists")
	addLocationFlags(unlockCmd, &unlockLoc)
}

func addLocationFlags(cmd *cobra.Command, f *locationFlags) {
	cmd.Flags().Float64Var(&f.lat, "lat", 0, "Current latitude")
	cmd.Flags().Float64Var(&f.lon, "lon", 0, "Current longitude")
	cmd.Flags().Float64Var(&f.accuracy, "accuracy", 10, "Accuracy of --lat/--lon in meters")
	cmd.MarkFlagsRequiredTogether("lat", "lon")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		f.set = cmd.Flags().Changed("lat")
	}
}

func runUnlock(cmd *cobra.Command, args []string) error {
	loc, err := unlockLoc.location()
	if err != nil {
		return err
	}
	if unlockOut != "" && !unlockForce {
		if _, err := os.Stat(unlockOut); err == nil {
			return fmt.Errorf("%s exists; pass --force to overwrite", unlockOut)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	s, stop := startSpinner("Looking up capsule")
	d, err := wire(cmd.Context(), cfg, s)
	if err != nil {
		stop("")
		return err
	}

	result, err := d.orchestrator.Unlock(cmd.Context(), d.session, &vault.UnlockRequest{ID: args[0], Location: loc})
	if err != nil {
		stop("")
		return err
	}
	defer clear(result.Plaintext)
	stop(fmt.Sprintf("%s Unlocked %q", successColor.Sprint("✓"), result.Title))

	if unlockOut == "" {
		_, err := cmd.OutOrStdout().Write(result.Plaintext)
		return err
	}

	if err := os.WriteFile(unlockOut, result.Plaintext, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", unlockOut, err)
	}
	return OutputData(result, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", result.ID)
		fmt.Fprintf(w, "Title:\t%s\n", result.Title)
		fmt.Fprintf(w, "Written:\t%s (%d bytes)\n", unlockOut, len(result.Plaintext))
		fmt.Fprintf(w, "Unlocked:\t%s\n", formatTime(result.UnlockedAt))
		if e := result.Eligibility; e != nil && e.DistanceMeters != nil {
			fmt.Fprintf(w, "Distance:\t%s from center\n", formatDistance(e.DistanceMeters))
		}
	})
}
