package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"digitalvault/pkg/models"
	"digitalvault/services/vault"

	"github.com/spf13/cobra"
)

var sealCmd = &cobra.Command{
	Use:     "seal",
	Aliases: []string{"create"},
	Short:   "Seal content into a new capsule",
	Long: `Encrypt a file or text into a capsule that opens at a given time and,
optionally, only within a radius around a point.

Examples:
  # Seal a file for one year
  vault seal --file letter.txt --title "To future me" --unlock-in 8760h

  # Seal text that opens at a date, only near the Stockholm city hall
  vault seal --text "meet at the tower" --title Rendezvous \
    --unlock-at 2027-06-01T12:00:00Z --lat 59.3275 --lon 18.0543 --radius 250`,
	Args: cobra.NoArgs,
	RunE: runSeal,
}

// Flags
var (
	sealFile        string
	sealText        string
	sealTitle       string
	sealDescription string
	sealClass       string
	sealUnlockAt    string
	sealUnlockIn    time.Duration
	sealLat         float64
	sealLon         float64
	sealRadius      float64
)

func init() {
	sealCmd.Flags().StringVarP(&sealFile, "file", "f", "", "File to seal (- for stdin)")
	sealCmd.Flags().StringVar(&sealText, "text", "", "Inline text to seal")
	sealCmd.Flags().StringVarP(&sealTitle, "title", "t", "", "Capsule title")
	sealCmd.Flags().StringVarP(&sealDescription, "description", "d", "", "Capsule description")
	sealCmd.Flags().StringVar(&sealClass, "class", "standard", "Classification (standard, elevated, critical)")
	sealCmd.Flags().StringVar(&sealUnlockAt, "unlock-at", "", "Unlock time (RFC 3339)")
	sealCmd.Flags().DurationVar(&sealUnlockIn, "unlock-in", 0, "Unlock after this long (e.g. 72h)")
	sealCmd.Flags().Float64Var(&sealLat, "lat", 0, "Geofence center latitude")
	sealCmd.Flags().Float64Var(&sealLon, "lon", 0, "Geofence center longitude")
	sealCmd.Flags().Float64Var(&sealRadius, "radius", 0, "Geofence radius in meters")

	sealCmd.MarkFlagsMutuallyExclusive("file", "text")
	sealCmd.MarkFlagsOneRequired("file", "text")
	sealCmd.MarkFlagsMutuallyExclusive("unlock-at", "unlock-in")
	sealCmd.MarkFlagsOneRequired("unlock-at", "unlock-in")
	sealCmd.MarkFlagsRequiredTogether("lat", "lon", "radius")
	_ = sealCmd.MarkFlagRequired("title")
}

func runSeal(cmd *cobra.Command, args []string) error {
	req, err := buildCreateRequest(cmd, time.Now())
	if err != nil {
		return err
	}

	s, stop := startSpinner("Preparing capsule")
	d, err := wire(cmd.Context(), cfg, s)
	if err != nil {
		stop("")
		return err
	}

	result, err := d.orchestrator.Create(cmd.Context(), d.session, req)
	if err != nil {
		stop("")
		return err
	}
	stop(fmt.Sprintf("%s Sealed %q", successColor.Sprint("✓"), req.Title))

	return OutputData(result, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", result.ID)
		fmt.Fprintf(w, "Receipt:\t%s\n", result.Receipt)
		fmt.Fprintf(w, "Content:\t%s\n", result.ContentPointer)
		fmt.Fprintf(w, "Unlocks:\t%s (in %s)\n", formatTime(req.UnlockAt), formatRemaining(req.UnlockAt.Sub(result.SealedAt)))
		if req.Geofence != nil {
			fmt.Fprintf(w, "Geofence:\t%.5f, %.5f within %.0f m\n", req.Geofence.Latitude, req.Geofence.Longitude, req.Geofence.RadiusMeters)
		}
	})
}

// buildCreateRequest turns flags into a request. Validation beyond parsing
// is left to the orchestrator so the CLI and library agree on the rules.
func buildCreateRequest(cmd *cobra.Command, now time.Time) (*vault.CreateRequest, error) {
	class, err := models.ParseClassification(sealClass)
	if err != nil {
		return nil, models.NewError(models.ErrCodeInvalidInput, "invalid --class", err)
	}

	unlockAt := now.Add(sealUnlockIn)
	if sealUnlockAt != "" {
		unlockAt, err = time.Parse(time.RFC3339, sealUnlockAt)
		if err != nil {
			return nil, models.NewError(models.ErrCodeInvalidInput, "invalid --unlock-at", err)
		}
	}

	plaintext, name, err := readPlaintext(cmd.InOrStdin())
	if err != nil {
		return nil, err
	}

	req := &vault.CreateRequest{
		Plaintext:      plaintext,
		Title:          sealTitle,
		Description:    sealDescription,
		Classification: class,
		UnlockAt:       unlockAt,
		Name:           name,
	}
	if cmd.Flags().Changed("radius") {
		req.Geofence = &models.Geofence{Latitude: sealLat, Longitude: sealLon, RadiusMeters: sealRadius}
	}
	return req, nil
}

func readPlaintext(stdin io.Reader) ([]byte, string, error) {
	if sealFile == "" {
		return []byte(sealText), "capsule.enc", nil
	}
	if sealFile == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, "stdin.enc", nil
	}
	data, err := os.ReadFile(sealFile)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", sealFile, err)
	}
	logger.Debug("read %d bytes from %s", len(data), sealFile)
	return data, filepath.Base(sealFile) + ".enc", nil
}
