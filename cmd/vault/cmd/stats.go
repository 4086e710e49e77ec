package cmd

import (
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"digitalvault/services/vault"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize your capsules",
	Long: `Count your capsules by release status and report the ledger-wide total.
Geofenced capsules count as unlockable only when a position is given.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var statsLoc locationFlags

func init() {
	addLocationFlags(statsCmd, &statsLoc)
}

type statsReport struct {
	vault.Summary `yaml:",inline"`
	LedgerTotal   int64     `json:"ledger_total" yaml:"ledger_total"`
	EvaluatedAt   time.Time `json:"evaluated_at" yaml:"evaluated_at"`
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	loc, err := statsLoc.location()
	if err != nil {
		return err
	}
	d, err := wire(ctx, cfg, nil)
	if err != nil {
		return err
	}

	_, stop := startSpinner("Fetching capsules from the ledger")
	registry := d.orchestrator.Registry()
	if err := registry.Refresh(ctx, d.ledger, d.session.Owner()); err != nil {
		stop("")
		return err
	}
	ledgerStats, err := d.ledger.Stats(ctx)
	stop("")
	if err != nil {
		return err
	}

	now := time.Now()
	report := statsReport{
		Summary:     registry.Summary(now, loc),
		LedgerTotal: ledgerStats.TotalCapsules,
		EvaluatedAt: now,
	}

	return OutputData(report, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Your capsules:\t%d\n", report.Total)
		fmt.Fprintf(w, "  Unlockable:\t%d\n", report.Unlockable)
		fmt.Fprintf(w, "  Locked:\t%d\n", report.Locked)
		fmt.Fprintf(w, "  Geofenced:\t%d\n", report.GeoLocked)
		states := lo.Keys(report.ByState)
		slices.Sort(states)
		for _, s := range states {
			fmt.Fprintf(w, "  %s:\t%d\n", s, report.ByState[s])
		}
		fmt.Fprintf(w, "Ledger total:\t%d\n", report.LedgerTotal)
	})
}
