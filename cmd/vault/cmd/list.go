package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"digitalvault/pkg/eligibility"
	"digitalvault/pkg/models"
	"digitalvault/services/vault"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List your capsules",
	Long: `List the capsules registered to your identity, newest first.

Examples:
  vault list --class critical
  vault list --search letter -o json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

// Flags
var (
	listState  string
	listClass  string
	listSearch string
)

func init() {
	listCmd.Flags().StringVar(&listState, "state", "", "Filter by lifecycle state (e.g. SEALED)")
	listCmd.Flags().StringVar(&listClass, "class", "", "Filter by classification")
	listCmd.Flags().StringVarP(&listSearch, "search", "s", "", "Match title or description")
}

// capsuleRow is a capsule with its release status at listing time.
type capsuleRow struct {
	ID             string                `json:"id" yaml:"id"`
	Title          string                `json:"title" yaml:"title"`
	Classification models.Classification `json:"classification" yaml:"classification"`
	State          models.LifecycleState `json:"state" yaml:"state"`
	UnlockAt       time.Time             `json:"unlock_at" yaml:"unlock_at"`
	GeoLocked      bool                  `json:"geo_locked" yaml:"geo_locked"`
	Reason         models.ReasonCode     `json:"reason" yaml:"reason"`
	TimeRemaining  time.Duration         `json:"time_remaining" yaml:"time_remaining"`
}

func buildFilter(owner string) (vault.Filter, error) {
	f := vault.Filter{Owner: owner, Search: listSearch}
	if listState != "" {
		f.State = models.LifecycleState(listState)
	}
	if listClass != "" {
		class, err := models.ParseClassification(listClass)
		if err != nil {
			return f, models.NewError(models.ErrCodeInvalidInput, "invalid --class", err)
		}
		f.Classification = &class
	}
	return f, nil
}

func runList(cmd *cobra.Command, args []string) error {
	d, err := wire(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	filter, err := buildFilter(d.session.Owner())
	if err != nil {
		return err
	}

	_, stop := startSpinner("Fetching capsules from the ledger")
	registry := d.orchestrator.Registry()
	err = registry.Refresh(cmd.Context(), d.ledger, d.session.Owner())
	stop("")
	if err != nil {
		return err
	}

	now := time.Now()
	rows := lo.Map(registry.List(filter), func(c *models.Capsule, _ int) capsuleRow {
		res := eligibility.Evaluate(&c.CapsuleMetadata, now, nil)
		return capsuleRow{
			ID:             c.ID,
			Title:          c.Title,
			Classification: c.Classification,
			State:          c.State,
			UnlockAt:       c.UnlockAt,
			GeoLocked:      c.IsGeoLocked(),
			Reason:         res.Reason,
			TimeRemaining:  res.TimeRemaining,
		}
	})

	return OutputData(rows, func(w *tabwriter.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No capsules found.")
			return
		}
		fmt.Fprintln(w, "ID\tTITLE\tCLASS\tUNLOCKS\tIN\tGEO")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, truncate(r.Title, 40), r.Classification, formatTime(r.UnlockAt),
				formatRemaining(r.TimeRemaining), lo.Ternary(r.GeoLocked, "yes", "-"))
		}
	})
}
