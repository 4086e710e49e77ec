package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"digitalvault/config"
	"digitalvault/logging"
	"digitalvault/observability"

	"github.com/spf13/cobra"
)

const (
	cliVersion  = "1.0.0"
	serviceName = "vault-cli"
)

var (
	// Global flags
	configPath string
	verbose    bool
	output     string // json, yaml, table

	cfg       *config.Config
	telemetry *observability.Provider
	logger    = logging.GetLogger()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vault",
	Short: "Digital Vault time and location locked capsules",
	Long: `Seal files into capsules that only open after a chosen time and,
optionally, inside a chosen area.

Capsule content is encrypted locally. Ciphertext goes to content-addressed
storage, the capsule key is wrapped with a key derived from your signing
identity, and the ledger records the release conditions.`,
	Version:           cliVersion,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		PrintError(err)
	}
	flushTelemetry()
	return err
}

// flushTelemetry exports the spans of this run before the process exits.
func flushTelemetry() {
	if telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(ctx); err != nil {
		logger.Warn("telemetry flush failed: %v", err)
	}
	telemetry = nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DIGITALVAULT_CONFIG"), "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (json, yaml, table)")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	switch output {
	case "json", "yaml", "table":
	default:
		return fmt.Errorf("unsupported output format: %s", output)
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	// Log lines would interleave with the spinner; keep them for -v.
	if verbose {
		logger.SetLevel(logging.LevelDebug)
	} else {
		logger.SetLevel(logging.LevelError)
	}
	logger.SetColor(cfg.Logging.Color)
	logger.SetOutput(os.Stderr)

	// Telemetry is best effort; a missing collector never blocks a command.
	telemetry, err = observability.Init(cmd.Context(), cfg, logger, observability.Options{
		ServiceName:    serviceName,
		ServiceVersion: cliVersion,
	})
	if err != nil {
		logger.Warn("telemetry unavailable: %v", err)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print the version number",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Digital Vault CLI v%s\n", cliVersion)
	},
}
