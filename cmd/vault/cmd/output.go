package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"digitalvault/pkg/models"
	"digitalvault/pkg/signer"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warningColor = color.New(color.FgYellow)
	mutedColor   = color.New(color.FgHiBlack)
)

// stateLabels are the progress messages shown while a pipeline runs.
var stateLabels = map[models.LifecycleState]string{
	models.StateDraft:       "Preparing capsule",
	models.StateEncrypting:  "Encrypting content",
	models.StateUploading:   "Uploading ciphertext",
	models.StateKeyWrapping: "Waiting for signature to wrap the capsule key",
	models.StateRegistering: "Registering with the ledger",
	models.StateUnlocking:   "Checking release conditions",
}

// OutputData prints data in the selected format. table renders the table
// form; nil falls back to JSON.
func OutputData(data interface{}, table func(w *tabwriter.Writer)) error {
	switch output {
	case "json":
		return outputJSON(data)
	case "yaml":
		encoder := yaml.NewEncoder(stdout)
		defer encoder.Close()
		return encoder.Encode(data)
	case "table":
		if table == nil {
			return outputJSON(data)
		}
		w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
		table(w)
		return w.Flush()
	default:
		return fmt.Errorf("unsupported output format: %s", output)
	}
}

func outputJSON(data interface{}) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// startSpinner shows progress on stderr unless verbose logging is on. The
// returned stop func prints finalMsg, if set, after clearing the line.
func startSpinner(message string) (*spinner.Spinner, func(finalMsg string)) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(stderr))
	s.Suffix = " " + message
	// Continue without a colored spinner if the terminal refuses it.
	_ = s.Color("cyan")

	if !verbose {
		s.Start()
	}
	return s, func(finalMsg string) {
		if !verbose {
			s.Stop()
		}
		if finalMsg != "" {
			fmt.Fprintln(stderr, strings.TrimRight(finalMsg, "\n"))
		}
	}
}

// progress adapts a spinner to the orchestrator's transition hook.
func progress(s *spinner.Spinner) func(key string, to models.LifecycleState) {
	return func(key string, to models.LifecycleState) {
		logger.Debug("capsule %s -> %s", key, to)
		if label, ok := stateLabels[to]; ok {
			s.Lock()
			s.Suffix = " " + label
			s.Unlock()
		}
	}
}

// pausable is the part of *spinner.Spinner a prompt has to stop.
type pausable interface {
	Active() bool
	Start()
	Stop()
}

// pauseFor stops s while confirm owns the terminal so the redraw cannot
// erase the prompt, and resumes it afterwards.
func pauseFor(s pausable, confirm signer.ConfirmFunc) signer.ConfirmFunc {
	return func(ctx context.Context, identity string, message []byte) (bool, error) {
		if s.Active() {
			s.Stop()
			defer s.Start()
		}
		return confirm(ctx, identity, message)
	}
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Fprintf(stderr, "%s %s\n", successColor.Sprint("✓"), message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Fprintf(stderr, "%s Warning: %s\n", warningColor.Sprint("⚠"), message)
}

// PrintError prints an error, with its code and step when it is a vault error.
func PrintError(err error) {
	fmt.Fprintf(stderr, "%s Error: %s\n", errorColor.Sprint("✗"), describeError(err))
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(stderr, "  %s\n", mutedColor.Sprint(hint))
	}
}

func describeError(err error) string {
	var vErr *models.Error
	if !errors.As(err, &vErr) {
		return err.Error()
	}
	msg := vErr.Message
	if vErr.Err != nil {
		msg += ": " + vErr.Err.Error()
	}
	if vErr.Step != "" {
		return fmt.Sprintf("%s (%s at %s)", msg, vErr.Code, vErr.Step)
	}
	return fmt.Sprintf("%s (%s)", msg, vErr.Code)
}

func errorHint(err error) string {
	switch models.CodeOf(err) {
	case models.ErrCodeNotEligible:
		return "Run 'vault check <id>' to see which condition is still pending."
	case models.ErrCodeAuthenticationFailed:
		return "The capsule was sealed by a different identity, or its content was altered."
	case models.ErrCodeSignerUnavailable:
		return "Run 'vault keygen' to create an identity, or check the signer settings."
	case models.ErrCodeUserDeclined:
		return "The signature request was declined; nothing was changed."
	case models.ErrCodeLocationUnavailable, models.ErrCodePermissionDenied:
		return "Pass --lat and --lon to supply a position explicitly."
	default:
		return ""
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", max(minutes, 1))
	}
}

func formatDistance(m *float64) string {
	if m == nil {
		return "-"
	}
	if *m >= 1000 {
		return fmt.Sprintf("%.1f km", *m/1000)
	}
	return fmt.Sprintf("%.0f m", *m)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func mark(ok bool) string {
	if ok {
		return successColor.Sprint("✓")
	}
	return errorColor.Sprint("✗")
}
