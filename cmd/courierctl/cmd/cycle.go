package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/courier/internal/scheduler"
)

// cycleCmd represents the cycle command
var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one scheduler cycle now",
	Long: `Ask the API to run a scheduler cycle immediately and print its summary.
Cycles are safe to run next to the periodic scheduler; a record is only
attempted by the cycle that claims it.

Example:
  courierctl cycle --batch-size 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetInt("batch-size")
		path := "/v1/cycles"
		if batch > 0 {
			path += "?batch_size=" + strconv.Itoa(batch)
		}

		var sum scheduler.Summary
		if err := doRequest(cmd.Context(), http.MethodPost, path, nil, &sum); err != nil {
			return fmt.Errorf("cycle failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, sum)
			return nil
		}
		fmt.Fprintln(out, "Cycle summary:")
		fmt.Fprintf(out, "  Reclaimed:        %d\n", sum.Reclaimed)
		fmt.Fprintf(out, "  Processed:        %d\n", sum.Processed)
		fmt.Fprintf(out, "  Succeeded:        %d\n", sum.Succeeded)
		fmt.Fprintf(out, "  Failed (retry):   %d\n", sum.FailedRetryable)
		fmt.Fprintf(out, "  Abandoned:        %d\n", sum.Abandoned)
		fmt.Fprintf(out, "  Throttled:        %d\n", sum.Throttled)
		fmt.Fprintf(out, "  Skipped:          %d\n", sum.Skipped)
		fmt.Fprintf(out, "  Errored:          %d\n", sum.Errored)
		return nil
	},
}

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Release stale in-flight claims",
	Long: `Revert deliveries stuck in_flight past the claim timeout so that a later
cycle can attempt them again. No attempt is charged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Reclaimed int64 `json:"reclaimed"`
		}
		if err := doRequest(cmd.Context(), http.MethodPost, "/v1/reconcile", nil, &resp); err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		fmt.Fprintf(out, "Reclaimed %d stale deliveries\n", resp.Reclaimed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cycleCmd, reconcileCmd)
	cycleCmd.Flags().Int("batch-size", 0, "maximum records to attempt (0 uses the scheduler default)")
}
