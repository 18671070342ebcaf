package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/courier/internal/delivery"
)

// deliveryView mirrors the API's record representation.
type deliveryView struct {
	ID             string          `json:"id"`
	Channel        string          `json:"channel"`
	Target         string          `json:"target"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
	LastError      string          `json:"last_error,omitempty"`
	ReplayOf       string          `json:"replay_of,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type auditResponse struct {
	Entries []delivery.AuditEntry `json:"entries"`
}

type abandonedResponse struct {
	Records []deliveryView `json:"records"`
}

// enqueueCmd represents the enqueue command
var enqueueCmd = &cobra.Command{
	Use:   "enqueue [channel] [target]",
	Short: "Enqueue a delivery",
	Long: `Create a delivery record. The scheduler attempts it on its next cycle.

Examples:
  courierctl enqueue webhook https://example.com/hook --payload '{"event":"order.created"}'
  courierctl enqueue email jane@example.com --payload '{"subject":"Hi","text":"Hello"}'
  courierctl enqueue sms +15551234567 --payload '{"body":"Your code is 1234"}' --max-attempts 5`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _ := cmd.Flags().GetString("payload")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload must be valid JSON")
		}
		if _, err := delivery.ParseChannel(args[0]); err != nil {
			return err
		}

		body := map[string]any{
			"channel": args[0],
			"target":  args[1],
			"payload": json.RawMessage(payload),
		}
		if maxAttempts > 0 {
			body["max_attempts"] = maxAttempts
		}

		var rec deliveryView
		if err := doRequest(cmd.Context(), http.MethodPost, "/v1/deliveries", body, &rec); err != nil {
			return fmt.Errorf("failed to enqueue: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, rec)
			return nil
		}
		fmt.Fprintf(out, "Enqueued delivery: %s\n", rec.ID)
		fmt.Fprintf(out, "  Channel: %s\n", rec.Channel)
		fmt.Fprintf(out, "  Max attempts: %d\n", rec.MaxAttempts)
		return nil
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [delivery-id]",
	Short: "Get the status of a delivery",
	Long: `Show the current state of one delivery record.

Example:
  courierctl status 3f1c2a9e-5b7d-4e0a-9c61-2d8f4b6a1e37`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec deliveryView
		if err := doRequest(cmd.Context(), http.MethodGet, "/v1/deliveries/"+url.PathEscape(args[0]), nil, &rec); err != nil {
			return fmt.Errorf("failed to get delivery status: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, rec)
			return nil
		}
		printDelivery(out, rec)
		return nil
	},
}

// auditCmd represents the audit command
var auditCmd = &cobra.Command{
	Use:   "audit [delivery-id]",
	Short: "Show the audit trail",
	Long: `Show the attempt history of one delivery, or with --from/--to the audit
entries of every delivery in a time window.

Examples:
  courierctl audit 3f1c2a9e-5b7d-4e0a-9c61-2d8f4b6a1e37
  courierctl audit --from 2024-03-01T00:00:00Z --to 2024-03-02T00:00:00Z --limit 200`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromStr, _ := cmd.Flags().GetString("from")
		toStr, _ := cmd.Flags().GetString("to")
		limit, _ := cmd.Flags().GetInt("limit")

		var path string
		if len(args) == 1 {
			path = "/v1/deliveries/" + url.PathEscape(args[0]) + "/audit"
		} else {
			q := url.Values{}
			from, err := parseTimestamp(fromStr)
			if err != nil {
				return fmt.Errorf("invalid 'from' timestamp: %w", err)
			}
			to, err := parseTimestamp(toStr)
			if err != nil {
				return fmt.Errorf("invalid 'to' timestamp: %w", err)
			}
			if !from.IsZero() {
				q.Set("from", from.UTC().Format(time.RFC3339))
			}
			if !to.IsZero() {
				q.Set("to", to.UTC().Format(time.RFC3339))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path = "/v1/audit"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
		}

		var resp auditResponse
		if err := doRequest(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list audit entries: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.Entries) == 0 {
			fmt.Fprintln(out, "No audit entries found")
			return nil
		}
		for _, e := range resp.Entries {
			printAuditEntry(out, e)
		}
		return nil
	},
}

// abandonedCmd represents the abandoned command
var abandonedCmd = &cobra.Command{
	Use:   "abandoned",
	Short: "List abandoned deliveries",
	Long: `List deliveries that exhausted their attempts or failed permanently,
most recent first.

Example:
  courierctl abandoned --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		path := "/v1/abandoned"
		if limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}

		var resp abandonedResponse
		if err := doRequest(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list abandoned deliveries: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		fmt.Fprintf(out, "Abandoned deliveries (%d):\n", len(resp.Records))
		if len(resp.Records) == 0 {
			fmt.Fprintln(out, "  None")
			return nil
		}
		for _, rec := range resp.Records {
			fmt.Fprintf(out, "\n  %s\n", rec.ID)
			fmt.Fprintf(out, "    Channel: %s\n", rec.Channel)
			fmt.Fprintf(out, "    Attempts: %d/%d\n", rec.AttemptCount, rec.MaxAttempts)
			fmt.Fprintf(out, "    Last error: %s\n", rec.LastError)
			if rec.CompletedAt != nil {
				fmt.Fprintf(out, "    Abandoned: %s\n", formatTime(*rec.CompletedAt))
			}
		}
		return nil
	},
}

// retryCmd represents the retry command
var retryCmd = &cobra.Command{
	Use:   "retry [delivery-id]",
	Short: "Retry an abandoned delivery",
	Long: `Re-enqueue an abandoned delivery as a new delivery with a fresh attempt
budget. The abandoned record and its audit trail are left untouched.

Example:
  courierctl retry 3f1c2a9e-5b7d-4e0a-9c61-2d8f4b6a1e37`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec deliveryView
		err := doRequest(cmd.Context(), http.MethodPost, "/v1/deliveries/"+url.PathEscape(args[0])+"/retry", nil, &rec)
		if isStatus(err, http.StatusConflict) {
			return fmt.Errorf("delivery %s is not abandoned; only abandoned deliveries can be retried", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to retry delivery: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, rec)
			return nil
		}
		fmt.Fprintf(out, "Retried delivery: %s\n", rec.ID)
		fmt.Fprintf(out, "  Replay of: %s\n", rec.ReplayOf)
		fmt.Fprintf(out, "  Status: %s\n", rec.Status)
		return nil
	},
}

func printDelivery(out io.Writer, rec deliveryView) {
	fmt.Fprintf(out, "Delivery %s:\n", rec.ID)
	fmt.Fprintf(out, "  Channel: %s\n", rec.Channel)
	fmt.Fprintf(out, "  Target: %s\n", rec.Target)
	fmt.Fprintf(out, "  Status: %s\n", rec.Status)
	fmt.Fprintf(out, "  Attempts: %d/%d\n", rec.AttemptCount, rec.MaxAttempts)
	if rec.Status == string(delivery.StatusPending) || rec.Status == string(delivery.StatusFailedRetryable) {
		fmt.Fprintf(out, "  Next attempt: %s\n", formatTime(rec.NextEligibleAt))
	}
	if rec.LastError != "" {
		fmt.Fprintf(out, "  Last error: %s\n", rec.LastError)
	}
	if rec.ReplayOf != "" {
		fmt.Fprintf(out, "  Replay of: %s\n", rec.ReplayOf)
	}
	fmt.Fprintf(out, "  Created: %s\n", formatTime(rec.CreatedAt))
	if rec.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", formatTime(*rec.CompletedAt))
	}
}

func printAuditEntry(out io.Writer, e delivery.AuditEntry) {
	fmt.Fprintf(out, "\n  Attempt %d (%s):\n", e.AttemptCount, formatTime(e.Timestamp))
	fmt.Fprintf(out, "    Delivery ID: %s\n", e.RecordID)
	fmt.Fprintf(out, "    Status: %s\n", e.Status)
	fmt.Fprintf(out, "    Reason: %s\n", e.Reason)
	if e.StatusCode > 0 {
		fmt.Fprintf(out, "    HTTP Status: %d\n", e.StatusCode)
	}
	if e.ErrorMessage != "" {
		fmt.Fprintf(out, "    Error: %s\n", e.ErrorMessage)
	}
	fmt.Fprintf(out, "    Duration: %dms\n", e.DurationMS)
}

func init() {
	rootCmd.AddCommand(enqueueCmd, statusCmd, auditCmd, abandonedCmd, retryCmd)

	enqueueCmd.Flags().String("payload", "{}", "JSON payload")
	enqueueCmd.Flags().Int("max-attempts", 0, "attempt budget (0 uses the server default)")

	auditCmd.Flags().String("from", "", "start of the window (RFC3339), without a delivery id")
	auditCmd.Flags().String("to", "", "end of the window (RFC3339), without a delivery id")
	auditCmd.Flags().Int("limit", 0, "maximum number of entries")

	abandonedCmd.Flags().Int("limit", 0, "maximum number of deliveries")
}
