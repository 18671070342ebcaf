package cmd

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/courier/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the courier API",
	Long:  `Check the health of the courier API and the services behind it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st health.Status
		err := doRequest(cmd.Context(), http.MethodGet, "/healthz", nil, &st)

		out := cmd.OutOrStdout()
		if err != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
			return nil
		}
		if outputJSON {
			printOutput(out, st)
			return nil
		}
		fmt.Fprintln(out, "✓ Service is healthy")
		names := make([]string, 0, len(st.Components))
		for name := range st.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			mark := "✓"
			if !st.Components[name] {
				mark = "✗"
			}
			fmt.Fprintf(out, "  %s %s\n", mark, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
