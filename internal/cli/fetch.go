package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"datapull/internal/app"
)

var (
	fetchInput  string
	fetchOutput string
	fetchNoDB   bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch historical stablecoin supply from DeFiLlama",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := getApp().FetchHistorical(cmd.Context(), app.FetchOptions{
			InputPath:  fetchInput,
			OutputPath: fetchOutput,
			SkipDB:     fetchNoDB,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !summary.Written {
			fmt.Fprintln(out, "no historical data collected")
			return nil
		}
		fmt.Fprintf(out, "%d records for %d stablecoins written to %s\n", summary.Records, summary.Symbols, summary.OutputPath)
		fmt.Fprintf(out, "collected %d, no data %d, failed %d\n", summary.Collected, summary.NoData, summary.Failed)
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchInput, "input", "", "Stablecoin list CSV (defaults to config)")
	fetchCmd.Flags().StringVar(&fetchOutput, "out", "", "Output CSV path (defaults to config)")
	fetchCmd.Flags().BoolVar(&fetchNoDB, "no-db", false, "Skip the PostgreSQL upsert even when a DSN is configured")
}
