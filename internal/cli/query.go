package cli

import (
	"github.com/spf13/cobra"

	"datapull/internal/app"
)

var (
	queryIDs       []int64
	queryEcosystem string
	queryLatest    bool
	queryOutput    string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run saved Dune queries and save their rows as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Query(cmd.Context(), app.QueryOptions{
			QueryIDs:   queryIDs,
			Ecosystem:  queryEcosystem,
			Latest:     queryLatest,
			OutputPath: queryOutput,
		})
		return err
	},
}

func init() {
	queryCmd.Flags().Int64SliceVar(&queryIDs, "query-id", nil, "Dune query id (repeatable)")
	queryCmd.Flags().StringVar(&queryEcosystem, "ecosystem", "", "Ecosystem name from the query catalog")
	queryCmd.Flags().BoolVar(&queryLatest, "latest", false, "Fetch the latest cached result instead of executing")
	queryCmd.Flags().StringVar(&queryOutput, "out", "", "Output CSV path; suffixed with _<id> when several queries run")
}
