package cli

import (
	"github.com/spf13/cobra"

	"datapull/internal/app"
)

var loadCmd = &cobra.Command{
	Use:   "load [path]",
	Short: "Upsert a historical CSV into PostgreSQL",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.LoadOptions{}
		if len(args) == 1 {
			opts.Path = args[0]
		}
		return getApp().Load(cmd.Context(), opts)
	},
}
