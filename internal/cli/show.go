package cli

import (
	"github.com/spf13/cobra"

	"datapull/internal/app"
)

var (
	showPath   string
	showSymbol string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Summarise a historical CSV per stablecoin",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ShowOptions{
			Path:   showPath,
			Symbol: showSymbol,
		}

		return getApp().Show(opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showPath, "path", "", "Historical CSV to read (defaults to config)")
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Only show this symbol")
}
