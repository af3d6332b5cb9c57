package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"crypto-stats-worker/internal/app"
)

var (
	showLimit int
	showAsset string
	showRuns  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent price samples or ingestion runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Asset: showAsset,
			Limit: showLimit,
			Runs:  showRuns,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display per asset")
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Only show this asset (defaults to all tracked assets)")
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "List recent ingestion runs instead of samples")
}
