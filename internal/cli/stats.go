package cli

import (
	"github.com/spf13/cobra"
)

var statsAsset string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print latest price and standard deviation over the last 100 samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stats(cmd.Context(), statsAsset)
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsAsset, "asset", "", "Only report this asset (defaults to all tracked assets)")
}
