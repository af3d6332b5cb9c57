package cli

import (
	"github.com/spf13/cobra"

	"crypto-stats-worker/internal/app"
)

var triggerLocal bool

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Request an immediate ingestion run",
	Long: "Publishes {\"trigger\":\"update\"} on the trigger topic so running workers start an out-of-cadence run.\n" +
		"With --local, runs one ingestion cycle in this process and prints its outcome.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Trigger(cmd.Context(), app.TriggerOptions{Local: triggerLocal})
	},
}

func init() {
	triggerCmd.Flags().BoolVar(&triggerLocal, "local", false, "Run once in-process instead of publishing a trigger")
}
