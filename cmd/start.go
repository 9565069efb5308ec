package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/carlink/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the head-unit middleware daemon",
	Long: `Start loads the configuration, opens the device transport and the
HMI link, and runs until SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		d, err := daemon.New(configFile)
		if err != nil {
			exitWithError("failed to create daemon", err)
		}
		if err := d.Run(); err != nil {
			exitWithError("daemon failed", err)
		}
	},
}
