package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/carlink/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file without starting",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("invalid configuration", err)
		}
		fmt.Printf("Configuration OK\n")
		fmt.Printf("  transport listen:   %s\n", cfg.Transport.Listen)
		fmt.Printf("  hmi adapter:        %s\n", cfg.HMI.Adapter)
		fmt.Printf("  max payload size:   %d\n", cfg.Protocol.MaxPayloadSize)
		fmt.Printf("  heartbeat enabled:  %v\n", cfg.Protocol.HeartbeatEnabled)
		fmt.Printf("  telemetry enabled:  %v\n", cfg.Telemetry.Enabled)
	},
}
