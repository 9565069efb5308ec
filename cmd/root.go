// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "carlink",
	Short: "Carlink - In-vehicle head-unit middleware for mobile app integration",
	Long: `Carlink is the head-unit middleware that mediates between mobile
applications and the vehicle's Human-Machine Interface (HMI).

It multiplexes RPC, audio, video and control services over framed device
connections, arbitrates which application owns the screen and the audio
channels, and routes RPC traffic between the mobile side and the HMI.

Features:
  - Framed binary transport with fragmentation and per-service encryption
  - HMI level arbitration with audio exclusivity classes
  - Flood and malformed-message defense
  - WebSocket HMI link, Kafka telemetry, Prometheus metrics`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/carlink/config.yml",
		"config file path")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
