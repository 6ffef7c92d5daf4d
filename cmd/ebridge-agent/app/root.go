// Package app provides the CLI for the edgebridge on-prem agent.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgebridge/edgebridge/pkg/logger"
)

// NewRootCmd creates the root command for the agent CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ebridge-agent",
		Short: "On-prem agent for edgebridge",
		Long: `ebridge-agent registers this device with the registry, keeps its
credential fresh, serves a local endpoint for forwarded requests and
publishes data through the gateway.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(startCmd)
	return rootCmd
}
