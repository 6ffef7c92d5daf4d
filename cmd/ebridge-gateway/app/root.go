// Package app provides the CLI for the edgebridge forwarding gateway.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgebridge/edgebridge/pkg/logger"
)

// NewRootCmd creates the root command for the gateway CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ebridge-gateway",
		Short: "Authenticated forwarding gateway for edgebridge",
		Long: `ebridge-gateway relays HTTP requests to registered device endpoints.
Callers present bearer credentials minted by the registry; each relay is
bounded by a wall-clock deadline and passed through verbatim.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
