// Package app provides the CLI for the edgebridge device registry.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgebridge/edgebridge/pkg/logger"
)

// NewRootCmd creates the root command for the registry CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ebridge-registry",
		Short: "Token authority and device directory for edgebridge",
		Long: `ebridge-registry runs the token authority and device directory.
Devices register here to obtain bearer credentials; the forwarding gateway
validates those credentials against this service.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
