package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgebridge/edgebridge/pkg/client"
	"github.com/edgebridge/edgebridge/pkg/gateway"
	"github.com/edgebridge/edgebridge/pkg/logger"
	"github.com/edgebridge/edgebridge/pkg/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the forwarding gateway",
	Long: `Start the forwarding gateway. Credentials are checked locally against the
shared signing secret and confirmed against the registry's device directory.`,
	RunE: runServe,
}

const defaultGracefulTimeout = 30 * time.Second

func init() {
	serveCmd.Flags().String("host", "0.0.0.0", "Host to listen on")
	serveCmd.Flags().Int("port", 8001, "Port to listen on")
	serveCmd.Flags().String("registry-url", "", "Base URL of the registry API")
	serveCmd.Flags().Duration("forward-deadline", gateway.DefaultForwardDeadline, "Wall-clock ceiling on one relay")
	serveCmd.Flags().Duration("token-leeway", 0, "Clock skew tolerated when validating expiry")
	serveCmd.Flags().String("ca-bundle", "", "CA bundle for verifying device endpoints")
	serveCmd.Flags().String("client-cert", "", "Client certificate for mutual TLS to devices")
	serveCmd.Flags().String("client-key", "", "Client key for mutual TLS to devices")

	for _, flag := range []string{
		"host", "port", "registry-url", "forward-deadline",
		"token-leeway", "ca-bundle", "client-cert", "client-key",
	} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}

	if err := viper.BindEnv("secret", "EDGEBRIDGE_SECRET"); err != nil {
		logger.Fatalf("Failed to bind secret env var: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	secret := viper.GetString("secret")
	if secret == "" {
		return fmt.Errorf("EDGEBRIDGE_SECRET must be set")
	}
	registryURL := viper.GetString("registry-url")
	if registryURL == "" {
		return fmt.Errorf("registry-url flag is required")
	}

	// The TTL only applies to minting; the gateway never mints.
	codec, err := token.NewCodec([]byte(secret), time.Hour,
		token.WithLeeway(viper.GetDuration("token-leeway")))
	if err != nil {
		return fmt.Errorf("failed to create token codec: %w", err)
	}

	registry, err := client.New(registryURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		Host:            viper.GetString("host"),
		Port:            viper.GetInt("port"),
		Validator:       client.NewRemoteValidator(codec, registry),
		ForwardDeadline: viper.GetDuration("forward-deadline"),
		CABundle:        viper.GetString("ca-bundle"),
		ClientCert:      viper.GetString("client-cert"),
		ClientKey:       viper.GetString("client-key"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Errorf("Gateway forced to shutdown: %v", err)
		return err
	}

	logger.Info("Gateway shutdown complete")
	return nil
}
