package app

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgebridge/edgebridge/pkg/agent"
	"github.com/edgebridge/edgebridge/pkg/client"
	"github.com/edgebridge/edgebridge/pkg/directory"
	"github.com/edgebridge/edgebridge/pkg/logger"
	"github.com/edgebridge/edgebridge/pkg/networking"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent",
	Long: `Start the agent. Registration is retried under a bounded exponential
backoff; running out of attempts is fatal.`,
	RunE: runStart,
}

const defaultGracefulTimeout = 30 * time.Second

func init() {
	startCmd.Flags().String("device-id", "", "Device identity to register as")
	startCmd.Flags().String("registry-url", "", "Base URL of the registry API")
	startCmd.Flags().String("gateway-url", "", "Base URL of the forwarding gateway")
	startCmd.Flags().String("advertise-url", "", "URL the gateway should forward device requests to")
	startCmd.Flags().String("receiver-host", "0.0.0.0", "Host for the local receiver")
	startCmd.Flags().Int("receiver-port", 8002, "Port for the local receiver")
	startCmd.Flags().String("ca-bundle", "", "CA bundle for verifying the gateway and registry")
	startCmd.Flags().String("client-cert", "", "Client certificate for mutual TLS")
	startCmd.Flags().String("client-key", "", "Client key for mutual TLS")
	startCmd.Flags().Duration("liveness-interval", agent.DefaultLivenessInterval, "Credential refresh check period")
	startCmd.Flags().Int("chunk-threshold", agent.DefaultChunkThreshold, "Payload size above which publications stream in fragments")
	startCmd.Flags().Int("chunk-size", agent.DefaultChunkSize, "Fragment size of streamed publications")
	startCmd.Flags().Duration("chunk-pacing", agent.DefaultChunkPacing, "Delay between streamed fragments")

	for _, flag := range []string{
		"device-id", "registry-url", "gateway-url", "advertise-url",
		"receiver-host", "receiver-port", "ca-bundle", "client-cert", "client-key",
		"liveness-interval", "chunk-threshold", "chunk-size", "chunk-pacing",
	} {
		if err := viper.BindPFlag(flag, startCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}

	if err := viper.BindEnv("device-id", "DEVICE_ID"); err != nil {
		logger.Fatalf("Failed to bind device id env var: %v", err)
	}
}

func runStart(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceID := viper.GetString("device-id")
	if deviceID == "" {
		return fmt.Errorf("device-id flag or DEVICE_ID must be set")
	}
	registryURL := viper.GetString("registry-url")
	if registryURL == "" {
		return fmt.Errorf("registry-url flag is required")
	}
	gatewayURL := viper.GetString("gateway-url")
	if gatewayURL == "" {
		return fmt.Errorf("gateway-url flag is required")
	}

	advertiseURL := viper.GetString("advertise-url")
	if advertiseURL == "" {
		advertiseURL = fmt.Sprintf("http://%s:%d",
			viper.GetString("receiver-host"), viper.GetInt("receiver-port"))
	}

	caBundle := viper.GetString("ca-bundle")
	clientCert := viper.GetString("client-cert")
	clientKey := viper.GetString("client-key")

	registryClient, err := buildClient(caBundle, clientCert, clientKey, false)
	if err != nil {
		return fmt.Errorf("failed to build registry HTTP client: %w", err)
	}
	// The publish client carries no overall timeout: a paced chunked
	// publication is bounded per request, not per client.
	publishClient, err := buildClient(caBundle, clientCert, clientKey, true)
	if err != nil {
		return fmt.Errorf("failed to build gateway HTTP client: %w", err)
	}

	registry, err := client.New(registryURL, registryClient)
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}

	a, err := agent.New(agent.Config{
		DeviceID:         deviceID,
		Registry:         registry,
		GatewayURL:       gatewayURL,
		Metadata:         directory.Metadata{URL: advertiseURL},
		HTTPClient:       publishClient,
		LivenessInterval: viper.GetDuration("liveness-interval"),
		ChunkThreshold:   viper.GetInt("chunk-threshold"),
		ChunkSize:        viper.GetInt("chunk-size"),
		ChunkPacing:      viper.GetDuration("chunk-pacing"),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	receiver := agent.NewReceiver(a, viper.GetString("receiver-host"), viper.GetInt("receiver-port"))
	if err := receiver.Start(ctx); err != nil {
		return fmt.Errorf("failed to start receiver: %w", err)
	}

	// Run blocks until the context is canceled; a bootstrap that runs out
	// of attempts surfaces here and is fatal.
	runErr := a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := receiver.Stop(shutdownCtx); err != nil {
		logger.Errorf("Receiver forced to shutdown: %v", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("Agent shutdown complete")
	return nil
}

func buildClient(caBundle, clientCert, clientKey string, unbounded bool) (*http.Client, error) {
	builder := networking.NewHttpClientBuilder()
	if unbounded {
		builder = builder.WithTimeout(0)
	}
	if caBundle != "" {
		builder = builder.WithCABundle(caBundle)
	}
	if clientCert != "" {
		builder = builder.WithClientCertificate(clientCert, clientKey)
	}
	return builder.Build()
}
