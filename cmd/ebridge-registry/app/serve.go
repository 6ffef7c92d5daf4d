package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	v1 "github.com/edgebridge/edgebridge/pkg/api/v1"
	"github.com/edgebridge/edgebridge/pkg/authority"
	"github.com/edgebridge/edgebridge/pkg/directory"
	"github.com/edgebridge/edgebridge/pkg/logger"
	"github.com/edgebridge/edgebridge/pkg/state"
	"github.com/edgebridge/edgebridge/pkg/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry server",
	Long: `Start the registry server. Devices register to obtain bearer credentials;
the directory tracks their status, metadata and liveness.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8000", "Address to listen on")
	serveCmd.Flags().Duration("token-ttl", time.Hour, "Lifetime of minted credentials")
	serveCmd.Flags().Duration("token-leeway", 0, "Clock skew tolerated when validating expiry")
	serveCmd.Flags().String("state-dir", "", "Directory for the directory snapshot (empty disables persistence)")
	serveCmd.Flags().Duration("rotation-interval", 0, "Fingerprint rotation period (0 disables)")
	serveCmd.Flags().Duration("sweep-interval", time.Minute, "Inactivity sweep period (0 disables)")
	serveCmd.Flags().Duration("max-inactive", 5*time.Minute, "Inactivity threshold before a device is swept")
	serveCmd.Flags().Bool("allow-deregister", false, "Expose the unauthenticated deregistration endpoint")

	for _, flag := range []string{
		"address", "token-ttl", "token-leeway", "state-dir",
		"rotation-interval", "sweep-interval", "max-inactive", "allow-deregister",
	} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}

	// The signing secret never travels through flags.
	if err := viper.BindEnv("secret", "EDGEBRIDGE_SECRET"); err != nil {
		logger.Fatalf("Failed to bind secret env var: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	address := viper.GetString("address")
	secret := viper.GetString("secret")
	if secret == "" {
		return fmt.Errorf("EDGEBRIDGE_SECRET must be set")
	}

	codec, err := token.NewCodec([]byte(secret), viper.GetDuration("token-ttl"),
		token.WithLeeway(viper.GetDuration("token-leeway")))
	if err != nil {
		return fmt.Errorf("failed to create token codec: %w", err)
	}

	var opts []authority.Option
	if stateDir := viper.GetString("state-dir"); stateDir != "" {
		store, err := state.NewLocalStore(stateDir)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		opts = append(opts, authority.WithStateStore(store))
	}

	auth := authority.New(codec, directory.New(), opts...)
	if err := auth.LoadState(ctx); err != nil {
		// A corrupt snapshot must not be silently discarded.
		return fmt.Errorf("failed to load directory state: %w", err)
	}

	stopMaintenance := auth.StartMaintenance(ctx, authority.MaintenanceConfig{
		RotationInterval: viper.GetDuration("rotation-interval"),
		SweepInterval:    viper.GetDuration("sweep-interval"),
		MaxInactive:      viper.GetDuration("max-inactive"),
	})
	defer stopMaintenance()

	router := v1.Router(auth, v1.RouterConfig{
		MaxInactive:                    viper.GetDuration("max-inactive"),
		AllowUnauthenticatedDeregister: viper.GetBool("allow-deregister"),
	})

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("Registry listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down registry...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	if err := auth.SaveState(shutdownCtx); err != nil {
		logger.Errorf("Failed to save directory state: %v", err)
		return err
	}

	logger.Info("Registry shutdown complete")
	return nil
}
