package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/logger"
)

// Receiver is the agent's local HTTP endpoint. Requests forwarded by the
// gateway land here; it offers an echo endpoint for connectivity tests and
// a status endpoint with optional diagnostics.
type Receiver struct {
	agent *Agent
	host  string
	port  int

	// HTTP server
	server *http.Server

	// Mutex for protecting shared state
	mutex sync.Mutex

	// Shutdown channel
	shutdownCh chan struct{}
}

// NewReceiver creates a receiver bound to the agent's credential state.
func NewReceiver(a *Agent, host string, port int) *Receiver {
	return &Receiver{
		agent:      a,
		host:       host,
		port:       port,
		shutdownCh: make(chan struct{}),
	}
}

// Router assembles the receiver's HTTP surface.
func (rc *Receiver) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		//nolint:errcheck
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	r.Post("/test", rc.handleTest)
	r.Post("/api/status", rc.handleStatus)
	return r
}

// handleTest echoes the request body back, confirming the forwarded path
// end to end.
func (rc *Receiver) handleTest(w http.ResponseWriter, r *http.Request) {
	var data any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		erx.WriteHTTP(w, erx.NewInvalidArgumentError("request body is not valid JSON", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message": "success",
		"data":    data,
	})
}

type statusRequest struct {
	IncludeDiagnostics bool `json:"include_diagnostics"`
}

type statusDiagnostics struct {
	TokenValid bool   `json:"token_valid"`
	GatewayURL string `json:"gateway_url"`
	TLSEnabled bool   `json:"tls_enabled"`
}

type statusResponse struct {
	Status      string             `json:"status"`
	Timestamp   time.Time          `json:"timestamp"`
	DeviceID    string             `json:"device_id"`
	State       State              `json:"state"`
	Diagnostics *statusDiagnostics `json:"diagnostics,omitempty"`
}

// handleStatus reports the device's state, with diagnostics on request.
func (rc *Receiver) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	// An empty body means no diagnostics.
	//nolint:errcheck
	_ = json.NewDecoder(r.Body).Decode(&req)

	resp := statusResponse{
		Status:    "online",
		Timestamp: time.Now().UTC(),
		DeviceID:  rc.agent.DeviceID(),
		State:     rc.agent.State(),
	}
	if req.IncludeDiagnostics {
		_, _, tokenValid := rc.agent.Credential()
		resp.Diagnostics = &statusDiagnostics{
			TokenValid: tokenValid,
			GatewayURL: rc.agent.GatewayURL(),
			TLSEnabled: strings.HasPrefix(rc.agent.GatewayURL(), "https://"),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck
	_ = json.NewEncoder(w).Encode(resp)
}

// Start starts the receiver server.
func (rc *Receiver) Start(_ context.Context) error {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	rc.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", rc.host, rc.port),
		Handler:           rc.Router(),
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		logger.Infof("Agent receiver listening on %s", rc.server.Addr)
		if err := rc.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Receiver server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the receiver server.
func (rc *Receiver) Stop(ctx context.Context) error {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	close(rc.shutdownCh)

	if rc.server != nil {
		return rc.server.Shutdown(ctx)
	}
	return nil
}

// IsRunning checks if the receiver is running.
func (rc *Receiver) IsRunning() bool {
	select {
	case <-rc.shutdownCh:
		return false
	default:
		return true
	}
}
