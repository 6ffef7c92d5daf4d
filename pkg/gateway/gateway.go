package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgebridge/edgebridge/pkg/auth"
	"github.com/edgebridge/edgebridge/pkg/directory"
	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/logger"
	"github.com/edgebridge/edgebridge/pkg/networking"
	"github.com/edgebridge/edgebridge/pkg/telemetry"
)

// Config holds the gateway's construction parameters.
type Config struct {
	// Host and Port are the listen address.
	Host string
	Port int

	// Validator authenticates inbound credentials. In the standard
	// deployment this is a remote validator against the registry; tests
	// and single-process deployments pass the authority directly.
	Validator auth.Validator

	// ForwardDeadline bounds one relay end to end. Zero means
	// DefaultForwardDeadline.
	ForwardDeadline time.Duration

	// CABundle, when set, verifies device endpoints' certificates on the
	// outbound leg. ClientCert/ClientKey add the gateway's own
	// certificate for mutual TLS.
	CABundle   string
	ClientCert string
	ClientKey  string

	// Metrics is optional; a fresh instance is created when nil.
	Metrics *telemetry.Metrics
}

// Gateway is the forwarding gateway HTTP server.
type Gateway struct {
	host    string
	port    int
	metrics *telemetry.Metrics

	forwarder *forwarder
	validator auth.Validator

	// HTTP server
	server *http.Server

	// Mutex for protecting shared state
	mutex sync.Mutex

	// Shutdown channel
	shutdownCh chan struct{}
}

// New creates a gateway. The outbound client carries no overall timeout;
// the per-request deadline governs the transfer.
func New(cfg Config) (*Gateway, error) {
	if cfg.Validator == nil {
		return nil, fmt.Errorf("a credential validator is required")
	}

	deadline := cfg.ForwardDeadline
	if deadline == 0 {
		deadline = DefaultForwardDeadline
	}

	// The per-request deadline is the only limit on a relay; neither the
	// overall client timeout nor the first-byte cap applies.
	builder := networking.NewHttpClientBuilder().
		WithTimeout(0).
		WithResponseHeaderTimeout(0)
	if cfg.CABundle != "" {
		builder = builder.WithCABundle(cfg.CABundle)
	}
	if cfg.ClientCert != "" {
		builder = builder.WithClientCertificate(cfg.ClientCert, cfg.ClientKey)
	}
	outbound, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build outbound client: %w", err)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.New()
	}

	return &Gateway{
		host:      cfg.Host,
		port:      cfg.Port,
		metrics:   metrics,
		validator: cfg.Validator,
		forwarder: &forwarder{
			client:   outbound,
			deadline: deadline,
			metrics:  metrics,
		},
		shutdownCh: make(chan struct{}),
	}, nil
}

// Router assembles the gateway's HTTP surface.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		//nolint:errcheck
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", g.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(g.countedAuth())

		// The relay preserves the caller's method.
		r.HandleFunc("/forward/{device_id}/*", g.forwarder.handleForward)
		r.HandleFunc("/forward/{device_id}", g.forwarder.handleForward)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequirePermission(directory.PermPublishData))
			r.Post("/publish", g.handlePublish)
			r.Post("/receive-data", g.handlePublish)
		})
	})
	return r
}

// countedAuth wraps the auth middleware so rejected credentials are
// reflected in the metrics.
func (g *Gateway) countedAuth() func(http.Handler) http.Handler {
	inner := auth.Middleware(g.validator)
	return func(next http.Handler) http.Handler {
		authed := inner(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			authed.ServeHTTP(sw, r)
			if sw.status == http.StatusUnauthorized {
				g.metrics.AuthFailuresTotal.Inc()
			}
		})
	}
}

// statusWriter records the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush passes through to the wrapped writer so streamed responses are
// delivered incrementally rather than held until the handler returns.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// handlePublish accepts an authenticated data publication. Large payloads
// arrive as chunked streams; the body is drained without buffering it
// whole.
func (g *Gateway) handlePublish(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		erx.WriteHTTP(w, erx.NewInvalidArgumentError("failed to read payload", err))
		return
	}
	g.metrics.PublishBytesTotal.Add(float64(n))
	logger.Debugw("payload published", "device_id", identity.Subject, "bytes", n)

	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "success",
		"received_bytes": n,
	})
}

// Start starts the gateway server.
func (g *Gateway) Start(_ context.Context) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", g.host, g.port),
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		logger.Infof("Forwarding gateway listening on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Gateway server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the gateway server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	close(g.shutdownCh)

	if g.server != nil {
		return g.server.Shutdown(ctx)
	}
	return nil
}

// IsRunning checks if the gateway is running.
func (g *Gateway) IsRunning() bool {
	select {
	case <-g.shutdownCh:
		return false
	default:
		return true
	}
}
