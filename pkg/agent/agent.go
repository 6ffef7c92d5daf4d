// Package agent implements the on-prem agent: it registers the device with
// the registry under a bounded exponential backoff, keeps the credential
// fresh with a periodic liveness check, publishes data through the gateway
// and serves a small local HTTP endpoint for forwarded requests.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/edgebridge/edgebridge/pkg/client"
	"github.com/edgebridge/edgebridge/pkg/directory"
	"github.com/edgebridge/edgebridge/pkg/logger"
	"github.com/edgebridge/edgebridge/pkg/networking"
)

// State is the agent's registration lifecycle state.
type State string

const (
	// StateUnregistered means the agent holds no credential.
	StateUnregistered State = "unregistered"
	// StateRegistering means a registration attempt is in flight.
	StateRegistering State = "registering"
	// StateRegistered means the agent holds a credential it believes valid.
	StateRegistered State = "registered"
	// StateBackingOff means the last attempt failed and the agent is
	// waiting out the backoff interval.
	StateBackingOff State = "backing_off"
)

// Defaults for the bootstrap and liveness loops.
const (
	DefaultInitialBackoff   = 2 * time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultMaxAttempts      = 5
	DefaultLivenessInterval = 60 * time.Second

	// DefaultChunkThreshold is the payload size above which a publication
	// switches to paced chunked streaming.
	DefaultChunkThreshold = 8192
	// DefaultChunkSize is the fragment size of a streamed publication.
	DefaultChunkSize = 8192
	// DefaultChunkPacing is the delay between streamed fragments.
	DefaultChunkPacing = 10 * time.Millisecond
)

// Config holds the agent's construction parameters.
type Config struct {
	// DeviceID identifies this device to the registry.
	DeviceID string

	// Registry is the registry API client used to obtain and refresh the
	// credential.
	Registry *client.Client

	// GatewayURL is the base URL of the forwarding gateway, the target of
	// publications.
	GatewayURL string

	// Metadata is advertised at registration. Its URL should point at the
	// agent's local receiver so forwarded requests can reach it.
	Metadata directory.Metadata

	// HTTPClient carries publications to the gateway. Nil gets a build
	// with no overall timeout, since a paced chunked publication can
	// legitimately outlast any fixed client timeout.
	HTTPClient *http.Client

	// Backoff parameters for the bootstrap loop. Zero values take the
	// defaults above.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    uint

	// LivenessInterval is the period of the credential refresh check.
	LivenessInterval time.Duration

	// Publication streaming parameters. Zero values take the defaults.
	ChunkThreshold int
	ChunkSize      int
	ChunkPacing    time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Agent is the on-prem connector process.
type Agent struct {
	deviceID   string
	registry   *client.Client
	gatewayURL string
	http       *http.Client
	meta       directory.Metadata

	initialBackoff   time.Duration
	maxBackoff       time.Duration
	maxAttempts      uint
	livenessInterval time.Duration

	chunkThreshold int
	chunkSize      int
	chunkPacing    time.Duration

	now func() time.Time

	// mu guards the credential and state below.
	mu        sync.Mutex
	state     State
	token     string
	expiresAt time.Time
}

// New creates an agent from the config, applying defaults for unset knobs.
func New(cfg Config) (*Agent, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("a device id is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("a registry client is required")
	}
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("a gateway URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		var err error
		httpClient, err = networking.NewHttpClientBuilder().
			WithTimeout(0).
			Build()
		if err != nil {
			return nil, err
		}
	}

	a := &Agent{
		deviceID:         cfg.DeviceID,
		registry:         cfg.Registry,
		gatewayURL:       cfg.GatewayURL,
		http:             httpClient,
		meta:             cfg.Metadata,
		initialBackoff:   cfg.InitialBackoff,
		maxBackoff:       cfg.MaxBackoff,
		maxAttempts:      cfg.MaxAttempts,
		livenessInterval: cfg.LivenessInterval,
		chunkThreshold:   cfg.ChunkThreshold,
		chunkSize:        cfg.ChunkSize,
		chunkPacing:      cfg.ChunkPacing,
		now:              cfg.Clock,
		state:            StateUnregistered,
	}
	if a.initialBackoff == 0 {
		a.initialBackoff = DefaultInitialBackoff
	}
	if a.maxBackoff == 0 {
		a.maxBackoff = DefaultMaxBackoff
	}
	if a.maxAttempts == 0 {
		a.maxAttempts = DefaultMaxAttempts
	}
	if a.livenessInterval == 0 {
		a.livenessInterval = DefaultLivenessInterval
	}
	if a.chunkThreshold == 0 {
		a.chunkThreshold = DefaultChunkThreshold
	}
	if a.chunkSize == 0 {
		a.chunkSize = DefaultChunkSize
	}
	if a.chunkPacing == 0 {
		a.chunkPacing = DefaultChunkPacing
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Credential returns the held token and its expiry. ok is false when no
// unexpired credential is held.
func (a *Agent) Credential() (string, time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" || !a.now().Before(a.expiresAt) {
		return "", time.Time{}, false
	}
	return a.token, a.expiresAt, true
}

// DeviceID returns the agent's device id.
func (a *Agent) DeviceID() string {
	return a.deviceID
}

// GatewayURL returns the gateway base URL the agent publishes to.
func (a *Agent) GatewayURL() string {
	return a.gatewayURL
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// register performs one registration attempt and stores the credential on
// success.
func (a *Agent) register(ctx context.Context) error {
	a.setState(StateRegistering)

	resp, err := a.registry.Register(ctx, a.deviceID, a.meta)
	if err != nil {
		a.mu.Lock()
		if a.token != "" && a.now().Before(a.expiresAt) {
			a.state = StateRegistered
		} else {
			a.state = StateUnregistered
		}
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	a.token = resp.Token
	a.expiresAt = resp.ExpiresAt
	if a.expiresAt.IsZero() {
		a.expiresAt = a.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	a.state = StateRegistered
	a.mu.Unlock()

	logger.Infow("device registered", "device_id", a.deviceID, "role", resp.Role, "expires_at", a.expiresAt)
	return nil
}

// bootstrapBackOff builds the registration retry policy: doubling waits
// from the initial interval, capped, with no jitter so the wait sequence
// is deterministic.
func (a *Agent) bootstrapBackOff() *backoff.ExponentialBackOff {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = a.initialBackoff
	expBackoff.MaxInterval = a.maxBackoff
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0
	expBackoff.Reset()
	return expBackoff
}

// Bootstrap registers the device, retrying under the backoff policy. After
// the configured number of attempts the error is returned to the caller
// and the process should treat it as fatal.
func (a *Agent) Bootstrap(ctx context.Context) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		return struct{}{}, a.register(ctx)
	}

	policy := a.bootstrapBackOff()
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(a.maxAttempts),
		backoff.WithNotify(func(err error, duration time.Duration) {
			a.setState(StateBackingOff)
			logger.Warnf("Registration attempt %d/%d failed, retrying in %v: %v",
				attempt, a.maxAttempts, duration, err)
		}),
	)
	if err != nil {
		// The last failure waits out its interval too before the error
		// surfaces.
		a.setState(StateBackingOff)
		select {
		case <-time.After(policy.NextBackOff()):
		case <-ctx.Done():
		}
		a.setState(StateUnregistered)
		return fmt.Errorf("failed to register after %d attempts: %w", a.maxAttempts, err)
	}
	return nil
}

// Run bootstraps the agent and then keeps the credential fresh until the
// context is canceled. Refresh failures are logged and retried on the next
// tick; the credential the agent already holds stays usable until expiry.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Bootstrap(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.credentialStale() {
				if err := a.register(ctx); err != nil {
					logger.Errorf("Credential refresh failed: %v", err)
				}
			}
		}
	}
}

// credentialStale reports whether the held credential is missing, expired
// or due to expire before the next liveness tick.
func (a *Agent) credentialStale() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" {
		return true
	}
	return !a.now().Add(a.livenessInterval).Before(a.expiresAt)
}
