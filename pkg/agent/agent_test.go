package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/edgebridge/edgebridge/pkg/api/v1"
	"github.com/edgebridge/edgebridge/pkg/authority"
	"github.com/edgebridge/edgebridge/pkg/client"
	"github.com/edgebridge/edgebridge/pkg/directory"
	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/token"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *httptest.Server {
	t.Helper()

	codec, err := token.NewCodec([]byte("agent-test-secret"), ttl)
	require.NoError(t, err)
	a := authority.New(codec, directory.New())

	srv := httptest.NewServer(v1.Router(a, v1.RouterConfig{MaxInactive: 24 * time.Hour}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAgent(t *testing.T, registryURL, gatewayURL string, mutate func(*Config)) *Agent {
	t.Helper()

	rc, err := client.New(registryURL, nil)
	require.NoError(t, err)

	cfg := Config{
		DeviceID:       "dev-1",
		Registry:       rc,
		GatewayURL:     gatewayURL,
		Metadata:       directory.Metadata{URL: "http://127.0.0.1:8002"},
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func httputilProxy(target string) http.Handler {
	u, err := url.Parse(target)
	if err != nil {
		panic(err)
	}
	return httputil.NewSingleHostReverseProxy(u)
}

func readAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return body
}

func TestBackoffWaitSequence(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, "http://registry", "http://gateway", func(cfg *Config) {
		cfg.InitialBackoff = 2 * time.Second
		cfg.MaxBackoff = 30 * time.Second
	})

	b := a.bootstrapBackOff()
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, b.NextBackOff(), "wait %d", i)
	}
}

func TestBootstrapFirstAttempt(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, time.Hour)
	a := newTestAgent(t, registry.URL, "http://gateway", nil)

	require.NoError(t, a.Bootstrap(context.Background()))
	assert.Equal(t, StateRegistered, a.State())

	tok, expiresAt, ok := a.Credential()
	require.True(t, ok)
	assert.NotEmpty(t, tok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)
}

func TestBootstrapRecoversAfterFailures(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, time.Hour)

	var attempts atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "temporarily down", http.StatusServiceUnavailable)
			return
		}
		httputilProxy(registry.URL).ServeHTTP(w, r)
	}))
	t.Cleanup(flaky.Close)

	a := newTestAgent(t, flaky.URL, "http://gateway", nil)
	require.NoError(t, a.Bootstrap(context.Background()))
	assert.Equal(t, StateRegistered, a.State())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestBootstrapExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	a := newTestAgent(t, down.URL, "http://gateway", func(cfg *Config) {
		cfg.MaxAttempts = 3
	})

	err := a.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register after 3 attempts")
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, StateUnregistered, a.State())

	_, _, ok := a.Credential()
	assert.False(t, ok)
}

func TestBootstrapWaitsOutTheBackoff(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	a := newTestAgent(t, down.URL, "http://gateway", func(cfg *Config) {
		cfg.InitialBackoff = 10 * time.Millisecond
		cfg.MaxBackoff = 40 * time.Millisecond
		cfg.MaxAttempts = 5
	})

	// Every failure waits out its interval, the last included:
	// 10 + 20 + 40 + 40 + 40 ms. A sixth attempt is never made.
	started := time.Now()
	require.Error(t, a.Bootstrap(context.Background()))
	assert.GreaterOrEqual(t, time.Since(started), 150*time.Millisecond)
	assert.Equal(t, int32(5), attempts.Load())
}

func TestCredentialStale(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAgent(t, "http://registry", "http://gateway", func(cfg *Config) {
		cfg.LivenessInterval = time.Minute
		cfg.Clock = func() time.Time { return now }
	})

	assert.True(t, a.credentialStale(), "no token held")

	a.mu.Lock()
	a.token = "t"
	a.expiresAt = now.Add(30 * time.Second)
	a.mu.Unlock()
	assert.True(t, a.credentialStale(), "expires before the next tick")

	a.mu.Lock()
	a.expiresAt = now.Add(2 * time.Hour)
	a.mu.Unlock()
	assert.False(t, a.credentialStale())
}

func TestRunRefreshesCredential(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, 150*time.Millisecond)
	a := newTestAgent(t, registry.URL, "http://gateway", func(cfg *Config) {
		cfg.LivenessInterval = 25 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		//nolint:errcheck
		_ = a.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		tok, _, ok := a.Credential()
		return ok && tok != ""
	}, 2*time.Second, 10*time.Millisecond)

	first, _, _ := a.Credential()
	require.Eventually(t, func() bool {
		tok, _, ok := a.Credential()
		return ok && tok != first
	}, 2*time.Second, 10*time.Millisecond, "credential should be re-minted before expiry")
}

func TestPublishSmallPayload(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, time.Hour)

	var gotBearer string
	var gotLength int64
	var gotBody []byte
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBearer = r.Header.Get("Authorization")
		gotLength = r.ContentLength
		gotBody = readAll(t, r)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(gateway.Close)

	a := newTestAgent(t, registry.URL, gateway.URL, nil)
	require.NoError(t, a.Bootstrap(context.Background()))

	payload := []byte(`{"reading":42}`)
	require.NoError(t, a.Publish(context.Background(), payload, ""))

	tok, _, _ := a.Credential()
	assert.Equal(t, "Bearer "+tok, gotBearer)
	assert.Equal(t, int64(len(payload)), gotLength)
	assert.Equal(t, payload, gotBody)
}

func TestPublishLargePayloadStreams(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, time.Hour)

	var gotLength int64
	var gotBody []byte
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLength = r.ContentLength
		gotBody = readAll(t, r)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(gateway.Close)

	a := newTestAgent(t, registry.URL, gateway.URL, func(cfg *Config) {
		cfg.ChunkThreshold = 64
		cfg.ChunkSize = 32
		cfg.ChunkPacing = time.Millisecond
	})
	require.NoError(t, a.Bootstrap(context.Background()))

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	require.NoError(t, a.Publish(context.Background(), payload, "application/octet-stream"))

	// Chunked transfer carries no Content-Length.
	assert.Equal(t, int64(-1), gotLength)
	assert.Equal(t, payload, gotBody)
}

func TestPublishOutlastsFixedClientTimeout(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, time.Hour)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(gateway.Close)

	slow := func(cfg *Config) {
		cfg.ChunkThreshold = 64
		cfg.ChunkSize = 64
		cfg.ChunkPacing = 20 * time.Millisecond
	}
	// Ten fragments at this pacing take well over the capped client's
	// timeout.
	payload := make([]byte, 640)

	// A fixed overall client timeout caps the publishable payload size;
	// the paced transfer is guaranteed to outlast it.
	capped := newTestAgent(t, registry.URL, gateway.URL, func(cfg *Config) {
		slow(cfg)
		cfg.HTTPClient = &http.Client{Timeout: 40 * time.Millisecond}
	})
	require.NoError(t, capped.Bootstrap(context.Background()))
	err := capped.Publish(context.Background(), payload, "application/octet-stream")
	require.Error(t, err)
	assert.True(t, erx.IsBadGateway(err))

	// The default client carries no overall timeout, so the same paced
	// transfer completes.
	a := newTestAgent(t, registry.URL, gateway.URL, slow)
	require.NoError(t, a.Bootstrap(context.Background()))
	assert.Zero(t, a.http.Timeout)
	require.NoError(t, a.Publish(context.Background(), payload, "application/octet-stream"))
}

func TestPublishDeadlineScalesWithPayload(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, "http://registry", "http://gateway", func(cfg *Config) {
		cfg.ChunkSize = 8192
		cfg.ChunkPacing = 10 * time.Millisecond
	})

	// 64 MiB at the default pacing needs roughly 82 seconds on the wire;
	// the derived deadline leaves room for that and the exchange itself.
	d := a.publishDeadline(64 << 20)
	assert.Greater(t, d, 160*time.Second)

	// Small payloads still get the flat allowance.
	assert.GreaterOrEqual(t, a.publishDeadline(10), publishBaseDeadline)
}

func TestPublishReRegistersWhenUnauthenticated(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, time.Hour)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(gateway.Close)

	a := newTestAgent(t, registry.URL, gateway.URL, nil)

	// No bootstrap: the publish itself must obtain the credential.
	require.NoError(t, a.Publish(context.Background(), []byte(`{}`), ""))
	assert.Equal(t, StateRegistered, a.State())
}

func TestPublishFailsClosedWithoutRegistry(t *testing.T) {
	t.Parallel()

	rc, err := client.New("http://127.0.0.1:1", nil)
	require.NoError(t, err)
	a, err := New(Config{
		DeviceID:   "dev-1",
		Registry:   rc,
		GatewayURL: "http://gateway",
	})
	require.NoError(t, err)

	err = a.Publish(context.Background(), []byte(`{}`), "")
	assert.True(t, erx.IsAuthFailure(err), "expected auth failure, got %v", err)
}

func TestPublishDropsRejectedCredential(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, time.Hour)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		//nolint:errcheck
		_, _ = w.Write([]byte(`{"error":"auth_failure","message":"device revoked"}`))
	}))
	t.Cleanup(gateway.Close)

	a := newTestAgent(t, registry.URL, gateway.URL, nil)
	require.NoError(t, a.Bootstrap(context.Background()))

	err := a.Publish(context.Background(), []byte(`{}`), "")
	require.True(t, erx.IsAuthFailure(err))

	_, _, ok := a.Credential()
	assert.False(t, ok, "rejected credential should be dropped")
	assert.Equal(t, StateUnregistered, a.State())
}
