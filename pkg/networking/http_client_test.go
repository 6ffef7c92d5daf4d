package networking

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	client, err := NewHttpClientBuilder().Build()
	require.NoError(t, err)
	assert.Equal(t, HttpTimeout, client.Timeout)
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	client, err := NewHttpClientBuilder().WithTimeout(0).Build()
	require.NoError(t, err)
	assert.Zero(t, client.Timeout)

	client, err = NewHttpClientBuilder().WithTimeout(5 * time.Second).Build()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, client.Timeout)
}

func TestWithResponseHeaderTimeout(t *testing.T) {
	t.Parallel()

	// Headers are held back longer than the capped client tolerates.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	capped, err := NewHttpClientBuilder().
		WithResponseHeaderTimeout(20 * time.Millisecond).
		Build()
	require.NoError(t, err)

	resp, err := capped.Get(srv.URL)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout awaiting response headers")

	// Zero disables the cap entirely.
	uncapped, err := NewHttpClientBuilder().
		WithTimeout(0).
		WithResponseHeaderTimeout(0).
		Build()
	require.NoError(t, err)

	resp, err = uncapped.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenSourcePresentsCurrentToken(t *testing.T) {
	t.Parallel()

	var sawAuth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = append(sawAuth, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	token := "first"
	client, err := NewHttpClientBuilder().
		WithTokenSource(func() string { return token }).
		Build()
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	// A rotated token is picked up without rebuilding the client.
	token = "second"
	resp, err = client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"Bearer first", "Bearer second"}, sawAuth)
}

func TestEmptyTokenOmitsHeader(t *testing.T) {
	t.Parallel()

	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewHttpClientBuilder().
		WithTokenSource(func() string { return "" }).
		Build()
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, sawAuth)
}

func TestWithCABundleMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewHttpClientBuilder().
		WithCABundle(filepath.Join(t.TempDir(), "absent.pem")).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read CA certificate bundle")
}

func TestWithCABundleInvalidPEM(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0o600))

	_, err := NewHttpClientBuilder().WithCABundle(path).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse CA certificate bundle")
}

func TestWithClientCertificateMissingPair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := NewHttpClientBuilder().
		WithClientCertificate(filepath.Join(dir, "c.crt"), filepath.Join(dir, "c.key")).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load client certificate pair")
}
