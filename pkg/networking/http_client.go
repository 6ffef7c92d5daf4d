// Package networking provides HTTP client construction shared by the
// gateway's outbound leg and the agent's cloud-facing calls: timeouts,
// optional CA-bundle verification and optional mutual TLS.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// HttpTimeout is the default timeout for outgoing HTTP requests
const HttpTimeout = 30 * time.Second

// TokenSource supplies the current bearer token for authenticated
// transports. It is a function so holders of rotating credentials always
// present the freshest one.
type TokenSource func() string

// authenticatedTransport adds Bearer token authentication to HTTP requests
type authenticatedTransport struct {
	transport http.RoundTripper
	source    TokenSource
}

// RoundTrip adds the Authorization header and forwards the request
func (t *authenticatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	newReq := req.Clone(req.Context())
	if token := t.source(); token != "" {
		newReq.Header.Set("Authorization", "Bearer "+token)
	}
	return t.transport.RoundTrip(newReq)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	clientCertPath        string
	clientKeyPath         string
	tokenSource           TokenSource
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall client timeout. Zero disables it, leaving
// deadline control to the request context.
func (b *HttpClientBuilder) WithTimeout(d time.Duration) *HttpClientBuilder {
	b.clientTimeout = d
	return b
}

// WithResponseHeaderTimeout sets the cap on waiting for response headers
// after a request is fully written. Zero disables it, leaving deadline
// control to the request context.
func (b *HttpClientBuilder) WithResponseHeaderTimeout(d time.Duration) *HttpClientBuilder {
	b.responseHeaderTimeout = d
	return b
}

// WithCABundle sets the CA certificate bundle path used to verify the peer
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caCertPath = path
	return b
}

// WithClientCertificate sets the certificate pair presented during the TLS
// handshake for mutual TLS
func (b *HttpClientBuilder) WithClientCertificate(certPath, keyPath string) *HttpClientBuilder {
	b.clientCertPath = certPath
	b.clientKeyPath = keyPath
	return b
}

// WithTokenSource sets the bearer token source for authenticated requests
func (b *HttpClientBuilder) WithTokenSource(source TokenSource) *HttpClientBuilder {
	b.tokenSource = source
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	tlsConfig, err := b.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	var clientTransport http.RoundTripper = transport
	if b.tokenSource != nil {
		clientTransport = &authenticatedTransport{
			transport: clientTransport,
			source:    b.tokenSource,
		}
	}

	return &http.Client{
		Transport: clientTransport,
		Timeout:   b.clientTimeout,
	}, nil
}

// buildTLSConfig assembles the TLS settings from the CA bundle and client
// certificate options. Returns nil when neither is configured.
func (b *HttpClientBuilder) buildTLSConfig() (*tls.Config, error) {
	if b.caCertPath == "" && b.clientCertPath == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath) // #nosec G304 - path is deployment configuration
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if b.clientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(b.clientCertPath, b.clientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
