// Package gateway implements the authenticated forwarding gateway: it
// validates the caller's credential, resolves the target device's
// registered address and relays one HTTP request/response pair under a
// single wall-clock deadline.
package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edgebridge/edgebridge/pkg/auth"
	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/logger"
	"github.com/edgebridge/edgebridge/pkg/telemetry"
)

// DefaultForwardDeadline is the ceiling on one relay, connect and transfer
// included.
const DefaultForwardDeadline = time.Hour

// forward outcomes, used as metric labels.
const (
	outcomeCompleted = "completed"
	outcomeTimedOut  = "timed_out"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

// hopByHopHeaders are never forwarded in either direction. Content-Length
// is recomputed by the transport; the rest are connection-scoped.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// forwarder relays requests to device endpoints.
type forwarder struct {
	client   *http.Client
	deadline time.Duration
	metrics  *telemetry.Metrics
}

// handleForward relays one request. The request has already passed the auth
// middleware; the phases left here are resolve, stream and settle.
func (f *forwarder) handleForward(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		f.metrics.ForwardsTotal.WithLabelValues(outcomeRejected).Inc()
		erx.WriteHTTP(w, erx.NewAuthFailureError("no authenticated identity", nil))
		return
	}

	deviceID := chi.URLParam(r, "device_id")
	if deviceID != identity.Subject {
		f.metrics.ForwardsTotal.WithLabelValues(outcomeRejected).Inc()
		erx.WriteHTTP(w, erx.NewForbiddenError("not authorized to access device "+deviceID, nil))
		return
	}

	baseURL := identity.Record.Metadata.URL
	if baseURL == "" {
		// Fail before any outbound dial is attempted.
		f.metrics.ForwardsTotal.WithLabelValues(outcomeRejected).Inc()
		erx.WriteHTTP(w, erx.NewBadTargetError("device "+deviceID+" has no configured URL", nil))
		return
	}

	targetURL := joinTarget(baseURL, chi.URLParam(r, "*"), r.URL.RawQuery)

	ctx, cancel := context.WithTimeout(r.Context(), f.deadline)
	defer cancel()

	outbound, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		f.metrics.ForwardsTotal.WithLabelValues(outcomeRejected).Inc()
		erx.WriteHTTP(w, erx.NewBadTargetError("device URL is unusable", err))
		return
	}
	copyFilteredHeaders(outbound.Header, r.Header)
	outbound.Header.Set("X-Forwarded-For", clientIP(r))
	outbound.Header.Set("X-Original-URI", r.URL.RequestURI())

	resp, err := f.client.Do(outbound)
	if err != nil {
		f.settleTransportError(w, err, started)
		return
	}
	defer resp.Body.Close()

	// Pass the downstream answer through verbatim, flushing as chunks
	// arrive so long-lived streams reach the caller incrementally.
	copyFilteredHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	fw := flushWriter{w: w, rc: http.NewResponseController(w)}
	if _, err := io.Copy(fw, resp.Body); err != nil {
		// The status line is already on the wire; all that is left is
		// to log and account for the truncated relay.
		logger.Warnw("forward stream interrupted", "device_id", deviceID, "error", err)
		f.metrics.ForwardsTotal.WithLabelValues(outcomeFailed).Inc()
		f.metrics.ForwardDuration.Observe(time.Since(started).Seconds())
		return
	}

	f.metrics.ForwardsTotal.WithLabelValues(outcomeCompleted).Inc()
	f.metrics.ForwardDuration.Observe(time.Since(started).Seconds())
}

// settleTransportError maps an outbound failure onto the taxonomy: the
// deadline becomes a gateway timeout, anything else a bad gateway carrying
// the upstream error text.
func (f *forwarder) settleTransportError(w http.ResponseWriter, err error, started time.Time) {
	if errors.Is(err, context.DeadlineExceeded) {
		f.metrics.ForwardsTotal.WithLabelValues(outcomeTimedOut).Inc()
		f.metrics.ForwardDuration.Observe(time.Since(started).Seconds())
		erx.WriteHTTP(w, erx.NewGatewayTimeoutError("request timed out", err))
		return
	}
	f.metrics.ForwardsTotal.WithLabelValues(outcomeFailed).Inc()
	f.metrics.ForwardDuration.Observe(time.Since(started).Seconds())
	erx.WriteHTTP(w, erx.NewBadGatewayError("error forwarding request: "+err.Error(), err))
}

// flushWriter pushes each written chunk to the client immediately. Flush
// errors are ignored; a writer without flush support degrades to a plain
// buffered copy.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		_ = fw.rc.Flush()
	}
	return n, err
}

// joinTarget concatenates the device base URL, the forwarded subpath and
// the original query string.
func joinTarget(base, subpath, rawQuery string) string {
	target := strings.TrimRight(base, "/")
	if subpath != "" {
		target += "/" + strings.TrimLeft(subpath, "/")
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// copyFilteredHeaders copies src into dst minus hop-by-hop headers and
// anything named by the Connection header.
func copyFilteredHeaders(dst, src http.Header) {
	drop := make(map[string]struct{}, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		drop[h] = struct{}{}
	}
	for _, name := range src.Values("Connection") {
		for _, h := range strings.Split(name, ",") {
			drop[http.CanonicalHeaderKey(strings.TrimSpace(h))] = struct{}{}
		}
	}

	for name, values := range src {
		if _, skip := drop[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// clientIP extracts the caller's address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
