package agent

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/edgebridge/edgebridge/pkg/client"
	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/logger"
)

// Publish sends one payload through the gateway's publish endpoint. A
// missing or expired credential triggers one synchronous re-registration
// first; if that fails the publication is rejected with an auth failure
// rather than dropped silently. Payloads above the chunk threshold are
// streamed as paced fragments instead of one write.
func (a *Agent) Publish(ctx context.Context, payload []byte, contentType string) error {
	token, err := a.ensureCredential(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	chunked := len(payload) > a.chunkThreshold
	if chunked {
		body = &pacedReader{
			r:     bytes.NewReader(payload),
			chunk: a.chunkSize,
			pace:  a.chunkPacing,
		}
	} else {
		body = bytes.NewReader(payload)
	}

	// The request deadline scales with the paced transfer time; a fixed
	// client timeout would cap the payload size instead.
	if _, bounded := ctx.Deadline(); !bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.publishDeadline(len(payload)))
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.gatewayURL+"/publish", body)
	if err != nil {
		return erx.NewInvalidArgumentError("failed to build publish request", err)
	}
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	if !chunked {
		req.ContentLength = int64(len(payload))
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return erx.NewBadGatewayError("gateway unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := client.ErrorFromResponse(resp)
		if erx.IsAuthFailure(err) {
			// The credential was rejected upstream; drop it so the next
			// publication re-registers.
			a.dropCredential()
		}
		return err
	}

	logger.Debugw("payload published", "device_id", a.deviceID, "bytes", len(payload), "chunked", chunked)
	return nil
}

// publishBaseDeadline covers connect, headers and the gateway's answer for
// a publication whose paced transfer time is already accounted for.
const publishBaseDeadline = 30 * time.Second

// publishDeadline allows twice the nominal paced transfer time of the
// payload on top of the base allowance.
func (a *Agent) publishDeadline(size int) time.Duration {
	d := publishBaseDeadline
	if a.chunkSize > 0 {
		fragments := time.Duration(size/a.chunkSize + 1)
		d += 2 * fragments * a.chunkPacing
	}
	return d
}

// ensureCredential returns a usable token, re-registering synchronously
// when none is held.
func (a *Agent) ensureCredential(ctx context.Context) (string, error) {
	if token, _, ok := a.Credential(); ok {
		return token, nil
	}
	if err := a.register(ctx); err != nil {
		return "", erx.NewAuthFailureError("no valid credential and re-registration failed", err)
	}
	token, _, ok := a.Credential()
	if !ok {
		return "", erx.NewAuthFailureError("registry issued an unusable credential", nil)
	}
	return token, nil
}

func (a *Agent) dropCredential() {
	a.mu.Lock()
	a.token = ""
	a.expiresAt = time.Time{}
	a.state = StateUnregistered
	a.mu.Unlock()
}

// pacedReader yields at most chunk bytes per read and sleeps between
// fragments, keeping a large publication from monopolizing the uplink.
type pacedReader struct {
	r       io.Reader
	chunk   int
	pace    time.Duration
	started bool
}

func (p *pacedReader) Read(b []byte) (int, error) {
	if p.started && p.pace > 0 {
		time.Sleep(p.pace)
	}
	p.started = true
	if len(b) > p.chunk {
		b = b[:p.chunk]
	}
	return p.r.Read(b)
}
