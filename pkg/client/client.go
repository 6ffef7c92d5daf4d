// Package client implements the HTTP client for the registry API, used by
// the gateway to validate credentials remotely and by the agent to register
// and maintain its credential.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgebridge/edgebridge/pkg/directory"
	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/networking"
)

// RegisterResponse is the registry's answer to a registration call.
type RegisterResponse struct {
	Token     string    `json:"token"`
	ExpiresIn int64     `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
	Role      string    `json:"role"`
}

// Client talks to the registry API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a registry client. A nil httpClient gets the default build
// from the networking package.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid registry URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		var err error
		httpClient, err = networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}, nil
}

// registerRequest mirrors the registry's POST /register body.
type registerRequest struct {
	DeviceID string              `json:"device_id"`
	Metadata *directory.Metadata `json:"metadata,omitempty"`
}

// Register registers the device and returns its fresh credential.
func (c *Client) Register(ctx context.Context, deviceID string, meta directory.Metadata) (RegisterResponse, error) {
	body, err := json.Marshal(registerRequest{DeviceID: deviceID, Metadata: &meta})
	if err != nil {
		return RegisterResponse{}, fmt.Errorf("failed to encode registration: %w", err)
	}

	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/register", "", bytes.NewReader(body), &resp); err != nil {
		return RegisterResponse{}, err
	}
	return resp, nil
}

// Device fetches the device record view, authenticated with the bearer
// token. The registry touches the device's last seen timestamp as a side
// effect, so this doubles as the remote leg of credential validation.
func (c *Client) Device(ctx context.Context, deviceID, bearer string) (directory.DeviceRecord, error) {
	var rec directory.DeviceRecord
	if err := c.do(ctx, http.MethodGet, "/device/"+url.PathEscape(deviceID), bearer, nil, &rec); err != nil {
		return directory.DeviceRecord{}, err
	}
	return rec, nil
}

// UpdateMetadata merges metadata into the device record.
func (c *Client) UpdateMetadata(ctx context.Context, deviceID string, meta directory.Metadata, bearer string) error {
	body, err := json.Marshal(struct {
		Metadata directory.Metadata `json:"metadata"`
	}{Metadata: meta})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return c.do(ctx, http.MethodPut, "/device/"+url.PathEscape(deviceID)+"/metadata", bearer, bytes.NewReader(body), nil)
}

// Revoke revokes the device's registration.
func (c *Client) Revoke(ctx context.Context, deviceID, bearer string) error {
	return c.do(ctx, http.MethodDelete, "/device/"+url.PathEscape(deviceID), bearer, nil, nil)
}

// Cleanup triggers the registry's inactivity sweep and returns how many
// devices were removed.
func (c *Client) Cleanup(ctx context.Context, bearer string) (int, error) {
	var resp struct {
		RemovedDevices int `json:"removed_devices"`
	}
	if err := c.do(ctx, http.MethodPost, "/cleanup", bearer, nil, &resp); err != nil {
		return 0, err
	}
	return resp.RemovedDevices, nil
}

// do executes one request and decodes a JSON response into out when out is
// non-nil. Non-2xx responses are translated back into taxonomy errors.
func (c *Client) do(ctx context.Context, method, path, bearer string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return erx.NewBadGatewayError("registry unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode registry response: %w", err)
	}
	return nil
}

// ErrorFromResponse rebuilds a typed error from a JSON error body, falling
// back on the HTTP status when the body is opaque. Shared by everything
// that consumes the registry and gateway APIs.
func ErrorFromResponse(resp *http.Response) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return erx.NewError(payload.Error, payload.Message, nil)
	}

	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return erx.NewAuthFailureError(msg, nil)
	case http.StatusForbidden:
		return erx.NewForbiddenError(msg, nil)
	case http.StatusNotFound:
		return erx.NewNotFoundError(msg, nil)
	default:
		return erx.NewInternalError(msg, nil)
	}
}
