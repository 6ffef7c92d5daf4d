package client

import (
	"context"

	"github.com/edgebridge/edgebridge/pkg/directory"
	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/token"
)

// RemoteValidator implements credential validation for a process that does
// not own the device directory. Signature and expiry are checked locally
// with the shared secret; the subject's directory status is confirmed by a
// registry round trip, which also rejects tokens for revoked or swept
// devices.
type RemoteValidator struct {
	codec  *token.Codec
	client *Client
}

// NewRemoteValidator creates a validator over a codec and registry client.
func NewRemoteValidator(codec *token.Codec, c *Client) *RemoteValidator {
	return &RemoteValidator{codec: codec, client: c}
}

// Validate implements auth.Validator.
func (v *RemoteValidator) Validate(ctx context.Context, tokenString string) (directory.DeviceRecord, error) {
	claims, err := v.codec.Decode(tokenString)
	if err != nil {
		return directory.DeviceRecord{}, err
	}

	rec, err := v.client.Device(ctx, claims.DeviceID, tokenString)
	if err != nil {
		// The registry resolves unknown subjects on an authenticated
		// lookup as a credential failure, never a 404 leak.
		if erx.IsNotFound(err) {
			return directory.DeviceRecord{}, erx.NewAuthFailureError("unknown device", err)
		}
		return directory.DeviceRecord{}, err
	}
	if !rec.Active() {
		return directory.DeviceRecord{}, erx.NewAuthFailureError("device revoked", nil)
	}
	return rec, nil
}
