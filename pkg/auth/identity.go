// Package auth provides authentication and authorization for the HTTP
// surfaces: bearer token extraction, credential validation middleware and
// permission checks against the validated device's role.
package auth

import (
	"encoding/json"
	"fmt"

	"github.com/edgebridge/edgebridge/pkg/directory"
)

// Identity represents an authenticated device principal.
type Identity struct {
	// Subject is the device id from the validated credential.
	Subject string

	// Role is the device's directory role at validation time.
	Role directory.Role

	// Record is the directory view of the device returned by the
	// authority during validation.
	Record directory.DeviceRecord

	// Token is the original bearer token, kept for the gateway's
	// registry hop. Redacted in String() and MarshalJSON() to prevent
	// leakage into logs.
	Token string
}

// String returns a representation with the token redacted.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q, Role:%q}", i.Subject, i.Role)
}

// MarshalJSON redacts the token during serialization.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}
	return json.Marshal(struct {
		Subject string         `json:"subject"`
		Role    directory.Role `json:"role"`
		Token   string         `json:"token,omitempty"`
	}{
		Subject: i.Subject,
		Role:    i.Role,
		Token:   redacted(i.Token),
	})
}

func redacted(token string) string {
	if token == "" {
		return ""
	}
	return "[REDACTED]"
}
