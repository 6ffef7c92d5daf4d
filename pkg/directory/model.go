// Package directory implements the device directory: the durable table of
// device records and their trust status. The directory is exclusively owned
// by the token authority; all other components see it through the
// authority's query contract.
package directory

import (
	"encoding/json"
	"time"
)

// Status is the trust status of a device record.
type Status string

// Device statuses
const (
	// StatusActive marks a device whose credentials are honored.
	StatusActive Status = "active"

	// StatusRevoked marks a device whose credentials must be rejected
	// even while signature and expiry still verify.
	StatusRevoked Status = "revoked"
)

// metadataKnownFields lists the metadata keys with dedicated struct fields.
// Anything else round-trips through Metadata.Extra.
var metadataKnownFields = map[string]struct{}{
	"url":          {},
	"description":  {},
	"capabilities": {},
	"version":      {},
	"environment":  {},
}

// Metadata describes a device's registered properties. Known fields are
// typed; unrecognized fields are preserved in Extra so newer agents can
// register data older registries do not understand yet.
type Metadata struct {
	// URL is the device's reachable base address for forwarded requests.
	URL string

	// Description is a human-readable device description.
	Description string

	// Capabilities lists what the device can do.
	Capabilities []string

	// Version is the agent software version.
	Version string

	// Environment is the deployment environment (e.g. "production").
	Environment string

	// Extra holds forward-compatible fields not known to this build.
	Extra map[string]any
}

// MarshalJSON flattens Extra alongside the known fields.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		if _, known := metadataKnownFields[k]; known {
			continue
		}
		out[k] = v
	}
	if m.URL != "" {
		out["url"] = m.URL
	}
	if m.Description != "" {
		out["description"] = m.Description
	}
	if len(m.Capabilities) > 0 {
		out["capabilities"] = m.Capabilities
	}
	if m.Version != "" {
		out["version"] = m.Version
	}
	if m.Environment != "" {
		out["environment"] = m.Environment
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits known fields from forward-compatible extras.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Metadata{}
	for key, value := range raw {
		var err error
		switch key {
		case "url":
			err = json.Unmarshal(value, &m.URL)
		case "description":
			err = json.Unmarshal(value, &m.Description)
		case "capabilities":
			err = json.Unmarshal(value, &m.Capabilities)
		case "version":
			err = json.Unmarshal(value, &m.Version)
		case "environment":
			err = json.Unmarshal(value, &m.Environment)
		default:
			var v any
			if err = json.Unmarshal(value, &v); err == nil {
				if m.Extra == nil {
					m.Extra = make(map[string]any)
				}
				m.Extra[key] = v
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Merge overlays non-zero fields of other onto m, matching the update
// semantics of a metadata PUT: provided keys replace, absent keys persist.
func (m *Metadata) Merge(other Metadata) {
	if other.URL != "" {
		m.URL = other.URL
	}
	if other.Description != "" {
		m.Description = other.Description
	}
	if len(other.Capabilities) > 0 {
		m.Capabilities = other.Capabilities
	}
	if other.Version != "" {
		m.Version = other.Version
	}
	if other.Environment != "" {
		m.Environment = other.Environment
	}
	for k, v := range other.Extra {
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
}

// DeviceRecord is the identity unit held by the directory.
type DeviceRecord struct {
	// DeviceID uniquely identifies the device.
	DeviceID string `json:"device_id"`

	// Role is the authoritative role for the device. The role embedded in
	// an issued token reflects this value at issuance time only.
	Role Role `json:"role"`

	// Metadata holds the device's registered properties.
	Metadata Metadata `json:"metadata"`

	// Status is the trust status.
	Status Status `json:"status"`

	// RegisteredAt is when the device first registered.
	RegisteredAt time.Time `json:"registered_at"`

	// LastSeen is updated on every successful validate, rotate or
	// metadata update. Monotonically non-decreasing.
	LastSeen time.Time `json:"last_seen"`

	// CurrentTokenFingerprint identifies the most recently issued token
	// for rotation bookkeeping. The token itself is never stored.
	CurrentTokenFingerprint string `json:"current_token_fingerprint,omitempty"`
}

// Active reports whether the record's credentials should be honored.
func (r *DeviceRecord) Active() bool {
	return r.Status == StatusActive
}

// Touch advances LastSeen without ever moving it backwards.
func (r *DeviceRecord) Touch(now time.Time) {
	if now.After(r.LastSeen) {
		r.LastSeen = now
	}
}
