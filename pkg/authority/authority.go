// Package authority implements the device token authority: the trust root
// that issues, validates, rotates and revokes device credentials against
// the device directory it owns.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgebridge/edgebridge/pkg/directory"
	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/logger"
	"github.com/edgebridge/edgebridge/pkg/state"
	"github.com/edgebridge/edgebridge/pkg/token"
)

// snapshotName is the state store key for the directory snapshot.
const snapshotName = "devices"

// Credential is a minted bearer credential together with its subject view.
type Credential struct {
	Token     string         `json:"token"`
	DeviceID  string         `json:"device_id"`
	Role      directory.Role `json:"role"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// ExpiresIn returns the remaining lifetime in whole seconds at time now.
func (c Credential) ExpiresIn(now time.Time) int64 {
	return int64(c.ExpiresAt.Sub(now) / time.Second)
}

// Authority is the token authority. It exclusively owns the directory; the
// gateway and API handlers only reach the directory through its methods.
type Authority struct {
	codec *token.Codec
	dir   *directory.Directory
	store state.Store

	now func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithStateStore attaches a store for SaveState/LoadState. Without one,
// both are no-ops that log a warning.
func WithStateStore(s state.Store) Option {
	return func(a *Authority) {
		a.store = s
	}
}

// WithClock replaces the authority's clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// New creates an authority over the given codec and directory.
func New(codec *token.Codec, dir *directory.Directory, opts ...Option) *Authority {
	a := &Authority{
		codec: codec,
		dir:   dir,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register creates or updates the device record and mints a fresh
// credential. Re-registration updates metadata in place and preserves a
// previously granted role; a fresh registration gets the device role. Each
// call mints a new token regardless.
func (a *Authority) Register(_ context.Context, deviceID string, meta directory.Metadata) (Credential, error) {
	if deviceID == "" {
		return Credential{}, erx.NewInvalidArgumentError("device_id must not be empty", nil)
	}

	now := a.now().UTC()
	var cred Credential
	var mintErr error

	a.dir.Upsert(deviceID, func(rec *directory.DeviceRecord, existed bool) {
		if !existed || !rec.Role.Valid() {
			rec.Role = directory.RoleDevice
		}
		if !existed {
			rec.RegisteredAt = now
		}
		rec.Status = directory.StatusActive
		rec.Metadata.Merge(meta)
		rec.Touch(now)

		signed, expiresAt, err := a.codec.Encode(deviceID, string(rec.Role))
		if err != nil {
			mintErr = err
			return
		}
		rec.CurrentTokenFingerprint = token.Fingerprint(signed)
		cred = Credential{
			Token:     signed,
			DeviceID:  deviceID,
			Role:      rec.Role,
			ExpiresAt: expiresAt,
		}
	})
	if mintErr != nil {
		return Credential{}, mintErr
	}

	logger.Infow("device registered", "device_id", deviceID, "role", cred.Role)
	return cred, nil
}

// Validate checks a credential against signature, expiry and directory
// status, in that order. On success it touches the subject's last seen
// timestamp and returns the record. Every failure is an auth failure with a
// stable reason.
func (a *Authority) Validate(_ context.Context, tokenString string) (directory.DeviceRecord, error) {
	claims, err := a.codec.Decode(tokenString)
	if err != nil {
		return directory.DeviceRecord{}, err
	}

	now := a.now().UTC()
	rec, ok := a.dir.Update(claims.DeviceID, func(rec *directory.DeviceRecord) {
		if rec.Active() {
			rec.Touch(now)
		}
	})
	if !ok {
		return directory.DeviceRecord{}, erx.NewAuthFailureError("unknown device", nil)
	}
	if !rec.Active() {
		return directory.DeviceRecord{}, erx.NewAuthFailureError("device revoked", nil)
	}
	return rec, nil
}

// CheckPermission validates the credential and tests the permission against
// the subject's directory role. The directory is authoritative: a role
// change after issuance takes effect on the next check, not at the token's
// next rotation.
func (a *Authority) CheckPermission(ctx context.Context, tokenString string, perm directory.Permission) (bool, error) {
	rec, err := a.Validate(ctx, tokenString)
	if err != nil {
		return false, err
	}
	return rec.Role.Can(perm), nil
}

// Rotate mints a new credential for an already-registered active device
// without changing its metadata.
func (a *Authority) Rotate(_ context.Context, deviceID string) (Credential, error) {
	now := a.now().UTC()
	var cred Credential
	var opErr error

	_, ok := a.dir.Update(deviceID, func(rec *directory.DeviceRecord) {
		if !rec.Active() {
			opErr = erx.NewAuthFailureError("device revoked", nil)
			return
		}
		signed, expiresAt, err := a.codec.Encode(deviceID, string(rec.Role))
		if err != nil {
			opErr = err
			return
		}
		rec.CurrentTokenFingerprint = token.Fingerprint(signed)
		rec.Touch(now)
		cred = Credential{
			Token:     signed,
			DeviceID:  deviceID,
			Role:      rec.Role,
			ExpiresAt: expiresAt,
		}
	})
	if !ok {
		return Credential{}, erx.NewNotFoundError(fmt.Sprintf("device %s not found", deviceID), nil)
	}
	if opErr != nil {
		return Credential{}, opErr
	}
	return cred, nil
}

// Revoke marks the device revoked. Outstanding tokens for the device fail
// at their next validation through the status check; the tokens themselves
// are not blacklisted, so the token TTL bounds time-to-full-revocation.
// Returns false if the device is unknown.
func (a *Authority) Revoke(_ context.Context, deviceID string) bool {
	_, ok := a.dir.Update(deviceID, func(rec *directory.DeviceRecord) {
		rec.Status = directory.StatusRevoked
	})
	if ok {
		logger.Infow("device revoked", "device_id", deviceID)
	}
	return ok
}

// SweepExpired removes devices inactive longer than maxInactive, measured
// from last seen, and returns how many were removed.
func (a *Authority) SweepExpired(_ context.Context, maxInactive time.Duration) int {
	removed := a.dir.SweepInactive(maxInactive, a.now().UTC())
	for _, id := range removed {
		logger.Infow("removed inactive device", "device_id", id)
	}
	return len(removed)
}

// Device returns the record for deviceID.
func (a *Authority) Device(_ context.Context, deviceID string) (directory.DeviceRecord, error) {
	rec, ok := a.dir.Get(deviceID)
	if !ok {
		return directory.DeviceRecord{}, erx.NewNotFoundError(fmt.Sprintf("device %s not found", deviceID), nil)
	}
	return rec, nil
}

// Devices returns all records, ordered by device id.
func (a *Authority) Devices(_ context.Context) []directory.DeviceRecord {
	return a.dir.All()
}

// UpdateMetadata merges metadata into an existing device record and touches
// last seen.
func (a *Authority) UpdateMetadata(_ context.Context, deviceID string, meta directory.Metadata) error {
	now := a.now().UTC()
	_, ok := a.dir.Update(deviceID, func(rec *directory.DeviceRecord) {
		rec.Metadata.Merge(meta)
		rec.Touch(now)
	})
	if !ok {
		return erx.NewNotFoundError(fmt.Sprintf("device %s not found", deviceID), nil)
	}
	return nil
}

// SaveState serializes the directory snapshot to the state store.
func (a *Authority) SaveState(ctx context.Context) error {
	if a.store == nil {
		logger.Warn("no state store configured, skipping save")
		return nil
	}

	w, err := a.store.GetWriter(ctx, snapshotName)
	if err != nil {
		return fmt.Errorf("failed to open state writer: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a.dir.Snapshot()); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize state: %w", err)
	}

	logger.Infow("saved directory state", "devices", a.dir.Len())
	return nil
}

// LoadState restores the directory from the state store. A missing snapshot
// leaves the directory empty; a malformed one is a state corruption error,
// fatal at startup.
func (a *Authority) LoadState(ctx context.Context) error {
	if a.store == nil {
		logger.Warn("no state store configured, skipping load")
		return nil
	}

	r, err := a.store.GetReader(ctx, snapshotName)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			logger.Info("no saved directory state, starting empty")
			return nil
		}
		return erx.NewStateCorruptError("failed to open saved state", err)
	}
	defer r.Close()

	var snap directory.Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return erx.NewStateCorruptError("saved state is malformed", err)
	}

	a.dir.Restore(snap)
	logger.Infow("loaded directory state", "devices", a.dir.Len())
	return nil
}
