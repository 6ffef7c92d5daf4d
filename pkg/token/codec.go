// Package token implements the device credential codec: signed, time-bound
// bearer tokens carrying a device id and role. The codec is stateless; token
// validity against the device directory is the authority's concern.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	erx "github.com/edgebridge/edgebridge/pkg/errors"
)

// signingMethod is the only accepted algorithm. The shared secret model of
// the deployment rules out asymmetric methods.
var signingMethod = jwt.SigningMethodHS256

// Common errors
var (
	ErrEmptySecret = errors.New("signing secret must not be empty")
	ErrEmptyToken  = errors.New("no token provided")
)

// Claims is the payload carried by a device credential.
type Claims struct {
	// DeviceID is the credential subject.
	DeviceID string `json:"device_id"`

	// Role is the role granted at issuance time. The directory remains
	// authoritative for role changes after issuance.
	Role string `json:"role"`

	jwt.RegisteredClaims
}

// Codec encodes and decodes device credentials with a shared secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
	leeway time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithLeeway allows tokens to be accepted up to d past their expiry,
// compensating for clock drift between issuer and relying party.
func WithLeeway(d time.Duration) Option {
	return func(c *Codec) {
		c.leeway = d
	}
}

// WithClock replaces the codec's clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a codec. The secret is deployment configuration and must
// be provided; there is no default.
func NewCodec(secret []byte, ttl time.Duration, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	c := &Codec{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the lifetime applied to minted credentials.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Encode mints a signed credential for the device with the codec's TTL.
// Each call produces a distinct token (fresh jti and iat).
func (c *Codec) Encode(deviceID, role string) (string, time.Time, error) {
	now := c.now().UTC()
	expiresAt := now.Add(c.ttl)

	claims := Claims{
		DeviceID: deviceID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, erx.NewInternalError("failed to sign token", err)
	}
	return signed, expiresAt, nil
}

// Decode verifies the signature and expiry of a credential and returns its
// claims. Failures are reported as auth failures with a stable reason.
func (c *Codec) Decode(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, erx.NewAuthFailureError("no token provided", ErrEmptyToken)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, erx.NewAuthFailureError("token expired", err)
		}
		return nil, erx.NewAuthFailureError("invalid token", err)
	}
	if !parsed.Valid {
		return nil, erx.NewAuthFailureError("invalid token", nil)
	}
	if claims.DeviceID == "" {
		return nil, erx.NewAuthFailureError("token has no device id", nil)
	}
	return claims, nil
}

// Fingerprint returns a stable opaque fingerprint of a token, used by the
// directory for rotation bookkeeping. The token itself is never stored.
func Fingerprint(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}
