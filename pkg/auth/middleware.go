package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/edgebridge/edgebridge/pkg/directory"
	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/logger"
)

// Validator checks a bearer credential and returns the subject's directory
// view. Implemented in-process by the token authority and remotely by the
// registry client.
type Validator interface {
	Validate(ctx context.Context, token string) (directory.DeviceRecord, error)
}

// BearerFromRequest extracts the bearer token from the Authorization
// header.
func BearerFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", erx.NewAuthFailureError("authorization header missing", nil)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", erx.NewAuthFailureError("authorization header is not a bearer token", nil)
	}
	return token, nil
}

// Middleware returns HTTP middleware that validates the request's bearer
// credential and stores the resulting Identity in the request context.
// Validation failures are resolved here and never reach the handler.
func Middleware(validator Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerFromRequest(r)
			if err != nil {
				erx.WriteHTTP(w, err)
				return
			}

			rec, err := validator.Validate(r.Context(), token)
			if err != nil {
				logger.Debugw("credential rejected", "path", r.URL.Path, "error", err)
				erx.WriteHTTP(w, err)
				return
			}

			identity := &Identity{
				Subject: rec.DeviceID,
				Role:    rec.Role,
				Record:  rec,
				Token:   token,
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequirePermission returns middleware that rejects authenticated requests
// whose role does not carry the permission. It must run after Middleware.
func RequirePermission(perm directory.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				erx.WriteHTTP(w, erx.NewAuthFailureError("no authenticated identity", nil))
				return
			}
			if !identity.Role.Can(perm) {
				erx.WriteHTTP(w, erx.NewForbiddenError("role "+string(identity.Role)+" lacks permission "+string(perm), nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSelf returns middleware that rejects requests whose credential
// subject differs from the device id resolved by pathID. A device may only
// act on its own record and endpoint.
func RequireSelf(pathID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				erx.WriteHTTP(w, erx.NewAuthFailureError("no authenticated identity", nil))
				return
			}
			if id := pathID(r); id != identity.Subject {
				erx.WriteHTTP(w, erx.NewForbiddenError("not authorized for device "+id, nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
