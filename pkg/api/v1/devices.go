// Package v1 contains the registry's HTTP API: device registration,
// lookup, metadata update, revocation and the inactivity cleanup trigger.
package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edgebridge/edgebridge/pkg/auth"
	"github.com/edgebridge/edgebridge/pkg/authority"
	"github.com/edgebridge/edgebridge/pkg/directory"
	erx "github.com/edgebridge/edgebridge/pkg/errors"
	"github.com/edgebridge/edgebridge/pkg/logger"
)

// connectedWindow is how recently a device must have been seen to be
// reported as connected in the listing.
const connectedWindow = 30 * time.Second

// DeviceRoutes defines the routes for the device registry API.
type DeviceRoutes struct {
	authority   *authority.Authority
	maxInactive time.Duration
}

// RouterConfig controls optional registry API behavior.
type RouterConfig struct {
	// MaxInactive is the inactivity threshold applied by POST /cleanup.
	MaxInactive time.Duration

	// AllowUnauthenticatedDeregister enables the POST /deregister/{id}
	// variant used in deployments where devices cannot present a
	// credential to tear themselves down. A deliberate policy choice;
	// off by default.
	AllowUnauthenticatedDeregister bool
}

// Router creates the registry API router.
func Router(a *authority.Authority, cfg RouterConfig) http.Handler {
	routes := DeviceRoutes{
		authority:   a,
		maxInactive: cfg.MaxInactive,
	}

	r := chi.NewRouter()
	r.Get("/health", routes.health)
	r.Post("/register", routes.register)

	if cfg.AllowUnauthenticatedDeregister {
		r.Post("/deregister/{id}", routes.deregister)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(a))

		r.Get("/devices", routes.listDevices)
		r.Post("/cleanup", routes.cleanup)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireSelf(func(r *http.Request) string {
				return chi.URLParam(r, "id")
			}))
			r.Get("/device/{id}", routes.getDevice)
			r.Put("/device/{id}/metadata", routes.updateMetadata)
			r.Delete("/device/{id}", routes.revoke)
		})
	})
	return r
}

// writeJSON writes v with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

// health
//
//	@Summary		Health check
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	map[string]string
//	@Router			/health [get]
func (*DeviceRoutes) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

type registerRequest struct {
	DeviceID string              `json:"device_id"`
	Metadata *directory.Metadata `json:"metadata,omitempty"`
}

type registerResponse struct {
	Token     string         `json:"token"`
	ExpiresIn int64          `json:"expires_in"`
	ExpiresAt time.Time      `json:"expires_at"`
	DeviceID  string         `json:"device_id"`
	Role      directory.Role `json:"role"`
}

// register
//
//	@Summary		Register a device
//	@Description	Register a new device, or update an existing registration, and mint a fresh credential
//	@Tags			devices
//	@Accept			json
//	@Produce		json
//	@Param			registration	body	registerRequest	true	"Device to register"
//	@Success		200	{object}	registerResponse
//	@Failure		400	{object}	map[string]string
//	@Router			/register [post]
func (d *DeviceRoutes) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		erx.WriteHTTP(w, erx.NewInvalidArgumentError("invalid request body", err))
		return
	}

	var meta directory.Metadata
	if req.Metadata != nil {
		meta = *req.Metadata
	}

	cred, err := d.authority.Register(r.Context(), req.DeviceID, meta)
	if err != nil {
		erx.WriteHTTP(w, err)
		return
	}

	writeJSON(w, registerResponse{
		Token:     cred.Token,
		ExpiresIn: cred.ExpiresIn(time.Now()),
		ExpiresAt: cred.ExpiresAt,
		DeviceID:  cred.DeviceID,
		Role:      cred.Role,
	})
}

// getDevice
//
//	@Summary		Get a device record
//	@Description	Return the registry view of a device. Self-only.
//	@Tags			devices
//	@Produce		json
//	@Param			id	path	string	true	"Device id"
//	@Success		200	{object}	directory.DeviceRecord
//	@Failure		404	{object}	map[string]string
//	@Router			/device/{id} [get]
func (d *DeviceRoutes) getDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := d.authority.Device(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		erx.WriteHTTP(w, err)
		return
	}
	writeJSON(w, rec)
}

// updateMetadata
//
//	@Summary		Update device metadata
//	@Description	Merge metadata into a device record. Self-only.
//	@Tags			devices
//	@Accept			json
//	@Produce		json
//	@Param			id			path	string	true	"Device id"
//	@Param			metadata	body	object	true	"Metadata to merge"
//	@Success		200	{object}	map[string]string
//	@Router			/device/{id}/metadata [put]
func (d *DeviceRoutes) updateMetadata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata directory.Metadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		erx.WriteHTTP(w, erx.NewInvalidArgumentError("invalid request body", err))
		return
	}

	if err := d.authority.UpdateMetadata(r.Context(), chi.URLParam(r, "id"), req.Metadata); err != nil {
		erx.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "success"})
}

// revoke
//
//	@Summary		Revoke a device
//	@Description	Revoke a device's registration. Self-only. Outstanding tokens fail at their next validation.
//	@Tags			devices
//	@Produce		json
//	@Param			id	path	string	true	"Device id"
//	@Success		200	{object}	map[string]string
//	@Failure		404	{object}	map[string]string
//	@Router			/device/{id} [delete]
func (d *DeviceRoutes) revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !d.authority.Revoke(r.Context(), id) {
		erx.WriteHTTP(w, erx.NewNotFoundError("device "+id+" not found", nil))
		return
	}
	writeJSON(w, map[string]string{"status": "success"})
}

// deregister handles the unauthenticated deregistration variant. Enabled
// only by explicit configuration.
func (d *DeviceRoutes) deregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !d.authority.Revoke(r.Context(), id) {
		erx.WriteHTTP(w, erx.NewNotFoundError("device "+id+" not found", nil))
		return
	}
	writeJSON(w, map[string]string{"status": "success"})
}

// cleanup
//
//	@Summary		Sweep inactive devices
//	@Description	Remove devices not seen within the configured inactivity threshold
//	@Tags			devices
//	@Produce		json
//	@Success		200	{object}	map[string]int
//	@Router			/cleanup [post]
func (d *DeviceRoutes) cleanup(w http.ResponseWriter, r *http.Request) {
	removed := d.authority.SweepExpired(r.Context(), d.maxInactive)
	writeJSON(w, map[string]int{"removed_devices": removed})
}

// deviceView is one entry of the devices listing.
type deviceView struct {
	ID        string             `json:"id"`
	Status    directory.Status   `json:"status"`
	Connected bool               `json:"connected"`
	LastSeen  time.Time          `json:"last_seen"`
	Metadata  directory.Metadata `json:"metadata"`
}

// listDevices
//
//	@Summary		List registered devices
//	@Tags			devices
//	@Produce		json
//	@Success		200	{array}	deviceView
//	@Router			/devices [get]
func (d *DeviceRoutes) listDevices(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	records := d.authority.Devices(r.Context())

	views := make([]deviceView, 0, len(records))
	for _, rec := range records {
		views = append(views, deviceView{
			ID:        rec.DeviceID,
			Status:    rec.Status,
			Connected: now.Sub(rec.LastSeen) < connectedWindow,
			LastSeen:  rec.LastSeen,
			Metadata:  rec.Metadata,
		})
	}
	writeJSON(w, views)
}
