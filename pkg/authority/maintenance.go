package authority

import (
	"context"
	"time"

	"github.com/edgebridge/edgebridge/pkg/directory"
	"github.com/edgebridge/edgebridge/pkg/logger"
)

// MaintenanceConfig controls the background sweeps.
type MaintenanceConfig struct {
	// RotationInterval is how often fingerprints of active devices are
	// rotated. Zero disables rotation.
	RotationInterval time.Duration

	// SweepInterval is how often the inactivity sweep runs. Zero disables
	// the sweep.
	SweepInterval time.Duration

	// MaxInactive is the inactivity threshold for the sweep.
	MaxInactive time.Duration
}

// StartMaintenance launches the periodic rotation and inactivity sweeps and
// returns a stop function. Maintenance is never started implicitly; the
// process's top-level lifecycle calls this exactly once. A failed sweep is
// logged and the ticker continues.
func (a *Authority) StartMaintenance(ctx context.Context, cfg MaintenanceConfig) func() {
	ctx, cancel := context.WithCancel(ctx)

	if cfg.RotationInterval > 0 {
		go a.rotationLoop(ctx, cfg.RotationInterval)
	}
	if cfg.SweepInterval > 0 && cfg.MaxInactive > 0 {
		go a.sweepLoop(ctx, cfg.SweepInterval, cfg.MaxInactive)
	}
	return cancel
}

func (a *Authority) rotationLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rotated := a.rotateActive(ctx)
			logger.Debugw("token rotation sweep complete", "rotated", rotated)
		}
	}
}

// rotateActive mints fresh fingerprints for every active device. Agents
// pick up the new credential at their next proactive refresh.
func (a *Authority) rotateActive(ctx context.Context) int {
	rotated := 0
	for _, rec := range a.dir.All() {
		if rec.Status != directory.StatusActive {
			continue
		}
		if _, err := a.Rotate(ctx, rec.DeviceID); err != nil {
			logger.Warnw("token rotation failed", "device_id", rec.DeviceID, "error", err)
			continue
		}
		rotated++
	}
	return rotated
}

func (a *Authority) sweepLoop(ctx context.Context, interval, maxInactive time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := a.SweepExpired(ctx, maxInactive)
			if removed > 0 {
				logger.Infow("inactivity sweep complete", "removed", removed)
			}
		}
	}
}
