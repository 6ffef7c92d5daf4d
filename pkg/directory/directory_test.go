package directory

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerRecord(d *Directory, id string, lastSeen time.Time) DeviceRecord {
	return d.Upsert(id, func(rec *DeviceRecord, existed bool) {
		if !existed {
			rec.Role = RoleDevice
			rec.RegisteredAt = lastSeen
		}
		rec.Status = StatusActive
		rec.Touch(lastSeen)
	})
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	t.Parallel()

	d := New()
	now := time.Now().UTC()

	rec := registerRecord(d, "dev-1", now)
	assert.Equal(t, "dev-1", rec.DeviceID)
	assert.Equal(t, RoleDevice, rec.Role)
	assert.Equal(t, StatusActive, rec.Status)
	require.Equal(t, 1, d.Len())

	// Re-registration updates in place rather than duplicating.
	later := now.Add(time.Minute)
	rec = d.Upsert("dev-1", func(rec *DeviceRecord, existed bool) {
		assert.True(t, existed)
		rec.Metadata.Merge(Metadata{URL: "http://10.0.0.5:9000"})
		rec.Touch(later)
	})
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, "http://10.0.0.5:9000", rec.Metadata.URL)
	assert.Equal(t, later, rec.LastSeen)
	assert.Equal(t, now, rec.RegisteredAt)
}

func TestUpdateUnknownDevice(t *testing.T) {
	t.Parallel()

	d := New()
	_, ok := d.Update("ghost", func(*DeviceRecord) {})
	assert.False(t, ok)
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	rec := DeviceRecord{LastSeen: now}
	rec.Touch(now.Add(-time.Minute))
	assert.Equal(t, now, rec.LastSeen)
	rec.Touch(now.Add(time.Minute))
	assert.Equal(t, now.Add(time.Minute), rec.LastSeen)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	d := New()
	registerRecord(d, "dev-1", time.Now())
	assert.True(t, d.Remove("dev-1"))
	assert.False(t, d.Remove("dev-1"))
	_, ok := d.Get("dev-1")
	assert.False(t, ok)
}

func TestSweepInactive(t *testing.T) {
	t.Parallel()

	d := New()
	now := time.Now().UTC()

	registerRecord(d, "stale-1", now.Add(-48*time.Hour))
	registerRecord(d, "stale-2", now.Add(-25*time.Hour))
	registerRecord(d, "fresh-1", now.Add(-23*time.Hour))
	registerRecord(d, "fresh-2", now)

	removed := d.SweepInactive(24*time.Hour, now)
	assert.Equal(t, []string{"stale-1", "stale-2"}, removed)
	assert.Equal(t, 2, d.Len())

	_, ok := d.Get("fresh-1")
	assert.True(t, ok)
}

func TestSweepSparesRecentlyTouchedDevice(t *testing.T) {
	t.Parallel()

	d := New()
	now := time.Now().UTC()
	registerRecord(d, "dev-1", now.Add(-48*time.Hour))

	// A validate within the window must keep the device alive.
	_, ok := d.Update("dev-1", func(rec *DeviceRecord) { rec.Touch(now) })
	require.True(t, ok)

	removed := d.SweepInactive(24*time.Hour, now)
	assert.Empty(t, removed)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	d := New()
	now := time.Now().UTC().Truncate(time.Second)
	d.Upsert("dev-1", func(rec *DeviceRecord, _ bool) {
		rec.Role = RoleDevice
		rec.Status = StatusActive
		rec.RegisteredAt = now
		rec.LastSeen = now
		rec.Metadata = Metadata{URL: "http://10.0.0.5:9000", Capabilities: []string{"echo"}}
		rec.CurrentTokenFingerprint = "fp-1"
	})
	d.Upsert("dev-2", func(rec *DeviceRecord, _ bool) {
		rec.Role = RoleReader
		rec.Status = StatusRevoked
		rec.RegisteredAt = now
		rec.LastSeen = now
	})

	data, err := json.Marshal(d.Snapshot())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	restored := New()
	restored.Restore(snap)

	require.Equal(t, 2, restored.Len())
	rec, ok := restored.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, RoleDevice, rec.Role)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, "http://10.0.0.5:9000", rec.Metadata.URL)
	assert.Equal(t, "fp-1", rec.CurrentTokenFingerprint)
	assert.True(t, rec.LastSeen.Equal(now))

	rec, ok = restored.Get("dev-2")
	require.True(t, ok)
	assert.Equal(t, StatusRevoked, rec.Status)
}

func TestSnapshotIgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	raw := `{
		"dev-1": {
			"device_id": "dev-1",
			"role": "device",
			"status": "active",
			"registered_at": "2026-08-01T10:00:00Z",
			"last_seen": "2026-08-01T10:05:00Z",
			"some_future_field": {"nested": true},
			"metadata": {"url": "http://10.0.0.5:9000", "rack": "b-12"}
		}
	}`

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))

	rec := snap["dev-1"]
	assert.Equal(t, "http://10.0.0.5:9000", rec.Metadata.URL)
	// Unknown metadata keys are preserved, not dropped.
	assert.Equal(t, "b-12", rec.Metadata.Extra["rack"])
}

func TestMetadataJSONRoundTripWithExtras(t *testing.T) {
	t.Parallel()

	m := Metadata{
		URL:          "http://10.0.0.5:9000",
		Description:  "loading dock sensor",
		Capabilities: []string{"echo", "status"},
		Version:      "1.4.2",
		Environment:  "production",
		Extra:        map[string]any{"rack": "b-12", "floor": float64(3)},
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got Metadata
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, m, got)
}

func TestConcurrentPerKeyMutation(t *testing.T) {
	t.Parallel()

	d := New()
	now := time.Now().UTC()

	const devices = 8
	const opsPerDevice = 200

	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		id := fmt.Sprintf("dev-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerDevice; j++ {
				registerRecord(d, id, now.Add(time.Duration(j)*time.Millisecond))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, devices, d.Len())
	rec, ok := d.Get("dev-0")
	require.True(t, ok)
	assert.Equal(t, now.Add((opsPerDevice-1)*time.Millisecond), rec.LastSeen)
}

func TestRegisterRevokeSerialization(t *testing.T) {
	t.Parallel()

	d := New()
	now := time.Now().UTC()
	registerRecord(d, "dev-1", now)

	// Interleave registers and revokes; the record must always end in one
	// of the two states, never a torn mix.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			registerRecord(d, "dev-1", now)
		}()
		go func() {
			defer wg.Done()
			d.Update("dev-1", func(rec *DeviceRecord) { rec.Status = StatusRevoked })
		}()
	}
	wg.Wait()

	rec, ok := d.Get("dev-1")
	require.True(t, ok)
	assert.Contains(t, []Status{StatusActive, StatusRevoked}, rec.Status)
}

func TestRolePermissions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    Role
		perm    Permission
		allowed bool
	}{
		{RoleAdmin, PermManageRoles, true},
		{RoleAdmin, PermDeregisterDevice, true},
		{RoleDevice, PermPublishData, true},
		{RoleDevice, PermReadData, true},
		{RoleDevice, PermManageRoles, false},
		{RoleDevice, PermRegisterDevice, false},
		{RoleReader, PermReadData, true},
		{RoleReader, PermPublishData, false},
		{Role("bogus"), PermReadData, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.role, tt.perm), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.allowed, tt.role.Can(tt.perm))
		})
	}
}

func TestEveryRoleHasNonEmptyGrant(t *testing.T) {
	t.Parallel()

	for _, role := range []Role{RoleAdmin, RoleDevice, RoleReader} {
		assert.NotEmpty(t, role.Permissions(), "role %s", role)
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	r, err := ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	_, err = ParseRole("superuser")
	assert.Error(t, err)
}
