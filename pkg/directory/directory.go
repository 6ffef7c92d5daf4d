package directory

import (
	"sort"
	"sync"
	"time"
)

// entry pairs a record with its own lock so mutations to one device never
// block operations on another. The Directory's outer lock only guards the
// map structure itself.
type entry struct {
	mu  sync.Mutex
	rec DeviceRecord
}

// Directory is the in-memory device table. Mutations to a single device id
// are serialized through the entry lock; distinct ids proceed independently.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		entries: make(map[string]*entry),
	}
}

// lookup returns the entry for id, if present.
func (d *Directory) lookup(id string) (*entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	return e, ok
}

// Upsert creates or updates the record for id under the per-key lock. The
// callback receives the record (zero-valued with DeviceID set when new) and
// whether it already existed, and may mutate it freely. The resulting record
// is returned by value.
func (d *Directory) Upsert(id string, fn func(rec *DeviceRecord, existed bool)) DeviceRecord {
	d.mu.Lock()
	e, existed := d.entries[id]
	if !existed {
		e = &entry{rec: DeviceRecord{DeviceID: id}}
		d.entries[id] = e
	}
	// Take the entry lock before releasing the map lock so a concurrent
	// mutation of the same id cannot interleave.
	e.mu.Lock()
	d.mu.Unlock()
	defer e.mu.Unlock()

	fn(&e.rec, existed)
	return e.rec
}

// Update mutates an existing record under its lock. Returns the updated
// record and false if the id is unknown.
func (d *Directory) Update(id string, fn func(rec *DeviceRecord)) (DeviceRecord, bool) {
	e, ok := d.lookup(id)
	if !ok {
		return DeviceRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.rec)
	return e.rec, true
}

// Get returns a copy of the record for id.
func (d *Directory) Get(id string) (DeviceRecord, bool) {
	e, ok := d.lookup(id)
	if !ok {
		return DeviceRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Remove deletes the record for id, returning false if it was not present.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; !ok {
		return false
	}
	delete(d.entries, id)
	return true
}

// Len returns the number of records.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// All returns copies of every record, ordered by device id.
func (d *Directory) All() []DeviceRecord {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	records := make([]DeviceRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].DeviceID < records[j].DeviceID })
	return records
}

// SweepInactive removes every record whose LastSeen is older than
// maxInactive relative to now, and returns the removed ids. Inactivity is
// measured from LastSeen, never RegisteredAt.
func (d *Directory) SweepInactive(maxInactive time.Duration, now time.Time) []string {
	cutoff := now.Add(-maxInactive)

	d.mu.Lock()
	defer d.mu.Unlock()

	var removed []string
	for id, e := range d.entries {
		e.mu.Lock()
		stale := e.rec.LastSeen.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(d.entries, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot is the durable serialization of the directory, keyed by device
// id. Timestamps marshal as RFC 3339; unknown fields in a loaded snapshot
// are ignored for forward compatibility.
type Snapshot map[string]DeviceRecord

// Snapshot captures a consistent copy of every record. The map lock is held
// for the duration so no record is captured mid-mutation.
func (d *Directory) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := make(Snapshot, len(d.entries))
	for id, e := range d.entries {
		e.mu.Lock()
		snap[id] = e.rec
		e.mu.Unlock()
	}
	return snap
}

// Restore replaces the directory contents with the snapshot.
func (d *Directory) Restore(snap Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = make(map[string]*entry, len(snap))
	for id, rec := range snap {
		if rec.DeviceID == "" {
			rec.DeviceID = id
		}
		d.entries[id] = &entry{rec: rec}
	}
}
