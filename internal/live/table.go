package live

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"geotracker/internal/models"
)

const shardCount = 32

// Table is the in-memory roster of most-recent positions per device. It is a
// non-owning cache over the history store: contents can be rebuilt at any
// time from the store's latest-per-device view.
//
// Upsert is last-write-wins by arrival order at the table. The embedded
// device timestamp plays no part in ordering, so a report arriving later
// always replaces the entry even when its timestamp is numerically smaller
// (device clock skew). Sharding keeps independent devices off a shared lock.
type Table struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]*models.Position
}

// NewTable creates an empty roster.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].devices = make(map[string]*models.Position)
	}
	return t
}

func (t *Table) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return &t.shards[h.Sum32()%shardCount]
}

// Upsert unconditionally replaces the device's entry with p.
func (t *Table) Upsert(p *models.Position) {
	s := t.shardFor(p.DeviceID)
	s.mu.Lock()
	s.devices[p.DeviceID] = p
	s.mu.Unlock()
}

// Get returns the device's current position, or nil if it is not on the
// roster.
func (t *Table) Get(deviceID string) *models.Position {
	s := t.shardFor(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[deviceID]
}

// Remove deletes the device's entry. Missing entries are a no-op.
func (t *Table) Remove(deviceID string) {
	s := t.shardFor(deviceID)
	s.mu.Lock()
	delete(s.devices, deviceID)
	s.mu.Unlock()
}

// GetAll returns every roster entry, sorted by device id.
func (t *Table) GetAll() []models.Position {
	var all []models.Position
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, p := range s.devices {
			all = append(all, *p)
		}
		s.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DeviceID < all[j].DeviceID })
	return all
}

// Len returns the roster size.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot returns the roster as LiveDevice views with the inactive flag
// computed against now.
func (t *Table) Snapshot(now time.Time, inactiveAfter time.Duration) []models.LiveDevice {
	positions := t.GetAll()
	devices := make([]models.LiveDevice, 0, len(positions))
	for i := range positions {
		devices = append(devices, models.Classify(&positions[i], now, inactiveAfter))
	}
	return devices
}

// SweepInactive removes devices whose last report predates cutoff and
// returns their ids. The staleness check runs under the shard write lock
// immediately before each delete, so an upsert racing the sweep wins: a
// fresh report either lands before the check (and the entry is kept) or
// after the delete (and the device reappears).
func (t *Table) SweepInactive(cutoff time.Time) []string {
	cutoffMs := cutoff.UnixMilli()
	var removed []string

	for i := range t.shards {
		s := &t.shards[i]

		s.mu.RLock()
		var candidates []string
		for id, p := range s.devices {
			if p.Timestamp < cutoffMs {
				candidates = append(candidates, id)
			}
		}
		s.mu.RUnlock()

		for _, id := range candidates {
			s.mu.Lock()
			if p, ok := s.devices[id]; ok && p.Timestamp < cutoffMs {
				delete(s.devices, id)
				removed = append(removed, id)
			}
			s.mu.Unlock()
		}
	}

	sort.Strings(removed)
	return removed
}
