package live

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"geotracker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func position(deviceID string, lat float64, ts time.Time) *models.Position {
	return &models.Position{
		DeviceID:   deviceID,
		DeviceName: "Tracker " + deviceID,
		Latitude:   lat,
		Longitude:  2.35,
		Timestamp:  ts.UnixMilli(),
	}
}

func TestUpsertAndGet(t *testing.T) {
	table := NewTable()
	now := time.Now()

	assert.Nil(t, table.Get("T1"))

	table.Upsert(position("T1", 48.85, now))
	got := table.Get("T1")
	require.NotNil(t, got)
	assert.Equal(t, 48.85, got.Latitude)
	assert.Equal(t, 1, table.Len())
}

func TestUpsertArrivalOrderWins(t *testing.T) {
	table := NewTable()
	now := time.Now()

	// Second arrival carries an older embedded timestamp; it still wins.
	table.Upsert(position("T1", 1.0, now))
	older := position("T1", 2.0, now.Add(-time.Hour))
	table.Upsert(older)

	got := table.Get("T1")
	require.NotNil(t, got)
	assert.Equal(t, 2.0, got.Latitude)
	assert.Equal(t, older.Timestamp, got.Timestamp)
}

func TestUpsertBackToBack(t *testing.T) {
	table := NewTable()
	now := time.Now()

	table.Upsert(position("T1", 1.0, now))
	table.Upsert(position("T1", 2.0, now))

	assert.Equal(t, 2.0, table.Get("T1").Latitude)
	assert.Equal(t, 1, table.Len())
}

func TestGetAllSorted(t *testing.T) {
	table := NewTable()
	now := time.Now()

	for _, id := range []string{"T3", "T1", "T2"} {
		table.Upsert(position(id, 1.0, now))
	}

	all := table.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "T1", all[0].DeviceID)
	assert.Equal(t, "T2", all[1].DeviceID)
	assert.Equal(t, "T3", all[2].DeviceID)
}

func TestRemove(t *testing.T) {
	table := NewTable()
	table.Upsert(position("T1", 1.0, time.Now()))
	table.Remove("T1")
	assert.Nil(t, table.Get("T1"))
	table.Remove("T1") // no-op
}

func TestSnapshotClassifiesInactive(t *testing.T) {
	table := NewTable()
	now := time.Now()

	table.Upsert(position("fresh", 1.0, now.Add(-time.Minute)))
	table.Upsert(position("stale", 1.0, now.Add(-11*time.Minute)))

	snapshot := table.Snapshot(now, 10*time.Minute)
	require.Len(t, snapshot, 2)

	byID := map[string]models.LiveDevice{}
	for _, d := range snapshot {
		byID[d.DeviceID] = d
	}
	assert.False(t, byID["fresh"].Inactive)
	assert.True(t, byID["stale"].Inactive, "11 minutes old with a 10 minute threshold is inactive but still listed")
}

func TestSweepInactiveRemovesOnlyExpired(t *testing.T) {
	table := NewTable()
	now := time.Now()

	table.Upsert(position("old", 1.0, now.Add(-61*time.Minute)))
	table.Upsert(position("fresh", 1.0, now.Add(-time.Minute)))

	removed := table.SweepInactive(now.Add(-time.Hour))
	assert.Equal(t, []string{"old"}, removed)
	assert.Nil(t, table.Get("old"))
	assert.NotNil(t, table.Get("fresh"))

	// Nothing left to sweep.
	assert.Empty(t, table.SweepInactive(now.Add(-time.Hour)))
}

func TestSweepRaceFreshUpsertWins(t *testing.T) {
	table := NewTable()
	now := time.Now()

	// Entry is stale, but a fresh report replaces it before the sweep's
	// final check; the sweep must then leave it alone.
	table.Upsert(position("T1", 1.0, now.Add(-2*time.Hour)))
	table.Upsert(position("T1", 2.0, now))

	removed := table.SweepInactive(now.Add(-time.Hour))
	assert.Empty(t, removed)
	assert.NotNil(t, table.Get("T1"))
}

func TestConcurrentUpserts(t *testing.T) {
	table := NewTable()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("T%d", n%8)
			for j := 0; j < 100; j++ {
				table.Upsert(position(id, float64(j), now))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, table.Len())
}
