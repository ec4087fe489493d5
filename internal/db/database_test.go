package db

import (
	"path/filepath"
	"testing"
	"time"

	"geotracker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func position(deviceID string, ts time.Time) *models.Position {
	return &models.Position{
		DeviceID:   deviceID,
		DeviceName: "Tracker " + deviceID,
		Latitude:   48.85,
		Longitude:  2.35,
		Timestamp:  ts.UnixMilli(),
	}
}

func TestAppendAndQueryRangeRoundTrip(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()

	speed := 12.5
	charging := true
	p := position("T1", now.Add(-time.Hour))
	p.Speed = &speed
	p.Charging = &charging
	require.NoError(t, database.Append(p))
	assert.NotZero(t, p.ID)
	assert.False(t, p.ReceivedAt.IsZero())

	results, err := database.QueryRange("T1", 24*time.Hour, now)
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, "T1", got.DeviceID)
	assert.Equal(t, "Tracker T1", got.DeviceName)
	assert.Equal(t, p.Timestamp, got.Timestamp)
	require.NotNil(t, got.Speed)
	assert.Equal(t, 12.5, *got.Speed)
	require.NotNil(t, got.Charging)
	assert.True(t, *got.Charging)
	assert.Nil(t, got.Battery)
	assert.Nil(t, got.Bearing)
}

func TestQueryRangeAscendingAndWindowed(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()

	// Inserted out of order on purpose.
	for _, age := range []time.Duration{2 * time.Hour, 30 * time.Hour, 10 * time.Minute, 5 * time.Hour} {
		require.NoError(t, database.Append(position("T1", now.Add(-age))))
	}
	require.NoError(t, database.Append(position("other", now.Add(-time.Minute))))

	results, err := database.QueryRange("T1", 24*time.Hour, now)
	require.NoError(t, err)
	require.Len(t, results, 3, "the 30h-old row is outside the window")

	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Timestamp, results[i].Timestamp)
	}
	for _, p := range results {
		assert.Equal(t, "T1", p.DeviceID)
	}
}

func TestQueryNearest(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()
	base := now.Add(-time.Hour)

	// Records at base+10s, base+20s, base+35s; target base+22s hits base+20s.
	for _, offset := range []time.Duration{10 * time.Second, 20 * time.Second, 35 * time.Second} {
		require.NoError(t, database.Append(position("T1", base.Add(offset))))
	}

	got, err := database.QueryNearest("T1", base.Add(22*time.Second), 72*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, base.Add(20*time.Second).UnixMilli(), got.Timestamp)
}

func TestQueryNearestTieBreaksEarlier(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()
	base := now.Add(-time.Hour)

	require.NoError(t, database.Append(position("T1", base.Add(10*time.Second))))
	require.NoError(t, database.Append(position("T1", base.Add(30*time.Second))))

	// Equidistant target: the earlier record wins.
	got, err := database.QueryNearest("T1", base.Add(20*time.Second), 72*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Second).UnixMilli(), got.Timestamp)
}

func TestQueryNearestNotFound(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()

	_, err := database.QueryNearest("ghost", now, 72*time.Hour, now)
	assert.ErrorIs(t, err, ErrNotFound)

	// A record outside the window does not count either.
	require.NoError(t, database.Append(position("T1", now.Add(-100*time.Hour))))
	_, err = database.QueryNearest("T1", now, 72*time.Hour, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneRemovesOnlyExpiredRows(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()

	require.NoError(t, database.Append(position("T1", now.Add(-80*time.Hour))))
	require.NoError(t, database.Append(position("T1", now.Add(-time.Hour))))
	require.NoError(t, database.Append(position("T2", now.Add(-90*time.Hour))))

	deleted, err := database.Prune("T1", 72*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// T2 untouched by a T1 prune.
	stats, err := database.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRecords)
}

func TestPruneIdempotent(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()

	require.NoError(t, database.Append(position("T1", now.Add(-80*time.Hour))))

	deleted, err := database.Prune("T1", 72*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = database.Prune("T1", 72*time.Hour, now)
	require.NoError(t, err)
	assert.Zero(t, deleted, "second prune with no new data is a no-op")
}

func TestPruneAll(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()

	require.NoError(t, database.Append(position("T1", now.Add(-80*time.Hour))))
	require.NoError(t, database.Append(position("T2", now.Add(-90*time.Hour))))
	require.NoError(t, database.Append(position("T2", now.Add(-time.Hour))))

	deleted, err := database.PruneAll(72*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestLatestPerDevice(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()

	require.NoError(t, database.Append(position("T1", now.Add(-3*time.Hour))))
	require.NoError(t, database.Append(position("T1", now.Add(-time.Hour))))
	require.NoError(t, database.Append(position("T2", now.Add(-2*time.Hour))))
	// Outside the window: device never listed.
	require.NoError(t, database.Append(position("T3", now.Add(-100*time.Hour))))

	results, err := database.LatestPerDevice(72*time.Hour, now)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "T1", results[0].DeviceID)
	assert.Equal(t, now.Add(-time.Hour).UnixMilli(), results[0].Timestamp)
	assert.Equal(t, "T2", results[1].DeviceID)
}

func TestLatestPerDeviceTimestampTieTakesLaterRow(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()
	ts := now.Add(-time.Hour)

	first := position("T1", ts)
	second := position("T1", ts)
	second.Latitude = 50.0
	require.NoError(t, database.Append(first))
	require.NoError(t, database.Append(second))

	results, err := database.LatestPerDevice(72*time.Hour, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 50.0, results[0].Latitude)
}

func TestGetStats(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()

	stats, err := database.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)

	require.NoError(t, database.Append(position("T1", now.Add(-time.Hour))))
	require.NoError(t, database.Append(position("T2", now)))

	stats, err = database.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRecords)
	assert.Equal(t, int64(2), stats.Devices)
	assert.Equal(t, now.Add(-time.Hour).UnixMilli(), stats.OldestMs)
	assert.Equal(t, now.UnixMilli(), stats.NewestMs)
}

func TestPing(t *testing.T) {
	database := openTestDB(t)
	assert.NoError(t, database.Ping())
}
