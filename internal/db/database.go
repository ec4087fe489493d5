package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"geotracker/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups that match no stored position.
var ErrNotFound = errors.New("position not found")

// Database wraps the SQLite connection holding the position history.
type Database struct {
	conn *sql.DB
}

// New opens (or creates) the history database. Schema initialization failure
// here is the only legitimately fatal storage error; everything after open is
// reported to the caller and survived.
func New(dbPath string) (*Database, error) {
	// WAL keeps readers off the writer's back; single writer suits SQLite.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates the positions table and its composite index. All history
// queries are keyed by (device_id, timestamp), so that pair carries the index.
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		device_name TEXT,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		timestamp INTEGER NOT NULL,
		speed REAL,
		bearing REAL,
		altitude REAL,
		accuracy REAL,
		battery REAL,
		charging INTEGER,
		received_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_device_time ON positions(device_id, timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *Database) Close() error {
	return db.conn.Close()
}

// Ping reports whether the durable store is reachable.
func (db *Database) Ping() error {
	return db.conn.Ping()
}

const positionColumns = `id, device_id, device_name, latitude, longitude, timestamp,
	speed, bearing, altitude, accuracy, battery, charging, received_at`

// Append persists one position. received_at is set here and never updated.
func (db *Database) Append(p *models.Position) error {
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now()
	}

	query := `
		INSERT INTO positions
		(device_id, device_name, latitude, longitude, timestamp,
		 speed, bearing, altitude, accuracy, battery, charging, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := db.conn.Exec(query,
		p.DeviceID, p.DeviceName, p.Latitude, p.Longitude, p.Timestamp,
		nullFloat(p.Speed), nullFloat(p.Bearing), nullFloat(p.Altitude),
		nullFloat(p.Accuracy), nullFloat(p.Battery), nullBool(p.Charging),
		p.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}

	id, _ := result.LastInsertId()
	p.ID = id
	return nil
}

// Prune deletes a device's rows whose device-reported timestamp fell out of
// the retention window. Re-running with no new data deletes nothing.
func (db *Database) Prune(deviceID string, retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention).UnixMilli()
	result, err := db.conn.Exec(
		`DELETE FROM positions WHERE device_id = ? AND timestamp < ?`,
		deviceID, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneAll deletes rows outside the retention window across every device.
func (db *Database) PruneAll(retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention).UnixMilli()
	result, err := db.conn.Exec(`DELETE FROM positions WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// QueryRange returns a device's positions with timestamp in [now-window, now],
// ascending by timestamp. The cutoff bounds the scan through the composite
// index; there is no full-table path.
func (db *Database) QueryRange(deviceID string, window time.Duration, now time.Time) ([]models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE device_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`
	rows, err := db.conn.Query(query, deviceID, now.Add(-window).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// QueryNearest returns the device's position within [now-window, now] closest
// to target; ties go to the earliest timestamp. ErrNotFound when the window
// holds nothing.
func (db *Database) QueryNearest(deviceID string, target time.Time, window time.Duration, now time.Time) (*models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE device_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY ABS(timestamp - ?) ASC, timestamp ASC
		LIMIT 1
	`
	row := db.conn.QueryRow(query,
		deviceID, now.Add(-window).UnixMilli(), now.UnixMilli(), target.UnixMilli())

	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LatestPerDevice returns the single most recent position of every device
// with at least one row inside the window. This is the authoritative source
// for the current-trackers view: unlike the in-memory roster it survives
// restarts. Ties on timestamp go to the later row.
func (db *Database) LatestPerDevice(window time.Duration, now time.Time) ([]models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions p
		WHERE p.timestamp >= ? AND p.timestamp <= ?
		  AND p.id = (
			SELECT q.id FROM positions q
			WHERE q.device_id = p.device_id AND q.timestamp >= ? AND q.timestamp <= ?
			ORDER BY q.timestamp DESC, q.id DESC
			LIMIT 1
		  )
		ORDER BY p.device_id ASC
	`
	lo, hi := now.Add(-window).UnixMilli(), now.UnixMilli()
	rows, err := db.conn.Query(query, lo, hi, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// Stats summarizes the stored history for the CLI.
type Stats struct {
	TotalRecords int64
	Devices      int64
	OldestMs     int64
	NewestMs     int64
}

// GetStats returns record and device counts plus the stored time span.
func (db *Database) GetStats() (*Stats, error) {
	var s Stats
	err := db.conn.QueryRow(`
		SELECT COUNT(*),
		       COUNT(DISTINCT device_id),
		       COALESCE(MIN(timestamp), 0),
		       COALESCE(MAX(timestamp), 0)
		FROM positions
	`).Scan(&s.TotalRecords, &s.Devices, &s.OldestMs, &s.NewestMs)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var (
		p          models.Position
		speed      sql.NullFloat64
		bearing    sql.NullFloat64
		altitude   sql.NullFloat64
		accuracy   sql.NullFloat64
		battery    sql.NullFloat64
		charging   sql.NullBool
		receivedAt int64
	)

	err := row.Scan(
		&p.ID, &p.DeviceID, &p.DeviceName, &p.Latitude, &p.Longitude, &p.Timestamp,
		&speed, &bearing, &altitude, &accuracy, &battery, &charging, &receivedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Speed = floatPtr(speed)
	p.Bearing = floatPtr(bearing)
	p.Altitude = floatPtr(altitude)
	p.Accuracy = floatPtr(accuracy)
	p.Battery = floatPtr(battery)
	p.Charging = boolPtr(charging)
	p.ReceivedAt = time.UnixMilli(receivedAt)

	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]models.Position, error) {
	var results []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *p)
	}
	return results, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
