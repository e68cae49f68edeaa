// Package persistence is the capture engine's durable, transactional local
// store (spec §4.3): measurements, the device identifier, and the four
// families of points a measurement owns (GeoLocations, Sensor points,
// Pressures, Events). Grounded on the banshee data-velocity project's own
// go.mod (modernc.org/sqlite + golang-migrate/migrate/v4 as direct
// dependencies for the same kind of tracked-entity persistence), and on its
// retrieved pipeline.go call shape (InsertTrack/InsertTrackObservation/
// PruneDeletedTracks) for the batch-insert pattern; that project's storage
// package implementation itself was never retrieved into the example pack.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/99souls/waypoint/engine/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sqlite-backed implementation of the persistence contract.
// Every state-mutating method is an all-or-nothing transaction (spec §4.3
// "Guarantees"); point tables cascade-delete with their owning measurement
// via ON DELETE CASCADE (enabled per-connection with PRAGMA foreign_keys).
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at path and migrates the
// schema to the latest version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, avoid SQLITE_BUSY
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}
	dbDriver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// NewMeasurement inserts a new Measurement row in OPEN status and appends
// its LIFECYCLE_START event in the same transaction (spec §4.1 "start").
func (s *Store) NewMeasurement(ctx context.Context, modality models.Modality, fileFormatVersion int, startTimestamp int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO measurements (status, modality, file_format_version, distance_meters, start_timestamp_ms) VALUES (?, ?, ?, 0, ?)`,
		string(models.StatusOpen), string(modality), fileFormatVersion, startTimestamp)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (measurement_id, timestamp_ms, type, payload) VALUES (?, ?, ?, '')`,
		id, startTimestamp, string(models.EventLifecycleStart)); err != nil {
		return 0, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	return id, nil
}

// SetStatus enforces the status transition DAG (spec §3) unless
// skipValidation, which is reserved for crash recovery (spec §4.1).
func (s *Store) SetStatus(ctx context.Context, id int64, to models.Status, skipValidation bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	var from models.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM measurements WHERE id = ?`, id).Scan(&from); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NoSuchMeasurement
		}
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	if !skipValidation && !from.CanTransition(to) {
		return models.InvalidLifecycleTransition
	}
	if _, err := tx.ExecContext(ctx, `UPDATE measurements SET status = ? WHERE id = ?`, string(to), id); err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	return nil
}

// UpdateDistance adds meters to the measurement's accumulated distance.
func (s *Store) UpdateDistance(ctx context.Context, id int64, meters float64) error {
	if meters == 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE measurements SET distance_meters = distance_meters + ? WHERE id = ?`, meters, id)
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	if n == 0 {
		return models.NoSuchMeasurement
	}
	return nil
}

// AppendEvent records one lifecycle event, durably, before the caller
// proceeds (spec §5 "an Event is durable before any data point carrying a
// later timestamp from the post-event regime").
func (s *Store) AppendEvent(ctx context.Context, id int64, typ models.EventType, timestamp int64, payload string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events (measurement_id, timestamp_ms, type, payload) VALUES (?, ?, ?, ?)`,
		id, timestamp, string(typ), payload); err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	return nil
}

// AppendLocations inserts a batch of GeoLocations in one transaction (spec
// §4.3, bounded to the caller's configured WriteBatchCap).
func (s *Store) AppendLocations(ctx context.Context, id int64, batch []models.GeoLocation) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO geolocations (measurement_id, timestamp_ms, lat, lon, altitude, speed, horizontal_accuracy, vertical_accuracy, valid) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = stmt.Close() }()
	for _, loc := range batch {
		validInt := 0
		if loc.Valid {
			validInt = 1
		}
		if _, err := stmt.ExecContext(ctx, id, loc.Timestamp, loc.Lat, loc.Lon, loc.Altitude, loc.Speed, loc.HorizontalAccuracy, loc.VerticalAccuracy, validInt); err != nil {
			return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	return nil
}

func sensorTable(kind models.SensorKind) (string, error) {
	switch kind {
	case models.SensorAcceleration:
		return "sensor_acceleration", nil
	case models.SensorRotation:
		return "sensor_rotation", nil
	case models.SensorDirection:
		return "sensor_direction", nil
	default:
		return "", fmt.Errorf("unknown sensor kind %q", kind)
	}
}

// AppendSensorPoints inserts a batch of 3-axis samples of one kind in one
// transaction.
func (s *Store) AppendSensorPoints(ctx context.Context, id int64, kind models.SensorKind, batch []models.SensorPoint) error {
	if len(batch) == 0 {
		return nil
	}
	table, err := sensorTable(kind)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (measurement_id, timestamp_ms, x, y, z) VALUES (?, ?, ?, ?, ?)`, table))
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = stmt.Close() }()
	for _, pt := range batch {
		if _, err := stmt.ExecContext(ctx, id, pt.Timestamp, pt.X, pt.Y, pt.Z); err != nil {
			return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	return nil
}

// AppendPressures inserts a batch of averaged barometer readings in one
// transaction.
func (s *Store) AppendPressures(ctx context.Context, id int64, batch []models.Pressure) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pressures (measurement_id, timestamp_ms, value_hpa) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = stmt.Close() }()
	for _, p := range batch {
		if _, err := stmt.ExecContext(ctx, id, p.Timestamp, p.Value); err != nil {
			return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	return nil
}

// ChangeModality updates a measurement's declared transport type and appends
// the MODALITY_TYPE_CHANGE event carrying the new modality, in one
// transaction. Only measurements still in OPEN or PAUSED may change modality.
func (s *Store) ChangeModality(ctx context.Context, id int64, modality models.Modality, timestamp int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	var status models.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM measurements WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NoSuchMeasurement
		}
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	if status != models.StatusOpen && status != models.StatusPaused {
		return models.NoSuchMeasurement
	}
	if _, err := tx.ExecContext(ctx, `UPDATE measurements SET modality = ? WHERE id = ?`, string(modality), id); err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (measurement_id, timestamp_ms, type, payload) VALUES (?, ?, ?, ?)`,
		id, timestamp, string(models.EventModalityTypeChange), string(modality)); err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	return nil
}

// LoadMeasurement returns one measurement by id.
func (s *Store) LoadMeasurement(ctx context.Context, id int64) (models.Measurement, error) {
	var m models.Measurement
	m.ID = id
	var status, modality string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, modality, file_format_version, distance_meters, start_timestamp_ms FROM measurements WHERE id = ?`, id).
		Scan(&status, &modality, &m.FileFormatVersion, &m.Distance, &m.StartTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Measurement{}, models.NoSuchMeasurement
	}
	if err != nil {
		return models.Measurement{}, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	m.Status = models.Status(status)
	m.Modality = models.Modality(modality)
	return m, nil
}

// LoadMeasurementsByStatus returns all measurements in the given status,
// oldest first. A nil/empty filter returns every measurement.
func (s *Store) LoadMeasurementsByStatus(ctx context.Context, status *models.Status) ([]models.Measurement, error) {
	query := `SELECT id, status, modality, file_format_version, distance_meters, start_timestamp_ms FROM measurements`
	args := []any{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY start_timestamp_ms ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = rows.Close() }()
	var out []models.Measurement
	for rows.Next() {
		var m models.Measurement
		var st, mod string
		if err := rows.Scan(&m.ID, &st, &mod, &m.FileFormatVersion, &m.Distance, &m.StartTimestamp); err != nil {
			return nil, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
		}
		m.Status = models.Status(st)
		m.Modality = models.Modality(mod)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMeasurement removes a measurement; owned GeoLocations, Sensor
// points, Pressures and Events cascade via ON DELETE CASCADE (spec §4.3).
func (s *Store) DeleteMeasurement(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM measurements WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	if n == 0 {
		return models.NoSuchMeasurement
	}
	return nil
}

// PageSize is the minimum page size the store guarantees to complete
// without excessive memory use for ≥36,000-point tracks (spec §4.3).
const PageSize = 10000

// PageLocations returns one ordered page of a measurement's GeoLocations
// starting after afterTimestamp (exclusive), for bounded-memory reads of
// long tracks.
func (s *Store) PageLocations(ctx context.Context, id int64, afterTimestamp int64, limit int) ([]models.GeoLocation, error) {
	if limit <= 0 {
		limit = PageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp_ms, lat, lon, altitude, speed, horizontal_accuracy, vertical_accuracy, valid
		 FROM geolocations WHERE measurement_id = ? AND timestamp_ms > ? ORDER BY timestamp_ms ASC LIMIT ?`,
		id, afterTimestamp, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = rows.Close() }()
	var out []models.GeoLocation
	for rows.Next() {
		var loc models.GeoLocation
		var validInt int
		if err := rows.Scan(&loc.Timestamp, &loc.Lat, &loc.Lon, &loc.Altitude, &loc.Speed, &loc.HorizontalAccuracy, &loc.VerticalAccuracy, &validInt); err != nil {
			return nil, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
		}
		loc.MeasurementID = id
		loc.Valid = validInt != 0
		out = append(out, loc)
	}
	return out, rows.Err()
}

// AllLocations pages through PageLocations until exhausted. Used by
// LoadTrack and by tests asserting round-trip fidelity on ≥36,000-row
// tracks (spec §8).
func (s *Store) AllLocations(ctx context.Context, id int64) ([]models.GeoLocation, error) {
	var out []models.GeoLocation
	var after int64 = -1
	for {
		page, err := s.PageLocations(ctx, id, after, PageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < PageSize {
			return out, nil
		}
		after = page[len(page)-1].Timestamp
	}
}

// allPressures returns every Pressure owned by a measurement, ordered.
func (s *Store) allPressures(ctx context.Context, id int64) ([]models.Pressure, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp_ms, value_hpa FROM pressures WHERE measurement_id = ? ORDER BY timestamp_ms ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = rows.Close() }()
	var out []models.Pressure
	for rows.Next() {
		var p models.Pressure
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
		}
		p.MeasurementID = id
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadEvents returns every Event owned by a measurement, ordered by
// timestamp. The sequence is what LoadTrack derives segment boundaries from.
func (s *Store) LoadEvents(ctx context.Context, id int64) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp_ms, type, payload FROM events WHERE measurement_id = ? ORDER BY timestamp_ms ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	defer func() { _ = rows.Close() }()
	var out []models.Event
	for rows.Next() {
		var e models.Event
		var typ string
		var payload sql.NullString
		if err := rows.Scan(&e.Timestamp, &typ, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", models.PersistenceFailure, err)
		}
		e.MeasurementID = id
		e.Type = models.EventType(typ)
		e.Payload = payload.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadTrack reconstructs the derived Track view: the measurement's
// GeoLocations sliced into the maximal sub-sequences bounded by
// START/RESUME and the next PAUSE/STOP event (spec §3 "Track").
func (s *Store) LoadTrack(ctx context.Context, id int64) (models.Track, error) {
	if _, err := s.LoadMeasurement(ctx, id); err != nil {
		return models.Track{}, err
	}
	locs, err := s.AllLocations(ctx, id)
	if err != nil {
		return models.Track{}, err
	}
	pressures, err := s.allPressures(ctx, id)
	if err != nil {
		return models.Track{}, err
	}
	events, err := s.LoadEvents(ctx, id)
	if err != nil {
		return models.Track{}, err
	}
	return buildTrack(id, events, locs, pressures), nil
}

// buildTrack is the pure reconstruction logic, separated for testability:
// it walks the event sequence for segment boundaries and distributes
// locations into the segment open at their timestamp.
func buildTrack(measurementID int64, events []models.Event, locs []models.GeoLocation, pressures []models.Pressure) models.Track {
	track := models.Track{MeasurementID: measurementID, Pressures: pressures}
	type boundary struct {
		start int64
		end   int64 // 0 means open-ended
	}
	var bounds []boundary
	var openAt int64 = -1
	for _, ev := range events {
		switch ev.Type {
		case models.EventLifecycleStart, models.EventLifecycleResume:
			openAt = ev.Timestamp
		case models.EventLifecyclePause, models.EventLifecycleStop:
			if openAt >= 0 {
				bounds = append(bounds, boundary{start: openAt, end: ev.Timestamp})
				openAt = -1
			}
		}
	}
	if openAt >= 0 {
		bounds = append(bounds, boundary{start: openAt, end: 0})
	}
	track.Segments = make([][]models.GeoLocation, len(bounds))
	li := 0
	for i, b := range bounds {
		var seg []models.GeoLocation
		for li < len(locs) {
			ts := locs[li].Timestamp
			if ts < b.start {
				li++
				continue
			}
			if b.end != 0 && ts > b.end {
				break
			}
			seg = append(seg, locs[li])
			li++
		}
		track.Segments[i] = seg
	}
	return track
}

// GetOrCreateDeviceIdentifier returns the device's stable opaque id,
// generating and persisting a fresh uuid on first use (spec §3 "Device
// identifier").
func (s *Store) GetOrCreateDeviceIdentifier(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM identifiers WHERE id = 1`).Scan(&value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	value = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO identifiers (id, value) VALUES (1, ?)`, value); err != nil {
		return "", fmt.Errorf("%w: %v", models.PersistenceFailure, err)
	}
	return value, nil
}
