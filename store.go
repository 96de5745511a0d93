package sensordataexport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.viam.com/rdk/logging"
)

var (
	// ErrStoreClosed is returned by every store call made after Close.
	ErrStoreClosed = errors.New("sensor data store is closed")
	// ErrInvalidKey is returned when a trial or sensor ID is empty.
	ErrInvalidKey = errors.New("trial and sensor IDs are required")
)

// SensorDataStore persists scalar samples keyed by trial, sensor and resolution tier.
type SensorDataStore interface {
	// AddDataPoints appends points for the (trial, sensor, tier) key in order.
	AddDataPoints(ctx context.Context, trialID, sensorID string, tier int, points ...DataPoint) error
	// FetchSensorData returns the points for a key in insertion order.
	FetchSensorData(ctx context.Context, trialID, sensorID string, tier int) ([]DataPoint, error)
	// RemoveData deletes every sample recorded for a trial.
	RemoveData(ctx context.Context, trialID string) error
	Close() error
}

const sensorDataSchema = `
CREATE TABLE IF NOT EXISTS sensor_data (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    trial_id        TEXT    NOT NULL,
    sensor_id       TEXT    NOT NULL,
    resolution_tier INTEGER NOT NULL,
    timestamp       INTEGER NOT NULL,
    value           REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS sensor_data_key ON sensor_data (trial_id, sensor_id, resolution_tier);`

// SQLiteStore is a SensorDataStore backed by SQLite. Every call runs on the store's
// private context, so a read for export never interleaves with a write.
type SQLiteStore struct {
	db     *sql.DB
	ctx    *privateContext
	logger logging.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for a
// throwaway store.
func NewSQLiteStore(path string, logger logging.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sensor database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and writes ordered
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sensorDataSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sensor data schema: %w", err)
	}

	logger.Infof("sensor data store opened at %q", path)
	return &SQLiteStore{
		db:     db,
		ctx:    newPrivateContext(),
		logger: logger,
	}, nil
}

func (s *SQLiteStore) AddDataPoints(ctx context.Context, trialID, sensorID string, tier int, points ...DataPoint) error {
	if trialID == "" || sensorID == "" {
		return ErrInvalidKey
	}
	if len(points) == 0 {
		return nil
	}

	return s.ctx.performAndWait(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning insert: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO sensor_data (trial_id, sensor_id, resolution_tier, timestamp, value) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, trialID, sensorID, tier, p.X, p.Y); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("inserting data point for %s/%s: %w", trialID, sensorID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing data points: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) FetchSensorData(ctx context.Context, trialID, sensorID string, tier int) ([]DataPoint, error) {
	if trialID == "" || sensorID == "" {
		return nil, ErrInvalidKey
	}

	var points []DataPoint
	err := s.ctx.performAndWait(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT timestamp, value FROM sensor_data
			 WHERE trial_id = ? AND sensor_id = ? AND resolution_tier = ?
			 ORDER BY id`,
			trialID, sensorID, tier)
		if err != nil {
			return fmt.Errorf("querying sensor data for %s/%s: %w", trialID, sensorID, err)
		}
		defer rows.Close()

		for rows.Next() {
			var p DataPoint
			if err := rows.Scan(&p.X, &p.Y); err != nil {
				return fmt.Errorf("scanning sensor data: %w", err)
			}
			points = append(points, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

func (s *SQLiteStore) RemoveData(ctx context.Context, trialID string) error {
	if trialID == "" {
		return ErrInvalidKey
	}
	return s.ctx.performAndWait(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sensor_data WHERE trial_id = ?`, trialID)
		if err != nil {
			return fmt.Errorf("removing data for trial %s: %w", trialID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			s.logger.Debugf("removed %d data points for trial %s", n, trialID)
		}
		return nil
	})
}

// Close waits for queued work and closes the database.
func (s *SQLiteStore) Close() error {
	s.ctx.close()
	return s.db.Close()
}
