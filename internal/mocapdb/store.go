// Package mocapdb persists capture sessions, landmark observations and
// reconstruction runs in a single sqlite file, so a project can be
// re-opened and re-processed without the original CSV exports.
package mocapdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/capture.report/internal/mocap"
)

type DB struct {
	*sql.DB
}

func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS observations (
			sync_index        BIGINT,
			port              BIGINT,
			point_id          BIGINT,
			img_loc_x         DOUBLE,
			img_loc_y         DOUBLE,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_observations_sync
			ON observations(sync_index, point_id);
		CREATE TABLE IF NOT EXISTS runs (
			run_id            TEXT PRIMARY KEY,
			kind              TEXT,
			state             TEXT,
			rmse              DOUBLE,
			iterations        BIGINT,
			camera_count      BIGINT,
			point_count       BIGINT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS world_points (
			run_id            TEXT,
			sync_index        BIGINT,
			point_id          BIGINT,
			x_coord           DOUBLE,
			y_coord           DOUBLE,
			z_coord           DOUBLE,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_world_points_run
			ON world_points(run_id, sync_index);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Run is one recorded calibration or triangulation pass.
type Run struct {
	RunID       string
	Kind        string
	State       string
	RMSE        float64
	Iterations  int64
	CameraCount int64
	PointCount  int64
	Timestamp   time.Time
}

func (r *Run) String() string {
	return fmt.Sprintf(
		"RunID: %s, Kind: %s, State: %s, RMSE: %f, Iterations: %d, CameraCount: %d, PointCount: %d",
		r.RunID, r.Kind, r.State, r.RMSE, r.Iterations, r.CameraCount, r.PointCount,
	)
}

// RecordRun inserts a run row, allocating a run_id when the caller did not
// set one, and returns the id.
func (db *DB) RecordRun(run Run) (string, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	_, err := db.Exec(
		`INSERT INTO runs (run_id, kind, state, rmse, iterations, camera_count, point_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Kind, run.State, run.RMSE, run.Iterations, run.CameraCount, run.PointCount,
	)
	if err != nil {
		return "", err
	}
	return run.RunID, nil
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	rows, err := db.Query(
		`SELECT run_id, kind, state, rmse, iterations, camera_count, point_count, timestamp
			FROM runs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.RunID,
			&run.Kind,
			&run.State,
			&run.RMSE,
			&run.Iterations,
			&run.CameraCount,
			&run.PointCount,
			&run.Timestamp,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// RecordObservations bulk-inserts a set of 2D landmark observations inside
// one transaction.
func (db *DB) RecordObservations(obs *mocap.ObservationSet) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO observations (sync_index, port, point_id, img_loc_x, img_loc_y)
			VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range obs.Records() {
		if _, err := stmt.Exec(rec.SyncIndex, rec.Port, rec.PointID, rec.X, rec.Y); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Observations loads every stored 2D observation.
func (db *DB) Observations() (*mocap.ObservationSet, error) {
	rows, err := db.Query(
		`SELECT sync_index, port, point_id, img_loc_x, img_loc_y
			FROM observations ORDER BY sync_index, port, point_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	obs := mocap.NewObservationSet()
	for rows.Next() {
		var rec mocap.Observation
		if err := rows.Scan(&rec.SyncIndex, &rec.Port, &rec.PointID, &rec.X, &rec.Y); err != nil {
			return nil, err
		}
		obs.Add(rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return obs, nil
}

// RecordWorldPoints stores the 3D output of a run inside one transaction.
func (db *DB) RecordWorldPoints(runID string, points []mocap.WorldPoint) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO world_points (run_id, sync_index, point_id, x_coord, y_coord, z_coord)
			VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(runID, p.SyncIndex, p.PointID, p.X, p.Y, p.Z); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// WorldPoints loads the 3D output of one run in canonical order.
func (db *DB) WorldPoints(runID string) ([]mocap.WorldPoint, error) {
	rows, err := db.Query(
		`SELECT sync_index, point_id, x_coord, y_coord, z_coord
			FROM world_points WHERE run_id = ? ORDER BY sync_index, point_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []mocap.WorldPoint
	for rows.Next() {
		var p mocap.WorldPoint
		if err := rows.Scan(&p.SyncIndex, &p.PointID, &p.X, &p.Y, &p.Z); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return points, nil
}
