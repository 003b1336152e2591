// Package registry keeps the local run ledger: one row per acquisition run
// with its animal, timing, archive location, and end-of-run behavioral
// totals. The lab's central bookkeeping ingests this ledger after transfer;
// the rig itself only ever appends.
package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run is one acquisition session.
type Run struct {
	ID          string
	Animal      string
	Mode        string // run-experiment, lick-train, run-train
	StartedAt   time.Time
	StoppedAt   time.Time
	ArchivePath string
	DispensedUl float64
	LickCount   uint64
}

// DB wraps the registry database.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the registry database.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		animal TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		stopped_at DATETIME,
		archive_path TEXT,
		dispensed_ul REAL NOT NULL DEFAULT 0,
		lick_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_animal ON runs(animal, started_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// BeginRun inserts a new run row and returns its id.
func (db *DB) BeginRun(animal, mode string) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.Exec(
		`INSERT INTO runs (id, animal, mode, started_at) VALUES (?, ?, ?, ?)`,
		id, animal, mode, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun records the end of a run with its archive path and behavioral
// totals.
func (db *DB) FinishRun(id, archivePath string, dispensedUl float64, lickCount uint64) error {
	res, err := db.conn.Exec(
		`UPDATE runs SET stopped_at = ?, archive_path = ?, dispensed_ul = ?, lick_count = ? WHERE id = ?`,
		time.Now().UTC(), archivePath, dispensedUl, lickCount, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish run: unknown run %s", id)
	}
	return nil
}

// GetRun fetches one run by id.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.conn.QueryRow(
		`SELECT id, animal, mode, started_at, stopped_at,
		        COALESCE(archive_path, ''), dispensed_ul, lick_count
		 FROM runs WHERE id = ?`, id)
	var r Run
	var stopped sql.NullTime
	if err := row.Scan(&r.ID, &r.Animal, &r.Mode, &r.StartedAt, &stopped,
		&r.ArchivePath, &r.DispensedUl, &r.LickCount); err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	r.StoppedAt = r.StartedAt
	if stopped.Valid {
		r.StoppedAt = stopped.Time
	}
	return &r, nil
}

// RecentRuns lists the most recent runs for an animal, newest first.
func (db *DB) RecentRuns(animal string, limit int) ([]*Run, error) {
	rows, err := db.conn.Query(
		`SELECT id, animal, mode, started_at, stopped_at,
		        COALESCE(archive_path, ''), dispensed_ul, lick_count
		 FROM runs WHERE animal = ? ORDER BY started_at DESC LIMIT ?`, animal, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var stopped sql.NullTime
		if err := rows.Scan(&r.ID, &r.Animal, &r.Mode, &r.StartedAt, &stopped,
			&r.ArchivePath, &r.DispensedUl, &r.LickCount); err != nil {
			return nil, err
		}
		r.StoppedAt = r.StartedAt
		if stopped.Valid {
			r.StoppedAt = stopped.Time
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// DailyWaterUl sums the water dispensed to an animal since the given time,
// typically midnight; used to budget supplemental water.
func (db *DB) DailyWaterUl(animal string, since time.Time) (float64, error) {
	row := db.conn.QueryRow(
		`SELECT COALESCE(SUM(dispensed_ul), 0) FROM runs WHERE animal = ? AND started_at >= ?`,
		animal, since)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("daily water for %s: %w", animal, err)
	}
	return total, nil
}
