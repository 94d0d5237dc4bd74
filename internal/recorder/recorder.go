// Package recorder persists per-run diagnostics (node tracks, region visits,
// destination sightings and delivery results) into a SQLite database.
package recorder

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/xid"

	"github.com/signalsfoundry/geocast-simulator/internal/discovery"
	"github.com/signalsfoundry/geocast-simulator/internal/routing"
)

// ErrFileExists is returned by Open when the target database already exists.
var ErrFileExists = errors.New("recorder file already exists")

const defaultBatchSize = 10000

var schema = []string{
	`CREATE TABLE positions (node TEXT NOT NULL, x REAL NOT NULL, y REAL NOT NULL, time REAL NOT NULL)`,
	`CREATE TABLE visits (node TEXT NOT NULL, region TEXT NOT NULL, time REAL NOT NULL)`,
	`CREATE TABLE sightings (message TEXT NOT NULL, node TEXT NOT NULL, time REAL NOT NULL)`,
	`CREATE TABLE results (message TEXT PRIMARY KEY, region TEXT NOT NULL, observed INTEGER NOT NULL,
		delivered INTEGER NOT NULL, ratio REAL NOT NULL, expiry REAL NOT NULL)`,
}

// Position is a node's location when it changed.
type Position struct {
	Node string
	At   time.Time
	X, Y float64
}

// Recorder buffers rows and writes them in batches. Times are stored as
// simulated seconds since the run start.
type Recorder struct {
	db    *sql.DB
	path  string
	start time.Time

	BatchSize int

	positions []Position
	visits    []routing.Visit
	sightings []discovery.Sighting
	results   []discovery.Result
}

// DefaultPath returns a fresh database file name for a run.
func DefaultPath() string {
	return "geocast_run_" + xid.New().String() + ".sqlite3"
}

// Open creates a new database at path and its tables. An empty path picks
// DefaultPath. Existing files are never overwritten.
func Open(path string, start time.Time) (*Recorder, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Recorder{db: db, path: path, start: start, BatchSize: defaultBatchSize}, nil
}

// Path returns the database file name.
func (r *Recorder) Path() string { return r.path }

// DB exposes the underlying database for queries.
func (r *Recorder) DB() *sql.DB { return r.db }

func (r *Recorder) RecordPositions(ps []Position) error {
	r.positions = append(r.positions, ps...)
	return r.maybeFlush()
}

func (r *Recorder) RecordVisits(vs []routing.Visit) error {
	r.visits = append(r.visits, vs...)
	return r.maybeFlush()
}

func (r *Recorder) RecordSightings(ss []discovery.Sighting) error {
	r.sightings = append(r.sightings, ss...)
	return r.maybeFlush()
}

func (r *Recorder) RecordResults(rs []discovery.Result) error {
	r.results = append(r.results, rs...)
	return r.maybeFlush()
}

func (r *Recorder) pending() int {
	return len(r.positions) + len(r.visits) + len(r.sightings) + len(r.results)
}

func (r *Recorder) maybeFlush() error {
	if r.pending() < r.BatchSize {
		return nil
	}
	return r.Flush()
}

// Flush writes every buffered row in one transaction.
func (r *Recorder) Flush() error {
	if r.pending() == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := r.writeAll(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.positions = nil
	r.visits = nil
	r.sightings = nil
	r.results = nil
	return nil
}

func (r *Recorder) writeAll(tx *sql.Tx) error {
	if len(r.positions) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO positions (node, x, y, time) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range r.positions {
			if _, err := stmt.Exec(p.Node, p.X, p.Y, r.seconds(p.At)); err != nil {
				return fmt.Errorf("insert position %+v: %w", p, err)
			}
		}
	}

	if len(r.visits) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO visits (node, region, time) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, v := range r.visits {
			if _, err := stmt.Exec(v.Node, v.Region, r.seconds(v.At)); err != nil {
				return fmt.Errorf("insert visit %+v: %w", v, err)
			}
		}
	}

	if len(r.sightings) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO sightings (message, node, time) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, s := range r.sightings {
			if _, err := stmt.Exec(s.MessageID, s.Node, r.seconds(s.At)); err != nil {
				return fmt.Errorf("insert sighting %+v: %w", s, err)
			}
		}
	}

	if len(r.results) > 0 {
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO results
			(message, region, observed, delivered, ratio, expiry) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, res := range r.results {
			if _, err := stmt.Exec(res.MessageID, res.Region, len(res.Observers), res.Delivered,
				res.Ratio, r.seconds(res.Expiry)); err != nil {
				return fmt.Errorf("insert result %s: %w", res.MessageID, err)
			}
		}
	}
	return nil
}

func (r *Recorder) seconds(t time.Time) float64 {
	return t.Sub(r.start).Seconds()
}

// Close flushes pending rows and closes the database.
func (r *Recorder) Close() error {
	flushErr := r.Flush()
	return errors.Join(flushErr, r.db.Close())
}
