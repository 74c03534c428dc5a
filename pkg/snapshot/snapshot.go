// Package snapshot stores fetched survey datasets in a local SQLite
// file so past views stay reviewable without the events API.
package snapshot

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	geojson "github.com/paulmach/go.geojson"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no snapshot has the requested id.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot describes one saved dataset without its feature payload.
type Snapshot struct {
	ID        string
	Name      string
	FilterKey string
	Count     int
	CreatedAt time.Time
}

// Store persists snapshots to a single SQLite database file.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id            TEXT PRIMARY KEY,
			name          TEXT,
			filter_key    TEXT,
			feature_count BIGINT,
			created_at    BIGINT,
			geojson       BLOB
		);
		CREATE INDEX IF NOT EXISTS snapshots_filter ON snapshots (filter_key, created_at);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save stores the collection under a fresh id and returns its metadata.
func (s *Store) Save(name, filterKey string, fc *geojson.FeatureCollection) (Snapshot, error) {
	if fc == nil {
		return Snapshot{}, errors.New("nil feature collection")
	}
	raw, err := json.Marshal(fc)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		ID:        uuid.NewString(),
		Name:      name,
		FilterKey: filterKey,
		Count:     len(fc.Features),
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (id, name, filter_key, feature_count, created_at, geojson)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Name, snap.FilterKey, snap.Count, snap.CreatedAt.UnixNano(), raw,
	)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Load returns one snapshot and its features.
func (s *Store) Load(id string) (Snapshot, *geojson.FeatureCollection, error) {
	row := s.db.QueryRow(
		`SELECT id, name, filter_key, feature_count, created_at, geojson
		 FROM snapshots WHERE id = ?`, id)
	return scanSnapshot(row)
}

// Latest returns the newest snapshot saved under a filter key.
func (s *Store) Latest(filterKey string) (Snapshot, *geojson.FeatureCollection, error) {
	row := s.db.QueryRow(
		`SELECT id, name, filter_key, feature_count, created_at, geojson
		 FROM snapshots WHERE filter_key = ? ORDER BY created_at DESC LIMIT 1`, filterKey)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (Snapshot, *geojson.FeatureCollection, error) {
	var snap Snapshot
	var created int64
	var raw []byte
	err := row.Scan(&snap.ID, &snap.Name, &snap.FilterKey, &snap.Count, &created, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, nil, err
	}
	snap.CreatedAt = time.Unix(0, created).UTC()
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return Snapshot{}, nil, err
	}
	return snap, fc, nil
}

// List returns metadata for every snapshot, newest first.
func (s *Store) List() ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT id, name, filter_key, feature_count, created_at
		 FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var created int64
		if err := rows.Scan(&snap.ID, &snap.Name, &snap.FilterKey, &snap.Count, &created); err != nil {
			return nil, err
		}
		snap.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes a snapshot by id.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
