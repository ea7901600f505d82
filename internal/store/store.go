// Package store keeps a run manifest in SQLite: one row per pipeline run and
// one row per (variable, year) source tracking which stage it reached.
// Recording is bookkeeping for operators; the pipeline never depends on it
// for correctness.
package store

import (
	"database/sql"
	"time"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"

	StagePending = "pending"
	StageFetch   = "fetch"
	StageConvert = "convert"
	StageDone    = "done"
)

type Run struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
	Error      sql.NullString
}

type Source struct {
	ID        int64
	RunID     int64
	Variable  string
	Year      int
	SourceURL string
	CacheURL  sql.NullString
	ZarrURL   sql.NullString
	Stage     string
	Status    string
	Error     sql.NullString
	UpdatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// StartRun records a new run and returns its ID.
func (s *Store) StartRun() (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO runs (started_at, status) VALUES (?, ?)`,
		time.Now().UTC(), StatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishRun closes out a run. errMsg is stored only for failed runs.
func (s *Store) FinishRun(runID int64, status, errMsg string) error {
	var e sql.NullString
	if errMsg != "" {
		e = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), status, e, runID,
	)
	return err
}

// AddSource registers one (variable, year) source for a run.
func (s *Store) AddSource(runID int64, variable string, year int, sourceURL string) error {
	_, err := s.db.Exec(`
		INSERT INTO run_sources (run_id, variable, year, source_url, stage, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, variable, year) DO NOTHING
	`, runID, variable, year, sourceURL, StagePending, StatusRunning)
	return err
}

// MarkFetched records the cache URL after a successful fetch.
func (s *Store) MarkFetched(runID int64, variable string, year int, cacheURL string) error {
	_, err := s.db.Exec(`
		UPDATE run_sources SET cache_url = ?, stage = ?, updated_at = ?
		WHERE run_id = ? AND variable = ? AND year = ?
	`, cacheURL, StageFetch, time.Now().UTC(), runID, variable, year)
	return err
}

// MarkConverted records the zarr URL after a successful conversion.
func (s *Store) MarkConverted(runID int64, variable string, year int, zarrURL string) error {
	_, err := s.db.Exec(`
		UPDATE run_sources SET zarr_url = ?, stage = ?, status = ?, updated_at = ?
		WHERE run_id = ? AND variable = ? AND year = ?
	`, zarrURL, StageDone, StatusSucceeded, time.Now().UTC(), runID, variable, year)
	return err
}

// MarkFailed records a stage failure for one source.
func (s *Store) MarkFailed(runID int64, variable string, year int, stage, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE run_sources SET stage = ?, status = ?, error = ?, updated_at = ?
		WHERE run_id = ? AND variable = ? AND year = ?
	`, stage, StatusFailed, errMsg, time.Now().UTC(), runID, variable, year)
	return err
}

// ListSources returns all sources of a run ordered by variable then year.
func (s *Store) ListSources(runID int64) ([]Source, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, variable, year, source_url, cache_url, zarr_url, stage, status, error, updated_at
		FROM run_sources
		WHERE run_id = ?
		ORDER BY variable, year
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.RunID, &src.Variable, &src.Year, &src.SourceURL,
			&src.CacheURL, &src.ZarrURL, &src.Stage, &src.Status, &src.Error, &src.UpdatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// LatestRun returns the most recent run, or nil if none exist.
func (s *Store) LatestRun() (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, finished_at, status, error
		FROM runs ORDER BY id DESC LIMIT 1
	`)
	var r Run
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
