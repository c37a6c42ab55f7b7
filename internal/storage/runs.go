package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateRun records the start of a pipeline run at the STARTED stage.
func (s *Store) CreateRun(id string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, stage) VALUES (?, ?, ?)`,
		id, startedAt.UTC().Format(time.RFC3339), StageStarted,
	)
	return err
}

// AdvanceRunStage moves a run to the given stage checkpoint.
func (s *Store) AdvanceRunStage(id, stage string) error {
	res, err := s.db.Exec(`UPDATE runs SET stage = ? WHERE id = ?`, stage, id)
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

// FinishRun finalizes a run with its summary and optional error text.
func (s *Store) FinishRun(id string, finishedAt time.Time, stage, summaryJSON, errText string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, stage = ?, summary_json = ?, error = ? WHERE id = ?`,
		finishedAt.UTC().Format(time.RFC3339), stage, summaryJSON, errText, id,
	)
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

// LatestRun returns the most recently started run.
func (s *Store) LatestRun() (Run, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, finished_at, stage, summary_json, error
		FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, stage, summary_json, error
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row interface {
	Scan(dest ...any) error
}) (Run, error) {
	var r Run
	var startedAt string
	var finishedAt sql.NullString
	err := row.Scan(&r.ID, &startedAt, &finishedAt, &r.Stage, &r.SummaryJSON, &r.Error)
	if err != nil {
		return Run{}, err
	}
	if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parsing finished_at: %w", err)
		}
		r.FinishedAt = &t
	}
	return r, nil
}
