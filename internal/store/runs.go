package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PipelineRun struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Mode        string          `json:"mode"`
	Status      string          `json:"status"`
	Config      json.RawMessage `json:"config"`
	Input       json.RawMessage `json:"input,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

const runColumns = `id, name, mode, status, config, input, results, started_at, completed_at`

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*PipelineRun, error) {
	r := &PipelineRun{}
	var input, results *string
	err := scanner.Scan(&r.ID, &r.Name, &r.Mode, &r.Status, &r.Config, &input, &results, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if input != nil {
		r.Input = json.RawMessage(*input)
	}
	if results != nil {
		r.Results = json.RawMessage(*results)
	}
	return r, nil
}

func (s *Store) SaveRun(r *PipelineRun) error {
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (id, name, mode, status, config, input, results)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			results = excluded.results,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed', 'cancelled') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Name, r.Mode, r.Status, r.Config, r.Input, r.Results)
	if err != nil {
		return fmt.Errorf("save pipeline run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*PipelineRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns() ([]PipelineRun, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM pipeline_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRun(id string, status string, results json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE pipeline_runs
		SET status = ?, results = ?,
		    completed_at = CASE WHEN ? IN ('completed', 'failed', 'cancelled') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, results, status, id)
	if err != nil {
		return fmt.Errorf("update pipeline run: %w", err)
	}
	return nil
}

func (s *Store) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM pipeline_runs WHERE id = ?`, id)
	return err
}
