// Package sqlite persists relocalisation runs and per-frame results.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/reloc/internal/reloc"
)

// Run represents one CLI invocation over a frames directory.
type Run struct {
	RunID        string          `json:"run_id"`
	ForestPath   string          `json:"forest_path"`
	FramesDir    string          `json:"frames_dir"`
	ParamsJSON   json.RawMessage `json:"params_json,omitempty"`
	StartedAtNS  int64           `json:"started_at_ns"`
	FinishedAtNS int64           `json:"finished_at_ns,omitempty"`
	FrameCount   int             `json:"frame_count"`
	OKCount      int             `json:"ok_count"`
}

// FrameResult is the outcome for a single frame within a run.
type FrameResult struct {
	RunID     string     `json:"run_id"`
	FrameID   string     `json:"frame_id"`
	Status    string     `json:"status"` // "OK" or "FAIL"
	Energy    float64    `json:"energy"`
	Rounds    int        `json:"rounds"`
	Pose      reloc.Pose `json:"pose"`
	ElapsedNS int64      `json:"elapsed_ns"`
}

// RunStore provides persistence for relocalisation runs.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore backed by the given database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// InsertRun persists a new run. If RunID is empty, a UUID is generated.
func (s *RunStore) InsertRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAtNS == 0 {
		run.StartedAtNS = time.Now().UnixNano()
	}

	var paramsStr interface{}
	if len(run.ParamsJSON) > 0 {
		paramsStr = string(run.ParamsJSON)
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO reloc_runs (
				run_id, forest_path, frames_dir, params_json,
				started_at_ns, frame_count, ok_count
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.ForestPath, run.FramesDir, paramsStr,
			run.StartedAtNS, run.FrameCount, run.OKCount,
		)
		return err
	})
}

// FinishRun records the final counters and finish time for a run.
func (s *RunStore) FinishRun(runID string, frameCount, okCount int) error {
	finished := time.Now().UnixNano()
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE reloc_runs
			SET finished_at_ns = ?, frame_count = ?, ok_count = ?
			WHERE run_id = ?`,
			finished, frameCount, okCount, runID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s not found", runID)
		}
		return nil
	})
}

// GetRun returns a run by ID, or nil if it does not exist.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, forest_path, frames_dir, params_json,
		       started_at_ns, COALESCE(finished_at_ns, 0), frame_count, ok_count
		FROM reloc_runs WHERE run_id = ?`, runID)

	var run Run
	var params sql.NullString
	err := row.Scan(&run.RunID, &run.ForestPath, &run.FramesDir, &params,
		&run.StartedAtNS, &run.FinishedAtNS, &run.FrameCount, &run.OKCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if params.Valid {
		run.ParamsJSON = json.RawMessage(params.String)
	}
	return &run, nil
}

// ListRuns returns all runs ordered by start time descending.
func (s *RunStore) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, forest_path, frames_dir, params_json,
		       started_at_ns, COALESCE(finished_at_ns, 0), frame_count, ok_count
		FROM reloc_runs ORDER BY started_at_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var params sql.NullString
		if err := rows.Scan(&run.RunID, &run.ForestPath, &run.FramesDir, &params,
			&run.StartedAtNS, &run.FinishedAtNS, &run.FrameCount, &run.OKCount); err != nil {
			return nil, err
		}
		if params.Valid {
			run.ParamsJSON = json.RawMessage(params.String)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// InsertFrameResult persists the outcome for one frame.
func (s *RunStore) InsertFrameResult(fr *FrameResult) error {
	p := fr.Pose
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO reloc_frame_results (
				run_id, frame_id, status, energy, rounds,
				r00, r01, r02, r10, r11, r12, r20, r21, r22,
				tx, ty, tz, elapsed_ns
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fr.RunID, fr.FrameID, fr.Status, fr.Energy, fr.Rounds,
			p.R[0], p.R[1], p.R[2], p.R[3], p.R[4], p.R[5], p.R[6], p.R[7], p.R[8],
			p.T[0], p.T[1], p.T[2], fr.ElapsedNS,
		)
		return err
	})
}

// ListFrameResults returns all results for a run in frame-id order.
func (s *RunStore) ListFrameResults(runID string) ([]*FrameResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, frame_id, status, COALESCE(energy, 0), rounds,
		       r00, r01, r02, r10, r11, r12, r20, r21, r22,
		       tx, ty, tz, elapsed_ns
		FROM reloc_frame_results WHERE run_id = ? ORDER BY frame_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*FrameResult
	for rows.Next() {
		var fr FrameResult
		p := &fr.Pose
		if err := rows.Scan(&fr.RunID, &fr.FrameID, &fr.Status, &fr.Energy, &fr.Rounds,
			&p.R[0], &p.R[1], &p.R[2], &p.R[3], &p.R[4], &p.R[5], &p.R[6], &p.R[7], &p.R[8],
			&p.T[0], &p.T[1], &p.T[2], &fr.ElapsedNS); err != nil {
			return nil, err
		}
		results = append(results, &fr)
	}
	return results, rows.Err()
}
