package tracking

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunSummary is one row of the run catalogue, without track payloads.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
	FrameMin       int       `json:"frame_min"`
	FrameMax       int       `json:"frame_max"`
	DetectionCount int       `json:"detection_count"`
	TrackCount     int       `json:"track_count"`
	DivisionCount  int       `json:"division_count"`
	TotalCost      float64   `json:"total_cost"`
}

// SaveRun persists an exported run and its tracks under a fresh run ID.
// The whole run is written in one transaction; the configuration is stored
// as JSON alongside it so results stay reproducible.
func SaveRun(db *sql.DB, run *RunRecord, cfg LinkerConfig) (string, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}

	runID := uuid.New().String()
	tx, err := db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin save run tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO lineage_runs (
			run_id, created_unix, frame_min, frame_max,
			detection_count, track_count, division_count,
			total_cost, config_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		time.Now().Unix(),
		run.FrameMin,
		run.FrameMax,
		run.DetectionCount,
		run.TrackCount,
		run.DivisionCount,
		run.TotalCost,
		string(cfgJSON),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	trackStmt, err := tx.Prepare(`
		INSERT INTO lineage_tracks (
			run_id, track_id, lineage_id, parent_track_id,
			start_frame, end_frame, mean_step_um, peak_step_um
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", fmt.Errorf("prepare track insert: %w", err)
	}
	defer trackStmt.Close()

	pointStmt, err := tx.Prepare(`
		INSERT INTO lineage_track_points (
			run_id, track_id, seq, frame, detection_id, x, y, z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", fmt.Errorf("prepare point insert: %w", err)
	}
	defer pointStmt.Close()

	for _, t := range run.Tracks {
		var parent interface{}
		if t.ParentTrackID != NoTrack {
			parent = int64(t.ParentTrackID)
		}
		if _, err := trackStmt.Exec(
			runID, int64(t.TrackID), int64(t.LineageID), parent,
			t.StartFrame, t.EndFrame, t.MeanStepUm, t.PeakStepUm,
		); err != nil {
			return "", fmt.Errorf("insert track %d: %w", t.TrackID, err)
		}
		for seq, p := range t.Points {
			if _, err := pointStmt.Exec(
				runID, int64(t.TrackID), seq,
				p.Frame, int64(p.DetectionID), p.X, p.Y, p.Z,
			); err != nil {
				return "", fmt.Errorf("insert track %d point %d: %w", t.TrackID, seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit save run tx: %w", err)
	}
	return runID, nil
}

// ListRuns returns run summaries, newest first.
func ListRuns(db *sql.DB, limit int) ([]*RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(`
		SELECT run_id, created_unix, frame_min, frame_max,
			detection_count, track_count, division_count, total_cost
		FROM lineage_runs
		ORDER BY created_unix DESC, run_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		s := &RunSummary{}
		var createdUnix int64
		if err := rows.Scan(
			&s.RunID, &createdUnix, &s.FrameMin, &s.FrameMax,
			&s.DetectionCount, &s.TrackCount, &s.DivisionCount, &s.TotalCost,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		s.CreatedAt = time.Unix(createdUnix, 0).UTC()
		runs = append(runs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LoadRun reads a persisted run back into its export form, plus the
// configuration it was linked with.
func LoadRun(db *sql.DB, runID string) (*RunRecord, *LinkerConfig, error) {
	run := &RunRecord{}
	var cfgJSON string
	err := db.QueryRow(`
		SELECT frame_min, frame_max, detection_count,
			track_count, division_count, total_cost, config_json
		FROM lineage_runs
		WHERE run_id = ?
	`, runID).Scan(
		&run.FrameMin, &run.FrameMax, &run.DetectionCount,
		&run.TrackCount, &run.DivisionCount, &run.TotalCost, &cfgJSON,
	)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query run: %w", err)
	}

	var cfg LinkerConfig
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal run config: %w", err)
	}

	rows, err := db.Query(`
		SELECT track_id, lineage_id, parent_track_id,
			start_frame, end_frame, mean_step_um, peak_step_um
		FROM lineage_tracks
		WHERE run_id = ?
		ORDER BY track_id
	`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("query tracks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t := TrackRecord{ParentTrackID: NoTrack}
		var trackID, lineageID int64
		var parent sql.NullInt64
		if err := rows.Scan(
			&trackID, &lineageID, &parent,
			&t.StartFrame, &t.EndFrame, &t.MeanStepUm, &t.PeakStepUm,
		); err != nil {
			return nil, nil, fmt.Errorf("scan track: %w", err)
		}
		t.TrackID = TrackID(trackID)
		t.LineageID = TrackID(lineageID)
		if parent.Valid {
			t.ParentTrackID = TrackID(parent.Int64)
		}
		run.Tracks = append(run.Tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tracks: %w", err)
	}

	for i := range run.Tracks {
		t := &run.Tracks[i]
		points, err := loadTrackPoints(db, runID, t.TrackID)
		if err != nil {
			return nil, nil, err
		}
		t.Points = points
	}
	return run, &cfg, nil
}

func loadTrackPoints(db *sql.DB, runID string, trackID TrackID) ([]PointRecord, error) {
	rows, err := db.Query(`
		SELECT frame, detection_id, x, y, z
		FROM lineage_track_points
		WHERE run_id = ? AND track_id = ?
		ORDER BY seq
	`, runID, int64(trackID))
	if err != nil {
		return nil, fmt.Errorf("query track %d points: %w", trackID, err)
	}
	defer rows.Close()

	var points []PointRecord
	for rows.Next() {
		var p PointRecord
		var detID int64
		if err := rows.Scan(&p.Frame, &detID, &p.X, &p.Y, &p.Z); err != nil {
			return nil, fmt.Errorf("scan track %d point: %w", trackID, err)
		}
		p.DetectionID = DetectionID(detID)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate track %d points: %w", trackID, err)
	}
	return points, nil
}

// DeleteRun removes a run; tracks and points go with it via cascade.
func DeleteRun(db *sql.DB, runID string) error {
	res, err := db.Exec(`DELETE FROM lineage_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}
