package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"tangled.sh/tangled.sh/shipyard/notifier"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

type RunStatus string

var (
	RunRunning RunStatus = "running"
	RunFailed  RunStatus = "failed"
	RunSuccess RunStatus = "success"
)

var ErrRunNotFound = errors.New("run not found")

type Run struct {
	ID           int64     `json:"id"`
	Status       RunStatus `json:"status"`
	Image        string    `json:"image,omitempty"`
	FailedStage  string    `json:"failed_stage,omitempty"`
	Health       string    `json:"health,omitempty"`
	AlertKind    string    `json:"alert,omitempty"`
	ArchiveError string    `json:"archive_error,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`

	Stages []Stage `json:"stages,omitempty"`
}

type Stage struct {
	Seq        int       `json:"seq"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Policy     string    `json:"policy"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// History records runs into the database and pokes n after every write.
type History struct {
	db *DB
	n  *notifier.Notifier
}

func NewHistory(db *DB, n *notifier.Notifier) *History {
	return &History{db: db, n: n}
}

func (h *History) DB() *DB {
	return h.db
}

// StartRun registers a run. Starting a run id again resets it.
func (h *History) StartRun(ctx context.Context, runID int64, startedAt time.Time) error {
	if _, err := h.db.ExecContext(ctx, `delete from stages where run_id = ?`, runID); err != nil {
		return err
	}
	_, err := h.db.ExecContext(ctx, `
		insert into runs (id, status, started) values (?, ?, ?)
		on conflict(id) do update set status = excluded.status, started = excluded.started,
			finished = null, exit_code = null, failed_stage = null, image = null,
			health = null, alert_kind = null, archive_error = null
	`, runID, RunRunning, startedAt.UnixNano())
	if err != nil {
		return err
	}
	return h.event(ctx, runID, "run_started", map[string]any{"run_id": runID, "status": RunRunning})
}

func (h *History) RecordStage(ctx context.Context, runID int64, res models.StageResult) error {
	_, err := h.db.ExecContext(ctx, `
		insert into stages (run_id, seq, stage, status, policy, error, started, finished)
		values (?, (select count(*) from stages where run_id = ?), ?, ?, ?, ?, ?, ?)
	`, runID, runID, res.Stage, res.Status, res.Policy.String(), nullString(res.Error),
		res.StartedAt.UnixNano(), res.FinishedAt.UnixNano())
	if err != nil {
		return err
	}
	return h.event(ctx, runID, "stage", map[string]any{
		"run_id": runID,
		"stage":  res.Stage,
		"status": res.Status,
		"error":  res.Error,
	})
}

func (h *History) FinishRun(ctx context.Context, res models.PipelineResult) error {
	status := RunFailed
	if res.Success {
		status = RunSuccess
	}
	var image, health, alertKind string
	if res.Artifact != nil {
		image = res.Artifact.Ref.String()
	}
	if res.Health != nil {
		health = string(res.Health.Status)
	}
	if res.Alert != nil {
		alertKind = string(res.Alert.Kind)
	}

	_, err := h.db.ExecContext(ctx, `
		update runs set status = ?, image = ?, failed_stage = ?, health = ?, alert_kind = ?,
			archive_error = ?, exit_code = ?, finished = ?
		where id = ?
	`, status, nullString(image), nullString(string(res.FailedStage)), nullString(health),
		nullString(alertKind), nullString(res.ArchiveErr), res.ExitCode(), res.FinishedAt.UnixNano(), res.RunID)
	if err != nil {
		return err
	}
	return h.event(ctx, res.RunID, "run_finished", map[string]any{
		"run_id":       res.RunID,
		"status":       status,
		"exit_code":    res.ExitCode(),
		"failed_stage": res.FailedStage,
	})
}

func (h *History) GetRun(ctx context.Context, runID int64) (*Run, error) {
	row := h.db.QueryRowContext(ctx, `
		select id, status, image, failed_stage, health, alert_kind, archive_error, exit_code, started, finished
		from runs where id = ?
	`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := h.db.QueryContext(ctx, `
		select seq, stage, status, policy, error, started, finished
		from stages where run_id = ? order by seq asc
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s Stage
		var errStr sql.NullString
		var started, finished int64
		if err := rows.Scan(&s.Seq, &s.Stage, &s.Status, &s.Policy, &errStr, &started, &finished); err != nil {
			return nil, err
		}
		s.Error = errStr.String
		s.StartedAt = time.Unix(0, started)
		s.FinishedAt = time.Unix(0, finished)
		r.Stages = append(r.Stages, s)
	}
	return r, rows.Err()
}

// ListRuns returns the most recent runs first.
func (h *History) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
		select id, status, image, failed_stage, health, alert_kind, archive_error, exit_code, started, finished
		from runs order by id desc limit ?
	`, limit)
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
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var image, failed, health, alertKind, archiveErr sql.NullString
	var exitCode, finished sql.NullInt64
	var started int64
	err := s.Scan(&r.ID, &r.Status, &image, &failed, &health, &alertKind, &archiveErr, &exitCode, &started, &finished)
	if err != nil {
		return nil, err
	}
	r.Image = image.String
	r.FailedStage = failed.String
	r.Health = health.String
	r.AlertKind = alertKind.String
	r.ArchiveError = archiveErr.String
	r.StartedAt = time.Unix(0, started)
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	if finished.Valid {
		r.FinishedAt = time.Unix(0, finished.Int64)
	}
	return &r, nil
}

func (h *History) event(ctx context.Context, runID int64, kind string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.db.InsertEvent(ctx, Event{RunID: runID, Kind: kind, EventJson: string(b)}, h.n)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
