package models

import "time"

type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

type StageResult struct {
	Stage      StageName     `json:"stage"`
	Status     StageStatus   `json:"status"`
	Policy     FailurePolicy `json:"-"`
	Error      string        `json:"error,omitempty"`
	Output     string        `json:"output,omitempty"`
	Reports    []Report      `json:"reports,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

func (r StageResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type PipelineResult struct {
	RunID   int64         `json:"run_id"`
	Stages  []StageResult `json:"stages"`
	Success bool          `json:"success"`

	// FailedStage is the stage that decided the run failed, if any.
	FailedStage StageName    `json:"failed_stage,omitempty"`
	Alert       *AlertEvent  `json:"alert,omitempty"`
	Artifact    *Artifact    `json:"artifact,omitempty"`
	Health      *HealthCheck `json:"health,omitempty"`

	// ArchiveErr is the archival step's storage error. It never feeds
	// back into Success.
	ArchiveErr string `json:"archive_error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ExitCode maps the run outcome onto a process exit status.
func (r PipelineResult) ExitCode() int {
	if r.Success {
		return 0
	}
	return 1
}

func (r PipelineResult) Stage(name StageName) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Ran reports whether the stage's action was invoked during the run.
func (r PipelineResult) Ran(name StageName) bool {
	s, ok := r.Stage(name)
	return ok && s.Status != StageSkipped
}
