package models

import (
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"tangled.sh/tangled.sh/shipyard/shipyard/secrets"
)

// maxCapturedOutput bounds what a StageResult keeps of a stage's output;
// the run log has all of it.
const maxCapturedOutput = 64 << 10

// Run is the mutable state of one pipeline run. Stage actions read and
// write it; the executor owns the stage bookkeeping.
type Run struct {
	ID  int64
	Env *secrets.Env
	Log *RunLogger
	L   *slog.Logger

	Artifact *Artifact
	Health   *HealthCheck
	Alert    *AlertEvent

	mu      sync.Mutex
	current *stageState
	results []StageResult
}

type stageState struct {
	stage   Stage
	started time.Time
	output  tailBuffer
	reports []Report
}

func NewRun(id int64, env *secrets.Env, rl *RunLogger, l *slog.Logger) *Run {
	if env == nil {
		env = secrets.NewEnv(nil)
	}
	return &Run{ID: id, Env: env, Log: rl, L: l}
}

// Stage is the name of the stage currently executing, or "".
func (r *Run) Stage() StageName {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.stage.Name
}

func (r *Run) Stdout() io.Writer {
	return r.stream("stdout")
}

func (r *Run) Stderr() io.Writer {
	return r.stream("stderr")
}

func (r *Run) stream(name string) io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return io.Discard
	}
	return io.MultiWriter(&r.current.output, r.Log.DataWriter(r.current.stage.Name, name))
}

// AddReport registers a file the current stage produced.
func (r *Run) AddReport(path string, retain bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.current.reports = append(r.current.reports, Report{
		Stage:  r.current.stage.Name,
		Path:   path,
		Retain: retain,
	})
}

// Results returns the results recorded so far, in execution order.
func (r *Run) Results() []StageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.results)
}

// ReportSet is every report accumulated across the run, including those
// of the stage still executing.
func (r *Run) ReportSet() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Report
	for _, res := range r.results {
		out = append(out, res.Reports...)
	}
	if r.current != nil {
		out = append(out, r.current.reports...)
	}
	return out
}

func (r *Run) BeginStage(s Stage) {
	r.mu.Lock()
	r.current = &stageState{
		stage:   s,
		started: time.Now(),
		reports: append([]Report(nil), s.Reports...),
	}
	r.mu.Unlock()

	_ = r.Log.Control(s.Name, "", "stage started")
}

// EndStage closes the current stage and appends its result.
func (r *Run) EndStage(status StageStatus, err error) StageResult {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	if cur == nil {
		r.mu.Unlock()
		return StageResult{}
	}

	res := StageResult{
		Stage:      cur.stage.Name,
		Status:     status,
		Policy:     cur.stage.Policy,
		Output:     cur.output.String(),
		Reports:    cur.reports,
		StartedAt:  cur.started,
		FinishedAt: time.Now(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	r.results = append(r.results, res)
	r.mu.Unlock()

	_ = r.Log.Control(res.Stage, status, res.Error)
	return res
}

// Skip records a stage that never ran.
func (r *Run) Skip(s Stage, reason string) StageResult {
	now := time.Now()
	res := StageResult{
		Stage:      s.Name,
		Status:     StageSkipped,
		Policy:     s.Policy,
		Error:      reason,
		StartedAt:  now,
		FinishedAt: now,
	}

	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()

	_ = r.Log.Control(s.Name, StageSkipped, reason)
	return res
}

// tailBuffer keeps the last maxCapturedOutput bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - maxCapturedOutput; over > 0 {
		b.buf = slices.Clone(b.buf[over:])
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
