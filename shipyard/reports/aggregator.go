// Package reports archives whatever the stages of a run left behind.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dustin/go-humanize"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

const ManifestName = "manifest.json"

var (
	ErrEmptyPath = errors.New("report has no path")
	// ErrOverlap is returned for a report that would pull the workdir or
	// the archive itself into the archive.
	ErrOverlap = errors.New("report overlaps the workdir or archive")
)

type Entry struct {
	Stage    models.StageName `json:"stage"`
	Source   string           `json:"source"`
	Archived string           `json:"archived,omitempty"`
	Retain   bool             `json:"retain"`
	Present  bool             `json:"present"`
	Size     int64            `json:"size"`
	Human    string           `json:"human_size,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type StageSummary struct {
	Stage    models.StageName   `json:"stage"`
	Status   models.StageStatus `json:"status"`
	Policy   string             `json:"policy"`
	Error    string             `json:"error,omitempty"`
	Duration string             `json:"duration"`
}

type Manifest struct {
	RunID     int64          `json:"run_id"`
	CreatedAt time.Time      `json:"created_at"`
	Stages    []StageSummary `json:"stages"`
	Entries   []Entry        `json:"entries"`
	TotalSize int64          `json:"total_size"`
}

type Aggregator struct {
	root    string
	workdir string
	l       *slog.Logger
}

// NewAggregator archives into root. Relative report paths are resolved
// against workdir.
func NewAggregator(root, workdir string, l *slog.Logger) *Aggregator {
	return &Aggregator{root: root, workdir: workdir, l: l}
}

// RunDir is where a run's archive lives.
func (a *Aggregator) RunDir(runID int64) string {
	return filepath.Join(a.root, strconv.FormatInt(runID, 10))
}

// Archive copies every present, retained report into
// <root>/<runID>/<stage>/ and writes the manifest. Missing reports are
// recorded and skipped. A report that cannot be archived is recorded with
// its error and the rest still are; the manifest is always written when
// the run directory exists. The returned error joins every failure.
func (a *Aggregator) Archive(ctx context.Context, runID int64, set []models.Report, stages []models.StageResult) (Manifest, error) {
	m := Manifest{RunID: runID, CreatedAt: time.Now().UTC()}
	for _, res := range stages {
		s := StageSummary{
			Stage:    res.Stage,
			Status:   res.Status,
			Policy:   res.Policy.String(),
			Error:    res.Error,
			Duration: res.Duration().String(),
		}
		m.Stages = append(m.Stages, s)
	}

	runDir := a.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return m, fmt.Errorf("creating archive dir: %w", err)
	}

	var errs []error
	used := map[string]int{}
	for _, r := range set {
		entry, err := a.archiveOne(runDir, used, r)
		if err != nil {
			entry.Error = err.Error()
			errs = append(errs, fmt.Errorf("archiving %s report %q: %w", r.Stage, r.Path, err))
			a.l.Warn("failed to archive report", "stage", r.Stage, "path", r.Path, "err", err)
		}
		m.TotalSize += entry.Size
		m.Entries = append(m.Entries, entry)
	}

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, errors.Join(append(errs, err)...)
	}
	if err := os.WriteFile(filepath.Join(runDir, ManifestName), append(b, '\n'), 0o644); err != nil {
		errs = append(errs, fmt.Errorf("writing manifest: %w", err))
	}

	a.l.Info("archived reports", "run", runID, "dir", runDir, "entries", len(m.Entries), "size", humanize.Bytes(uint64(m.TotalSize)), "failed", len(errs))
	return m, errors.Join(errs...)
}

func (a *Aggregator) archiveOne(runDir string, used map[string]int, r models.Report) (Entry, error) {
	entry := Entry{Stage: r.Stage, Source: r.Path, Retain: r.Retain}
	if strings.TrimSpace(r.Path) == "" {
		return entry, ErrEmptyPath
	}

	src := r.Path
	if !filepath.IsAbs(src) {
		src = filepath.Join(a.workdir, src)
	}
	if err := a.checkOverlap(src); err != nil {
		return entry, err
	}

	info, err := os.Stat(src)
	if err != nil {
		a.l.Info("report not found, skipping", "stage", r.Stage, "path", r.Path)
		return entry, nil
	}
	entry.Present = true

	if !r.Retain {
		return entry, nil
	}

	rel := filepath.Join(string(r.Stage), uniqueName(used, string(r.Stage), filepath.Base(src)))
	dst, err := securejoin.SecureJoin(runDir, rel)
	if err != nil {
		return entry, err
	}

	var size int64
	if info.IsDir() {
		size, err = copyDir(src, dst)
	} else {
		size, err = copyFile(src, dst, info.Mode())
	}
	entry.Size = size
	entry.Human = humanize.Bytes(uint64(size))
	if err != nil {
		return entry, err
	}
	entry.Archived = rel
	a.l.Debug("archived report", "stage", r.Stage, "path", r.Path, "size", entry.Human)
	return entry, nil
}

// checkOverlap refuses sources that are, or contain, the workdir or the
// archive root, and sources inside the archive root.
func (a *Aggregator) checkOverlap(src string) error {
	abs := func(p string) string {
		if v, err := filepath.Abs(p); err == nil {
			return v
		}
		return filepath.Clean(p)
	}
	src, root, work := abs(src), abs(a.root), abs(a.workdir)
	if within(src, work) || within(src, root) || within(root, src) {
		return ErrOverlap
	}
	return nil
}

// within reports whether child is parent or lies below it.
func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ReadManifest loads the manifest of an archived run.
func (a *Aggregator) ReadManifest(runID int64) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(a.RunDir(runID), ManifestName))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func uniqueName(used map[string]int, stage, name string) string {
	key := stage + "/" + name
	n := used[key]
	used[key] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s.%d%s", name[:len(name)-len(ext)], n, ext)
}

func copyFile(src, dst string, mode fs.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func copyDir(src, dst string) (int64, error) {
	var total int64
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target, err := securejoin.SecureJoin(dst, rel)
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n, err := copyFile(path, target, info.Mode())
		total += n
		return err
	})
	return total, err
}
