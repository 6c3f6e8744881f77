package workflow

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

type Compiler struct {
	// Ref is the ref being built, used to evaluate `when`.
	Ref         string
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

// Err joins every error diagnostic, or nil.
func (d Diagnostics) Err() error {
	errs := make([]error, 0, len(d.Errors))
	for _, e := range d.Errors {
		errs = append(errs, errors.New(e.String()))
	}
	return errors.Join(errs...)
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	UnknownStage   = errors.New("unknown stage")
	DuplicateStage = errors.New("stage configured twice")
	SkipRequired   = errors.New("stage cannot be skipped")
	PolicyRequired = errors.New("stage must stay fail-fast")
	EmptyReport    = errors.New("report has no path")
)

type WarningKind string

var (
	PipelineSkipped      WarningKind = "pipeline skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
	IgnoredField         WarningKind = "ignored field"
)

// Override is what a pipeline file changes about one stage. Nil or empty
// fields keep the built-in default.
type Override struct {
	Command     string
	Policy      *models.FailurePolicy
	Reports     []models.ReportSpec
	Environment map[string]string
	Credential  string
	Skip        bool
}

type Compiled struct {
	// Skip is set when the definition's `when` does not match the ref.
	Skip        bool
	Environment map[string]string
	Clone       CloneOpts
	Stages      map[models.StageName]Override
}

// stages that run a shell command and therefore accept `command`
var commandStages = map[models.StageName]bool{
	models.StageBuild:       true,
	models.StageTest:        true,
	models.StageCodeQuality: true,
	models.StageSecurity:    true,
}

// FailFastStages decide whether the deployment is usable; a pipeline
// file cannot relax them to continue.
var FailFastStages = map[models.StageName]bool{
	models.StageBuildArtifact: true,
	models.StageRelease:       true,
	models.StageAlert:         true,
}

// ParseFile reads and parses a pipeline file, recording failures as
// diagnostics.
func (compiler *Compiler) ParseFile(path string) (Definition, bool) {
	contents, err := os.ReadFile(path)
	if err != nil {
		compiler.Diagnostics.AddError(path, err)
		return Definition{}, false
	}
	def, err := FromFile(path, contents)
	if err != nil {
		compiler.Diagnostics.AddError(path, err)
		return Definition{}, false
	}
	return def, true
}

func (compiler *Compiler) Compile(def Definition) Compiled {
	c := Compiled{
		Environment: def.Environment,
		Clone:       def.CloneOpts,
		Stages:      map[models.StageName]Override{},
	}

	if !def.Match(compiler.Ref) {
		compiler.Diagnostics.AddWarning(
			def.Name,
			PipelineSkipped,
			fmt.Sprintf("did not match ref %s", compiler.Ref),
		)
		c.Skip = true
		return c
	}

	compiler.analyzeCloneOptions(def)

	for _, sd := range def.Stages {
		name, err := models.ParseStageName(sd.Name)
		if err != nil {
			compiler.Diagnostics.AddError(def.Name, fmt.Errorf("%w: %q", UnknownStage, sd.Name))
			continue
		}
		if _, dup := c.Stages[name]; dup {
			compiler.Diagnostics.AddError(def.Name, fmt.Errorf("%w: %s", DuplicateStage, name))
			continue
		}

		o := Override{
			Command:     sd.Command,
			Policy:      sd.Policy,
			Reports:     sd.Reports,
			Environment: sd.Environment,
			Credential:  sd.Credential,
			Skip:        sd.Skip,
		}

		if sd.Command != "" && !commandStages[name] {
			compiler.Diagnostics.AddWarning(def.Name, IgnoredField,
				fmt.Sprintf("%s does not run a command; `command` ignored", name))
			o.Command = ""
		}
		if sd.Policy != nil && *sd.Policy != models.FailFast && FailFastStages[name] {
			compiler.Diagnostics.AddError(def.Name, fmt.Errorf("%w: %s", PolicyRequired, name))
			continue
		}
		if name == models.StageAlert && sd.Skip {
			compiler.Diagnostics.AddError(def.Name, fmt.Errorf("%w: %s", SkipRequired, name))
			continue
		}
		if name == models.StageArchiveReports {
			if sd.Policy != nil {
				compiler.Diagnostics.AddWarning(def.Name, IgnoredField,
					"ArchiveReports always runs; `policy` ignored")
				o.Policy = nil
			}
			if sd.Skip {
				compiler.Diagnostics.AddError(def.Name, fmt.Errorf("%w: %s", SkipRequired, name))
				continue
			}
		}
		valid := true
		for i, r := range sd.Reports {
			if strings.TrimSpace(r.Path) == "" {
				compiler.Diagnostics.AddError(def.Name, fmt.Errorf("%w: %s report %d", EmptyReport, name, i))
				valid = false
			}
		}
		if !valid {
			continue
		}

		c.Stages[name] = o
	}

	return c
}

func (compiler *Compiler) analyzeCloneOptions(d Definition) {
	if d.CloneOpts.Skip && d.CloneOpts.Depth > 0 {
		compiler.Diagnostics.AddWarning(
			d.Name,
			InvalidConfiguration,
			"cannot apply `clone.skip` and `clone.depth`",
		)
	}
}
