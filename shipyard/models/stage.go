package models

import (
	"context"
	"fmt"
	"strings"
)

// StageName is one entry of the fixed stage vocabulary.
type StageName string

const (
	StageCheckout       StageName = "Checkout"
	StageBuild          StageName = "Build"
	StageTest           StageName = "Test"
	StageCodeQuality    StageName = "CodeQuality"
	StageSecurity       StageName = "Security"
	StageBuildArtifact  StageName = "BuildArtifact"
	StageDeploy         StageName = "Deploy"
	StageRelease        StageName = "Release"
	StageMonitor        StageName = "Monitor"
	StageAlert          StageName = "Alert"
	StageArchiveReports StageName = "ArchiveReports"
)

// Vocabulary lists every stage in the order a default pipeline declares them.
var Vocabulary = []StageName{
	StageCheckout,
	StageBuild,
	StageTest,
	StageCodeQuality,
	StageSecurity,
	StageBuildArtifact,
	StageDeploy,
	StageRelease,
	StageMonitor,
	StageAlert,
	StageArchiveReports,
}

func (s StageName) Valid() bool {
	for _, v := range Vocabulary {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStageName matches case-insensitively, so pipeline files may say
// "codequality" or "CodeQuality".
func ParseStageName(s string) (StageName, error) {
	for _, v := range Vocabulary {
		if strings.EqualFold(string(v), s) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// FailurePolicy says what a stage failure does to the rest of the run.
type FailurePolicy int

const (
	// FailFast aborts the remaining normal stages.
	FailFast FailurePolicy = iota
	// Continue records the failure and moves on.
	Continue
)

func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case Continue:
		return "continue"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail-fast", "failfast", "fail_fast":
		return FailFast, nil
	case "continue":
		return Continue, nil
	}
	return FailFast, fmt.Errorf("unknown failure policy %q", s)
}

func (p *FailurePolicy) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseFailurePolicy(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Action is the unit of work behind a stage. It observes and mutates the
// per-run state only through run.
type Action func(ctx context.Context, run *Run) error

type Stage struct {
	Name   StageName
	Action Action
	Policy FailurePolicy

	// Reports are paths the stage is expected to leave behind. They join
	// the run's report set whether or not the action succeeded.
	Reports []Report

	// Always marks a terminal stage: it runs even after a FailFast abort,
	// and its own failure never changes the run's classification.
	Always bool
}

type Pipeline struct {
	// RunID is the monotonic build number; it doubles as the image tag.
	RunID  int64
	Stages []Stage
}

// Validate rejects pipelines the executor cannot run faithfully.
func (p *Pipeline) Validate() error {
	if p.RunID <= 0 {
		return fmt.Errorf("run id must be positive, got %d", p.RunID)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}

	seen := make(map[StageName]struct{}, len(p.Stages))
	terminal := false
	for _, s := range p.Stages {
		if !s.Name.Valid() {
			return fmt.Errorf("unknown stage %q", s.Name)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("stage %s declared twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Action == nil {
			return fmt.Errorf("stage %s has no action", s.Name)
		}
		if s.Always {
			terminal = true
		} else if terminal {
			return fmt.Errorf("stage %s is declared after a terminal stage", s.Name)
		}
	}
	return nil
}
