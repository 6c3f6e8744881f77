package models

// Report is one file (or directory) a stage produced and wants archived.
type Report struct {
	Stage  StageName `json:"stage"`
	Path   string    `json:"path"`
	Retain bool      `json:"retain"`
}

// ReportSpec declares, at definition time, a path a stage is expected to
// leave behind.
type ReportSpec struct {
	Path   string `yaml:"path"`
	Retain *bool  `yaml:"retain"`
}

func (r ReportSpec) Report(stage StageName) Report {
	retain := true
	if r.Retain != nil {
		retain = *r.Retain
	}
	return Report{Stage: stage, Path: r.Path, Retain: retain}
}
