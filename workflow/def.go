package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

// A pipeline file tunes the fixed stage vocabulary; it cannot add or
// reorder stages.
//
//	when:
//	  - branch: main
//	environment:
//	  PYTHONUNBUFFERED: "1"
//	stages:
//	  - name: Test
//	    command: pytest -q --junitxml=test-results.xml
//	    reports:
//	      - path: test-results.xml
//	  - name: Security
//	    policy: continue
//	    credential: analysis

type (
	Definition struct {
		Name        string            `yaml:"-"` // path of the pipeline file
		When        []Constraint      `yaml:"when"`
		Environment map[string]string `yaml:"environment"`
		CloneOpts   CloneOpts         `yaml:"clone"`
		Stages      []StageDef        `yaml:"stages"`
	}

	Constraint struct {
		Branch StringList `yaml:"branch"`
	}

	CloneOpts struct {
		Skip  bool `yaml:"skip"`
		Depth int  `yaml:"depth"`
	}

	StageDef struct {
		Name        string                `yaml:"name"`
		Command     string                `yaml:"command"`
		Policy      *models.FailurePolicy `yaml:"policy"`
		Reports     []models.ReportSpec   `yaml:"reports"`
		Environment map[string]string     `yaml:"environment"`
		Credential  string                `yaml:"credential"`
		Skip        bool                  `yaml:"skip"`
	}

	StringList []string
)

func FromFile(name string, contents []byte) (Definition, error) {
	var def Definition

	err := yaml.Unmarshal(contents, &def)
	if err != nil {
		return def, err
	}

	def.Name = name

	return def, nil
}

// Match reports whether the definition applies to ref. No constraints
// means always; an empty ref (nothing checked out yet) also matches.
func (d *Definition) Match(ref string) bool {
	if len(d.When) == 0 || ref == "" {
		return true
	}
	for _, c := range d.When {
		if c.MatchRef(ref) {
			return true
		}
	}
	return false
}

// MatchRef accepts full refs ("refs/heads/main") and bare branch names.
func (c *Constraint) MatchRef(ref string) bool {
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return slices.Contains(c.Branch, refName.Short())
	}
	if refName.IsTag() || refName.IsRemote() {
		return false
	}
	return slices.Contains(c.Branch, ref)
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
