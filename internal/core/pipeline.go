package core

import (
	"fmt"

	"stageci/internal/condition"

	"gopkg.in/yaml.v3"
)

// DefaultStage is the stage of jobs that never name one.
const DefaultStage = "test"

// Descriptor is a parsed and resolved pipeline definition.
type Descriptor struct {
	Language string `json:"language,omitempty"`
	OS       []string `json:"os,omitempty"`
	Dist     string   `json:"dist,omitempty"`

	// GlobalEnv is shared by every job.
	GlobalEnv EnvVars `json:"global_env,omitempty"`
	// MatrixEnv holds the root env matrix entries.
	MatrixEnv []EnvVars `json:"matrix_env,omitempty"`
	// Defaults are the root-level lifecycle keys.
	Defaults Lifecycle `json:"defaults,omitempty"`

	// Stages run in this order.
	Stages []Stage `json:"stages"`
	// Jobs are fully resolved: templates applied, stage and os assigned.
	Jobs []Job `json:"jobs"`
}

// Stage is a named phase of the pipeline with an optional activation
// predicate.
type Stage struct {
	Name string `yaml:"name" json:"name"`
	If   string `yaml:"if,omitempty" json:"if,omitempty"`

	cond *condition.Expr
}

// A stage is written either as a bare name or as {name, if}.
func (s *Stage) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*s = Stage{Name: n.Value}
		return nil
	}
	type plain Stage
	var p plain
	if err := n.Decode(&p); err != nil {
		return fmt.Errorf("line %d: stage: %w", n.Line, err)
	}
	*s = Stage(p)
	return nil
}

// Condition returns the compiled activation predicate, or nil when the
// stage always runs.
func (s Stage) Condition() *condition.Expr { return s.cond }

// Active reports whether the stage runs for ctx.
func (s Stage) Active(ctx condition.Context) bool {
	return s.cond == nil || s.cond.Eval(ctx)
}

// EffectiveEnv is global ∪ matrix entry ∪ template ∪ job, later layers
// winning on collision.
func (d *Descriptor) EffectiveEnv(j Job) EnvVars {
	env := MergeEnv(d.GlobalEnv, j.MatrixEnv, j.Env)
	if env == nil {
		env = EnvVars{}
	}
	return env
}

// JobsInStage returns the jobs assigned to stage, in declaration order.
func (d *Descriptor) JobsInStage(stage string) []Job {
	var out []Job
	for _, j := range d.Jobs {
		if j.Stage == stage {
			out = append(out, j)
		}
	}
	return out
}

// StageNames returns the ordered stage names.
func (d *Descriptor) StageNames() []string {
	names := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		names[i] = s.Name
	}
	return names
}
