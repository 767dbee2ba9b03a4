package core

import (
	"fmt"

	"stageci/internal/condition"

	"gopkg.in/yaml.v3"
)

// Phase names one lifecycle section of a job.
type Phase string

const (
	PhaseBeforeInstall Phase = "before_install"
	PhaseInstall       Phase = "install"
	PhaseBeforeScript  Phase = "before_script"
	PhaseScript        Phase = "script"
	PhaseAfterSuccess  Phase = "after_success"
	PhaseAfterFailure  Phase = "after_failure"
	PhaseAfterScript   Phase = "after_script"
)

// Phases lists every phase in declaration order.
var Phases = []Phase{
	PhaseBeforeInstall,
	PhaseInstall,
	PhaseBeforeScript,
	PhaseScript,
	PhaseAfterSuccess,
	PhaseAfterFailure,
	PhaseAfterScript,
}

// Commands is a list of shell commands; a single string is accepted too.
// nil means the key was not given.
type Commands []string

func (c *Commands) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			*c = nil
			return nil
		}
		*c = Commands{n.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := n.Decode(&list); err != nil {
			return fmt.Errorf("line %d: commands: %w", n.Line, err)
		}
		*c = Commands(list)
		if *c == nil {
			*c = Commands{}
		}
		return nil
	}
	return fmt.Errorf("line %d: commands must be a string or a list", n.Line)
}

// Lifecycle holds the command lists of a job.
type Lifecycle struct {
	BeforeInstall Commands `yaml:"before_install,omitempty" json:"before_install,omitempty"`
	Install       Commands `yaml:"install,omitempty" json:"install,omitempty"`
	BeforeScript  Commands `yaml:"before_script,omitempty" json:"before_script,omitempty"`
	Script        Commands `yaml:"script,omitempty" json:"script,omitempty"`
	AfterSuccess  Commands `yaml:"after_success,omitempty" json:"after_success,omitempty"`
	AfterFailure  Commands `yaml:"after_failure,omitempty" json:"after_failure,omitempty"`
	AfterScript   Commands `yaml:"after_script,omitempty" json:"after_script,omitempty"`
}

func (l *Lifecycle) field(p Phase) *Commands {
	switch p {
	case PhaseBeforeInstall:
		return &l.BeforeInstall
	case PhaseInstall:
		return &l.Install
	case PhaseBeforeScript:
		return &l.BeforeScript
	case PhaseScript:
		return &l.Script
	case PhaseAfterSuccess:
		return &l.AfterSuccess
	case PhaseAfterFailure:
		return &l.AfterFailure
	case PhaseAfterScript:
		return &l.AfterScript
	}
	return nil
}

// Commands returns the commands of phase p.
func (l Lifecycle) Commands(p Phase) Commands {
	if f := l.field(p); f != nil {
		return *f
	}
	return nil
}

// Overlay replaces every phase that o sets, whole-list.
func (l Lifecycle) Overlay(o Lifecycle) Lifecycle {
	out := l
	for _, p := range Phases {
		if cmds := o.Commands(p); cmds != nil {
			*out.field(p) = cmds
		}
	}
	return out
}

// Empty reports whether no phase has a command.
func (l Lifecycle) Empty() bool {
	for _, p := range Phases {
		if len(l.Commands(p)) > 0 {
			return false
		}
	}
	return true
}

// Job is a unit of work inside a stage.
type Job struct {
	Number  int     `yaml:"-" json:"number"`
	Name    string  `yaml:"name,omitempty" json:"name,omitempty"`
	Stage   string  `yaml:"stage,omitempty" json:"stage,omitempty"`
	OS      string  `yaml:"os,omitempty" json:"os,omitempty"`
	If      string  `yaml:"if,omitempty" json:"if,omitempty"`
	Extends string  `yaml:"extends,omitempty" json:"extends,omitempty"`
	Env     EnvVars `yaml:"env,omitempty" json:"env,omitempty"`

	// MatrixEnv is the root env matrix entry this job was given.
	MatrixEnv    EnvVars `yaml:"-" json:"matrix_env,omitempty"`
	AllowFailure bool    `yaml:"-" json:"allow_failure,omitempty"`

	Lifecycle `yaml:",inline"`

	cond *condition.Expr
}

// Extend returns j with the fields set in o layered on top. Scalars and
// command lists are replaced whole; env merges key by key.
func (j Job) Extend(o Job) Job {
	out := j
	if o.Number != 0 {
		out.Number = o.Number
	}
	if o.Name != "" {
		out.Name = o.Name
	}
	if o.Stage != "" {
		out.Stage = o.Stage
	}
	if o.OS != "" {
		out.OS = o.OS
	}
	if o.If != "" {
		out.If = o.If
		out.cond = o.cond
	}
	out.Extends = o.Extends
	out.Env = MergeEnv(j.Env, o.Env)
	if o.MatrixEnv != nil {
		out.MatrixEnv = o.MatrixEnv
	}
	out.AllowFailure = j.AllowFailure || o.AllowFailure
	out.Lifecycle = j.Lifecycle.Overlay(o.Lifecycle)
	return out
}

// ID is the job's position in the descriptor, starting at 1.
func (j Job) ID() string {
	return fmt.Sprintf("%d", j.Number)
}

// DisplayName is the name shown in reports.
func (j Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	if s := j.Env.String(); s != "" {
		return s
	}
	return "job " + j.ID()
}

// Condition returns the compiled job-level `if`, or nil.
func (j Job) Condition() *condition.Expr { return j.cond }
