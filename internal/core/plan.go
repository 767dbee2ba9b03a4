package core

import "fmt"

// PlannedJob is a job together with its effective environment.
type PlannedJob struct {
	Job Job     `json:"job"`
	Env EnvVars `json:"env"`
}

// PlannedStage is a stage after its predicate was evaluated.
type PlannedStage struct {
	Name   string       `json:"name"`
	If     string       `json:"if,omitempty"`
	Active bool         `json:"active"`
	Reason string       `json:"reason,omitempty"`
	Jobs   []PlannedJob `json:"jobs,omitempty"`
}

// Plan is the ordered list of stages a build would run.
type Plan struct {
	Context BuildContext   `json:"context"`
	Stages  []PlannedStage `json:"stages"`
}

// NewPlan evaluates stage and job predicates of d for ctx.
func NewPlan(d *Descriptor, ctx BuildContext) *Plan {
	p := &Plan{Context: ctx}
	for _, s := range d.Stages {
		ps := PlannedStage{Name: s.Name, If: s.If}
		if !s.Active(ctx) {
			ps.Reason = fmt.Sprintf("condition not met: %s", s.If)
			p.Stages = append(p.Stages, ps)
			continue
		}
		for _, j := range d.JobsInStage(s.Name) {
			env := d.EffectiveEnv(j)
			if cond := j.Condition(); cond != nil && !cond.Eval(ctx.ForJob(j, env)) {
				continue
			}
			ps.Jobs = append(ps.Jobs, PlannedJob{Job: j, Env: env})
		}
		if len(ps.Jobs) == 0 {
			ps.Reason = "no jobs"
		} else {
			ps.Active = true
		}
		p.Stages = append(p.Stages, ps)
	}
	return p
}

// ActiveStageNames lists the stages that will run.
func (p *Plan) ActiveStageNames() []string {
	var names []string
	for _, s := range p.Stages {
		if s.Active {
			names = append(names, s.Name)
		}
	}
	return names
}

// Filter keeps only the named stage and/or jobs whose name or number is
// job. Empty arguments keep everything. Stages left without jobs are
// deactivated.
func (p *Plan) Filter(stage, job string) *Plan {
	out := &Plan{Context: p.Context}
	for _, s := range p.Stages {
		if stage != "" && s.Name != stage {
			continue
		}
		fs := s
		if job != "" {
			fs.Jobs = nil
			for _, pj := range s.Jobs {
				if pj.Job.Name == job || pj.Job.ID() == job {
					fs.Jobs = append(fs.Jobs, pj)
				}
			}
			if fs.Active && len(fs.Jobs) == 0 {
				fs.Active = false
				fs.Reason = "filtered out"
			}
		}
		out.Stages = append(out.Stages, fs)
	}
	return out
}
