package core

import "time"

// JobStatus is the outcome of one job.
type JobStatus string

const (
	JobPassed   JobStatus = "passed"
	JobFailed   JobStatus = "failed"  // a script command exited non-zero
	JobErrored  JobStatus = "errored" // a setup phase failed
	JobCanceled JobStatus = "canceled"
)

// Failed reports whether the status counts against the stage.
func (s JobStatus) Failed() bool {
	return s == JobFailed || s == JobErrored || s == JobCanceled
}

// StageStatus is the outcome of a stage.
type StageStatus string

const (
	StagePassed   StageStatus = "passed"
	StageFailed   StageStatus = "failed"
	StageSkipped  StageStatus = "skipped"
	StageCanceled StageStatus = "canceled"
)

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunPassed   RunStatus = "passed"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
)

// CommandResult is the outcome of one shell command.
type CommandResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports a zero exit without execution error.
func (c CommandResult) OK() bool { return c.ExitCode == 0 && c.Error == "" }

// PhaseResult groups the commands run for one phase.
type PhaseResult struct {
	Phase    Phase           `json:"phase"`
	Passed   bool            `json:"passed"`
	Commands []CommandResult `json:"commands"`
}

// JobResult is the outcome of one job.
type JobResult struct {
	JobID      string        `json:"job_id"`
	Name       string        `json:"name"`
	Stage      string        `json:"stage"`
	OS         string        `json:"os,omitempty"`
	Status     JobStatus     `json:"status"`
	Error      string        `json:"error,omitempty"`
	AgentID    string        `json:"agent_id,omitempty"`
	Phases     []PhaseResult `json:"phases,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Ran reports whether phase p was executed.
func (r *JobResult) Ran(p Phase) bool {
	for _, ph := range r.Phases {
		if ph.Phase == p {
			return true
		}
	}
	return false
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name   string       `json:"name"`
	Status StageStatus  `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Jobs   []*JobResult `json:"jobs,omitempty"`
}

// RunResult is the outcome of a pipeline run.
type RunResult struct {
	ID         string        `json:"id"`
	Context    BuildContext  `json:"context"`
	Status     RunStatus     `json:"status"`
	Stages     []StageResult `json:"stages"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Stage returns the result of the named stage, or nil.
func (r *RunResult) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}
