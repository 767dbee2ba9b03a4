package core

import (
	"context"
	"log/slog"
	"time"
)

// JobRequest is everything needed to run one job, locally or on an agent.
type JobRequest struct {
	RunID   string       `json:"run_id"`
	Job     Job          `json:"job"`
	Env     EnvVars      `json:"env"`
	Context BuildContext `json:"context"`
}

// JobRunner runs a single job through its lifecycle.
type JobRunner interface {
	RunJob(ctx context.Context, req JobRequest) (*JobResult, error)
}

// LocalJobRunner runs jobs in child processes of the current host.
type LocalJobRunner struct {
	Executor *Executor
	AgentID  string
	Logger   *slog.Logger
}

func NewLocalJobRunner(exec *Executor, agentID string, logger *slog.Logger) *LocalJobRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalJobRunner{Executor: exec, AgentID: agentID, Logger: logger}
}

// RunJob runs the phases of req.Job in order:
//
//	before_install, install, before_script  -> errored on first failure
//	script                                  -> every command runs; failed if any fails
//	after_success | after_failure           -> depending on script
//	after_script                            -> always, even after errors
//
// Failures of the after_* phases are logged but do not change the status.
func (r *LocalJobRunner) RunJob(ctx context.Context, req JobRequest) (*JobResult, error) {
	job := req.Job
	res := &JobResult{
		JobID:     job.ID(),
		Name:      job.DisplayName(),
		Stage:     job.Stage,
		OS:        job.OS,
		Status:    JobPassed,
		AgentID:   r.AgentID,
		StartedAt: time.Now().UTC(),
	}
	log := r.Logger.With("stage", job.Stage, "job", res.Name)
	environ := r.Executor.Environ(req)

	runPhase := func(ctx context.Context, p Phase, stopOnFailure bool) bool {
		cmds := job.Commands(p)
		if len(cmds) == 0 {
			return true
		}
		pr := PhaseResult{Phase: p, Passed: true}
		for _, c := range cmds {
			if ctx.Err() != nil {
				pr.Passed = false
				break
			}
			log.Debug("running command", "phase", p, "cmd", c)
			cr := r.Executor.RunCommand(ctx, c, environ)
			pr.Commands = append(pr.Commands, cr)
			if !cr.OK() {
				log.Info("command failed", "phase", p, "cmd", c, "exit", cr.ExitCode, "err", cr.Error)
				pr.Passed = false
				if stopOnFailure {
					break
				}
			}
		}
		res.Phases = append(res.Phases, pr)
		return pr.Passed
	}

	for _, p := range []Phase{PhaseBeforeInstall, PhaseInstall, PhaseBeforeScript} {
		if ctx.Err() != nil {
			break
		}
		if !runPhase(ctx, p, true) {
			res.Status = JobErrored
			break
		}
	}

	if res.Status == JobPassed && ctx.Err() == nil {
		if !runPhase(ctx, PhaseScript, false) {
			res.Status = JobFailed
		}
		if ctx.Err() == nil {
			after := PhaseAfterSuccess
			if res.Status != JobPassed {
				after = PhaseAfterFailure
			}
			if !runPhase(ctx, after, true) {
				log.Warn("phase failed, status unchanged", "phase", after)
			}
		}
	}

	if ctx.Err() != nil {
		res.Status = JobCanceled
		res.Error = ctx.Err().Error()
	}

	// after_script is cleanup and still runs when the job was canceled.
	if !runPhase(context.WithoutCancel(ctx), PhaseAfterScript, true) {
		log.Warn("phase failed, status unchanged", "phase", PhaseAfterScript)
	}

	res.FinishedAt = time.Now().UTC()
	log.Info("job finished", "status", res.Status, "duration", res.FinishedAt.Sub(res.StartedAt))
	return res, nil
}
