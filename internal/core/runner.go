package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stageci/internal/ledger"
	"stageci/internal/security"
	"stageci/internal/storage"
	"stageci/pkg/utils"

	"github.com/google/uuid"
)

// Runner ties together Scheduler + JobRunner + storage + ledger.
// LogStorage, Ledger and Signer are optional. With LogStorage every
// command output is saved; with Ledger and Signer every command is
// recorded. Both are best-effort.
type Runner struct {
	Scheduler  *Scheduler
	Jobs       JobRunner
	LogStorage *storage.LogStorage
	Ledger     *ledger.Ledger
	Signer     *security.Signer
	Logger     *slog.Logger
}

func NewRunner(jobs JobRunner, scheduler *Scheduler, logger *slog.Logger) *Runner {
	if scheduler == nil {
		scheduler = NewScheduler(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Scheduler: scheduler, Jobs: jobs, Logger: logger}
}

// RunPipeline executes the active stages of plan sequentially. Jobs of a
// stage run in parallel; when any job that is not allowed to fail fails,
// the remaining stages are canceled.
func (r *Runner) RunPipeline(ctx context.Context, plan *Plan) *RunResult {
	return r.RunPipelineWithID(ctx, uuid.NewString(), plan)
}

// RunPipelineWithID is RunPipeline with a caller-chosen run id.
func (r *Runner) RunPipelineWithID(ctx context.Context, runID string, plan *Plan) *RunResult {
	run := &RunResult{
		ID:        runID,
		Context:   plan.Context,
		Status:    RunPassed,
		StartedAt: time.Now().UTC(),
	}
	log := r.Logger.With("run", runID)
	log.Info("starting pipeline", "tag", plan.Context.Tag, "branch", plan.Context.Branch, "stages", plan.ActiveStageNames())

	halted := ""
	for _, st := range plan.Stages {
		sr := StageResult{Name: st.Name}
		switch {
		case !st.Active:
			sr.Status = StageSkipped
			sr.Reason = st.Reason
		case halted != "":
			sr.Status = StageCanceled
			sr.Reason = halted
		case ctx.Err() != nil:
			sr.Status = StageCanceled
			sr.Reason = ctx.Err().Error()
		default:
			log.Info("stage started", "stage", st.Name, "jobs", len(st.Jobs))
			jobs := st.Jobs
			sr.Jobs = r.Scheduler.Dispatch(ctx, len(jobs), func(ctx context.Context, i int) *JobResult {
				return r.runJob(ctx, runID, plan.Context, jobs[i])
			})
			sr.Status = StagePassed
			for i, jr := range sr.Jobs {
				if jr.Status.Failed() && !jobs[i].Job.AllowFailure {
					sr.Status = StageFailed
				}
			}
			if sr.Status == StageFailed {
				halted = fmt.Sprintf("stage %s failed", st.Name)
			}
			log.Info("stage finished", "stage", st.Name, "status", sr.Status)
		}
		run.Stages = append(run.Stages, sr)
	}

	switch {
	case ctx.Err() != nil:
		run.Status = RunCanceled
	case halted != "":
		run.Status = RunFailed
	}
	run.FinishedAt = time.Now().UTC()

	if r.Ledger != nil && r.Signer != nil {
		if err := r.Ledger.Verify(r.Signer.PublicKeyHex()); err != nil {
			log.Warn("ledger verification failed", "err", err)
		}
	}
	log.Info("pipeline finished", "status", run.Status, "duration", run.FinishedAt.Sub(run.StartedAt))
	return run
}

func (r *Runner) runJob(ctx context.Context, runID string, bctx BuildContext, pj PlannedJob) *JobResult {
	req := JobRequest{RunID: runID, Job: pj.Job, Env: pj.Env, Context: bctx}
	res, err := r.Jobs.RunJob(ctx, req)
	if err != nil {
		now := time.Now().UTC()
		res = &JobResult{
			JobID:      pj.Job.ID(),
			Name:       pj.Job.DisplayName(),
			Stage:      pj.Job.Stage,
			OS:         pj.Job.OS,
			Status:     JobErrored,
			Error:      err.Error(),
			StartedAt:  now,
			FinishedAt: now,
		}
		if ctx.Err() != nil {
			res.Status = JobCanceled
		}
		r.Logger.Warn("job could not run", "run", runID, "job", res.Name, "err", err)
	}
	r.record(runID, res)
	return res
}

// record saves command output and appends ledger records. Either part is
// skipped when not configured; without log storage the ledger hashes the
// output itself. Failures are logged and never fail the job.
func (r *Runner) record(runID string, res *JobResult) {
	recording := r.Ledger != nil && r.Signer != nil
	if r.LogStorage == nil && !recording {
		return
	}
	for _, ph := range res.Phases {
		for i, c := range ph.Commands {
			var logPath, logHash string
			if r.LogStorage != nil {
				var err error
				logPath, err = r.LogStorage.SaveLog(runID, res.Stage, res.JobID+"-"+res.Name, string(ph.Phase), i+1, c.Output)
				if err != nil {
					r.Logger.Warn("cannot save log", "err", err)
					continue
				}
				if !recording {
					continue
				}
				if logHash, err = utils.HashFile(logPath); err != nil {
					r.Logger.Warn("cannot hash log", "path", logPath, "err", err)
					continue
				}
			} else {
				logHash = utils.HashString(c.Output)
			}
			rec := &ledger.Record{
				RunID:    runID,
				Stage:    res.Stage,
				Job:      res.Name,
				Phase:    string(ph.Phase),
				Command:  c.Command,
				ExitCode: c.ExitCode,
				LogPath:  logPath,
				LogHash:  logHash,
				AgentID:  res.AgentID,
			}
			if err := r.Ledger.Append(rec, r.Signer); err != nil {
				r.Logger.Warn("cannot append ledger record", "err", err)
				continue
			}
			r.Logger.Debug("ledger record appended", "index", rec.Index, "hash", rec.Hash[:16])
		}
	}
}
