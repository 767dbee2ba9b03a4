package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stageci/internal/core"
	"stageci/internal/ledger"
	"stageci/internal/security"
	"stageci/internal/storage"

	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		stage, job string
		dryRun     bool
		noRecord   bool
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run the active stages of a pipeline on this machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := core.LoadPipeline(args[0])
			if err != nil {
				return err
			}
			plan := core.NewPlan(d, a.build).Filter(stage, job)
			out := cmd.OutOrStdout()
			if dryRun {
				printPlan(out, plan)
				return nil
			}

			exec := core.NewExecutor()
			if a.cfg.Shell != "" {
				exec.Shell = a.cfg.Shell
			}
			if a.cfg.CommandTimeout > 0 {
				exec.Timeout = a.cfg.CommandTimeout
			}
			exec.WorkDir = a.cfg.WorkDir
			exec.Isolated = a.cfg.IsolateEnv
			jobs := core.NewLocalJobRunner(exec, a.cfg.AgentID, a.logger)
			runner := core.NewRunner(jobs, core.NewScheduler(a.cfg.MaxParallel), a.logger)
			if !noRecord {
				if err := a.attachRecording(runner); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(out, "running stages: %s\n", joinStages(plan.ActiveStageNames()))
			res := runner.RunPipeline(ctx, plan)
			printRun(out, res)
			if res.Status != core.RunPassed {
				return fmt.Errorf("run %s %s", res.ID, res.Status)
			}
			return nil
		},
	}
	a.addBuildFlags(cmd)
	cmd.Flags().StringVar(&stage, "stage", "", "only this stage")
	cmd.Flags().StringVar(&job, "job", "", "only this job (number or name)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without running it")
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "do not store logs or append to the ledger")
	return cmd
}

func (a *app) attachRecording(r *core.Runner) error {
	l, err := ledger.Open(a.cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	signer, created, err := security.EnsureKeyPair(a.cfg.KeysDir)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	if created {
		a.logger.Info("generated signing keys", "dir", a.cfg.KeysDir)
	}
	r.LogStorage = storage.NewLogStorage(a.cfg.LogDir)
	r.Ledger = l
	r.Signer = signer
	return nil
}

func printRun(w io.Writer, res *core.RunResult) {
	for _, s := range res.Stages {
		line := fmt.Sprintf("%s: %s", s.Name, s.Status)
		if s.Reason != "" {
			line += " (" + s.Reason + ")"
		}
		fmt.Fprintln(w, line)
		for _, j := range s.Jobs {
			fmt.Fprintf(w, "    #%s %s: %s (%s)\n", j.JobID, j.Name, j.Status, j.FinishedAt.Sub(j.StartedAt).Round(time.Millisecond))
		}
	}
	fmt.Fprintf(w, "run %s: %s\n", res.ID, res.Status)
}
