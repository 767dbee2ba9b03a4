package main

import (
	"fmt"
	"io"
	"strings"

	"stageci/internal/core"

	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Parse a pipeline descriptor and report problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := core.LoadPipeline(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d stages, %d jobs)\n", args[0], len(d.Stages), len(d.Jobs))
			return nil
		},
	}
}

func newPlanCmd(a *app) *cobra.Command {
	var stage, job string
	cmd := &cobra.Command{
		Use:   "plan FILE",
		Short: "Show which stages and jobs would run for a build context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := core.LoadPipeline(args[0])
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), core.NewPlan(d, a.build).Filter(stage, job))
			return nil
		},
	}
	a.addBuildFlags(cmd)
	cmd.Flags().StringVar(&stage, "stage", "", "only this stage")
	cmd.Flags().StringVar(&job, "job", "", "only this job (number or name)")
	return cmd
}

func printPlan(w io.Writer, p *core.Plan) {
	fmt.Fprintf(w, "context: tag=%q branch=%q event=%q\n", p.Context.Tag, p.Context.Branch, p.Context.Event)
	for _, s := range p.Stages {
		if !s.Active {
			fmt.Fprintf(w, "- %s: skipped (%s)\n", s.Name, s.Reason)
			continue
		}
		fmt.Fprintf(w, "+ %s\n", s.Name)
		for _, pj := range s.Jobs {
			flags := ""
			if pj.Job.AllowFailure {
				flags = " [allow failure]"
			}
			fmt.Fprintf(w, "    #%s %s%s\n", pj.Job.ID(), pj.Job.DisplayName(), flags)
		}
	}
}

func newEnvCmd(a *app) *cobra.Command {
	var job string
	cmd := &cobra.Command{
		Use:   "env FILE",
		Short: "Print the effective environment of each job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := core.LoadPipeline(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			found := false
			for _, j := range d.Jobs {
				if job != "" && job != j.ID() && job != j.Name {
					continue
				}
				found = true
				fmt.Fprintf(w, "# job %s %s (stage %s)\n", j.ID(), j.DisplayName(), j.Stage)
				for _, v := range d.EffectiveEnv(j) {
					if v.Secure {
						fmt.Fprintln(w, "[secure]")
						continue
					}
					fmt.Fprintf(w, "%s=%s\n", v.Name, v.Value)
				}
			}
			if !found {
				return fmt.Errorf("no job matches %q", job)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "only this job (number or name)")
	return cmd
}

func joinStages(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
