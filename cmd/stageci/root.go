package main

import (
	"log/slog"
	"os"

	"stageci/internal/config"
	"stageci/internal/core"

	"github.com/spf13/cobra"
)

type app struct {
	configFile string
	envFile    string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	build  core.BuildContext
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "stageci",
		Short:         "Staged CI pipeline runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Options{ConfigFile: a.configFile, EnvFile: a.envFile})
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if a.logLevel != "" {
				level = a.logLevel
			}
			a.cfg = cfg
			a.logger = config.NewLogger(cmd.ErrOrStderr(), level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default ./stageci.yaml)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file (default ./.env)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newValidateCmd(a),
		newPlanCmd(a),
		newEnvCmd(a),
		newRunCmd(a),
		newSubmitCmd(a),
		newLedgerCmd(a),
		newKeygenCmd(a),
	)
	return root
}

// addBuildFlags binds the build context flags. Defaults come from the
// TRAVIS_* variables of the calling environment.
func (a *app) addBuildFlags(cmd *cobra.Command) {
	def := core.BuildContextFromEnv(os.LookupEnv)
	cmd.Flags().StringVar(&a.build.Tag, "tag", def.Tag, "git tag being built")
	cmd.Flags().StringVar(&a.build.Branch, "branch", def.Branch, "branch being built")
	cmd.Flags().StringVar(&a.build.Event, "event", def.Event, "build event (push, pull_request, cron, api)")
	cmd.Flags().StringVar(&a.build.Repo, "repo", def.Repo, "repository slug")
	a.build.Sender = def.Sender
}
