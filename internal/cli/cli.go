package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/romfetch/internal/app"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "romfetch",
	Short:         "Mirror ROM catalogs from remote listings into local directories",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Error("exec cmd failed", zap.Error(err))
		return err
	}
	return nil
}

func runWith(ctx context.Context, runner app.IRunner) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	env, err := app.OpenEnv(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			logutil.GetLogger(ctx).Warn("close catalog failed", zap.Error(err))
		}
	}()
	if err := runner.PreRun(ctx, env); err != nil {
		return err
	}
	if err := runner.Run(ctx); err != nil {
		return err
	}
	return runner.PostRun(ctx)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./romfetch.json, ./romfetch.toml, /etc/romfetch.json)")
	for _, r := range app.RunnerList() {
		runner := app.MustResolveRunner(r)
		subcmd := &cobra.Command{
			Use:   runner.Name(),
			Short: runner.Desc(),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWith(commandContext(cmd), runner)
			},
		}
		runner.Init(subcmd.Flags())
		rootCmd.AddCommand(subcmd)
	}
}
