package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/compozy/taskvisor/cli/cmd/run"
	"github.com/compozy/taskvisor/cli/cmd/serve"
	"github.com/compozy/taskvisor/cli/cmd/version"
	"github.com/compozy/taskvisor/cli/cmd/watch"
	"github.com/compozy/taskvisor/pkg/config"
	"github.com/compozy/taskvisor/pkg/logger"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "taskvisor",
		Short:             "Supervise sandboxed JavaScript tasks",
		Long:              "Run user scripts in isolated engines, broker their permission requests and track their lifecycle.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupContext,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return config.ManagerFromContext(cmd.Context()).Close(cmd.Context())
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error, disabled)")
	flags.Bool("log-json", false, "Emit logs as JSON")
	flags.Bool("log-source", false, "Include source locations in logs")
	flags.String("staging-dir", "", "Directory where task sources are staged")
	flags.Duration("join-timeout", 0, "How long a stopped task's engine is awaited")
	flags.Duration("fetch-timeout", 0, "Timeout for Task.fetch requests")
	flags.String("notify-mode", "", "Notification delivery: memory or redis")
	flags.String("redis-url", "", "Redis URL for notifications")
	flags.String("channel-prefix", "", "Redis channel prefix for notifications")

	root.AddCommand(
		serve.NewServeCommand(),
		run.NewRunCommand(),
		watch.NewWatchCommand(),
		version.NewVersionCommand(),
	)
	return root
}

func setupContext(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sources := make([]config.Source, 0, 2)
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	if strings.TrimSpace(configFile) != "" {
		sources = append(sources, config.NewYAMLProvider(configFile))
	}
	flags, err := changedFlags(cmd.Flags())
	if err != nil {
		return err
	}
	sources = append(sources, config.NewCLIProvider(flags))
	manager := config.NewManager(config.NewService())
	cfg, err := manager.Load(ctx, sources...)
	if err != nil {
		return err
	}
	log := logger.SetupLogger(logger.ParseLevel(cfg.Runtime.LogLevel), cfg.Runtime.LogJSON, cfg.Runtime.LogSource)
	manager.OnChange(applyLogConfig(log))
	ctx = config.ContextWithManager(ctx, manager)
	ctx = logger.ContextWithLogger(ctx, log)
	cmd.SetContext(ctx)
	return nil
}

// applyLogConfig moves the logger to the reloaded level. Loggers derived
// with With follow.
func applyLogConfig(log logger.Logger) func(*config.Config) {
	return func(next *config.Config) {
		level := logger.ParseLevel(next.Runtime.LogLevel)
		logger.SetLevel(log, level)
		log.Info("configuration reloaded", "log_level", level)
	}
}

// changedFlags collects the explicitly set flags that map to configuration
// keys, keeping their typed values.
func changedFlags(fs *pflag.FlagSet) (map[string]any, error) {
	out := make(map[string]any)
	var firstErr error
	fs.Visit(func(f *pflag.Flag) {
		if _, ok := config.CLIFlagPath(f.Name); !ok || firstErr != nil {
			return
		}
		var (
			value any
			err   error
		)
		switch f.Value.Type() {
		case "bool":
			value, err = fs.GetBool(f.Name)
		case "int":
			value, err = fs.GetInt(f.Name)
		case "duration":
			value, err = fs.GetDuration(f.Name)
		default:
			value = f.Value.String()
		}
		if err != nil {
			firstErr = fmt.Errorf("failed to read flag %s: %w", f.Name, err)
			return
		}
		out[f.Name] = value
	})
	return out, firstErr
}
