package serve

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/compozy/taskvisor/cli/cmd"
	"github.com/compozy/taskvisor/engine/infra/monitoring"
	"github.com/compozy/taskvisor/engine/infra/server"
	"github.com/compozy/taskvisor/engine/notify"
	"github.com/compozy/taskvisor/pkg/config"
	"github.com/compozy/taskvisor/pkg/logger"
)

const productionEnvironment = "production"

// NewServeCommand creates the serve command that runs the HTTP API.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run the task supervisor HTTP API",
		Args:    cobra.NoArgs,
		RunE:    executeServeCommand,
	}
	cmd.Flags().String("host", "", "Host to listen on")
	cmd.Flags().Int("port", 0, "Port to listen on")
	cmd.Flags().Bool("metrics", false, "Expose Prometheus metrics")
	cmd.Flags().Duration("shutdown-timeout", 0, "Graceful shutdown timeout")
	return cmd
}

func executeServeCommand(cobraCmd *cobra.Command, _ []string) error {
	ctx := cobraCmd.Context()
	cfg := config.FromContext(ctx)
	log := logger.FromContext(ctx)
	if cfg.Runtime.Environment == productionEnvironment {
		gin.SetMode(gin.ReleaseMode)
	}
	svc := monitoring.NewMonitoringServiceWithFallback(ctx, monitoring.FromAppConfig(cfg))
	if svc.IsInitialized() {
		svc.SetAsGlobal()
	}
	opts := []server.Option{server.WithMonitoring(svc)}
	var sink notify.Sink
	if cfg.Notify.UsesRedis() {
		redisSink, closeRedis, err := cmd.NewRedisSink(ctx, cfg)
		if err != nil {
			_ = svc.Shutdown(ctx)
			return fmt.Errorf("failed to set up redis notifications: %w", err)
		}
		sink = redisSink
		opts = append(opts, server.WithCloser("redis", closeRedis))
		log.Info("Publishing task snapshots to redis", "channel_prefix", cfg.Notify.ChannelPrefix)
	}
	sup, err := cmd.NewSupervisor(cfg, afero.NewOsFs(), sink)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	cmd.FollowConfig(config.ManagerFromContext(ctx), sup)
	srv, err := server.NewServer(ctx, sup, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	log.Info("Starting taskvisor server", "address", srv.Addr(), "staging_dir", cfg.Supervisor.StagingDir)
	return srv.Run(ctx)
}
