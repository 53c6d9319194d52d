package watch

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/compozy/taskvisor/cli/cmd"
	"github.com/compozy/taskvisor/cli/helpers"
	"github.com/compozy/taskvisor/engine/notify"
	"github.com/compozy/taskvisor/pkg/config"
	"github.com/compozy/taskvisor/pkg/logger"
)

// NewWatchCommand creates the watch command that follows a task's
// snapshots published to Redis by a serving process.
func NewWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <task_id>",
		Short: "Follow a task's state changes published to Redis",
		Args:  cobra.ExactArgs(1),
		RunE:  executeWatchCommand,
	}
	cmd.Flags().Bool("once", false, "Print the latest known state and exit")
	return cmd
}

func executeWatchCommand(cobraCmd *cobra.Command, args []string) error {
	ctx := cobraCmd.Context()
	cfg := config.FromContext(ctx)
	once, err := cobraCmd.Flags().GetBool("once")
	if err != nil {
		return err
	}
	watcher, closeClient, err := cmd.NewRedisWatcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeClient(); err != nil {
			logger.FromContext(ctx).Warn("failed to close redis client", "error", err)
		}
	}()
	return Follow(ctx, watcher, args[0], once, helpers.NewPrinter(cobraCmd.OutOrStdout()))
}

// Follow prints the latest snapshot of taskID and then every published one
// until the task finishes or ctx ends. With once set it prints only the
// latest snapshot.
func Follow(ctx context.Context, watcher *notify.RedisWatcher, taskID string, once bool, printer *helpers.Printer) error {
	var feed *notify.Feed
	if !once {
		var err error
		feed, err = watcher.Watch(ctx, taskID)
		if err != nil {
			return err
		}
		defer feed.Close()
	}
	latest, found, err := watcher.Latest(ctx, taskID)
	if err != nil {
		return err
	}
	if found {
		printer.Snapshot(latest.Snapshot)
		if latest.Snapshot.IsTerminal() {
			return nil
		}
	}
	if once {
		if !found {
			return fmt.Errorf("no snapshot published for task %s", taskID)
		}
		return nil
	}
	if !found {
		printer.Println("waiting for task " + taskID)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-feed.C():
			if !ok {
				return nil
			}
			if found && env.Snapshot.UpdatedAt.Before(latest.Snapshot.UpdatedAt) {
				continue
			}
			printer.Snapshot(env.Snapshot)
			if env.Snapshot.IsTerminal() {
				return nil
			}
		}
	}
}
