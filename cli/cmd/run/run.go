package run

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/compozy/taskvisor/cli/cmd"
	"github.com/compozy/taskvisor/cli/helpers"
	"github.com/compozy/taskvisor/engine/core"
	"github.com/compozy/taskvisor/engine/supervisor"
	"github.com/compozy/taskvisor/engine/task"
	"github.com/compozy/taskvisor/pkg/config"
	"github.com/compozy/taskvisor/pkg/logger"
)

const stopGrace = 10 * time.Second

// ErrTaskFailed is returned when the script ends in a state other than
// COMPLETED.
var ErrTaskFailed = errors.New("task did not complete")

// NewRunCommand creates the run command that supervises one local script.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a script under supervision and answer its permission prompts",
		Args:  cobra.ExactArgs(1),
		RunE:  executeRunCommand,
	}
	cmd.Flags().String("id", "", "Task id (defaults to a generated id)")
	cmd.Flags().String("permissions", helpers.PolicyPrompt,
		"How permission prompts are answered: prompt, allow-all or deny")
	return cmd
}

type runner struct {
	sup     *supervisor.Supervisor
	resolve helpers.Resolver
	printer *helpers.Printer
	log     logger.Logger
}

func executeRunCommand(cobraCmd *cobra.Command, args []string) error {
	ctx := cobraCmd.Context()
	cfg := config.FromContext(ctx)
	policy, err := cobraCmd.Flags().GetString("permissions")
	if err != nil {
		return err
	}
	resolve, err := helpers.ResolverFor(policy, helpers.IsInteractive())
	if err != nil {
		return err
	}
	id, err := taskID(cobraCmd)
	if err != nil {
		return err
	}
	fs := afero.NewOsFs()
	source, err := afero.ReadFile(fs, args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	sup, err := cmd.NewSupervisor(cfg, fs, nil)
	if err != nil {
		return err
	}
	r := &runner{
		sup:     sup,
		resolve: resolve,
		printer: helpers.NewPrinter(cobraCmd.OutOrStdout()),
		log:     logger.FromContext(ctx).With("task_id", id, "file", filepath.Base(args[0])),
	}
	final, err := r.run(ctx, id, string(source))
	if err != nil {
		return err
	}
	if final.State != task.StateCompleted {
		return fmt.Errorf("%w: %s %s", ErrTaskFailed, final.State, final.Error)
	}
	return nil
}

func taskID(cobraCmd *cobra.Command) (string, error) {
	id, err := cobraCmd.Flags().GetString("id")
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	generated, err := core.NewID()
	if err != nil {
		return "", err
	}
	return generated.String(), nil
}

// run starts the task, prints every snapshot and answers prompts until the
// task finishes. Cancelling ctx stops the task.
func (r *runner) run(ctx context.Context, id string, source string) (task.Snapshot, error) {
	sub := r.sup.Subscribe(id)
	defer sub.Close()
	snap, err := r.sup.Start(ctx, id, source)
	if err != nil {
		var stagingErr *supervisor.StagingError
		if errors.As(err, &stagingErr) {
			r.printer.Snapshot(snap)
			return snap, nil
		}
		return task.Snapshot{}, err
	}
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			r.printer.Println("interrupted, stopping task")
			r.sup.Stop(context.WithoutCancel(ctx), id)
		case snap, ok := <-sub.C():
			if !ok {
				return task.Snapshot{}, errors.New("notification feed closed")
			}
			r.printer.Snapshot(snap)
			if snap.IsTerminal() {
				return snap, r.shutdown(ctx)
			}
			if snap.State == task.StateWaitingForPermission && snap.ActivePrompt != nil {
				r.answer(ctx, id, *snap.ActivePrompt)
			}
		}
	}
}

func (r *runner) answer(ctx context.Context, id string, prompt task.Prompt) {
	res, err := r.resolve(ctx, prompt)
	if err != nil {
		r.log.Warn("permission prompt failed, denying", "error", err)
		res = task.ResolutionDeny
	}
	r.sup.ResolvePrompt(context.WithoutCancel(ctx), id, res)
}

func (r *runner) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
	defer cancel()
	return r.sup.Shutdown(shutdownCtx)
}
