package helpers

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/compozy/taskvisor/engine/task"
)

// Permission answering policies for the run command.
const (
	PolicyPrompt   = "prompt"
	PolicyAllowAll = "allow-all"
	PolicyDeny     = "deny"
)

// Resolver answers a permission prompt.
type Resolver func(ctx context.Context, prompt task.Prompt) (task.Resolution, error)

// ResolverFor returns the resolver for policy. The prompt policy falls back
// to denying when no terminal is attached.
func ResolverFor(policy string, interactive bool) (Resolver, error) {
	switch policy {
	case PolicyAllowAll:
		return fixedResolver(task.ResolutionAllowAll), nil
	case PolicyDeny:
		return fixedResolver(task.ResolutionDeny), nil
	case PolicyPrompt, "":
		if !interactive {
			return fixedResolver(task.ResolutionDeny), nil
		}
		return askResolver, nil
	default:
		return nil, fmt.Errorf("invalid permission policy %q: must be one of [%s %s %s]",
			policy, PolicyPrompt, PolicyAllowAll, PolicyDeny)
	}
}

func fixedResolver(res task.Resolution) Resolver {
	return func(context.Context, task.Prompt) (task.Resolution, error) {
		return res, nil
	}
}

func askResolver(ctx context.Context, prompt task.Prompt) (task.Resolution, error) {
	res := task.ResolutionDeny
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[task.Resolution]().
			Title(fmt.Sprintf("Allow %s?", prompt.Message)).
			Description(fmt.Sprintf("Requested by %s", prompt.API)).
			Options(
				huh.NewOption("Allow once", task.ResolutionAllow),
				huh.NewOption(fmt.Sprintf("Allow all %s access", prompt.Capability), task.ResolutionAllowAll),
				huh.NewOption("Deny", task.ResolutionDeny),
			).
			Value(&res),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return task.ResolutionDeny, err
	}
	return res, nil
}
