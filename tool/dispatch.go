package tool

import (
	"context"
	"fmt"

	"github.com/leonardorey-coder/promptscript/plan"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/types"
)

// Prompter answers ASK_USER questions and approval gates on behalf of the
// operator.
//
//go:generate mockgen -destination=promptermocks_test.go -package=tool_test github.com/leonardorey-coder/promptscript/tool Prompter
type Prompter interface {
	Ask(question string, choices []string) (string, error)
	Confirm(prompt string) (bool, error)
}

// RecallFunc is the VM's substitution for the RECALL stub.
type RecallFunc func(name, query string, topK int) (any, error)

// Dispatcher is the single funnel every tool invocation passes through:
// budget, policy, schema, approval, run, event — in that order. The VM
// never calls a tool directly.
type Dispatcher struct {
	root     string
	registry Registry
	logger   *runlog.Logger
	policy   func() types.PolicyConfig
	prompter Prompter
	out      func(string)
	recall   RecallFunc
	dryRun   bool
}

type Option func(*Dispatcher)

func WithRecall(fn RecallFunc) Option {
	return func(d *Dispatcher) { d.recall = fn }
}

func WithDryRun(v bool) Option {
	return func(d *Dispatcher) { d.dryRun = v }
}

func WithOut(fn func(string)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.out = fn
		}
	}
}

func NewDispatcher(root string, registry Registry, logger *runlog.Logger, policy func() types.PolicyConfig, prompter Prompter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		root:     root,
		registry: registry,
		logger:   logger,
		policy:   policy,
		prompter: prompter,
		out:      func(string) {},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Root() string { return d.root }

// RunAction dispatches one named action with validated args.
func (d *Dispatcher) RunAction(ctx context.Context, name string, args map[string]any) (any, error) {
	now := d.logger.Clock().Now()

	if err := d.logger.Tracker().AllowTool(now); err != nil {
		d.logger.Error(err.Error())
		return nil, err
	}

	pol := d.policy()
	if !pol.ToolAllowed(name) {
		err := PolicyViolationError{Reason: fmt.Sprintf("tool not allowed: %s", name)}
		d.logger.Error(err.Error())
		return nil, err
	}
	if name == string(plan.ActionRunCmd) {
		cmd, _ := args["cmd"].(string)
		if !pol.CommandAllowed(cmd) {
			err := PolicyViolationError{Reason: fmt.Sprintf("command not allowed: %s", cmd)}
			d.logger.Error(err.Error())
			return nil, err
		}
	}

	if err := validateArgs(name, args); err != nil {
		d.logger.Error(err.Error())
		return nil, err
	}

	if pol.RequireApproval && sideEffectful(name) {
		d.logger.ApprovalRequest(name, args)
		approved, err := d.prompter.Confirm(fmt.Sprintf("allow %s?", name))
		if err != nil {
			return nil, err
		}
		d.logger.ApprovalResponse(approved)
		if !approved {
			err := PolicyViolationError{Reason: fmt.Sprintf("operator denied %s", name)}
			d.logger.Error(err.Error())
			return nil, err
		}
	}

	t, ok := d.registry[name]
	if !ok {
		err := fmt.Errorf("unknown tool: %q", name)
		d.logger.Error(err.Error())
		return nil, err
	}

	if d.dryRun && sideEffectful(name) {
		out := fmt.Sprintf("[dry-run] %s skipped", name)
		d.logger.Tool(name, args, out)
		return out, nil
	}

	out, err := t.Run(ctx, d, args)
	if err != nil {
		d.logger.Error(err.Error())
		return nil, err
	}

	d.logger.Tool(name, args, out)
	return out, nil
}
