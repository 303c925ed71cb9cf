package tool

import (
	"context"
	"fmt"

	"github.com/leonardorey-coder/promptscript/plan"
)

// RunFunc executes one validated action. Args have already passed the plan
// schema for the action.
type RunFunc func(ctx context.Context, d *Dispatcher, args map[string]any) (any, error)

// Tool pairs an action name with its runner. Schema validation is shared:
// every registered name is one of the plan actions and reuses its
// per-action argument rules.
type Tool struct {
	Name string
	Run  RunFunc
}

// Registry maps action names to tools.
type Registry map[string]Tool

func (r Registry) Register(t Tool) { r[t.Name] = t }

// DefaultRegistry wires the built-in tools.
func DefaultRegistry() Registry {
	r := Registry{}

	r.Register(Tool{Name: string(plan.ActionReadFile), Run: runReadFile})
	r.Register(Tool{Name: string(plan.ActionSearch), Run: runSearch})
	r.Register(Tool{Name: string(plan.ActionWriteFile), Run: runWriteFile})
	r.Register(Tool{Name: string(plan.ActionPatchFile), Run: runPatchFile})
	r.Register(Tool{Name: string(plan.ActionRunCmd), Run: runRunCmd})
	r.Register(Tool{Name: string(plan.ActionAskUser), Run: runAskUser})
	r.Register(Tool{Name: string(plan.ActionReport), Run: runReport})
	// RECALL is a stub here; the VM substitutes the memory store's recall.
	r.Register(Tool{Name: "RECALL", Run: runRecallStub})

	return r
}

func runReadFile(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	p := plan.Plan{Action: plan.ActionReadFile, Args: args}
	maxBytes := p.IntArg("maxBytes", d.policy().MaxFileBytes)
	return ReadFile(d.root, p.StringArg("path"), maxBytes)
}

func runSearch(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	p := plan.Plan{Action: plan.ActionSearch, Args: args}
	hits, err := Search(d.root, p.StringArg("query"), p.StringsArg("globs"), p.IntArg("maxResults", 0))
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(hits))
	for _, h := range hits {
		m := map[string]any{"path": h.Path}
		if h.Line > 0 {
			m["line"] = h.Line
			m["text"] = h.Text
		}
		out = append(out, m)
	}
	return out, nil
}

func runWriteFile(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	p := plan.Plan{Action: plan.ActionWriteFile, Args: args}
	path := p.StringArg("path")
	content := p.StringArg("content")
	if err := WriteFile(d.root, path, content, p.StringArg("mode")); err != nil {
		return nil, err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func runPatchFile(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	p := plan.Plan{Action: plan.ActionPatchFile, Args: args}
	path := p.StringArg("path")
	if err := PatchFile(d.root, path, p.StringArg("patch")); err != nil {
		return nil, err
	}
	return fmt.Sprintf("patched %s", path), nil
}

func runRunCmd(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	p := plan.Plan{Action: plan.ActionRunCmd, Args: args}
	return RunCmd(ctx, d.root, p.StringArg("cmd"), p.StringsArg("args"), p.IntArg("timeoutMs", 0))
}

func runAskUser(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	p := plan.Plan{Action: plan.ActionAskUser, Args: args}
	return d.prompter.Ask(p.StringArg("question"), p.StringsArg("choices"))
}

func runReport(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	p := plan.Plan{Action: plan.ActionReport, Args: args}
	msg := p.StringArg("message")
	d.out(msg)
	return msg, nil
}

func runRecallStub(ctx context.Context, d *Dispatcher, args map[string]any) (any, error) {
	if d.recall != nil {
		name, _ := args["name"].(string)
		query, _ := args["query"].(string)
		topK := 0
		switch n := args["top_k"].(type) {
		case int:
			topK = n
		case int64:
			topK = int(n)
		case float64:
			topK = int(n)
		}
		return d.recall(name, query, topK)
	}
	return map[string]any{"chunks": []any{}}, nil
}

// validateArgs runs the per-action schema for registered plan actions.
// RECALL has no plan schema; its arguments are checked by the memory
// store.
func validateArgs(name string, args map[string]any) error {
	if !plan.IsAction(name) {
		if name == "RECALL" {
			return nil
		}
		return fmt.Errorf("unknown tool: %q", name)
	}
	p := plan.Plan{Action: plan.Action(name), Args: args}
	return p.Validate()
}

// sideEffectful reports whether the action mutates state outside the run,
// which is what operator approval gates.
func sideEffectful(name string) bool {
	switch plan.Action(name) {
	case plan.ActionWriteFile, plan.ActionPatchFile, plan.ActionRunCmd:
		return true
	}
	return false
}
