package interp

import (
	"context"
	"fmt"
	"os"

	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/sandbox"
	"github.com/leonardorey-coder/promptscript/tool"
	"github.com/leonardorey-coder/promptscript/types"
)

const maxSubworkflowDepth = 8

// runSubworkflow loads and runs a child script with its own VM, logger,
// and budget tracker. The parent stream gets subworkflow_start and
// subworkflow_end events; the returned object is the child result record.
func (vm *VM) runSubworkflow(ctx context.Context, args []any) (any, error) {
	if vm.depth >= maxSubworkflowDepth {
		return nil, fmt.Errorf("sub-workflow nesting too deep (%d levels)", vm.depth)
	}
	if len(args) < 1 {
		return nil, fmt.Errorf("sub-workflow expects a script path")
	}
	path, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("sub-workflow expects a string script path")
	}
	var opts *Object
	if len(args) > 1 {
		opts, _ = args[1].(*Object)
	}

	full, err := sandbox.SafeResolve(vm.cfg.ProjectRoot, path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(full)
	if err != nil {
		return nil, tool.ToolError{Kind: tool.ErrKindNotFound, Path: path, Err: err}
	}

	// Child context: the active policy verbatim by default, else the
	// restrictive baseline.
	childPolicy := vm.policy.Clone()
	if opts != nil && opts.Has("inherit_policy") && !optBool(opts, "inherit_policy") {
		childPolicy = types.RestrictedPolicyConfig()
	}

	childBudget := vm.cfg.Budget
	if opts != nil {
		if v, has := opts.Get("budget_override"); has {
			if obj, isObj := v.(*Object); isObj {
				childBudget = childBudget.Merge(budgetFromObject(obj))
			}
		}
		if t := optInt(opts, "timeout_ms", 0); t > 0 {
			if childBudget.MaxTimeMs == 0 || int(t) < childBudget.MaxTimeMs {
				childBudget.MaxTimeMs = int(t)
			}
		}
	}

	now := vm.clock.Now()
	childID := runlog.NewSubRunID(now)

	childLogger, err := runlog.New(vm.cfg.ProjectRoot, childID, runlog.NewTracker(childBudget), vm.clock)
	if err != nil {
		return nil, err
	}

	childMem := vm.mem
	if opts == nil || !optBool(opts, "inherit_memory") {
		childMem = nil // the child builds its own store
	}

	optsMap := map[string]any{}
	if opts != nil {
		if m, isMap := toGo(opts).(map[string]any); isMap {
			optsMap = m
		}
	}
	vm.logger.SubworkflowStart(childID, path, optsMap)

	childCfg := vm.cfg
	childCfg.Policy = childPolicy
	childCfg.Budget = childBudget

	child, err := New(Options{
		Config:   childCfg,
		Caller:   vm.caller,
		Prompter: vm.prompter,
		Clock:    vm.clock,
		Memory:   childMem,
		Logger:   childLogger,
		Stdout:   vm.stdout,
		Depth:    vm.depth + 1,
	})
	if err != nil {
		return nil, err
	}

	// Pre-bind caller-supplied variables into the child's globals.
	if opts != nil {
		if v, has := opts.Get("args"); has {
			if obj, isObj := v.(*Object); isObj {
				for _, k := range obj.Keys() {
					val, _ := obj.Get(k)
					child.globals.Define(k, val)
				}
			}
		}
	}

	childResult, runErr := child.RunSource(ctx, string(src))
	snap := childLogger.Tracker().Snapshot(vm.clock.Now())

	record := map[string]any{
		"ok":         runErr == nil,
		"childRunId": childID,
		"logs":       childLogger.Dir(),
		"budget":     snap,
	}
	if stage := optStr(opts, "stage"); stage != "" {
		record["stage"] = stage
	}
	if runErr != nil {
		record["error"] = runErr.Error()
	}
	if opts != nil && optBool(opts, "return_contract") {
		record["contract"] = contractFor(childResult, runErr, snap)
	}
	vm.logger.SubworkflowEnd(childID, record)

	if runErr != nil {
		return nil, fmt.Errorf("sub-workflow %s failed: %w", path, runErr)
	}

	out := NewObject()
	out.Set("ok", true)
	out.Set("childRunId", childID)
	out.Set("logs", childLogger.Dir())
	if stage := optStr(opts, "stage"); stage != "" {
		out.Set("stage", stage)
	}
	out.Set("budget", fromGo(map[string]any{
		"steps":    int64(snap.Steps),
		"llmCalls": int64(snap.LLMCalls),
		"timeMs":   snap.ElapsedMs,
		"tokens":   int64(snap.Tokens),
	}))
	if c, has := record["contract"]; has {
		out.Set("contract", fromGo(c))
	}
	if childResult != nil {
		out.Set("value", childResult)
	}
	return out, nil
}

// contractFor builds the quality contract: the child's own contract-shaped
// return value wins, else the default success contract.
func contractFor(childResult any, runErr error, snap runlog.BudgetSnapshot) map[string]any {
	if obj, isObj := childResult.(*Object); isObj && obj.Has("ok") && obj.Has("issues") {
		if m, isMap := toGo(obj).(map[string]any); isMap {
			return m
		}
	}

	contract := map[string]any{
		"ok":       runErr == nil,
		"issues":   []any{},
		"evidence": map[string]any{},
		"metrics": map[string]any{
			"timeMs":   snap.ElapsedMs,
			"steps":    snap.Steps,
			"llmCalls": snap.LLMCalls,
		},
	}
	if runErr != nil {
		contract["issues"] = []any{map[string]any{"severity": "error", "message": runErr.Error()}}
	}
	return contract
}

func budgetFromObject(obj *Object) types.BudgetConfig {
	b := types.BudgetConfig{
		MaxSteps:     int(optInt(obj, "max_steps", 0)),
		MaxTimeMs:    int(optInt(obj, "max_time_ms", 0)),
		MaxToolCalls: int(optInt(obj, "max_tool_calls", 0)),
		MaxLLMCalls:  int(optInt(obj, "max_llm_calls", 0)),
		MaxTokens:    int(optInt(obj, "max_tokens", 0)),
	}
	if v, has := obj.Get("max_cost_usd"); has {
		switch n := v.(type) {
		case int64:
			b.MaxCostUsd = float64(n)
		case float64:
			b.MaxCostUsd = n
		}
	}
	return b
}
