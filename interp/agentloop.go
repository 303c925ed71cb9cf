package interp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/leonardorey-coder/promptscript/llm"
	"github.com/leonardorey-coder/promptscript/plan"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/tool"
)

const agentHistoryMax = 20

const agentSystemPrompt = `You are an autonomous coding agent operating inside a sandboxed project.
On every turn respond with exactly one JSON plan object:
{"action": "READ_FILE"|"SEARCH"|"WRITE_FILE"|"PATCH_FILE"|"RUN_CMD"|"ASK_USER"|"REPORT", "args": {...}, "done": true|false, "confidence": 0.0-1.0, "reason": "..."}
Set done=true only when the goal is fully achieved. Use REPORT to summarize the outcome.
Return ONLY the JSON object, no markdown, no prose.`

const noAskSuffix = "\nNever use ASK_USER. Decide autonomously and continue."

// biRunAgent is the agent loop: LLM -> Plan -> tool apply -> history
// update, until a done plan survives the require-write rule or a budget,
// loop, or policy veto stops the run.
func biRunAgent(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("run_agent expects a client and a prompt")
	}

	var client *Client
	switch t := args[0].(type) {
	case *Client:
		client = t
	case *Object:
		client = vm.makeClient(t)
	default:
		return nil, fmt.Errorf("run_agent expects an LLM client or a client config")
	}

	prompt, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("run_agent expects a string prompt")
	}

	var opts *Object
	if len(args) > 2 {
		opts, _ = args[2].(*Object)
	}

	maxIterations := optInt(opts, "max_iterations", 0)
	requireWrite := optBool(opts, "require_write")
	stopOnReport := true
	if opts != nil && opts.Has("stop_on_report") {
		stopOnReport = optBool(opts, "stop_on_report")
	}
	memoryKey := optStr(opts, "memory_key")

	contextBlock, err := vm.agentContextFiles(opts)
	if err != nil {
		return nil, err
	}

	system := agentSystemPrompt
	if client.noAsk {
		system += noAskSuffix
	}

	var history []llm.Message
	currentPrompt := prompt
	hasWritten := false
	var lastResult any

	for iteration := int64(1); ; iteration++ {
		if maxIterations > 0 && iteration > maxIterations {
			return lastResult, nil
		}

		now := vm.clock.Now()
		if err := vm.tracker().AllowLLM(now); err != nil {
			vm.logger.Error(err.Error())
			return nil, err
		}

		req := llm.Request{
			System:  system,
			User:    currentPrompt,
			History: history,
			Context: contextBlock,
		}
		if memoryKey != "" {
			req.MemoryBlock = vm.mem.ContextBlock(memoryKey)
		}
		if mock := client.nextMock(); mock != nil {
			req.MockPlan = mock
		}

		res, err := client.adapter.Request(ctx, req)
		if err != nil {
			vm.logger.Error(err.Error())
			return nil, err
		}

		vm.logger.LLM(
			map[string]any{"user": currentPrompt, "iteration": iteration, "mock": req.MockPlan != nil},
			string(res.Plan.MarshalCanonical()),
			res.Tokens, res.LatencyMs, res.Retries,
		)
		vm.tracker().ChargeTokens(client.adapter.Config().Model, res.Tokens, now)

		if err := vm.observePlan(res.Plan, true); err != nil {
			return nil, err
		}

		p := res.Plan

		// Apply the plan; inside the loop tool failures become history,
		// not fatal errors. Budget and policy stops still end the run.
		var actionErr error
		out, err := vm.dispatch.RunAction(ctx, string(p.Action), p.Args)
		if err != nil {
			if isFatalAgentError(err) {
				return nil, err
			}
			actionErr = err
			vm.detector.MarkLastFailure()
		} else {
			lastResult = fromGo(out)
		}

		history = append(history, llm.Message{Role: llm.AssistantRole, Content: string(p.MarshalCanonical())})
		if actionErr != nil {
			history = append(history, llm.Message{Role: llm.UserRole, Content: "Action ERROR: " + actionErr.Error()})
		} else {
			history = append(history, llm.Message{Role: llm.UserRole, Content: "Action result: " + truncateText(formatValue(lastResult), 400)})
		}
		if len(history) > agentHistoryMax {
			history = history[len(history)-agentHistoryMax:]
		}

		if actionErr == nil && (p.Action == plan.ActionWriteFile || p.Action == plan.ActionPatchFile) {
			hasWritten = true
		}

		done := p.Done && actionErr == nil
		if done {
			exit := true
			if p.Action == plan.ActionReport && !stopOnReport {
				exit = false
			}
			if exit {
				if requireWrite && !hasWritten {
					currentPrompt = "You reported done, but you must write a file before finishing. Continue with the next action."
					continue
				}
				return lastResult, nil
			}
		}

		if actionErr != nil {
			currentPrompt = fmt.Sprintf("The last action %s failed: %v. Decide the next step.", p.Action, actionErr)
		} else {
			currentPrompt = fmt.Sprintf("The last action %s returned: %s. Decide the next step.", p.Action, truncateText(formatValue(lastResult), 400))
		}
	}
}

// isFatalAgentError separates run-ending stops from tool failures the
// loop converts into continuation prompts.
func isFatalAgentError(err error) bool {
	var pv tool.PolicyViolationError
	var be runlog.BudgetExceededError
	return errors.As(err, &pv) || errors.As(err, &be)
}

// agentContextFiles reads the configured context files into one block.
func (vm *VM) agentContextFiles(opts *Object) (string, error) {
	if opts == nil {
		return "", nil
	}
	v, ok := opts.Get("context_files")
	if !ok {
		return "", nil
	}
	arr, ok := v.(*Array)
	if !ok {
		return "", nil
	}

	var b strings.Builder
	for _, e := range arr.Elems {
		path, isStr := e.(string)
		if !isStr {
			continue
		}
		content, err := tool.ReadFile(vm.cfg.ProjectRoot, path, vm.policy.MaxFileBytes)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n", path, content)
	}
	return b.String(), nil
}

func truncateText(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
