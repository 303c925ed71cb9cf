package interp

import (
	"context"
	"fmt"
	"sync"
)

const parallelDefaultMax = 4

// parallelSafe lists the actions a parallel batch may contain. Everything
// else is rejected before any wave starts.
var parallelSafe = map[string]bool{
	"READ_FILE": true,
	"SEARCH":    true,
}

// biParallel executes a batch of restricted actions in fixed-size waves.
// Results come back in input order as {ok, value} or {ok, error}.
func biParallel(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("parallel expects an array of actions")
	}
	items, ok := args[0].(*Array)
	if !ok {
		return nil, fmt.Errorf("parallel expects an array of actions")
	}

	max := parallelDefaultMax
	failFast := true
	if len(args) > 1 {
		if opts, isObj := args[1].(*Object); isObj {
			if n := optInt(opts, "max", 0); n > 0 {
				max = int(n)
			}
			if opts.Has("fail_fast") {
				failFast = optBool(opts, "fail_fast")
			}
		}
	}

	type job struct {
		action string
		args   map[string]any
	}
	jobs := make([]job, 0, len(items.Elems))
	for i, e := range items.Elems {
		obj, isObj := e.(*Object)
		if !isObj {
			return nil, fmt.Errorf("parallel item %d is not an action object", i)
		}
		action, pArgs, err := applyTarget([]any{obj})
		if err != nil {
			return nil, fmt.Errorf("parallel item %d: %w", i, err)
		}
		if !parallelSafe[action] {
			return nil, fmt.Errorf("parallel item %d: action %s is not allowed in parallel (only READ_FILE and SEARCH)", i, action)
		}
		jobs = append(jobs, job{action: action, args: pArgs})
	}

	type slot struct {
		value any
		err   error
		ran   bool
	}
	slots := make([]slot, len(jobs))

	aborted := false
	for start := 0; start < len(jobs); start += max {
		if aborted {
			break
		}
		end := start + max
		if end > len(jobs) {
			end = len(jobs)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out, err := vm.dispatch.RunAction(ctx, jobs[i].action, jobs[i].args)
				slots[i] = slot{value: out, err: err, ran: true}
			}(i)
		}
		wg.Wait()

		if failFast {
			for i := start; i < end; i++ {
				if slots[i].err != nil {
					aborted = true
					break
				}
			}
		}
	}

	results := &Array{Elems: make([]any, 0, len(jobs))}
	for _, s := range slots {
		r := NewObject()
		switch {
		case !s.ran:
			r.Set("ok", false)
			r.Set("error", "skipped: an earlier action failed")
		case s.err != nil:
			r.Set("ok", false)
			r.Set("error", s.err.Error())
		default:
			r.Set("ok", true)
			r.Set("value", fromGo(s.value))
		}
		results.Elems = append(results.Elems, r)
	}
	return results, nil
}
