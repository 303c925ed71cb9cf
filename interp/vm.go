package interp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	api "github.com/leonardorey-coder/promptscript/api/http"
	"github.com/leonardorey-coder/promptscript/lang"
	"github.com/leonardorey-coder/promptscript/loopdetect"
	"github.com/leonardorey-coder/promptscript/memory"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/serialize"
	"github.com/leonardorey-coder/promptscript/tool"
	"github.com/leonardorey-coder/promptscript/types"
)

// TimeoutError is raised when a timeout block's sleep wins the race.
type TimeoutError struct {
	Ms int64
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("Timeout: operation exceeded %dms", e.Ms)
}

// GuardError is raised by a failing guard statement.
type GuardError struct {
	Line int
}

func (e GuardError) Error() string {
	return fmt.Sprintf("Guard failed at line %d", e.Line)
}

type outcomeKind int

const (
	outNormal outcomeKind = iota
	outReturn
	outBreak
)

// outcome threads control flow through the evaluator instead of panics:
// return unwinds one call frame, break the innermost loop.
type outcome struct {
	kind  outcomeKind
	value any
}

// Options configures one VM. Zero fields get production defaults; tests
// inject fakes.
type Options struct {
	Config    types.RunConfig
	Caller    api.Caller
	Prompter  tool.Prompter
	Clock     runlog.Clock
	Memory    *memory.Store
	Logger    *runlog.Logger
	Stdout   io.Writer
	Detector loopdetect.Config
	Depth    int
}

// VM is the tree-walking interpreter for one run. Single-threaded
// cooperative: the only suspension points are LLM calls, subprocess
// waits, file I/O, sub-workflows, and timeout blocks.
type VM struct {
	cfg       types.RunConfig
	globals   *Env
	logger    *runlog.Logger
	dispatch  *tool.Dispatcher
	mem       *memory.Store
	detector  *loopdetect.Detector
	policy    types.PolicyConfig
	caller    api.Caller
	prompter  tool.Prompter
	clock     runlog.Clock
	ctxFormat serialize.Format
	stdout    io.Writer
	depth     int

	step          int
	loopWarned    bool
	defaultClient *Client
}

// New builds a VM and, when no logger was injected, opens a fresh run
// directory under the project root.
func New(opts Options) (*VM, error) {
	cfg := opts.Config
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = "."
	}
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, err
	}
	cfg.ProjectRoot = root

	clock := opts.Clock
	if clock == nil {
		clock = runlog.NewRealClock()
	}

	logger := opts.Logger
	if logger == nil {
		tracker := runlog.NewTracker(cfg.Budget)
		logger, err = runlog.New(root, runlog.NewRunID(clock.Now()), tracker, clock)
		if err != nil {
			return nil, err
		}
	}

	mem := opts.Memory
	if mem == nil {
		mem = memory.NewStore(root, clock)
	}

	caller := opts.Caller
	if caller == nil {
		caller = api.New()
	}

	prompter := opts.Prompter
	if prompter == nil {
		prompter = NewTTYPrompter()
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	detCfg := opts.Detector
	if detCfg.WindowSize == 0 && detCfg.MaxRepeats == 0 && detCfg.MaxConsecutiveFailures == 0 {
		detCfg = loopdetect.DefaultConfig()
	}

	vm := &VM{
		cfg:       cfg,
		globals:   NewEnv(nil),
		logger:    logger,
		mem:       mem,
		detector:  loopdetect.New(detCfg),
		policy:    cfg.Policy.Clone(),
		caller:    caller,
		prompter:  prompter,
		clock:     clock,
		ctxFormat: serialize.FormatJSON,
		stdout:    stdout,
		depth:     opts.Depth,
	}

	vm.dispatch = tool.NewDispatcher(
		root,
		tool.DefaultRegistry(),
		logger,
		func() types.PolicyConfig { return vm.policy },
		prompter,
		tool.WithOut(vm.say),
		tool.WithDryRun(cfg.DryRun),
		tool.WithRecall(vm.memRecall),
	)

	return vm, nil
}

func (vm *VM) Logger() *runlog.Logger { return vm.logger }
func (vm *VM) Globals() *Env          { return vm.globals }

func (vm *VM) say(msg string) {
	fmt.Fprintf(vm.stdout, "[ps] %s\n", msg)
}

func (vm *VM) tracker() *runlog.Tracker { return vm.logger.Tracker() }

// RunSource parses and runs script text, finalizing the run log on every
// exit path. The returned value is the script's top-level return, if any.
func (vm *VM) RunSource(ctx context.Context, src string) (any, error) {
	prog, err := lang.Parse(src)
	if err != nil {
		vm.logger.Error(err.Error())
		vm.logger.Finalize(false, err.Error())
		return nil, err
	}
	return vm.Run(ctx, prog)
}

// Run executes a parsed program.
func (vm *VM) Run(ctx context.Context, prog *lang.Program) (any, error) {
	out, err := vm.evalBlock(ctx, prog.Stmts, vm.globals)
	if err != nil {
		vm.logger.Error(err.Error())
		vm.logger.Finalize(false, err.Error())
		return nil, err
	}
	vm.logger.Finalize(true, "")
	if out.kind == outReturn {
		return out.value, nil
	}
	return nil, nil
}

func (vm *VM) evalBlock(ctx context.Context, stmts []lang.Stmt, env *Env) (outcome, error) {
	for _, s := range stmts {
		out, err := vm.evalStmt(ctx, s, env)
		if err != nil {
			return outcome{}, err
		}
		if out.kind != outNormal {
			return out, nil
		}
	}
	return outcome{}, nil
}

// evalStmt is one statement tick: count the step, charge the budget, emit
// the stmt event, then evaluate. A rejected tick never emits its event.
func (vm *VM) evalStmt(ctx context.Context, s lang.Stmt, env *Env) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcome{}, err
	}

	vm.step++
	vm.logger.SetStep(vm.step)
	if err := vm.tracker().AllowStep(vm.clock.Now()); err != nil {
		return outcome{}, err
	}
	vm.logger.Stmt(s.NodeType())

	switch t := s.(type) {
	case lang.FuncDef:
		env.Define(t.Name, &Function{Name: t.Name, Params: t.Params, Body: t.Body})
		return outcome{}, nil

	case lang.ClassDef:
		env.Define(t.Name, &Class{Name: t.Name, Body: t.Body})
		return outcome{}, nil

	case lang.Assign:
		v, err := vm.evalExpr(ctx, t.Value, env)
		if err != nil {
			return outcome{}, err
		}
		env.Set(t.Name, v)
		return outcome{}, nil

	case lang.AttrAssign:
		obj, err := vm.evalExpr(ctx, t.Object, env)
		if err != nil {
			return outcome{}, err
		}
		v, err := vm.evalExpr(ctx, t.Value, env)
		if err != nil {
			return outcome{}, err
		}
		switch o := obj.(type) {
		case *Object:
			o.Set(t.Attr, v)
		case *Instance:
			o.Fields.Set(t.Attr, v)
		default:
			return outcome{}, fmt.Errorf("line %d: cannot set attribute on %s", t.Pos(), formatValue(obj))
		}
		return outcome{}, nil

	case lang.IndexAssign:
		obj, err := vm.evalExpr(ctx, t.Object, env)
		if err != nil {
			return outcome{}, err
		}
		idx, err := vm.evalExpr(ctx, t.Index, env)
		if err != nil {
			return outcome{}, err
		}
		v, err := vm.evalExpr(ctx, t.Value, env)
		if err != nil {
			return outcome{}, err
		}
		switch o := obj.(type) {
		case *Array:
			i, ok := idx.(int64)
			if !ok || i < 0 || int(i) >= len(o.Elems) {
				return outcome{}, fmt.Errorf("line %d: array index out of range", t.Pos())
			}
			o.Elems[i] = v
		case *Object:
			k, ok := idx.(string)
			if !ok {
				return outcome{}, fmt.Errorf("line %d: object index must be a string", t.Pos())
			}
			o.Set(k, v)
		default:
			return outcome{}, fmt.Errorf("line %d: cannot index-assign into %s", t.Pos(), formatValue(obj))
		}
		return outcome{}, nil

	case lang.ExprStmt:
		if _, err := vm.evalExpr(ctx, t.E, env); err != nil {
			return outcome{}, err
		}
		return outcome{}, nil

	case lang.ReturnStmt:
		var v any
		if t.Value != nil {
			var err error
			v, err = vm.evalExpr(ctx, t.Value, env)
			if err != nil {
				return outcome{}, err
			}
		}
		return outcome{kind: outReturn, value: v}, nil

	case lang.BreakStmt:
		return outcome{kind: outBreak}, nil

	case lang.IfStmt:
		cond, err := vm.evalExpr(ctx, t.Cond, env)
		if err != nil {
			return outcome{}, err
		}
		if truthy(cond) {
			return vm.evalBlock(ctx, t.Then, env)
		}
		if len(t.Else) > 0 {
			return vm.evalBlock(ctx, t.Else, env)
		}
		return outcome{}, nil

	case lang.WhileStmt:
		for {
			cond, err := vm.evalExpr(ctx, t.Cond, env)
			if err != nil {
				return outcome{}, err
			}
			if !truthy(cond) {
				return outcome{}, nil
			}
			out, err := vm.evalBlock(ctx, t.Body, env)
			if err != nil {
				return outcome{}, err
			}
			if out.kind == outBreak {
				return outcome{}, nil
			}
			if out.kind == outReturn {
				return out, nil
			}
		}

	case lang.ForStmt:
		iter, err := vm.evalExpr(ctx, t.Iter, env)
		if err != nil {
			return outcome{}, err
		}
		arr, ok := iter.(*Array)
		if !ok {
			return outcome{}, fmt.Errorf("line %d: for target is not iterable: %s", t.Pos(), formatValue(iter))
		}
		for _, elem := range arr.Elems {
			env.Set(t.Name, elem)
			out, err := vm.evalBlock(ctx, t.Body, env)
			if err != nil {
				return outcome{}, err
			}
			if out.kind == outBreak {
				return outcome{}, nil
			}
			if out.kind == outReturn {
				return out, nil
			}
		}
		return outcome{}, nil

	case lang.WithPolicyStmt:
		return vm.evalWithPolicy(ctx, t, env)

	case lang.RetryStmt:
		return vm.evalRetry(ctx, t, env)

	case lang.TimeoutStmt:
		return vm.evalTimeout(ctx, t, env)

	case lang.GuardStmt:
		cond, err := vm.evalExpr(ctx, t.Cond, env)
		if err != nil {
			return outcome{}, err
		}
		if !truthy(cond) {
			return outcome{}, GuardError{Line: t.Pos()}
		}
		return outcome{}, nil

	default:
		return outcome{}, fmt.Errorf("line %d: unsupported statement %T", s.Pos(), s)
	}
}

// evalWithPolicy overlays the active policy for the block and restores it
// on every exit path.
func (vm *VM) evalWithPolicy(ctx context.Context, t lang.WithPolicyStmt, env *Env) (out outcome, err error) {
	v, err := vm.evalExpr(ctx, t.Policy, env)
	if err != nil {
		return outcome{}, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return outcome{}, fmt.Errorf("line %d: with policy requires an object literal", t.Pos())
	}

	saved := vm.policy
	vm.policy = overlayPolicy(saved.Clone(), obj)
	defer func() { vm.policy = saved }()

	return vm.evalBlock(ctx, t.Body, env)
}

// overlayPolicy applies the with-policy keys: allowActions maps onto the
// tool allowlist.
func overlayPolicy(p types.PolicyConfig, obj *Object) types.PolicyConfig {
	if v, ok := obj.Get("allowActions"); ok {
		if arr, isArr := v.(*Array); isArr {
			p.AllowTools = stringElems(arr)
		}
	}
	if v, ok := obj.Get("allowCommands"); ok {
		if arr, isArr := v.(*Array); isArr {
			p.AllowCommands = stringElems(arr)
		}
	}
	if v, ok := obj.Get("requireApproval"); ok {
		if b, isBool := v.(bool); isBool {
			p.RequireApproval = b
		}
	}
	if v, ok := obj.Get("maxFileBytes"); ok {
		if n, isInt := v.(int64); isInt && n > 0 {
			p.MaxFileBytes = int(n)
		}
	}
	return p
}

func stringElems(arr *Array) []string {
	out := make([]string, 0, len(arr.Elems))
	for _, e := range arr.Elems {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// evalRetry runs the block up to N total attempts, sleeping M ms between
// attempts. Control-flow outcomes pass through untouched.
func (vm *VM) evalRetry(ctx context.Context, t lang.RetryStmt, env *Env) (outcome, error) {
	attempts, err := vm.evalIntExpr(ctx, t.Attempts, env)
	if err != nil {
		return outcome{}, err
	}
	backoff, err := vm.evalIntExpr(ctx, t.BackoffMs, env)
	if err != nil {
		return outcome{}, err
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := int64(0); i < attempts; i++ {
		if i > 0 {
			if err := vm.clock.Sleep(ctx, time.Duration(backoff)*time.Millisecond); err != nil {
				return outcome{}, err
			}
		}
		out, err := vm.evalBlock(ctx, t.Body, env)
		if err == nil {
			return out, nil
		}
		lastErr = err
		vm.logger.Error(fmt.Sprintf("retry attempt %d/%d failed: %v", i+1, attempts, err))
	}
	return outcome{}, lastErr
}

// evalTimeout races the block against a sleep. Tool calls already in
// flight may finish after the block is declared timed out; the budget
// reflects what actually ran.
func (vm *VM) evalTimeout(ctx context.Context, t lang.TimeoutStmt, env *Env) (outcome, error) {
	ms, err := vm.evalIntExpr(ctx, t.Ms, env)
	if err != nil {
		return outcome{}, err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		out outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := vm.evalBlock(cctx, t.Body, env)
		done <- result{out, err}
	}()

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.out, r.err
	case <-timer.C:
		cancel()
		return outcome{}, TimeoutError{Ms: ms}
	}
}

func (vm *VM) evalIntExpr(ctx context.Context, e lang.Expr, env *Env) (int64, error) {
	v, err := vm.evalExpr(ctx, e, env)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("line %d: expected an integer, got %s", e.Pos(), formatValue(v))
	}
	return n, nil
}

func (vm *VM) memRecall(name, query string, topK int) (any, error) {
	chunks, err := vm.mem.Recall(name, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, map[string]any{
			"source":    c.Source,
			"content":   c.Content,
			"relevance": c.Relevance,
		})
	}
	return out, nil
}
