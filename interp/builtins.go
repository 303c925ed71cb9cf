package interp

import (
	"context"
	"fmt"

	"github.com/leonardorey-coder/promptscript/llm"
	"github.com/leonardorey-coder/promptscript/memory"
	"github.com/leonardorey-coder/promptscript/plan"
	"github.com/leonardorey-coder/promptscript/serialize"
)

type builtinFunc func(ctx context.Context, vm *VM, env *Env, args []any) (any, error)

var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"log":                biLog,
		"len":                biLen,
		"range":              biRange,
		"LLMClient":          biLLMClient,
		"plan":               biPlan,
		"apply":              biApply,
		"do":                 biDo,
		"run_agent":          biRunAgent,
		"parallel":           biParallel,
		"decide":             biDecide,
		"judge":              biJudge,
		"summarize":          biSummarize,
		"build_memory":       biBuildMemory,
		"recall":             biRecall,
		"forget":             biForget,
		"archive":            biArchive,
		"checkpoint":         biCheckpoint,
		"set_context_format": biSetContextFormat,
		"compare_formats":    biCompareFormats,
		"run":                biRun,
		"call":               biCall,
	}
}

func biLog(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("log expects 1 argument")
	}
	vm.say(formatValue(args[0]))
	return nil, nil
}

func biLen(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len expects 1 argument")
	}
	switch t := args[0].(type) {
	case string:
		return int64(len([]rune(t))), nil
	case *Array:
		return int64(len(t.Elems)), nil
	default:
		return int64(0), nil
	}
}

func biRange(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	var start, stop, step int64
	step = 1
	switch len(args) {
	case 1:
		s, ok := args[0].(int64)
		if !ok {
			return nil, fmt.Errorf("range argument must be an integer")
		}
		stop = s
	case 2, 3:
		for i, a := range args {
			n, ok := a.(int64)
			if !ok {
				return nil, fmt.Errorf("range arguments must be integers")
			}
			switch i {
			case 0:
				start = n
			case 1:
				stop = n
			case 2:
				step = n
			}
		}
	default:
		return nil, fmt.Errorf("range expects 1 to 3 arguments")
	}
	if step == 0 {
		return nil, fmt.Errorf("range step must not be zero")
	}

	arr := &Array{}
	if step > 0 {
		for i := start; i < stop; i += step {
			arr.Elems = append(arr.Elems, i)
		}
	} else {
		for i := start; i > stop; i += step {
			arr.Elems = append(arr.Elems, i)
		}
	}
	return arr, nil
}

func biLLMClient(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	var cfg *Object
	if len(args) > 0 {
		cfg, _ = args[0].(*Object)
	}
	return vm.makeClient(cfg), nil
}

func biPlan(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	prompt, opts, err := promptAndOpts("plan", args)
	if err != nil {
		return nil, err
	}

	client := vm.clientForOpts(opts)
	res, err := vm.llmCall(ctx, client, prompt, opts)
	if err != nil {
		return nil, err
	}
	return planToValue(res.Plan), nil
}

func biApply(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	action, pArgs, err := applyTarget(args)
	if err != nil {
		return nil, err
	}
	out, err := vm.dispatch.RunAction(ctx, action, pArgs)
	if err != nil {
		return nil, err
	}
	return fromGo(out), nil
}

func biDo(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	prompt, opts, err := promptAndOpts("do", args)
	if err != nil {
		return nil, err
	}

	client := vm.clientForOpts(opts)
	res, err := vm.llmCall(ctx, client, prompt, opts)
	if err != nil {
		return nil, err
	}
	out, err := vm.dispatch.RunAction(ctx, string(res.Plan.Action), res.Plan.Args)
	if err != nil {
		return nil, err
	}
	return fromGo(out), nil
}

func biDecide(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("decide expects an options object")
	}
	opts, ok := args[0].(*Object)
	if !ok {
		return nil, fmt.Errorf("decide expects an options object")
	}
	question := optStr(opts, "question")
	if question == "" {
		return nil, fmt.Errorf("decide requires a question")
	}

	prompt := question
	if schema, has := opts.Get("schema"); has {
		enc, err := serialize.Encode(vm.ctxFormat, toGo(schema))
		if err != nil {
			return nil, err
		}
		prompt += "\n\nReturn a REPORT plan whose args match this schema:\n" + enc
	}

	res, err := vm.llmCall(ctx, vm.clientForOpts(opts), prompt, opts)
	if err != nil {
		return nil, err
	}
	return fromGo(res.Plan.Args), nil
}

func biJudge(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	prompt, opts, err := promptAndOpts("judge", args)
	if err != nil {
		return nil, err
	}
	prompt += "\n\nReturn a REPORT plan whose args.message is exactly \"true\" or \"false\"."

	res, err := vm.llmCall(ctx, vm.clientForOpts(opts), prompt, opts)
	if err != nil {
		return nil, err
	}

	switch m := res.Plan.Args["message"].(type) {
	case bool:
		return m, nil
	case string:
		if m == "true" {
			return true, nil
		}
		if m == "false" {
			return false, nil
		}
	}
	return nil, fmt.Errorf("judge reply is not a boolean verdict")
}

func biSummarize(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	prompt, opts, err := promptAndOpts("summarize", args)
	if err != nil {
		return nil, err
	}
	key := optStr(opts, "memory_key")
	if key == "" {
		return nil, fmt.Errorf("summarize requires a memory_key")
	}

	res, err := vm.llmCall(ctx, vm.clientForOpts(opts), prompt, opts)
	if err != nil {
		return nil, err
	}

	text := res.Plan.StringArg("message")
	if text == "" {
		text = res.Plan.Reason
	}
	if text == "" {
		text = res.Raw
	}
	vm.mem.SetSummary(key, text)
	return text, nil
}

func biBuildMemory(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("build_memory expects a name")
	}
	name, ok := args[0].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("build_memory expects a name")
	}

	var globs []string
	mode := "create"
	if len(args) > 1 {
		if opts, isObj := args[1].(*Object); isObj {
			if v, has := opts.Get("globs"); has {
				if arr, isArr := v.(*Array); isArr {
					globs = stringElems(arr)
				}
			}
			if m := optStr(opts, "mode"); m != "" {
				mode = m
			}
		}
	}

	lt, err := vm.mem.Build(name, globs, mode)
	if err != nil {
		return nil, err
	}
	out := NewObject()
	out.Set("name", name)
	out.Set("files", int64(len(lt.FileSummaries)))
	return out, nil
}

func biRecall(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("recall expects a name and a query")
	}
	name, _ := args[0].(string)
	query, _ := args[1].(string)
	topK := 0
	if len(args) > 2 {
		if opts, isObj := args[2].(*Object); isObj {
			topK = int(optInt(opts, "top_k", 0))
		}
	}
	out, err := vm.memRecall(name, query, topK)
	if err != nil {
		return nil, err
	}
	return fromGo(out), nil
}

func biForget(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	opts, err := singleObject("forget", args)
	if err != nil {
		return nil, err
	}
	key := optStr(opts, "memory_key")
	mode := optStr(opts, "mode")
	if key == "" || mode == "" {
		return nil, fmt.Errorf("forget requires memory_key and mode")
	}
	keepN := int(optInt(opts, "keep_n", 0))

	res, err := vm.mem.Forget(key, mode, keepN)
	if err != nil {
		return nil, err
	}
	out := NewObject()
	out.Set("before_tokens", int64(res.BeforeTokens))
	out.Set("after_tokens", int64(res.AfterTokens))
	return out, nil
}

func biArchive(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	opts, err := singleObject("archive", args)
	if err != nil {
		return nil, err
	}
	key := optStr(opts, "memory_key")
	if key == "" {
		return nil, fmt.Errorf("archive requires a memory_key")
	}

	archiveKey, err := vm.mem.Archive(key, optStr(opts, "to_ltm"), optBool(opts, "clear_stm"))
	if err != nil {
		return nil, err
	}
	out := NewObject()
	out.Set("archive_key", archiveKey)
	return out, nil
}

func biCheckpoint(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	opts, err := singleObject("checkpoint", args)
	if err != nil {
		return nil, err
	}
	key := optStr(opts, "memory_key")
	if key == "" {
		return nil, fmt.Errorf("checkpoint requires a memory_key")
	}

	cp := memory.Checkpoint{Milestones: map[string]memory.Milestone{}, Next: optStr(opts, "next")}
	if v, has := opts.Get("milestones"); has {
		if obj, isObj := v.(*Object); isObj {
			for _, name := range obj.Keys() {
				mv, _ := obj.Get(name)
				switch m := mv.(type) {
				case bool:
					cp.Milestones[name] = memory.Milestone{OK: m}
				case *Object:
					cp.Milestones[name] = memory.Milestone{OK: optBool(m, "ok"), Evidence: optStr(m, "evidence")}
				}
			}
		}
	}
	vm.mem.SetCheckpoint(key, cp)
	return nil, nil
}

func biSetContextFormat(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("set_context_format expects a format name")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("set_context_format expects a format name")
	}
	f, err := serialize.ParseFormat(s)
	if err != nil {
		return nil, err
	}
	vm.ctxFormat = f
	return nil, nil
}

func biCompareFormats(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("compare_formats expects 1 argument")
	}
	cmp, err := serialize.Compare(toGo(args[0]))
	if err != nil {
		return nil, err
	}
	out := NewObject()
	out.Set("json_bytes", int64(cmp.JSONBytes))
	out.Set("toon_bytes", int64(cmp.TOONBytes))
	out.Set("savings_pct", cmp.SavingsPct)
	out.Set("recommended", string(cmp.Recommended))
	return out, nil
}

func biRun(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	_, err := vm.runSubworkflow(ctx, args)
	return nil, err
}

func biCall(ctx context.Context, vm *VM, env *Env, args []any) (any, error) {
	return vm.runSubworkflow(ctx, args)
}

// Shared argument helpers.

func promptAndOpts(name string, args []any) (string, *Object, error) {
	if len(args) < 1 {
		return "", nil, fmt.Errorf("%s expects a prompt", name)
	}
	prompt, ok := args[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%s expects a string prompt", name)
	}
	var opts *Object
	if len(args) > 1 {
		opts, _ = args[1].(*Object)
	}
	return prompt, opts, nil
}

func singleObject(name string, args []any) (*Object, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s expects an options object", name)
	}
	opts, ok := args[0].(*Object)
	if !ok {
		return nil, fmt.Errorf("%s expects an options object", name)
	}
	return opts, nil
}

// applyTarget accepts apply(planObject) or apply("ACTION", argsObject).
func applyTarget(args []any) (string, map[string]any, error) {
	switch len(args) {
	case 1:
		obj, ok := args[0].(*Object)
		if !ok {
			return "", nil, fmt.Errorf("apply expects a plan object or an action name")
		}
		action := optStr(obj, "action")
		if action == "" {
			return "", nil, fmt.Errorf("apply: plan object has no action")
		}
		var pArgs map[string]any
		if v, has := obj.Get("args"); has {
			if m, isMap := toGo(v).(map[string]any); isMap {
				pArgs = m
			}
		}
		if pArgs == nil {
			pArgs = map[string]any{}
		}
		return action, pArgs, nil

	case 2:
		action, ok := args[0].(string)
		if !ok {
			return "", nil, fmt.Errorf("apply expects an action name string")
		}
		pArgs := map[string]any{}
		if obj, isObj := args[1].(*Object); isObj {
			if m, isMap := toGo(obj).(map[string]any); isMap {
				pArgs = m
			}
		}
		return action, pArgs, nil
	}
	return "", nil, fmt.Errorf("apply expects 1 or 2 arguments")
}

func optStr(o *Object, key string) string {
	if o == nil {
		return ""
	}
	v, _ := o.Get(key)
	s, _ := v.(string)
	return s
}

func optInt(o *Object, key string, def int64) int64 {
	if o == nil {
		return def
	}
	if v, ok := o.Get(key); ok {
		if n, isInt := v.(int64); isInt {
			return n
		}
	}
	return def
}

func optBool(o *Object, key string) bool {
	if o == nil {
		return false
	}
	v, _ := o.Get(key)
	b, _ := v.(bool)
	return b
}

// planToValue renders a validated Plan as a script object.
func planToValue(p plan.Plan) *Object {
	obj := NewObject()
	obj.Set("action", string(p.Action))

	argsObj := NewObject()
	if v, ok := fromGo(p.Args).(*Object); ok {
		argsObj = v
	}
	obj.Set("args", argsObj)
	obj.Set("done", p.Done)
	if p.Confidence > 0 {
		obj.Set("confidence", p.Confidence)
	}
	if p.Reason != "" {
		obj.Set("reason", p.Reason)
	}
	return obj
}

// llmCall is the single path every LLM builtin funnels through: budget,
// request composition, adapter call, event, token charge, loop watch.
func (vm *VM) llmCall(ctx context.Context, c *Client, prompt string, opts *Object) (llm.Result, error) {
	now := vm.clock.Now()
	if err := vm.tracker().AllowLLM(now); err != nil {
		vm.logger.Error(err.Error())
		return llm.Result{}, err
	}

	req := llm.Request{User: prompt, System: optStr(opts, "system")}

	if opts != nil {
		if v, has := opts.Get("context"); has {
			enc, err := serialize.Encode(vm.ctxFormat, toGo(v))
			if err != nil {
				return llm.Result{}, err
			}
			req.Context = enc
		}
	}
	if key := optStr(opts, "memory_key"); key != "" {
		req.MemoryBlock = vm.mem.ContextBlock(key)
	}

	if mp := mockFromOpts(opts); mp != nil {
		req.MockPlan = mp
	} else if mock := c.nextMock(); mock != nil {
		req.MockPlan = mock
	}

	res, err := c.adapter.Request(ctx, req)
	if err != nil {
		vm.logger.Error(err.Error())
		return llm.Result{}, err
	}

	vm.logger.LLM(
		map[string]any{"user": prompt, "system": req.System, "mock": req.MockPlan != nil},
		string(res.Plan.MarshalCanonical()),
		res.Tokens, res.LatencyMs, res.Retries,
	)
	vm.tracker().ChargeTokens(c.adapter.Config().Model, res.Tokens, now)

	if err := vm.observePlan(res.Plan, true); err != nil {
		return llm.Result{}, err
	}
	return res, nil
}

// observePlan feeds the loop detector and emits the warning once; with
// halt-on-loop set, detection is fatal.
func (vm *VM) observePlan(p plan.Plan, success bool) error {
	detected := vm.detector.Observe(p, success)
	if !detected {
		return nil
	}
	if !vm.loopWarned {
		vm.loopWarned = true
		vm.logger.LoopWarning(vm.detector.Kind(), vm.detector.Suggestion())
	}
	if vm.cfg.HaltOnLoop {
		return vm.loopError()
	}
	return nil
}

func (vm *VM) loopError() error {
	return vm.detector.Err()
}

// makeClient constructs the opaque client value; script code cannot forge
// one.
func (vm *VM) makeClient(cfg *Object) *Client {
	llmCfg := vm.cfg.LLM
	if cfg != nil {
		if s := optStr(cfg, "provider"); s != "" {
			llmCfg.Provider = s
		}
		if s := optStr(cfg, "model"); s != "" {
			llmCfg.Model = s
		}
		if s := optStr(cfg, "api_key"); s != "" {
			llmCfg.APIKey = s
		}
		if s := optStr(cfg, "url"); s != "" {
			llmCfg.URL = s
		}
		if n := optInt(cfg, "timeout_ms", 0); n > 0 {
			llmCfg.TimeoutMs = int(n)
		}
		if n := optInt(cfg, "max_retries", 0); n > 0 {
			llmCfg.MaxRetries = int(n)
		}
		if n := optInt(cfg, "max_tokens", 0); n > 0 {
			llmCfg.MaxTokens = int(n)
		}
	}

	c := &Client{
		adapter: llm.NewAdapter(llmCfg, vm.caller, vm.clock, llm.WithErrorSink(vm.logger.Error)),
		noAsk:   optBool(cfg, "no_ask"),
	}
	c.mockPlans = mockList(cfg)
	return c
}

// clientForOpts returns the default client unless the options pin a
// provider, model, or mock plan.
func (vm *VM) clientForOpts(opts *Object) *Client {
	if opts != nil {
		if optStr(opts, "provider") != "" || optStr(opts, "model") != "" || opts.Has("mock_plan") {
			return vm.makeClient(opts)
		}
	}
	if vm.defaultClient == nil {
		vm.defaultClient = vm.makeClient(nil)
	}
	return vm.defaultClient
}

// mockList extracts mock_plan from a client config: a single plan object
// or an array consumed in sequence.
func mockList(cfg *Object) []map[string]any {
	if cfg == nil {
		return nil
	}
	v, ok := cfg.Get("mock_plan")
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case *Object:
		if m, isMap := toGo(t).(map[string]any); isMap {
			return []map[string]any{m}
		}
	case *Array:
		var out []map[string]any
		for _, e := range t.Elems {
			if m, isMap := toGo(e).(map[string]any); isMap {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// mockFromOpts honors a per-call mock_plan override.
func mockFromOpts(opts *Object) map[string]any {
	if opts == nil {
		return nil
	}
	v, ok := opts.Get("mock_plan")
	if !ok {
		return nil
	}
	if obj, isObj := v.(*Object); isObj {
		if m, isMap := toGo(obj).(map[string]any); isMap {
			return m
		}
	}
	return nil
}
