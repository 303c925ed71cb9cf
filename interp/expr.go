package interp

import (
	"context"
	"fmt"
	"strings"

	"github.com/leonardorey-coder/promptscript/lang"
)

func (vm *VM) evalExpr(ctx context.Context, e lang.Expr, env *Env) (any, error) {
	switch t := e.(type) {
	case lang.IntLit:
		return t.V, nil
	case lang.StrLit:
		return t.V, nil
	case lang.BoolLit:
		return t.V, nil
	case lang.NullLit:
		return nil, nil

	case lang.VarExpr:
		v, ok := env.Get(t.Name)
		if !ok {
			return nil, fmt.Errorf("line %d: undefined variable %q", t.Pos(), t.Name)
		}
		return v, nil

	case lang.ObjectLit:
		obj := NewObject()
		for i, key := range t.Keys {
			v, err := vm.evalExpr(ctx, t.Values[i], env)
			if err != nil {
				return nil, err
			}
			obj.Set(key, v)
		}
		return obj, nil

	case lang.ArrayLit:
		arr := &Array{Elems: make([]any, 0, len(t.Elems))}
		for _, el := range t.Elems {
			v, err := vm.evalExpr(ctx, el, env)
			if err != nil {
				return nil, err
			}
			arr.Elems = append(arr.Elems, v)
		}
		return arr, nil

	case lang.UnaryExpr:
		v, err := vm.evalExpr(ctx, t.E, env)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil

	case lang.BinaryExpr:
		return vm.evalBinary(ctx, t, env)

	case lang.MemberExpr:
		obj, err := vm.evalExpr(ctx, t.Object, env)
		if err != nil {
			return nil, err
		}
		return memberOf(obj, t.Name), nil

	case lang.IndexExpr:
		return vm.evalIndex(ctx, t, env)

	case lang.CallExpr:
		return vm.evalCall(ctx, t, env)
	}

	return nil, fmt.Errorf("line %d: unsupported expression %T", e.Pos(), e)
}

// memberOf implements attribute access. Access on a non-object yields
// null rather than an error.
func memberOf(obj any, name string) any {
	switch o := obj.(type) {
	case *Object:
		v, _ := o.Get(name)
		return v
	case *Instance:
		v, _ := o.Fields.Get(name)
		return v
	default:
		return nil
	}
}

func (vm *VM) evalIndex(ctx context.Context, t lang.IndexExpr, env *Env) (any, error) {
	obj, err := vm.evalExpr(ctx, t.Object, env)
	if err != nil {
		return nil, err
	}
	idx, err := vm.evalExpr(ctx, t.Index, env)
	if err != nil {
		return nil, err
	}

	switch o := obj.(type) {
	case *Array:
		i, ok := idx.(int64)
		if !ok {
			return nil, fmt.Errorf("line %d: array index must be an integer", t.Pos())
		}
		if i < 0 || int(i) >= len(o.Elems) {
			return nil, fmt.Errorf("line %d: array index %d out of range", t.Pos(), i)
		}
		return o.Elems[i], nil

	case *Object:
		k, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("line %d: object index must be a string", t.Pos())
		}
		v, _ := o.Get(k)
		return v, nil

	case string:
		i, ok := idx.(int64)
		if !ok {
			return nil, fmt.Errorf("line %d: string index must be an integer", t.Pos())
		}
		runes := []rune(o)
		if i < 0 || int(i) >= len(runes) {
			return nil, fmt.Errorf("line %d: string index %d out of range", t.Pos(), i)
		}
		return string(runes[i]), nil
	}

	return nil, fmt.Errorf("line %d: cannot index into %s", t.Pos(), formatValue(obj))
}

func (vm *VM) evalBinary(ctx context.Context, t lang.BinaryExpr, env *Env) (any, error) {
	// Short-circuit forms first.
	switch t.Op {
	case "and":
		l, err := vm.evalExpr(ctx, t.L, env)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return l, nil
		}
		return vm.evalExpr(ctx, t.R, env)
	case "or":
		l, err := vm.evalExpr(ctx, t.L, env)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return l, nil
		}
		return vm.evalExpr(ctx, t.R, env)
	}

	l, err := vm.evalExpr(ctx, t.L, env)
	if err != nil {
		return nil, err
	}
	r, err := vm.evalExpr(ctx, t.R, env)
	if err != nil {
		return nil, err
	}

	switch t.Op {
	case "+":
		switch lv := l.(type) {
		case int64:
			if rv, ok := r.(int64); ok {
				return lv + rv, nil
			}
		case string:
			if rv, ok := r.(string); ok {
				return lv + rv, nil
			}
		case *Array:
			if rv, ok := r.(*Array); ok {
				elems := make([]any, 0, len(lv.Elems)+len(rv.Elems))
				elems = append(elems, lv.Elems...)
				elems = append(elems, rv.Elems...)
				return &Array{Elems: elems}, nil
			}
		}
		return nil, fmt.Errorf("line %d: cannot add %s and %s", t.Pos(), formatValue(l), formatValue(r))

	case "==":
		return valuesEqual(l, r), nil
	case "!=":
		return !valuesEqual(l, r), nil

	case "<", "<=", ">", ">=":
		return compareOrdered(t.Op, l, r, t.Pos())

	case "in":
		return containsValue(r, l, t.Pos())
	}

	return nil, fmt.Errorf("line %d: unknown operator %q", t.Pos(), t.Op)
}

func compareOrdered(op string, l, r any, line int) (any, error) {
	if li, ok := l.(int64); ok {
		if ri, ok := r.(int64); ok {
			switch op {
			case "<":
				return li < ri, nil
			case "<=":
				return li <= ri, nil
			case ">":
				return li > ri, nil
			case ">=":
				return li >= ri, nil
			}
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}
	return nil, fmt.Errorf("line %d: cannot compare %s and %s", line, formatValue(l), formatValue(r))
}

// containsValue implements `needle in haystack` for objects (key),
// arrays (element), and strings (substring).
func containsValue(haystack, needle any, line int) (any, error) {
	switch h := haystack.(type) {
	case *Object:
		k, ok := needle.(string)
		if !ok {
			return false, nil
		}
		return h.Has(k), nil
	case *Array:
		for _, e := range h.Elems {
			if valuesEqual(e, needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(h, n), nil
	}
	return nil, fmt.Errorf("line %d: 'in' requires an object, array, or string", line)
}

func (vm *VM) evalCall(ctx context.Context, t lang.CallExpr, env *Env) (any, error) {
	// Builtins resolve by bare name first; user definitions are the
	// fallback.
	if v, ok := t.Fn.(lang.VarExpr); ok {
		if fn, isBuiltin := builtins[v.Name]; isBuiltin {
			args, err := vm.evalArgs(ctx, t.Args, env)
			if err != nil {
				return nil, err
			}
			return fn(ctx, vm, env, args)
		}
	}

	// Method call: obj.name(args).
	if m, ok := t.Fn.(lang.MemberExpr); ok {
		obj, err := vm.evalExpr(ctx, m.Object, env)
		if err != nil {
			return nil, err
		}
		args, err := vm.evalArgs(ctx, t.Args, env)
		if err != nil {
			return nil, err
		}
		return vm.callMethod(ctx, obj, m.Name, args, t.Pos())
	}

	callee, err := vm.evalExpr(ctx, t.Fn, env)
	if err != nil {
		return nil, err
	}
	args, err := vm.evalArgs(ctx, t.Args, env)
	if err != nil {
		return nil, err
	}
	return vm.callValue(ctx, callee, args, t.Pos())
}

func (vm *VM) evalArgs(ctx context.Context, exprs []lang.Expr, env *Env) ([]any, error) {
	args := make([]any, 0, len(exprs))
	for _, e := range exprs {
		v, err := vm.evalExpr(ctx, e, env)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

func (vm *VM) callValue(ctx context.Context, callee any, args []any, line int) (any, error) {
	switch fn := callee.(type) {
	case *Function:
		return vm.callFunction(ctx, fn, args, nil)
	case *Class:
		return vm.instantiate(ctx, fn, args)
	case *Client:
		if len(args) < 1 {
			return nil, fmt.Errorf("line %d: client call requires a prompt", line)
		}
		prompt, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("line %d: client prompt must be a string", line)
		}
		var opts *Object
		if len(args) > 1 {
			opts, _ = args[1].(*Object)
		}
		res, err := vm.llmCall(ctx, fn, prompt, opts)
		if err != nil {
			return nil, err
		}
		return planToValue(res.Plan), nil
	}
	return nil, fmt.Errorf("line %d: %s is not callable", line, formatValue(callee))
}

// callFunction executes a user function in fresh locals over globals;
// self, when non-nil, is bound for method bodies.
func (vm *VM) callFunction(ctx context.Context, fn *Function, args []any, self *Instance) (any, error) {
	local := NewEnv(vm.globals)
	for i, p := range fn.Params {
		if i < len(args) {
			local.Define(p, args[i])
		} else {
			local.Define(p, nil)
		}
	}
	if self != nil {
		local.Define("self", self)
	}

	out, err := vm.evalBlock(ctx, fn.Body, local)
	if err != nil {
		return nil, err
	}
	if out.kind == outReturn {
		return out.value, nil
	}
	return nil, nil
}

// instantiate runs the class body with self bound to a fresh instance;
// defs in the body become methods, and an init method receives the
// constructor arguments.
func (vm *VM) instantiate(ctx context.Context, cls *Class, args []any) (any, error) {
	inst := &Instance{Class: cls, Fields: NewObject()}

	local := NewEnv(vm.globals)
	local.Define("self", inst)

	for _, s := range cls.Body {
		if def, ok := s.(lang.FuncDef); ok {
			inst.Fields.Set(def.Name, &Function{Name: def.Name, Params: def.Params, Body: def.Body})
			continue
		}
		out, err := vm.evalStmt(ctx, s, local)
		if err != nil {
			return nil, err
		}
		if out.kind != outNormal {
			return nil, fmt.Errorf("line %d: control flow escapes class body", s.Pos())
		}
	}

	if initFn, ok := inst.Fields.Get("init"); ok {
		if fn, isFn := initFn.(*Function); isFn {
			if _, err := vm.callFunction(ctx, fn, args, inst); err != nil {
				return nil, err
			}
		}
	}
	return inst, nil
}

func (vm *VM) callMethod(ctx context.Context, obj any, name string, args []any, line int) (any, error) {
	switch o := obj.(type) {
	case *Instance:
		v, ok := o.Fields.Get(name)
		if !ok {
			return nil, fmt.Errorf("line %d: %s has no method %q", line, formatValue(obj), name)
		}
		if fn, isFn := v.(*Function); isFn {
			return vm.callFunction(ctx, fn, args, o)
		}
		return vm.callValue(ctx, v, args, line)

	case *Object:
		v, ok := o.Get(name)
		if !ok {
			return nil, fmt.Errorf("line %d: object has no member %q", line, name)
		}
		return vm.callValue(ctx, v, args, line)
	}
	return nil, fmt.Errorf("line %d: cannot call method %q on %s", line, name, formatValue(obj))
}
