package interp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/leonardorey-coder/promptscript/lang"
	"github.com/leonardorey-coder/promptscript/llm"
)

// Script values are dynamically typed: nil, bool, int64, string, *Array,
// *Object, *Function, *Class, *Instance, *Client. Every builtin pattern-
// matches on this set.

// Object is an ordered string-keyed mapping.
type Object struct {
	keys []string
	m    map[string]any
}

func NewObject() *Object {
	return &Object{m: map[string]any{}}
}

func (o *Object) Set(key string, v any) {
	if _, ok := o.m[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.m[key] = v
}

func (o *Object) Get(key string) (any, bool) {
	v, ok := o.m[key]
	return v, ok
}

func (o *Object) Has(key string) bool {
	_, ok := o.m[key]
	return ok
}

func (o *Object) Keys() []string { return o.keys }
func (o *Object) Len() int       { return len(o.keys) }

type Array struct {
	Elems []any
}

// Function is a user-defined function; bodies close over globals only.
type Function struct {
	Name   string
	Params []string
	Body   []lang.Stmt
}

// Class is a single-level constructor; invoking it creates an Instance
// and executes the class body with self bound.
type Class struct {
	Name string
	Body []lang.Stmt
}

type Instance struct {
	Class  *Class
	Fields *Object
}

// Client is an opaque, callable LLM client value. Script code cannot
// forge one: only the LLMClient builtin constructs it.
type Client struct {
	adapter   *llm.Adapter
	mockPlans []map[string]any
	mockIdx   int
	noAsk     bool
}

// nextMock hands out mock plans in sequence; the last one repeats once
// the list is exhausted.
func (c *Client) nextMock() map[string]any {
	if len(c.mockPlans) == 0 {
		return nil
	}
	mp := c.mockPlans[c.mockIdx]
	if c.mockIdx < len(c.mockPlans)-1 {
		c.mockIdx++
	}
	return mp
}

// truthy implements the language's truthiness: null, false, 0, "", [],
// and {} are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case string:
		return t != ""
	case *Array:
		return len(t.Elems) > 0
	case *Object:
		return t.Len() > 0
	default:
		return true
	}
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case *Array:
		bv, ok := b.(*Array)
		if !ok || len(av.Elems) != len(bv.Elems) {
			return false
		}
		for i := range av.Elems {
			if !valuesEqual(av.Elems[i], bv.Elems[i]) {
				return false
			}
		}
		return true
	case *Object:
		bv, ok := b.(*Object)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		for _, k := range av.keys {
			x, _ := av.Get(k)
			y, found := bv.Get(k)
			if !found || !valuesEqual(x, y) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// formatValue renders a value for log output and continuation prompts.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int64:
		return fmt.Sprintf("%d", t)
	case string:
		return t
	case *Array:
		parts := make([]string, len(t.Elems))
		for i, e := range t.Elems {
			parts[i] = formatInner(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Object:
		parts := make([]string, 0, t.Len())
		for _, k := range t.keys {
			val, _ := t.Get(k)
			parts = append(parts, fmt.Sprintf("%s: %s", k, formatInner(val)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *Function:
		return fmt.Sprintf("<function %s>", t.Name)
	case *Class:
		return fmt.Sprintf("<class %s>", t.Name)
	case *Instance:
		return fmt.Sprintf("<%s instance>", t.Class.Name)
	case *Client:
		return "<llm client>"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatInner(v any) string {
	if s, ok := v.(string); ok {
		b, _ := json.Marshal(s)
		return string(b)
	}
	return formatValue(v)
}

// toGo converts a script value into plain Go data for JSON, plans, and
// events.
func toGo(v any) any {
	switch t := v.(type) {
	case *Array:
		out := make([]any, len(t.Elems))
		for i, e := range t.Elems {
			out[i] = toGo(e)
		}
		return out
	case *Object:
		out := make(map[string]any, t.Len())
		for _, k := range t.keys {
			val, _ := t.Get(k)
			out[k] = toGo(val)
		}
		return out
	case *Instance:
		return toGo(t.Fields)
	default:
		return v
	}
}

// fromGo converts plain Go data (decoded JSON, tool outputs) into script
// values. Map keys are sorted so object iteration is deterministic.
func fromGo(v any) any {
	switch t := v.(type) {
	case []any:
		arr := &Array{Elems: make([]any, len(t))}
		for i, e := range t {
			arr.Elems[i] = fromGo(e)
		}
		return arr
	case []string:
		arr := &Array{Elems: make([]any, len(t))}
		for i, e := range t {
			arr.Elems[i] = e
		}
		return arr
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := NewObject()
		for _, k := range keys {
			obj.Set(k, fromGo(t[k]))
		}
		return obj
	case int:
		return int64(t)
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	default:
		return v
	}
}
