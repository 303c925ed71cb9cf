package interp

// Env is a two-level environment: every function call gets fresh locals
// over the shared globals. Functions close over globals only; there is no
// full closure capture.
type Env struct {
	vars   map[string]any
	parent *Env
}

func NewEnv(parent *Env) *Env {
	return &Env{vars: map[string]any{}, parent: parent}
}

func (e *Env) Get(name string) (any, bool) {
	for env := e; env != nil; env = env.parent {
		if v, ok := env.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes into the nearest scope that already binds name, else into
// this scope.
func (e *Env) Set(name string, v any) {
	for env := e; env != nil; env = env.parent {
		if _, ok := env.vars[name]; ok {
			env.vars[name] = v
			return
		}
	}
	e.vars[name] = v
}

// Define binds name in this scope unconditionally.
func (e *Env) Define(name string, v any) {
	e.vars[name] = v
}
