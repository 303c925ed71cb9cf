package types

import (
	"encoding/json"
	"fmt"
)

// PlanSpec is the versioned intermediate representation produced by the
// external Markdown compiler. The runtime only needs to accept and validate
// it; code generation lives outside this module.
type PlanSpec struct {
	Version int            `json:"version" yaml:"version"`
	Goal    string         `json:"goal" yaml:"goal"`
	Title   string         `json:"title,omitempty" yaml:"title,omitempty"`
	Source  string         `json:"source,omitempty" yaml:"source,omitempty"`
	Policy  *PolicyConfig  `json:"policy,omitempty" yaml:"policy,omitempty"`
	LLM     *LLMConfig     `json:"llm,omitempty" yaml:"llm,omitempty"`
	Memory  *MemoryConfig  `json:"memory,omitempty" yaml:"memory,omitempty"`
	Steps   []PlanSpecStep `json:"steps" yaml:"steps"`
}

type MemoryConfig struct {
	Key         string `json:"key,omitempty" yaml:"key,omitempty"`
	WindowSteps int    `json:"window_steps,omitempty" yaml:"window_steps,omitempty"`
}

// PlanSpecStep is a tagged union; Kind selects which of the remaining
// fields are meaningful.
type PlanSpecStep struct {
	Kind string         `json:"kind" yaml:"kind"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	// Nested blocks for timeout / retry / parallel.
	Steps     []PlanSpecStep `json:"steps,omitempty" yaml:"steps,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Attempts  int            `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	BackoffMs int            `json:"backoff_ms,omitempty" yaml:"backoff_ms,omitempty"`
}

var planSpecKinds = map[string]bool{
	"read_file": true, "search": true, "write_file": true, "patch_file": true,
	"run_cmd": true, "run_agent": true, "plan_apply": true, "decide": true,
	"judge": true, "summarize": true, "parallel": true, "timeout": true,
	"retry": true, "report": true,
}

func ParsePlanSpec(raw []byte) (PlanSpec, error) {
	var ps PlanSpec
	if err := json.Unmarshal(raw, &ps); err != nil {
		return PlanSpec{}, fmt.Errorf("invalid planspec: %w", err)
	}
	if err := ps.Validate(); err != nil {
		return PlanSpec{}, err
	}
	return ps, nil
}

func (ps PlanSpec) Validate() error {
	if ps.Version != 1 {
		return fmt.Errorf("unsupported planspec version: %d", ps.Version)
	}
	if ps.Goal == "" {
		return fmt.Errorf("planspec missing goal")
	}
	switch ps.Source {
	case "", "human", "llm", "mixed":
	default:
		return fmt.Errorf("planspec has unknown source %q", ps.Source)
	}
	if len(ps.Steps) == 0 {
		return fmt.Errorf("planspec has no steps")
	}
	return validateSteps(ps.Steps)
}

func validateSteps(steps []PlanSpecStep) error {
	for i, s := range steps {
		if !planSpecKinds[s.Kind] {
			return fmt.Errorf("step %d has unknown kind %q", i, s.Kind)
		}
		switch s.Kind {
		case "timeout":
			if s.TimeoutMs <= 0 {
				return fmt.Errorf("step %d timeout requires timeout_ms", i)
			}
		case "retry":
			if s.Attempts <= 0 {
				return fmt.Errorf("step %d retry requires attempts", i)
			}
		}
		if len(s.Steps) > 0 {
			if err := validateSteps(s.Steps); err != nil {
				return err
			}
		}
	}
	return nil
}
