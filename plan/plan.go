package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Action string

const (
	ActionReadFile  Action = "READ_FILE"
	ActionSearch    Action = "SEARCH"
	ActionWriteFile Action = "WRITE_FILE"
	ActionPatchFile Action = "PATCH_FILE"
	ActionRunCmd    Action = "RUN_CMD"
	ActionAskUser   Action = "ASK_USER"
	ActionReport    Action = "REPORT"
)

// PatchMarker is the required prefix of every PATCH_FILE payload. Anything
// else is rejected rather than silently written.
const PatchMarker = "REPLACE:\n"

const (
	MaxReadBytes     = 500_000
	MaxSearchResults = 5_000
	MaxCmdTimeoutMs  = 120_000
)

// Plan is the single-action object the LLM returns and the tool dispatcher
// consumes. Args hold the per-action payload, already shape-checked by
// Validate.
type Plan struct {
	Action     Action         `json:"action"`
	Args       map[string]any `json:"args"`
	Done       bool           `json:"done"`
	Confidence float64        `json:"confidence,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// SchemaError is a typed error so the adapter can branch on validation
// failures and issue a correction retry.
type SchemaError struct {
	Action Action
	Field  string
	Reason string
}

func (e SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema error: action=%s field=%s: %s", e.Action, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema error: %s", e.Reason)
}

func Actions() []Action {
	return []Action{
		ActionReadFile, ActionSearch, ActionWriteFile, ActionPatchFile,
		ActionRunCmd, ActionAskUser, ActionReport,
	}
}

func IsAction(s string) bool {
	for _, a := range Actions() {
		if string(a) == s {
			return true
		}
	}
	return false
}

// Parse unmarshals raw JSON into a validated Plan.
func Parse(raw []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return Plan{}, SchemaError{Reason: fmt.Sprintf("not a plan object: %v", err)}
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// FromValue validates an already-decoded object (a mock_plan or a plan
// literal constructed by script code).
func FromValue(v map[string]any) (Plan, error) {
	p := Plan{}

	action, _ := v["action"].(string)
	p.Action = Action(action)

	if args, ok := v["args"].(map[string]any); ok {
		p.Args = args
	}
	if done, ok := v["done"].(bool); ok {
		p.Done = done
	}
	switch c := v["confidence"].(type) {
	case float64:
		p.Confidence = c
	case int64:
		p.Confidence = float64(c)
	case int:
		p.Confidence = float64(c)
	}
	if r, ok := v["reason"].(string); ok {
		p.Reason = r
	}

	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate checks the envelope plus the per-action argument shape.
func (p Plan) Validate() error {
	if p.Action == "" {
		return SchemaError{Reason: "missing action"}
	}
	if !IsAction(string(p.Action)) {
		return SchemaError{Action: p.Action, Reason: fmt.Sprintf("unknown action %q", p.Action)}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return SchemaError{Action: p.Action, Field: "confidence", Reason: "must be in [0,1]"}
	}

	args := p.Args
	if args == nil {
		args = map[string]any{}
	}

	switch p.Action {
	case ActionReadFile:
		if err := requireString(p.Action, args, "path"); err != nil {
			return err
		}
		return optionalBoundedInt(p.Action, args, "maxBytes", MaxReadBytes)

	case ActionSearch:
		if err := requireString(p.Action, args, "query"); err != nil {
			return err
		}
		if err := optionalStringSlice(p.Action, args, "globs", 0); err != nil {
			return err
		}
		return optionalBoundedInt(p.Action, args, "maxResults", MaxSearchResults)

	case ActionWriteFile:
		if err := requireString(p.Action, args, "path"); err != nil {
			return err
		}
		if _, ok := args["content"].(string); !ok {
			return SchemaError{Action: p.Action, Field: "content", Reason: "required string"}
		}
		if m, ok := args["mode"]; ok {
			s, isStr := m.(string)
			if !isStr || (s != "overwrite" && s != "create_only") {
				return SchemaError{Action: p.Action, Field: "mode", Reason: `must be "overwrite" or "create_only"`}
			}
		}
		return nil

	case ActionPatchFile:
		if err := requireString(p.Action, args, "path"); err != nil {
			return err
		}
		patch, ok := args["patch"].(string)
		if !ok || patch == "" {
			return SchemaError{Action: p.Action, Field: "patch", Reason: "required string"}
		}
		if !strings.HasPrefix(patch, PatchMarker) {
			return SchemaError{Action: p.Action, Field: "patch", Reason: `must begin with "REPLACE:\n"`}
		}
		return nil

	case ActionRunCmd:
		if err := requireString(p.Action, args, "cmd"); err != nil {
			return err
		}
		if err := optionalStringSlice(p.Action, args, "args", 0); err != nil {
			return err
		}
		return optionalBoundedInt(p.Action, args, "timeoutMs", MaxCmdTimeoutMs)

	case ActionAskUser:
		if err := requireString(p.Action, args, "question"); err != nil {
			return err
		}
		return optionalStringSlice(p.Action, args, "choices", 1)

	case ActionReport:
		if err := requireString(p.Action, args, "message"); err != nil {
			return err
		}
		if err := optionalStringSlice(p.Action, args, "filesChanged", 0); err != nil {
			return err
		}
		return optionalStringSlice(p.Action, args, "nextSuggestions", 0)
	}

	return nil
}

// MarshalCanonical renders the canonical wire form of the Plan.
func (p Plan) MarshalCanonical() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func requireString(a Action, args map[string]any, field string) error {
	s, ok := args[field].(string)
	if !ok {
		return SchemaError{Action: a, Field: field, Reason: "required string"}
	}
	if strings.TrimSpace(s) == "" {
		return SchemaError{Action: a, Field: field, Reason: "must be non-empty"}
	}
	return nil
}

func optionalBoundedInt(a Action, args map[string]any, field string, max int) error {
	v, ok := args[field]
	if !ok {
		return nil
	}
	n, ok := asInt(v)
	if !ok {
		return SchemaError{Action: a, Field: field, Reason: "must be an integer"}
	}
	if n <= 0 {
		return SchemaError{Action: a, Field: field, Reason: "must be positive"}
	}
	if n > max {
		return SchemaError{Action: a, Field: field, Reason: fmt.Sprintf("must be <= %d", max)}
	}
	return nil
}

func optionalStringSlice(a Action, args map[string]any, field string, minLen int) error {
	v, ok := args[field]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		// Already-typed slices appear when the plan comes from script values.
		if ss, isStrs := v.([]string); isStrs {
			if len(ss) < minLen {
				return SchemaError{Action: a, Field: field, Reason: fmt.Sprintf("needs at least %d entries", minLen)}
			}
			return nil
		}
		return SchemaError{Action: a, Field: field, Reason: "must be an array of strings"}
	}
	if len(items) < minLen {
		return SchemaError{Action: a, Field: field, Reason: fmt.Sprintf("needs at least %d entries", minLen)}
	}
	for i, it := range items {
		if _, isStr := it.(string); !isStr {
			return SchemaError{Action: a, Field: field, Reason: fmt.Sprintf("entry %d is not a string", i)}
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// StringArg fetches a string argument, tolerating absence.
func (p Plan) StringArg(field string) string {
	s, _ := p.Args[field].(string)
	return s
}

// IntArg fetches an integer argument with a default.
func (p Plan) IntArg(field string, def int) int {
	if v, ok := p.Args[field]; ok {
		if n, isInt := asInt(v); isInt {
			return n
		}
	}
	return def
}

// StringsArg fetches a string-slice argument, tolerating absence.
func (p Plan) StringsArg(field string) []string {
	switch v := p.Args[field].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
