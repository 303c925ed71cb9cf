// Package replay reconstructs a human-readable timeline from a run's
// append-only event stream.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leonardorey-coder/promptscript/runlog"
)

// Entry is one decoded event line.
type Entry struct {
	TS      string         `json:"ts"`
	Type    string         `json:"msg"`
	Step    int            `json:"step"`
	Payload map[string]any `json:"payload"`
}

// Load reads the event stream of the given run under root.
func Load(root, runID string) ([]Entry, error) {
	path := filepath.Join(root, runlog.RunsDir, runID, "events.jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("no event stream for run %s: %w", runID, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("corrupt event line: %w", err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Timeline renders the run as indented human-readable lines. With
// followSubruns set, each child run's timeline is inlined under its
// subworkflow_start entry.
func Timeline(root, runID string, followSubruns bool) (string, error) {
	var b strings.Builder
	if err := writeTimeline(&b, root, runID, followSubruns, 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeTimeline(b *strings.Builder, root, runID string, follow bool, depth int) error {
	entries, err := Load(root, runID)
	if err != nil {
		return err
	}

	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s=== %s ===\n", indent, runID)

	for _, e := range entries {
		fmt.Fprintf(b, "%s[%s] step=%d %s\n", indent, e.TS, e.Step, describe(e))

		if e.Type == runlog.EventSubStart && follow {
			if childID, ok := e.Payload["childRunId"].(string); ok {
				if err := writeTimeline(b, root, childID, follow, depth+1); err != nil {
					fmt.Fprintf(b, "%s  (child %s: %v)\n", indent, childID, err)
				}
			}
		}
	}
	return nil
}

func describe(e Entry) string {
	p := e.Payload
	switch e.Type {
	case runlog.EventStmt:
		return fmt.Sprintf("stmt %v", p["node"])
	case runlog.EventTool:
		return fmt.Sprintf("tool %v -> %s", p["name"], short(p["output"], 80))
	case runlog.EventLLM:
		return fmt.Sprintf("llm plan=%s tokens=%v retries=%v", short(p["plan"], 100), p["tokens"], p["retries"])
	case runlog.EventError:
		return fmt.Sprintf("error: %v", p["message"])
	case runlog.EventLoopWarning:
		return fmt.Sprintf("loop warning: %v (%v)", p["kind"], p["suggestion"])
	case runlog.EventBudgetUpdate:
		return "budget update"
	case runlog.EventApprovalRequest:
		return fmt.Sprintf("approval requested for %v", p["action"])
	case runlog.EventApprovalResponse:
		return fmt.Sprintf("approval: %v", p["approved"])
	case runlog.EventSubStart:
		return fmt.Sprintf("sub-workflow start %v (%v)", p["childRunId"], p["path"])
	case runlog.EventSubEnd:
		if res, ok := p["result"].(map[string]any); ok {
			return fmt.Sprintf("sub-workflow end %v ok=%v", p["childRunId"], res["ok"])
		}
		return fmt.Sprintf("sub-workflow end %v", p["childRunId"])
	default:
		return e.Type
	}
}

func short(v any, max int) string {
	s := fmt.Sprintf("%v", v)
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
