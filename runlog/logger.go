package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event types appearing in events.jsonl.
const (
	EventStmt             = "stmt"
	EventTool             = "tool"
	EventLLM              = "llm"
	EventError            = "error"
	EventLoopWarning      = "loop_warning"
	EventBudgetUpdate     = "budget_update"
	EventApprovalRequest  = "approval_request"
	EventApprovalResponse = "approval_response"
	EventSubStart         = "subworkflow_start"
	EventSubEnd           = "subworkflow_end"
)

const budgetUpdateEvery = 50

const RunsDir = ".ps-runs"

// NewRunID returns a fresh top-level run identifier.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%d-%s", now.Unix(), shortUUID())
}

// NewSubRunID returns a child-run identifier.
func NewSubRunID(now time.Time) string {
	return fmt.Sprintf("sub-%d-%s", now.Unix(), shortUUID())
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

type runMeta struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Pid       int       `json:"pid"`
	Cwd       string    `json:"cwd"`
}

type runSummary struct {
	RunID      string         `json:"runId"`
	OK         bool           `json:"ok"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Budget     BudgetSnapshot `json:"budget"`
}

// Logger owns one run's on-disk directory and its append-only event
// stream. Events are written as JSONL through a zap core, one object per
// line, ISO8601 "ts". The step counter is owned by the VM and mirrored here
// so every event carries it.
type Logger struct {
	runID   string
	dir     string
	tracker *Tracker
	clock   Clock

	zl   *zap.Logger
	file *os.File

	mu        sync.Mutex
	step      int
	appended  int
	startedAt time.Time
	finalized bool
}

// New creates .ps-runs/<runID>/ under root, writes meta.json, and opens
// events.jsonl for appending.
func New(root, runID string, tracker *Tracker, clock Clock) (*Logger, error) {
	dir := filepath.Join(root, RunsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	now := clock.Now()
	tracker.ensureStarted(now)

	meta := runMeta{RunID: runID, StartedAt: now, Pid: os.Getpid(), Cwd: root}
	mb, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), mb, 0o644); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.LevelKey = ""
	encCfg.CallerKey = ""

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.InfoLevel)

	return &Logger{
		runID:     runID,
		dir:       dir,
		tracker:   tracker,
		clock:     clock,
		zl:        zap.New(core),
		file:      f,
		startedAt: now,
	}, nil
}

func (l *Logger) RunID() string     { return l.runID }
func (l *Logger) Dir() string       { return l.dir }
func (l *Logger) Tracker() *Tracker { return l.tracker }
func (l *Logger) Clock() Clock      { return l.clock }

// SetStep mirrors the VM's statement counter. Monotone non-decreasing.
func (l *Logger) SetStep(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.step {
		l.step = n
	}
}

func (l *Logger) Step() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.step
}

// Append writes one event. Every 50 appended events a budget_update with
// the full snapshot follows automatically.
func (l *Logger) Append(eventType string, payload map[string]any) {
	l.mu.Lock()
	step := l.step
	l.appended++
	emitBudget := l.appended%budgetUpdateEvery == 0
	l.mu.Unlock()

	l.zl.Info(eventType, zap.Int("step", step), zap.Any("payload", payload))

	if emitBudget && eventType != EventBudgetUpdate {
		l.BudgetUpdate()
	}
}

func (l *Logger) Stmt(nodeType string) {
	l.Append(EventStmt, map[string]any{"node": nodeType})
}

func (l *Logger) Tool(name string, input map[string]any, output any) {
	l.Append(EventTool, map[string]any{"name": name, "input": input, "output": output})
}

func (l *Logger) LLM(input map[string]any, planJSON any, tokens int, latencyMs int64, retries int) {
	l.Append(EventLLM, map[string]any{
		"input":     input,
		"plan":      planJSON,
		"tokens":    tokens,
		"latencyMs": latencyMs,
		"retries":   retries,
	})
}

func (l *Logger) Error(msg string) {
	l.Append(EventError, map[string]any{"message": msg})
}

func (l *Logger) LoopWarning(kind, suggestion string) {
	l.Append(EventLoopWarning, map[string]any{"kind": kind, "suggestion": suggestion})
}

func (l *Logger) BudgetUpdate() {
	snap := l.tracker.Snapshot(l.clock.Now())
	l.Append(EventBudgetUpdate, map[string]any{"budget": snap})
}

func (l *Logger) ApprovalRequest(action string, args map[string]any) {
	l.Append(EventApprovalRequest, map[string]any{"action": action, "args": args})
}

func (l *Logger) ApprovalResponse(approved bool) {
	l.Append(EventApprovalResponse, map[string]any{"approved": approved})
}

func (l *Logger) SubworkflowStart(childID, path string, opts map[string]any) {
	l.Append(EventSubStart, map[string]any{"childRunId": childID, "path": path, "options": opts})
}

func (l *Logger) SubworkflowEnd(childID string, result map[string]any) {
	l.Append(EventSubEnd, map[string]any{"childRunId": childID, "result": result})
}

// Finalize writes summary.json and closes the stream. Safe to call once;
// later calls are no-ops.
func (l *Logger) Finalize(ok bool, errMsg string) {
	l.mu.Lock()
	if l.finalized {
		l.mu.Unlock()
		return
	}
	l.finalized = true
	l.mu.Unlock()

	l.BudgetUpdate()

	now := l.clock.Now()
	sum := runSummary{
		RunID:      l.runID,
		OK:         ok,
		Error:      errMsg,
		StartedAt:  l.startedAt,
		FinishedAt: now,
		Budget:     l.tracker.Snapshot(now),
	}
	if b, err := json.MarshalIndent(sum, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(l.dir, "summary.json"), b, 0o644) // best-effort
	}

	_ = l.zl.Sync()
	_ = l.file.Close()
}
