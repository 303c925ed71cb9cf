package runlog

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/leonardorey-coder/promptscript/types"
)

const (
	BudgetKindSteps     = "maxSteps"
	BudgetKindTime      = "maxTimeMs"
	BudgetKindToolCalls = "maxToolCalls"
	BudgetKindLLMCalls  = "maxLLMCalls"
	BudgetKindTokens    = "maxTokens"
	BudgetKindCost      = "maxCostUsd"
)

// BudgetExceededError is a typed error so the VM can branch on it; the
// message prefix is stable for grep-ability.
type BudgetExceededError struct {
	Kind  string
	Limit float64
	Used  float64
}

func (e BudgetExceededError) Error() string {
	return fmt.Sprintf("BudgetExceeded: %s (limit=%g used=%g)", e.Kind, e.Limit, e.Used)
}

// costPer1kTokens maps a model to its blended USD rate. Unknown models use
// the fallback rate.
var costPer1kTokens = map[string]float64{
	"gpt-4o":        0.01,
	"gpt-4o-mini":   0.0006,
	"gpt-4-turbo":   0.02,
	"gpt-3.5-turbo": 0.0015,
	"command-r":     0.0008,
	"command-r-plus": 0.006,
}

const fallbackCostPer1k = 0.002

func CostRate(model string) float64 {
	if r, ok := costPer1kTokens[model]; ok {
		return r
	}
	return fallbackCostPer1k
}

// BudgetSnapshot is the full counter state plus percent-of-max for every
// bounded counter.
type BudgetSnapshot struct {
	StartedAt time.Time          `json:"startedAt"`
	ElapsedMs int64              `json:"elapsedMs"`
	Limits    types.BudgetConfig `json:"limits"`
	Steps     int                `json:"steps"`
	ToolCalls int                `json:"toolCalls"`
	LLMCalls  int                `json:"llmCalls"`
	Tokens    int                `json:"tokens"`
	CostUsd   float64            `json:"costUsd"`
	Percent   map[string]float64 `json:"percent"`
}

// Tracker keeps the running counters of one run. Counters are monotone
// non-decreasing; a rejected increment leaves the counter untouched.
// Safe for concurrent use: parallel waves charge it from several
// goroutines.
type Tracker struct {
	mu     sync.Mutex
	limits types.BudgetConfig

	started   bool
	startedAt time.Time

	steps     int
	toolCalls int
	llmCalls  int
	tokens    int
	costUsd   float64
}

func NewTracker(limits types.BudgetConfig) *Tracker {
	return &Tracker{limits: limits}
}

func (t *Tracker) Limits() types.BudgetConfig { return t.limits }

func (t *Tracker) Start(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked(now)
}

func (t *Tracker) startLocked(now time.Time) {
	t.started = true
	t.startedAt = now
	t.steps = 0
	t.toolCalls = 0
	t.llmCalls = 0
	t.tokens = 0
	t.costUsd = 0
}

func (t *Tracker) ensureStarted(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureStartedLocked(now)
}

func (t *Tracker) ensureStartedLocked(now time.Time) {
	if !t.started {
		t.startLocked(now)
	}
}

// AllowStep charges one statement tick.
func (t *Tracker) AllowStep(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureStartedLocked(now)
	if err := t.check(now); err != nil {
		return err
	}
	if t.limits.MaxSteps > 0 && t.steps+1 > t.limits.MaxSteps {
		return BudgetExceededError{Kind: BudgetKindSteps, Limit: float64(t.limits.MaxSteps), Used: float64(t.steps)}
	}
	t.steps++
	return nil
}

// AllowTool charges one tool dispatch.
func (t *Tracker) AllowTool(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureStartedLocked(now)
	if err := t.check(now); err != nil {
		return err
	}
	if t.limits.MaxToolCalls > 0 && t.toolCalls+1 > t.limits.MaxToolCalls {
		return BudgetExceededError{Kind: BudgetKindToolCalls, Limit: float64(t.limits.MaxToolCalls), Used: float64(t.toolCalls)}
	}
	t.toolCalls++
	return nil
}

// AllowLLM charges one LLM call.
func (t *Tracker) AllowLLM(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureStartedLocked(now)
	if err := t.check(now); err != nil {
		return err
	}
	if t.limits.MaxLLMCalls > 0 && t.llmCalls+1 > t.limits.MaxLLMCalls {
		return BudgetExceededError{Kind: BudgetKindLLMCalls, Limit: float64(t.limits.MaxLLMCalls), Used: float64(t.llmCalls)}
	}
	t.llmCalls++
	return nil
}

// ChargeTokens accumulates token usage and its estimated cost.
func (t *Tracker) ChargeTokens(model string, tokens int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureStartedLocked(now)
	if tokens <= 0 {
		return
	}
	t.tokens += tokens
	t.costUsd += float64(tokens) / 1000 * CostRate(model)
}

// check verifies the limits that are crossed by accumulation rather than by
// an explicit increment: wall time, tokens, and cost.
func (t *Tracker) check(now time.Time) error {
	if t.limits.MaxTimeMs > 0 {
		elapsed := now.Sub(t.startedAt).Milliseconds()
		if elapsed > int64(t.limits.MaxTimeMs) {
			return BudgetExceededError{Kind: BudgetKindTime, Limit: float64(t.limits.MaxTimeMs), Used: float64(elapsed)}
		}
	}
	if t.limits.MaxTokens > 0 && t.tokens >= t.limits.MaxTokens {
		return BudgetExceededError{Kind: BudgetKindTokens, Limit: float64(t.limits.MaxTokens), Used: float64(t.tokens)}
	}
	if t.limits.MaxCostUsd > 0 && t.costUsd >= t.limits.MaxCostUsd {
		return BudgetExceededError{Kind: BudgetKindCost, Limit: t.limits.MaxCostUsd, Used: t.costUsd}
	}
	return nil
}

// Check re-runs the accumulation checks without charging anything.
func (t *Tracker) Check(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureStartedLocked(now)
	return t.check(now)
}

func (t *Tracker) Snapshot(now time.Time) BudgetSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureStartedLocked(now)

	elapsed := now.Sub(t.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	pct := map[string]float64{}
	addPct := func(kind string, used, max float64) {
		if max > 0 {
			pct[kind] = math.Round(used/max*10000) / 100
		}
	}
	addPct(BudgetKindSteps, float64(t.steps), float64(t.limits.MaxSteps))
	addPct(BudgetKindTime, float64(elapsed.Milliseconds()), float64(t.limits.MaxTimeMs))
	addPct(BudgetKindToolCalls, float64(t.toolCalls), float64(t.limits.MaxToolCalls))
	addPct(BudgetKindLLMCalls, float64(t.llmCalls), float64(t.limits.MaxLLMCalls))
	addPct(BudgetKindTokens, float64(t.tokens), float64(t.limits.MaxTokens))
	addPct(BudgetKindCost, t.costUsd, t.limits.MaxCostUsd)

	return BudgetSnapshot{
		StartedAt: t.startedAt,
		ElapsedMs: elapsed.Milliseconds(),
		Limits:    t.limits,
		Steps:     t.steps,
		ToolCalls: t.toolCalls,
		LLMCalls:  t.llmCalls,
		Tokens:    t.tokens,
		CostUsd:   t.costUsd,
		Percent:   pct,
	}
}
