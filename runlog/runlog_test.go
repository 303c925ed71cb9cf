package runlog_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/types"
)

func TestUnitBudget(t *testing.T) {
	spec.Run(t, "Testing the budget tracker", testBudget, spec.Report(report.Terminal{}))
}

func testBudget(t *testing.T, when spec.G, it spec.S) {
	it.Before(func() {
		RegisterTestingT(t)
	})

	t0 := time.Date(2026, 8, 5, 9, 0, 0, 0, time.UTC)

	when("counters", func() {
		it("enforces MaxSteps and names the counter", func() {
			tr := runlog.NewTracker(types.BudgetConfig{MaxSteps: 2})

			Expect(tr.AllowStep(t0)).To(Succeed())
			Expect(tr.AllowStep(t0)).To(Succeed())

			err := tr.AllowStep(t0)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(HavePrefix("BudgetExceeded: maxSteps"))

			var be runlog.BudgetExceededError
			Expect(errors.As(err, &be)).To(BeTrue())
			Expect(be.Kind).To(Equal(runlog.BudgetKindSteps))

			// The rejected increment left the counter untouched.
			Expect(tr.Snapshot(t0).Steps).To(Equal(2))
		})

		it("enforces MaxToolCalls and MaxLLMCalls independently", func() {
			tr := runlog.NewTracker(types.BudgetConfig{MaxToolCalls: 1, MaxLLMCalls: 2})

			Expect(tr.AllowTool(t0)).To(Succeed())
			Expect(tr.AllowTool(t0)).To(MatchError(ContainSubstring("maxToolCalls")))

			Expect(tr.AllowLLM(t0)).To(Succeed())
			Expect(tr.AllowLLM(t0)).To(Succeed())
			Expect(tr.AllowLLM(t0)).To(MatchError(ContainSubstring("maxLLMCalls")))
		})

		it("enforces the wall clock", func() {
			tr := runlog.NewTracker(types.BudgetConfig{MaxTimeMs: 1000})
			tr.Start(t0)

			Expect(tr.AllowStep(t0.Add(999 * time.Millisecond))).To(Succeed())
			err := tr.AllowStep(t0.Add(1001 * time.Millisecond))
			Expect(err).To(MatchError(ContainSubstring("maxTimeMs")))
		})

		it("enforces tokens and cost after charging", func() {
			tr := runlog.NewTracker(types.BudgetConfig{MaxTokens: 100})
			tr.Start(t0)

			tr.ChargeTokens("gpt-4o-mini", 100, t0)
			Expect(tr.AllowLLM(t0)).To(MatchError(ContainSubstring("maxTokens")))

			tr2 := runlog.NewTracker(types.BudgetConfig{MaxCostUsd: 0.01})
			tr2.Start(t0)
			// 1000 tokens of gpt-4o at 0.01/1k costs exactly the limit.
			tr2.ChargeTokens("gpt-4o", 1000, t0)
			Expect(tr2.AllowStep(t0)).To(MatchError(ContainSubstring("maxCostUsd")))
		})
	})

	when("snapshots", func() {
		it("reports percent-of-max for bounded counters only", func() {
			tr := runlog.NewTracker(types.BudgetConfig{MaxSteps: 10, MaxLLMCalls: 4})
			tr.Start(t0)

			Expect(tr.AllowStep(t0)).To(Succeed())
			Expect(tr.AllowLLM(t0)).To(Succeed())
			Expect(tr.AllowLLM(t0)).To(Succeed())

			snap := tr.Snapshot(t0)
			Expect(snap.Percent[runlog.BudgetKindSteps]).To(BeNumerically("==", 10))
			Expect(snap.Percent[runlog.BudgetKindLLMCalls]).To(BeNumerically("==", 50))
			Expect(snap.Percent).NotTo(HaveKey(runlog.BudgetKindTokens))
		})

		it("estimates cost from the model table with a fallback", func() {
			Expect(runlog.CostRate("gpt-4o")).To(BeNumerically("==", 0.01))
			Expect(runlog.CostRate("some-unknown-model")).To(BeNumerically("==", 0.002))
		})
	})
}

func TestUnitLogger(t *testing.T) {
	spec.Run(t, "Testing the run logger", testLogger, spec.Report(report.Terminal{}))
}

func testLogger(t *testing.T, when spec.G, it spec.S) {
	it.Before(func() {
		RegisterTestingT(t)
	})

	type line struct {
		TS      string         `json:"ts"`
		Msg     string         `json:"msg"`
		Step    int            `json:"step"`
		Payload map[string]any `json:"payload"`
	}

	readLines := func(dir string) []line {
		f, err := os.Open(filepath.Join(dir, "events.jsonl"))
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()

		var out []line
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var l line
			Expect(json.Unmarshal(sc.Bytes(), &l)).To(Succeed())
			out = append(out, l)
		}
		return out
	}

	when("the event stream", func() {
		it("appends events in order with steps and timestamps", func() {
			root := t.TempDir()
			tr := runlog.NewTracker(types.BudgetConfig{})
			lg, err := runlog.New(root, "run-1-test", tr, runlog.NewRealClock())
			Expect(err).NotTo(HaveOccurred())

			lg.SetStep(1)
			lg.Stmt("assign")
			lg.Tool("WRITE_FILE", map[string]any{"path": "a"}, "ok")
			lg.SetStep(2)
			lg.Error("boom")
			lg.Finalize(false, "boom")

			lines := readLines(lg.Dir())
			Expect(len(lines)).To(BeNumerically(">=", 3))
			Expect(lines[0].Msg).To(Equal("stmt"))
			Expect(lines[0].Step).To(Equal(1))
			Expect(lines[0].TS).NotTo(BeEmpty())
			Expect(lines[1].Msg).To(Equal("tool"))
			Expect(lines[1].Payload["name"]).To(Equal("WRITE_FILE"))
			Expect(lines[2].Msg).To(Equal("error"))
			Expect(lines[2].Step).To(Equal(2))

			// Steps never go backwards.
			last := 0
			for _, l := range lines {
				Expect(l.Step).To(BeNumerically(">=", last))
				last = l.Step
			}
		})

		it("writes meta.json on open and summary.json on finalize", func() {
			root := t.TempDir()
			tr := runlog.NewTracker(types.BudgetConfig{})
			lg, err := runlog.New(root, "run-2-test", tr, runlog.NewRealClock())
			Expect(err).NotTo(HaveOccurred())

			meta, err := os.ReadFile(filepath.Join(lg.Dir(), "meta.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(meta)).To(ContainSubstring(`"runId": "run-2-test"`))

			lg.Finalize(true, "")
			sum, err := os.ReadFile(filepath.Join(lg.Dir(), "summary.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(sum)).To(ContainSubstring(`"ok": true`))
		})

		it("emits a budget_update every 50 events", func() {
			root := t.TempDir()
			tr := runlog.NewTracker(types.BudgetConfig{MaxSteps: 1000})
			lg, err := runlog.New(root, "run-3-test", tr, runlog.NewRealClock())
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 60; i++ {
				lg.Stmt("expr_stmt")
			}

			updates := 0
			for _, l := range readLines(lg.Dir()) {
				if l.Msg == "budget_update" {
					updates++
				}
			}
			Expect(updates).To(Equal(1))
		})

		it("is finalize-once", func() {
			root := t.TempDir()
			tr := runlog.NewTracker(types.BudgetConfig{})
			lg, err := runlog.New(root, "run-4-test", tr, runlog.NewRealClock())
			Expect(err).NotTo(HaveOccurred())

			lg.Finalize(true, "")
			lg.Finalize(false, "later")

			sum, err := os.ReadFile(filepath.Join(lg.Dir(), "summary.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(sum)).To(ContainSubstring(`"ok": true`))
			Expect(string(sum)).NotTo(ContainSubstring("later"))
		})
	})

	when("run identifiers", func() {
		it("produces unique, prefixed ids", func() {
			now := time.Now()
			a := runlog.NewRunID(now)
			b := runlog.NewRunID(now)
			Expect(a).To(HavePrefix("run-"))
			Expect(a).NotTo(Equal(b))
			Expect(strings.HasPrefix(runlog.NewSubRunID(now), "sub-")).To(BeTrue())
		})
	})
}
