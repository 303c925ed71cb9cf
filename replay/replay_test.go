package replay_test

import (
	"testing"

	. "github.com/onsi/gomega"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/leonardorey-coder/promptscript/replay"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/types"
)

func TestUnitReplay(t *testing.T) {
	spec.Run(t, "Testing replay", testReplay, spec.Report(report.Terminal{}))
}

func testReplay(t *testing.T, when spec.G, it spec.S) {
	it.Before(func() {
		RegisterTestingT(t)
	})

	newRun := func(root, runID string) *runlog.Logger {
		tr := runlog.NewTracker(types.BudgetConfig{})
		lg, err := runlog.New(root, runID, tr, runlog.NewRealClock())
		Expect(err).NotTo(HaveOccurred())
		return lg
	}

	when("Load", func() {
		it("returns the decoded events in append order", func() {
			root := t.TempDir()
			lg := newRun(root, "run-10-replay")
			lg.SetStep(1)
			lg.Stmt("assign")
			lg.Tool("READ_FILE", map[string]any{"path": "a"}, "content")
			lg.Finalize(true, "")

			entries, err := replay.Load(root, "run-10-replay")
			Expect(err).NotTo(HaveOccurred())
			Expect(len(entries)).To(BeNumerically(">=", 2))
			Expect(entries[0].Type).To(Equal(runlog.EventStmt))
			Expect(entries[1].Type).To(Equal(runlog.EventTool))
		})

		it("fails for unknown runs", func() {
			_, err := replay.Load(t.TempDir(), "run-nope")
			Expect(err).To(MatchError(ContainSubstring("no event stream")))
		})
	})

	when("Timeline", func() {
		it("renders a human-readable line per event", func() {
			root := t.TempDir()
			lg := newRun(root, "run-11-replay")
			lg.SetStep(1)
			lg.Stmt("expr_stmt")
			lg.Error("something broke")
			lg.Finalize(false, "something broke")

			out, err := replay.Timeline(root, "run-11-replay", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("=== run-11-replay ==="))
			Expect(out).To(ContainSubstring("stmt expr_stmt"))
			Expect(out).To(ContainSubstring("error: something broke"))
		})

		it("inlines child runs when asked to follow sub-runs", func() {
			root := t.TempDir()

			child := newRun(root, "sub-12-child")
			child.SetStep(1)
			child.Stmt("assign")
			child.Finalize(true, "")

			parent := newRun(root, "run-12-parent")
			parent.SetStep(1)
			parent.SubworkflowStart("sub-12-child", "child.ps", nil)
			parent.SubworkflowEnd("sub-12-child", map[string]any{"ok": true})
			parent.Finalize(true, "")

			flat, err := replay.Timeline(root, "run-12-parent", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(flat).NotTo(ContainSubstring("=== sub-12-child ==="))
			Expect(flat).To(ContainSubstring("sub-workflow start sub-12-child"))

			nested, err := replay.Timeline(root, "run-12-parent", true)
			Expect(err).NotTo(HaveOccurred())
			Expect(nested).To(ContainSubstring("=== sub-12-child ==="))
			Expect(nested).To(ContainSubstring("sub-workflow end sub-12-child ok=true"))
		})
	})
}
