package types_test

import (
	"testing"

	. "github.com/onsi/gomega"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/leonardorey-coder/promptscript/types"
)

func TestUnitPlanSpec(t *testing.T) {
	spec.Run(t, "Testing the PlanSpec IR", testPlanSpec, spec.Report(report.Terminal{}))
}

func testPlanSpec(t *testing.T, when spec.G, it spec.S) {
	it.Before(func() {
		RegisterTestingT(t)
	})

	when("parsing", func() {
		it("accepts a versioned spec with known step kinds", func() {
			raw := []byte(`{
				"version": 1,
				"goal": "refresh the docs",
				"source": "llm",
				"steps": [
					{"kind": "read_file", "args": {"path": "README.md"}},
					{"kind": "retry", "attempts": 3, "backoff_ms": 100, "steps": [
						{"kind": "run_agent", "args": {"prompt": "update"}}
					]},
					{"kind": "report", "args": {"message": "done"}}
				]
			}`)
			ps, err := types.ParsePlanSpec(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(ps.Goal).To(Equal("refresh the docs"))
			Expect(ps.Steps).To(HaveLen(3))
			Expect(ps.Steps[1].Steps).To(HaveLen(1))
		})

		it("rejects unknown versions, sources, and step kinds", func() {
			_, err := types.ParsePlanSpec([]byte(`{"version": 2, "goal": "g", "steps": [{"kind": "report"}]}`))
			Expect(err).To(MatchError(ContainSubstring("version")))

			_, err = types.ParsePlanSpec([]byte(`{"version": 1, "goal": "g", "source": "alien", "steps": [{"kind": "report"}]}`))
			Expect(err).To(MatchError(ContainSubstring("source")))

			_, err = types.ParsePlanSpec([]byte(`{"version": 1, "goal": "g", "steps": [{"kind": "teleport"}]}`))
			Expect(err).To(MatchError(ContainSubstring("unknown kind")))
		})

		it("requires structural fields on nested control steps", func() {
			_, err := types.ParsePlanSpec([]byte(`{"version": 1, "goal": "g", "steps": [{"kind": "timeout"}]}`))
			Expect(err).To(MatchError(ContainSubstring("timeout_ms")))

			_, err = types.ParsePlanSpec([]byte(`{"version": 1, "goal": "g", "steps": [{"kind": "retry"}]}`))
			Expect(err).To(MatchError(ContainSubstring("attempts")))
		})
	})

	when("config merging", func() {
		it("overlays only the non-zero budget fields", func() {
			base := types.BudgetConfig{MaxSteps: 100, MaxLLMCalls: 10}
			merged := base.Merge(types.BudgetConfig{MaxLLMCalls: 5, MaxTokens: 1000})
			Expect(merged.MaxSteps).To(Equal(100))
			Expect(merged.MaxLLMCalls).To(Equal(5))
			Expect(merged.MaxTokens).To(Equal(1000))
		})

		it("clones policies deeply enough to isolate children", func() {
			parent := types.DefaultPolicyConfig()
			child := parent.Clone()
			child.AllowTools = append(child.AllowTools[:0], "READ_FILE")
			Expect(parent.ToolAllowed("WRITE_FILE")).To(BeTrue())
		})
	})
}
