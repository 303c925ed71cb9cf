package loopdetect_test

import (
	"testing"

	. "github.com/onsi/gomega"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/leonardorey-coder/promptscript/loopdetect"
	"github.com/leonardorey-coder/promptscript/plan"
)

func TestUnitLoopDetector(t *testing.T) {
	spec.Run(t, "Testing the loop detector", testLoopDetector, spec.Report(report.Terminal{}))
}

func testLoopDetector(t *testing.T, when spec.G, it spec.S) {
	it.Before(func() {
		RegisterTestingT(t)
	})

	readPlan := func(path string) plan.Plan {
		return plan.Plan{Action: plan.ActionReadFile, Args: map[string]any{"path": path}}
	}
	searchPlan := func(q string) plan.Plan {
		return plan.Plan{Action: plan.ActionSearch, Args: map[string]any{"query": q}}
	}

	when("exact repeat", func() {
		it("fires on the 4th consecutive identical plan", func() {
			d := loopdetect.New(loopdetect.DefaultConfig())

			for i := 0; i < 3; i++ {
				Expect(d.Observe(readPlan("a.txt"), true)).To(BeFalse())
			}
			Expect(d.Observe(readPlan("a.txt"), true)).To(BeTrue())
			Expect(d.Kind()).To(Equal(loopdetect.KindExactRepeat))
			Expect(d.Suggestion()).NotTo(BeEmpty())
		})

		it("ignores identical actions with different arguments", func() {
			d := loopdetect.New(loopdetect.DefaultConfig())

			for i, p := range []string{"a", "b", "a", "c"} {
				Expect(d.Observe(readPlan(p), true)).To(BeFalse(), "observation %d", i)
			}
		})

		it("hashes canonicalized args, ignoring key order", func() {
			d := loopdetect.New(loopdetect.DefaultConfig())

			p1 := plan.Plan{Action: plan.ActionSearch, Args: map[string]any{"query": "x", "maxResults": 10}}
			p2 := plan.Plan{Action: plan.ActionSearch, Args: map[string]any{"maxResults": 10, "query": "x"}}
			d.Observe(p1, true)
			d.Observe(p2, true)
			d.Observe(p1, true)
			Expect(d.Observe(p2, true)).To(BeTrue())
			Expect(d.Kind()).To(Equal(loopdetect.KindExactRepeat))
		})
	})

	when("oscillation", func() {
		it("fires on a strict A-B-A-B-A-B tail", func() {
			d := loopdetect.New(loopdetect.DefaultConfig())

			var detected bool
			for i := 0; i < 3; i++ {
				detected = d.Observe(readPlan("a"), true)
				Expect(detected).To(BeFalse())
				detected = d.Observe(searchPlan("b"), true)
			}
			Expect(detected).To(BeTrue())
			Expect(d.Kind()).To(Equal(loopdetect.KindOscillation))
		})
	})

	when("failure streak", func() {
		it("fires after 5 consecutive failures", func() {
			d := loopdetect.New(loopdetect.DefaultConfig())

			paths := []string{"a", "b", "c", "d", "e"}
			var detected bool
			for _, p := range paths {
				detected = d.Observe(readPlan(p), false)
			}
			Expect(detected).To(BeTrue())
			Expect(d.Kind()).To(Equal(loopdetect.KindFailureLoop))
		})

		it("counts failures marked after the fact", func() {
			d := loopdetect.New(loopdetect.DefaultConfig())

			for _, p := range []string{"a", "b", "c", "d"} {
				d.Observe(readPlan(p), true)
				d.MarkLastFailure()
			}
			d.Observe(readPlan("e"), false)
			// The four marked failures plus "e" make a 5-failure streak; the
			// detection stays set for later observations.
			Expect(d.Observe(searchPlan("f"), false)).To(BeTrue())
			Expect(d.Kind()).To(Equal(loopdetect.KindFailureLoop))
		})
	})

	when("detection state", func() {
		it("stays detected once marked", func() {
			d := loopdetect.New(loopdetect.Config{MaxRepeats: 2, WindowSize: 20, MaxConsecutiveFailures: 5})

			d.Observe(readPlan("a"), true)
			Expect(d.Observe(readPlan("a"), true)).To(BeTrue())
			Expect(d.Observe(searchPlan("other"), true)).To(BeTrue())
			Expect(d.Detected()).To(BeTrue())
		})
	})
}
