package tool_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/leonardorey-coder/promptscript/plan"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/sandbox"
	"github.com/leonardorey-coder/promptscript/tool"
	"github.com/leonardorey-coder/promptscript/types"
)

type stubPrompter struct {
	answer  string
	approve bool
	asked   int
}

func (p *stubPrompter) Ask(question string, choices []string) (string, error) {
	p.asked++
	return p.answer, nil
}

func (p *stubPrompter) Confirm(prompt string) (bool, error) {
	p.asked++
	return p.approve, nil
}

func TestUnitTools(t *testing.T) {
	spec.Run(t, "Testing the built-in tools", testTools, spec.Report(report.Terminal{}))
}

func testTools(t *testing.T, when spec.G, it spec.S) {
	it.Before(func() {
		RegisterTestingT(t)
	})

	when("ReadFile", func() {
		it("reads UTF-8 content inside the root", func() {
			root := t.TempDir()
			Expect(os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644)).To(Succeed())

			out, err := tool.ReadFile(root, "a.txt", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("hello"))
		})

		it("classifies missing files, directories, and oversized files", func() {
			root := t.TempDir()
			Expect(os.Mkdir(filepath.Join(root, "dir"), 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(root, "big.txt"), []byte("0123456789"), 0o644)).To(Succeed())

			_, err := tool.ReadFile(root, "missing", 0)
			var te tool.ToolError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Kind).To(Equal(tool.ErrKindNotFound))
			Expect(err.Error()).To(Equal("File not found: missing (check the path with SEARCH first)"))

			_, err = tool.ReadFile(root, "dir", 0)
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Kind).To(Equal(tool.ErrKindIsDir))

			_, err = tool.ReadFile(root, "big.txt", 5)
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Kind).To(Equal(tool.ErrKindTooLarge))
		})

		it("fails loudly on sandbox escapes without touching disk", func() {
			root := t.TempDir()
			_, err := tool.ReadFile(root, "../secret", 0)
			var ee sandbox.EscapeError
			Expect(errors.As(err, &ee)).To(BeTrue())
		})
	})

	when("WriteFile", func() {
		it("creates parent directories", func() {
			root := t.TempDir()
			Expect(tool.WriteFile(root, "deep/nested/file.txt", "content", "")).To(Succeed())

			b, err := os.ReadFile(filepath.Join(root, "deep", "nested", "file.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(b)).To(Equal("content"))
		})

		it("honors create_only", func() {
			root := t.TempDir()
			Expect(tool.WriteFile(root, "once.txt", "first", "create_only")).To(Succeed())

			err := tool.WriteFile(root, "once.txt", "second", "create_only")
			var te tool.ToolError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Kind).To(Equal(tool.ErrKindExists))

			b, _ := os.ReadFile(filepath.Join(root, "once.txt"))
			Expect(string(b)).To(Equal("first"))
		})

		it("refuses escapes and leaves no file behind", func() {
			root := t.TempDir()
			err := tool.WriteFile(root, "../evil.txt", "x", "")
			Expect(err).To(HaveOccurred())
			_, statErr := os.Stat(filepath.Join(filepath.Dir(root), "evil.txt"))
			Expect(os.IsNotExist(statErr)).To(BeTrue())
		})
	})

	when("PatchFile", func() {
		it("applies a whole-file replacement after the marker", func() {
			root := t.TempDir()
			Expect(os.WriteFile(filepath.Join(root, "f.txt"), []byte("old"), 0o644)).To(Succeed())

			Expect(tool.PatchFile(root, "f.txt", "REPLACE:\nnew body")).To(Succeed())
			b, _ := os.ReadFile(filepath.Join(root, "f.txt"))
			Expect(string(b)).To(Equal("new body"))
		})

		it("rejects any other patch format without writing", func() {
			root := t.TempDir()
			Expect(os.WriteFile(filepath.Join(root, "f.txt"), []byte("old"), 0o644)).To(Succeed())

			err := tool.PatchFile(root, "f.txt", "@@ -1 +1 @@\n-old\n+new")
			var te tool.ToolError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Kind).To(Equal(tool.ErrKindBadPatch))

			b, _ := os.ReadFile(filepath.Join(root, "f.txt"))
			Expect(string(b)).To(Equal("old"))
		})
	})

	when("Search", func() {
		it("returns hits sorted by path and line, skipping sensitive trees", func() {
			root := t.TempDir()
			Expect(os.MkdirAll(filepath.Join(root, ".git"), 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(root, ".git", "config"), []byte("needle"), 0o644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(root, "a.txt"), []byte("needle one\nplain\nneedle two"), 0o644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(root, "b.txt"), []byte("needle three"), 0o644)).To(Succeed())

			hits, err := tool.Search(root, "needle", nil, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(hits).To(HaveLen(3))
			Expect(hits[0].Path).To(Equal("a.txt"))
			Expect(hits[0].Line).To(Equal(1))
			Expect(hits[1].Path).To(Equal("a.txt"))
			Expect(hits[1].Line).To(Equal(3))
			Expect(hits[2].Path).To(Equal("b.txt"))
		})

		it("filters with globs and lists paths when no query is given", func() {
			root := t.TempDir()
			Expect(os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0o644)).To(Succeed())

			hits, err := tool.Search(root, "", []string{"**/*.go"}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(hits).To(HaveLen(1))
			Expect(hits[0].Path).To(Equal("main.go"))
			Expect(hits[0].Line).To(Equal(0))
		})

		it("truncates matching lines to 300 characters", func() {
			root := t.TempDir()
			long := "needle" + string(make([]byte, 400))
			Expect(os.WriteFile(filepath.Join(root, "long.txt"), []byte(long), 0o644)).To(Succeed())

			hits, err := tool.Search(root, "needle", nil, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(hits).To(HaveLen(1))
			Expect(len(hits[0].Text)).To(Equal(300))
		})
	})

	when("RunCmd", func() {
		it("returns exit code, stdout, and stderr in the documented shape", func() {
			root := t.TempDir()
			out, err := tool.RunCmd(context.Background(), root, "sh", []string{"-c", "echo hi; echo err >&2; exit 3"}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("exit=3"))
			Expect(out).To(ContainSubstring("STDOUT:hi\n"))
			Expect(out).To(ContainSubstring("STDERR:err\n"))
		})

		it("kills the process at the timeout", func() {
			root := t.TempDir()
			_, err := tool.RunCmd(context.Background(), root, "sleep", []string{"5"}, 50)
			var te tool.ToolError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Kind).To(Equal(tool.ErrKindTimeout))
		})

		it("reports a missing command", func() {
			root := t.TempDir()
			_, err := tool.RunCmd(context.Background(), root, "definitely-not-a-command", nil, 0)
			var te tool.ToolError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Kind).To(Equal(tool.ErrKindMissingCommand))
		})
	})
}

func TestUnitDispatcher(t *testing.T) {
	spec.Run(t, "Testing the tool dispatcher", testDispatcher, spec.Report(report.Terminal{}))
}

func testDispatcher(t *testing.T, when spec.G, it spec.S) {
	it.Before(func() {
		RegisterTestingT(t)
	})

	newDispatcher := func(root string, pol types.PolicyConfig, budget types.BudgetConfig, prompter tool.Prompter) (*tool.Dispatcher, *runlog.Logger) {
		tr := runlog.NewTracker(budget)
		lg, err := runlog.New(root, runlog.NewRunID(runlog.NewRealClock().Now()), tr, runlog.NewRealClock())
		Expect(err).NotTo(HaveOccurred())

		if prompter == nil {
			prompter = &stubPrompter{}
		}
		d := tool.NewDispatcher(root, tool.DefaultRegistry(), lg, func() types.PolicyConfig { return pol }, prompter)
		return d, lg
	}

	when("RunAction", func() {
		it("runs an allowed, valid action and emits a tool event", func() {
			root := t.TempDir()
			d, lg := newDispatcher(root, types.DefaultPolicyConfig(), types.BudgetConfig{}, nil)

			out, err := d.RunAction(context.Background(), "WRITE_FILE",
				map[string]any{"path": "out.txt", "content": "hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("wrote 2 bytes to out.txt"))

			b, err := os.ReadFile(filepath.Join(root, "out.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(b)).To(Equal("hi"))

			Expect(lg.Tracker().Snapshot(runlog.NewRealClock().Now()).ToolCalls).To(Equal(1))
		})

		it("refuses tools outside the allowlist", func() {
			root := t.TempDir()
			pol := types.PolicyConfig{AllowTools: []string{"READ_FILE"}, MaxFileBytes: 1000}
			d, _ := newDispatcher(root, pol, types.BudgetConfig{}, nil)

			_, err := d.RunAction(context.Background(), "WRITE_FILE",
				map[string]any{"path": "out.txt", "content": "hi"})
			var pv tool.PolicyViolationError
			Expect(errors.As(err, &pv)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("tool not allowed: WRITE_FILE"))

			_, statErr := os.Stat(filepath.Join(root, "out.txt"))
			Expect(os.IsNotExist(statErr)).To(BeTrue())
		})

		it("refuses RUN_CMD commands outside the command allowlist", func() {
			root := t.TempDir()
			pol := types.DefaultPolicyConfig()
			pol.AllowCommands = []string{"echo"}
			d, _ := newDispatcher(root, pol, types.BudgetConfig{}, nil)

			_, err := d.RunAction(context.Background(), "RUN_CMD", map[string]any{"cmd": "rm"})
			var pv tool.PolicyViolationError
			Expect(errors.As(err, &pv)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("command not allowed: rm"))
		})

		it("validates args against the action schema before running", func() {
			root := t.TempDir()
			d, _ := newDispatcher(root, types.DefaultPolicyConfig(), types.BudgetConfig{}, nil)

			_, err := d.RunAction(context.Background(), "WRITE_FILE", map[string]any{"path": "x"})
			var se plan.SchemaError
			Expect(errors.As(err, &se)).To(BeTrue())
		})

		it("charges the tool budget and stops at the limit", func() {
			root := t.TempDir()
			d, _ := newDispatcher(root, types.DefaultPolicyConfig(), types.BudgetConfig{MaxToolCalls: 1}, nil)

			_, err := d.RunAction(context.Background(), "WRITE_FILE",
				map[string]any{"path": "a.txt", "content": "1"})
			Expect(err).NotTo(HaveOccurred())

			_, err = d.RunAction(context.Background(), "WRITE_FILE",
				map[string]any{"path": "b.txt", "content": "2"})
			var be runlog.BudgetExceededError
			Expect(errors.As(err, &be)).To(BeTrue())
			Expect(be.Kind).To(Equal(runlog.BudgetKindToolCalls))
		})

		it("asks for approval on side-effectful actions when required", func() {
			root := t.TempDir()
			pol := types.DefaultPolicyConfig()
			pol.RequireApproval = true

			denier := &stubPrompter{approve: false}
			d, _ := newDispatcher(root, pol, types.BudgetConfig{}, denier)

			_, err := d.RunAction(context.Background(), "WRITE_FILE",
				map[string]any{"path": "x.txt", "content": "hi"})
			var pv tool.PolicyViolationError
			Expect(errors.As(err, &pv)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("operator denied"))
			Expect(denier.asked).To(Equal(1))

			// Reads do not need approval.
			Expect(os.WriteFile(filepath.Join(root, "r.txt"), []byte("ok"), 0o644)).To(Succeed())
			out, err := d.RunAction(context.Background(), "READ_FILE", map[string]any{"path": "r.txt"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("ok"))
			Expect(denier.asked).To(Equal(1))
		})

		it("routes ASK_USER through the prompter", func() {
			root := t.TempDir()
			p := &stubPrompter{answer: "blue"}
			d, _ := newDispatcher(root, types.DefaultPolicyConfig(), types.BudgetConfig{}, p)

			out, err := d.RunAction(context.Background(), "ASK_USER",
				map[string]any{"question": "favorite color?", "choices": []any{"red", "blue"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("blue"))
		})
	})
}
