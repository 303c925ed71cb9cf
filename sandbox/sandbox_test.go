package sandbox_test

import (
	"errors"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/leonardorey-coder/promptscript/sandbox"
)

func TestUnitSandbox(t *testing.T) {
	spec.Run(t, "Testing the sandbox", testSandbox, spec.Report(report.Terminal{}))
}

func testSandbox(t *testing.T, when spec.G, it spec.S) {
	it.Before(func() {
		RegisterTestingT(t)
	})

	when("SafeResolve", func() {
		it("resolves relative paths inside the root", func() {
			root := t.TempDir()
			full, err := sandbox.SafeResolve(root, "sub/file.txt")
			Expect(err).NotTo(HaveOccurred())
			Expect(full).To(Equal(filepath.Join(root, "sub", "file.txt")))
		})

		it("rejects dot-dot escapes", func() {
			root := t.TempDir()
			_, err := sandbox.SafeResolve(root, "../outside.txt")
			Expect(err).To(HaveOccurred())

			var ee sandbox.EscapeError
			Expect(errors.As(err, &ee)).To(BeTrue())
			Expect(ee.Error()).To(ContainSubstring("policy violation"))
		})

		it("rejects absolute paths outside the root", func() {
			root := t.TempDir()
			_, err := sandbox.SafeResolve(root, "/etc/passwd")
			Expect(err).To(HaveOccurred())
		})

		it("rejects the root itself", func() {
			root := t.TempDir()
			_, err := sandbox.SafeResolve(root, ".")
			Expect(err).To(HaveOccurred())
		})

		it("accepts dot-dot that stays inside", func() {
			root := t.TempDir()
			full, err := sandbox.SafeResolve(root, "a/../b.txt")
			Expect(err).NotTo(HaveOccurred())
			Expect(full).To(Equal(filepath.Join(root, "b.txt")))
		})
	})

	when("IsSensitive", func() {
		it("flags .git and node_modules trees", func() {
			Expect(sandbox.IsSensitive(".git")).To(BeTrue())
			Expect(sandbox.IsSensitive(".git/config")).To(BeTrue())
			Expect(sandbox.IsSensitive("node_modules/pkg/index.js")).To(BeTrue())
		})

		it("leaves similar names alone", func() {
			Expect(sandbox.IsSensitive(".github/workflows/ci.yml")).To(BeFalse())
			Expect(sandbox.IsSensitive("src/main.go")).To(BeFalse())
		})
	})
}
