package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/leonardorey-coder/promptscript/plan"
)

const defaultCmdTimeoutMs = 60_000

// RunCmd spawns the command with cwd at the project root and a wall-clock
// kill at timeoutMs (default 60s, cap 120s). The caller has already
// checked the command against the policy allowlist.
func RunCmd(ctx context.Context, root, cmd string, args []string, timeoutMs int) (string, error) {
	if timeoutMs <= 0 {
		timeoutMs = defaultCmdTimeoutMs
	}
	if timeoutMs > plan.MaxCmdTimeoutMs {
		timeoutMs = plan.MaxCmdTimeoutMs
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	c := exec.CommandContext(cctx, cmd, args...)
	c.Dir = root

	var outb, errb bytes.Buffer
	c.Stdout = &outb
	c.Stderr = &errb

	err := c.Run()

	if cctx.Err() == context.DeadlineExceeded {
		return "", ToolError{Kind: ErrKindTimeout, Path: cmd, Hint: fmt.Sprintf("killed after %dms", timeoutMs)}
	}

	exit := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exit = ee.ExitCode()
		} else {
			return "", ToolError{Kind: ErrKindMissingCommand, Path: cmd, Hint: "is it installed and on PATH?", Err: err}
		}
	}

	return fmt.Sprintf("exit=%d\nSTDOUT:%s\nSTDERR:%s", exit, outb.String(), errb.String()), nil
}
