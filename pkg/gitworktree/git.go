package gitworktree

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/cosmix/loom/pkg/types"
)

// runGit invokes git in dir with a bounded timeout and wraps any failure in
// a *types.GitError carrying full stdout/stderr for diagnosis.
func runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return stdout.String(), stderr.String(), &types.GitError{
			Args:       args,
			Dir:        dir,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			ExitCode:   exitCode,
			Underlying: err,
		}
	}
	return stdout.String(), stderr.String(), nil
}
