package isolate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/vk/taskloom/internal/ctxlog"
)

// ExitFailure reports a worker child that terminated without success: any
// nonzero exit code, or death by signal. The parent treats it as a fatal
// execution failure; partial results in shared regions are not trusted.
type ExitFailure struct {
	Code int
	// Signal is set when the child was killed instead of exiting.
	Signal string
}

func (e *ExitFailure) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("isolated worker killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("isolated worker exited with code %d", e.Code)
}

// Run re-executes the current binary with the given arguments and waits for
// it. The worker inherits stderr so its log lines interleave with the
// parent's; success is exclusively a clean zero exit.
func Run(ctx context.Context, args ...string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("isolate: resolving own binary: %w", err)
	}
	ctxlog.FromContext(ctx).Debug("Spawning isolated worker.", "binary", exe, "args", args)

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			fail := &ExitFailure{Code: ee.ExitCode()}
			if ws, ok := ee.Sys().(interface{ Signaled() bool }); ok && ws.Signaled() {
				fail.Signal = ee.ProcessState.String()
			}
			return fail
		}
		return fmt.Errorf("isolate: starting worker: %w", err)
	}
	return nil
}
