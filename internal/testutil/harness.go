// Package testutil provides the shared harness for integration-style tests:
// a temp-dir design layout, a captured logger, and an in-process app run.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/taskloom/internal/app"
	"github.com/vk/taskloom/internal/registry"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Options configures one harness run. The zero value runs the "run" stage in
// software with a small element count.
type Options struct {
	Stage         string
	Top           string
	Artifact      string
	Output        string
	Platform      string
	Isolate       bool
	SkipUnchanged bool
	Elems         int
	Modules       []registry.Module
}

// HarnessResult holds the outcomes of an integration test run.
type HarnessResult struct {
	LogOutput string
	Err       error
	App       *app.App
	// Dir is the temp root holding design/, modules/ and work/.
	Dir string
	// WorkDir is the stage intermediate directory inside Dir.
	WorkDir string
}

// RunStage writes the given files under a fresh temp root, then constructs
// and runs the app against it. File keys are relative paths such as
// "design/main.hcl" or "modules/x/manifest.hcl"; startup panics surface as
// errors so tests can assert on them.
func RunStage(t *testing.T, files map[string]string, opts Options) *HarnessResult {
	t.Helper()
	return RunStageWithContext(context.Background(), t, files, opts)
}

// RunStageWithContext is RunStage with a caller-provided context.
func RunStageWithContext(ctx context.Context, t *testing.T, files map[string]string, opts Options) *HarnessResult {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", ".tmp-loom-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	designDir := filepath.Join(tmpDir, "design")
	modulesDir := filepath.Join(tmpDir, "modules")
	workDir := filepath.Join(tmpDir, "work")
	require.NoError(t, os.Mkdir(designDir, 0o755))
	require.NoError(t, os.Mkdir(modulesDir, 0o755))

	for name, content := range files {
		filePath := filepath.Join(tmpDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0o644))
	}

	stage := opts.Stage
	if stage == "" {
		stage = "run"
	}
	elems := opts.Elems
	if elems == 0 {
		elems = 4
	}
	platform := opts.Platform
	if platform == "" {
		platform = "generic"
	}

	appConfig, err := app.NewConfig(app.Config{
		Stage:         stage,
		DesignPath:    designDir,
		ModulesPath:   modulesDir,
		Top:           opts.Top,
		Platform:      platform,
		WorkDir:       workDir,
		Output:        opts.Output,
		SkipUnchanged: opts.SkipUnchanged,
		Artifact:      opts.Artifact,
		Isolate:       opts.Isolate,
		Elems:         elems,
		LogFormat:     "text",
		LogLevel:      "debug",
	})
	require.NoError(t, err)

	logBuffer := &SafeBuffer{}

	var testApp *app.App
	var panicErr any
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr = r
			}
		}()
		testApp = app.NewApp(logBuffer, appConfig, opts.Modules...)
	}()

	if panicErr != nil {
		return &HarnessResult{
			LogOutput: logBuffer.String(),
			Err:       fmt.Errorf("application startup panicked | %v", panicErr),
			Dir:       tmpDir,
			WorkDir:   workDir,
		}
	}

	runErr := testApp.Run(ctx)

	if os.Getenv("LOOM_TEST_LOGS") == "true" {
		t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
	}

	return &HarnessResult{
		LogOutput: logBuffer.String(),
		Err:       runErr,
		App:       testApp,
		Dir:       tmpDir,
		WorkDir:   workDir,
	}
}
