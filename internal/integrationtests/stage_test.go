package integrationtests

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/taskloom/internal/pipeline"
	"github.com/vk/taskloom/internal/port"
	"github.com/vk/taskloom/internal/registry"
	"github.com/vk/taskloom/internal/testutil"
)

type fillPorts struct {
	Out port.MMap `loom:"out"`
	N   uint64    `loom:"n"`
}

func fillModule() registry.Module {
	return &testutil.SimpleModule{
		HandlerName: "test.fill",
		Task: &registry.RegisteredTask{
			NewPorts:  func() any { return new(fillPorts) },
			PortsType: reflect.TypeOf(fillPorts{}),
			Fn: func(ctx context.Context, p *fillPorts) {
				for i := uint64(0); i < p.N; i++ {
					p.Out.SetUint32At(int(i), uint32(i))
				}
			},
		},
	}
}

const fillManifest = `
task "fill" {
  lifecycle { on_run = "test.fill" }
  port "out" {
    kind = "mmap"
    type = u32
  }
  port "n" {
    kind = "scalar"
    type = u64
  }
}
`

func TestRunStageSimulatesTop(t *testing.T) {
	t.Parallel()

	result := testutil.RunStage(t, map[string]string{
		"modules/fill/manifest.hcl": fillManifest,
	}, testutil.Options{
		Stage:   "run",
		Top:     "fill",
		Modules: []registry.Module{fillModule()},
	})
	require.NoError(t, result.Err)
	require.Contains(t, result.LogOutput, "Run finished.")
	require.Contains(t, result.LogOutput, "kernel_time_ns")
}

func TestRunStageRejectsStreamTopPort(t *testing.T) {
	t.Parallel()

	result := testutil.RunStage(t, map[string]string{
		"modules/fill/manifest.hcl": fillManifest,
		"design/main.hcl": `
task "streamy" {
  lifecycle { on_run = "test.fill" }
  port "out" {
    kind = "ostream"
    type = u32
  }
}
`,
	}, testutil.Options{
		Stage:   "run",
		Top:     "streamy",
		Modules: []registry.Module{fillModule()},
	})
	// The registry parity check already refuses the mismatched handler at
	// startup, before the run stage gets to argue about stream ports.
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "application startup panicked")
}

func TestBuildStageWritesArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	artifact := filepath.Join(dir, "fill.loom")
	result := testutil.RunStage(t, map[string]string{
		"modules/fill/manifest.hcl": fillManifest,
	}, testutil.Options{
		Stage:   "build",
		Top:     "fill",
		Output:  artifact,
		Modules: []registry.Module{fillModule()},
	})
	require.NoError(t, result.Err)

	meta, err := pipeline.ReadMeta(artifact)
	require.NoError(t, err)
	require.Equal(t, "fill", meta.Top)
	require.Equal(t, "generic", meta.Platform)

	// All four stage intermediates landed in the work directory.
	for _, name := range []string{"program.json", "synth.json", "link.json"} {
		_, err := os.Stat(filepath.Join(result.WorkDir, name))
		require.NoError(t, err, "missing %s", name)
	}
	_, err = os.Stat(filepath.Join(result.WorkDir, "rtl", "fill.v"))
	require.NoError(t, err)
}

func TestStagesComposeOverOneWorkDir(t *testing.T) {
	t.Parallel()

	files := map[string]string{"modules/fill/manifest.hcl": fillManifest}
	mods := []registry.Module{fillModule()}

	res := testutil.RunStage(t, files, testutil.Options{Stage: "analyze", Top: "fill", Modules: mods})
	require.NoError(t, res.Err)

	// Later stages read the work dir only; reuse it by copying the files
	// forward into a fresh harness root.
	prog, err := pipeline.LoadProgram(res.WorkDir)
	require.NoError(t, err)
	require.Equal(t, "fill", prog.Top)
	require.Len(t, prog.Tasks, 1)
}

func TestStartupPanicsSurfaceAsErrors(t *testing.T) {
	t.Parallel()

	result := testutil.RunStage(t, map[string]string{
		"design/main.hcl": `task "broken" {`,
	}, testutil.Options{Stage: "run", Top: "broken"})
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "application startup panicked")
}

func TestValidationMismatchFailsStartup(t *testing.T) {
	t.Parallel()

	// Manifest declares a port the registered Go struct does not carry.
	result := testutil.RunStage(t, map[string]string{
		"modules/fill/manifest.hcl": `
task "fill" {
  lifecycle { on_run = "test.fill" }
  port "out" {
    kind = "mmap"
    type = u32
  }
  port "n" {
    kind = "scalar"
    type = u64
  }
  port "extra" {
    kind = "scalar"
    type = u32
  }
}
`,
	}, testutil.Options{
		Stage:   "run",
		Top:     "fill",
		Modules: []registry.Module{fillModule()},
	})
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), `manifest declares port "extra"`)
}
