package hwexec_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/hwexec"
	"github.com/vk/taskloom/internal/isolate"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/pipeline"
	"github.com/vk/taskloom/internal/port"
	"github.com/vk/taskloom/internal/registry"
)

// TestMain doubles as the isolated worker: the test binary re-executes
// itself for the isolation tests, exactly like the installed binary does.
func TestMain(m *testing.M) {
	if len(os.Args) > 2 && os.Args[1] == hwexec.WorkerArg {
		ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err := hwexec.ChildMain(ctx, testRegistry(), os.Args[2]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type scalePorts struct {
	Buf    port.MMap `loom:"buf"`
	Factor uint32    `loom:"factor"`
	N      uint64    `loom:"n"`
}

type boomPorts struct{}

func testRegistry() *registry.Registry {
	r := registry.New()
	r.RegisterTask("test.scale", &registry.RegisteredTask{
		NewPorts:  func() any { return new(scalePorts) },
		PortsType: reflect.TypeOf(scalePorts{}),
		Fn: func(ctx context.Context, p *scalePorts) {
			for i := uint64(0); i < p.N; i++ {
				p.Buf.SetUint32At(int(i), p.Buf.Uint32At(int(i))*p.Factor)
			}
		},
	})
	r.RegisterTask("test.boom", &registry.RegisteredTask{
		NewPorts:  func() any { return new(boomPorts) },
		PortsType: reflect.TypeOf(boomPorts{}),
		Fn: func(ctx context.Context, p *boomPorts) {
			panic("kernel blew up")
		},
	})
	return r
}

const scaleDesign = `
task "scale" {
  lifecycle { on_run = "test.scale" }
  port "buf" {
    kind = "mmap"
    type = u32
  }
  port "factor" {
    kind = "scalar"
    type = u32
  }
  port "n" {
    kind = "scalar"
    type = u64
  }
}
`

const boomDesign = `
task "boom" {
  lifecycle { on_run = "test.boom" }
}
`

func testCtx(t *testing.T) context.Context {
	t.Helper()
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// prepare writes the design, loads it, and builds an artifact for top.
func prepare(t *testing.T, hcl, top string) (designDir string, design *model.Design, artifact string) {
	t.Helper()
	designDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(designDir, "main.hcl"), []byte(hcl), 0o644))

	var err error
	design, err = model.LoadTasksRecursively(testCtx(t), designDir)
	require.NoError(t, err)

	artifact = filepath.Join(t.TempDir(), top+".loom")
	_, err = pipeline.Build(testCtx(t), pipeline.BuildOptions{
		Paths:    []string{designDir},
		Top:      top,
		Platform: "generic",
		WorkDir:  t.TempDir(),
		Output:   artifact,
	})
	require.NoError(t, err)
	return designDir, design, artifact
}

func scaleInput(n int) port.MMap {
	buf := port.NewMMap(n * 4)
	for i := 0; i < n; i++ {
		buf.SetUint32At(i, uint32(i+1))
	}
	return buf
}

func TestFallbackWithoutArtifact(t *testing.T) {
	t.Parallel()

	_, design, _ := prepare(t, scaleDesign, "scale")
	buf := scaleInput(8)

	res, err := hwexec.Invoke(testCtx(t), testRegistry(), design,
		hwexec.Options{Top: "scale"},
		bind.Buffer(buf), bind.Scalar(int64(3)), bind.Scalar(int64(8)))
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.KernelTimeNS, int64(0))

	for i := 0; i < 8; i++ {
		require.Equal(t, uint32((i+1)*3), buf.Uint32At(i))
	}
}

func TestDevicePathMatchesFallback(t *testing.T) {
	t.Parallel()

	designDir, design, artifact := prepare(t, scaleDesign, "scale")

	direct := scaleInput(8)
	res, err := hwexec.Invoke(testCtx(t), testRegistry(), design,
		hwexec.Options{DesignPaths: []string{designDir}, Top: "scale", Artifact: artifact},
		bind.Buffer(direct), bind.Scalar(int64(3)), bind.Scalar(int64(8)))
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.KernelTimeNS, int64(0))

	fallback := scaleInput(8)
	_, err = hwexec.Invoke(testCtx(t), testRegistry(), design,
		hwexec.Options{Top: "scale"},
		bind.Buffer(fallback), bind.Scalar(int64(3)), bind.Scalar(int64(8)))
	require.NoError(t, err)

	require.Equal(t, []byte(fallback), []byte(direct), "device path and fallback must agree")
}

func TestDeviceRejectsWrongTop(t *testing.T) {
	t.Parallel()

	_, design, artifact := prepare(t, scaleDesign, "scale")

	_, err := hwexec.Invoke(testCtx(t), testRegistry(), design,
		hwexec.Options{Top: "other", Artifact: artifact})
	require.Error(t, err)
	require.Contains(t, err.Error(), `packs top task "scale"`)
}

func TestIsolatedExecution(t *testing.T) {
	t.Parallel()

	designDir, design, artifact := prepare(t, scaleDesign, "scale")
	buf := scaleInput(8)

	res, err := hwexec.Invoke(testCtx(t), testRegistry(), design,
		hwexec.Options{DesignPaths: []string{designDir}, Top: "scale", Artifact: artifact, Isolate: true},
		bind.Buffer(buf), bind.Scalar(int64(5)), bind.Scalar(int64(8)))
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.KernelTimeNS, int64(0))

	// The worker's writes came back through the shared regions.
	for i := 0; i < 8; i++ {
		require.Equal(t, uint32((i+1)*5), buf.Uint32At(i))
	}
}

func TestIsolatedFailurePropagates(t *testing.T) {
	t.Parallel()

	designDir, design, artifact := prepare(t, boomDesign, "boom")

	_, err := hwexec.Invoke(testCtx(t), testRegistry(), design,
		hwexec.Options{DesignPaths: []string{designDir}, Top: "boom", Artifact: artifact, Isolate: true})
	require.Error(t, err)
	var fail *isolate.ExitFailure
	require.ErrorAs(t, err, &fail)
	require.Equal(t, 1, fail.Code)
}
