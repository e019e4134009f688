package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/pipeline"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const pipelineDesign = `
task "producer" {
  lifecycle { on_run = "test.producer" }
  port "dst" {
    kind = "ostream"
    type = u32
  }
  port "n" {
    kind = "scalar"
    type = u64
  }
}

task "consumer" {
  lifecycle { on_run = "test.consumer" }
  port "src" {
    kind = "istream"
    type = u32
  }
  port "out" {
    kind = "mmap"
    type = u32
  }
  port "n" {
    kind = "scalar"
    type = u64
  }
}

task "top" {
  port "out" {
    kind = "mmap"
    type = u32
  }
  port "n" {
    kind = "scalar"
    type = u64
  }

  channel "q" {
    type  = u32
    depth = 8
  }

  instance "prod" {
    task = "producer"
    bind {
      dst = channel.q
      n   = port.n
    }
  }
  instance "cons" {
    task = "consumer"
    bind {
      src = channel.q
      out = port.out
      n   = port.n
    }
  }
}
`

func writeDesign(t *testing.T, hcl string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(hcl), 0o644))
	return dir
}

func checkDesign(t *testing.T, hcl, top string) (*pipeline.Program, error) {
	t.Helper()
	design, err := model.LoadTasksRecursively(testCtx(t), writeDesign(t, hcl))
	require.NoError(t, err)
	return pipeline.Check(design, top)
}

func TestCheckLowersDesign(t *testing.T) {
	t.Parallel()

	prog, err := checkDesign(t, pipelineDesign, "top")
	require.NoError(t, err)
	require.Equal(t, "top", prog.Top)

	// Tasks sorted by name.
	var names []string
	for _, task := range prog.Tasks {
		names = append(names, task.Name)
	}
	require.Equal(t, []string{"consumer", "producer", "top"}, names)

	top, ok := prog.Task("top")
	require.True(t, ok)
	require.Equal(t, "upper", top.Level)
	require.Len(t, top.Channels, 1)
	require.Equal(t, 8, top.Channels[0].Depth)
	require.Equal(t, 32, top.Channels[0].Width)
	require.Len(t, top.Instances, 2)

	prod, ok := prog.Task("producer")
	require.True(t, ok)
	require.Equal(t, "leaf", prod.Level)
	require.Equal(t, []pipeline.IRPort{
		{Name: "dst", Kind: "ostream", Type: "u32", Width: 32, Pos: 0},
		{Name: "n", Kind: "scalar", Type: "u64", Width: 64, Pos: 1},
	}, prod.Ports)
}

func TestCheckRejectsUnknownTop(t *testing.T) {
	t.Parallel()

	_, err := checkDesign(t, pipelineDesign, "nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), `top task "nope" not found`)
}

func TestCheckRejectsChannelEndpointViolations(t *testing.T) {
	t.Parallel()

	// Two consumers on one channel.
	_, err := checkDesign(t, `
task "producer" {
  lifecycle { on_run = "p" }
  port "dst" {
    kind = "ostream"
    type = u32
  }
}
task "sink" {
  lifecycle { on_run = "s" }
  port "src" {
    kind = "istream"
    type = u32
  }
}
task "top" {
  channel "q" { type = u32 }
  instance "prod" {
    task = "producer"
    bind { dst = channel.q }
  }
  instance "a" {
    task = "sink"
    bind { src = channel.q }
  }
  instance "b" {
    task = "sink"
    bind { src = channel.q }
  }
}
`, "top")
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 producer(s) and 2 consumer(s)")

	// No producer.
	_, err = checkDesign(t, `
task "sink" {
  lifecycle { on_run = "s" }
  port "src" {
    kind = "istream"
    type = u32
  }
}
task "top" {
  channel "q" { type = u32 }
  instance "a" {
    task = "sink"
    bind { src = channel.q }
  }
}
`, "top")
	require.Error(t, err)
	require.Contains(t, err.Error(), "0 producer(s)")
}

func TestCheckRejectsChannelOnReplicatedInstance(t *testing.T) {
	t.Parallel()

	_, err := checkDesign(t, `
task "producer" {
  lifecycle { on_run = "p" }
  port "dst" {
    kind = "ostream"
    type = u32
  }
}
task "sink" {
  lifecycle { on_run = "s" }
  port "src" {
    kind = "istream"
    type = u32
  }
}
task "top" {
  channel "q" { type = u32 }
  instance "prod" {
    task = "producer"
    bind { dst = channel.q }
  }
  instance "drain" {
    task  = "sink"
    count = 2
    bind { src = channel.q }
  }
}
`, "top")
	require.Error(t, err)
	require.Contains(t, err.Error(), "replicated instance")
}

func TestCheckRejectsKindAndTypeMismatches(t *testing.T) {
	t.Parallel()

	// Channel bound to a scalar port.
	_, err := checkDesign(t, `
task "leaf" {
  lifecycle { on_run = "l" }
  port "n" {
    kind = "scalar"
    type = u32
  }
}
task "top" {
  channel "q" { type = u32 }
  instance "a" {
    task = "leaf"
    bind { n = channel.q }
  }
}
`, "top")
	require.Error(t, err)
	require.Contains(t, err.Error(), "can only bind a stream port")

	// Element type mismatch through a parent port.
	_, err = checkDesign(t, `
task "leaf" {
  lifecycle { on_run = "l" }
  port "buf" {
    kind = "mmap"
    type = f32
  }
}
task "top" {
  port "data" {
    kind = "mmap"
    type = u64
  }
  instance "a" {
    task = "leaf"
    bind { buf = port.data }
  }
}
`, "top")
	require.Error(t, err)
	require.Contains(t, err.Error(), "element type f32 does not match type u64")
}

func TestCheckRejectsUnboundAndUnknownPorts(t *testing.T) {
	t.Parallel()

	_, err := checkDesign(t, `
task "leaf" {
  lifecycle { on_run = "l" }
  port "n" {
    kind = "scalar"
    type = u32
  }
}
task "top" {
  instance "a" {
    task = "leaf"
    bind {}
  }
}
`, "top")
	require.Error(t, err)
	require.Contains(t, err.Error(), `leaves port "n"`)

	_, err = checkDesign(t, `
task "leaf" {
  lifecycle { on_run = "l" }
}
task "top" {
  instance "a" {
    task = "leaf"
    bind { ghost = 1 }
  }
}
`, "top")
	require.Error(t, err)
	require.Contains(t, err.Error(), `binds "ghost"`)
}

func TestCheckRejectsSelfInstantiation(t *testing.T) {
	t.Parallel()

	_, err := checkDesign(t, `
task "top" {
  instance "again" {
    task = "top"
    bind {}
  }
}
`, "top")
	require.Error(t, err)
	require.Contains(t, err.Error(), "instantiates itself")
}

func TestCheckRejectsSequenceOnFloatPort(t *testing.T) {
	t.Parallel()

	_, err := checkDesign(t, `
task "leaf" {
  lifecycle { on_run = "l" }
  port "x" {
    kind = "scalar"
    type = f32
  }
}
task "top" {
  sequence "i" {}
  instance "a" {
    task = "leaf"
    bind { x = sequence.i }
  }
}
`, "top")
	require.Error(t, err)
	require.Contains(t, err.Error(), "whole indices")
}

func buildOnce(t *testing.T, designDir, workDir, artifact string) []byte {
	t.Helper()
	out, err := pipeline.Build(testCtx(t), pipeline.BuildOptions{
		Paths:    []string{designDir},
		Top:      "top",
		Platform: "generic",
		WorkDir:  workDir,
		Output:   artifact,
	})
	require.NoError(t, err)
	require.Equal(t, artifact, out)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	return data
}

func TestBuildIsByteReproducible(t *testing.T) {
	t.Parallel()

	designDir := writeDesign(t, pipelineDesign)

	first := buildOnce(t, designDir, t.TempDir(), filepath.Join(t.TempDir(), "one.loom"))
	second := buildOnce(t, designDir, t.TempDir(), filepath.Join(t.TempDir(), "two.loom"))
	require.Equal(t, first, second, "identical sources must pack byte-identical artifacts")
}

func TestArtifactMeta(t *testing.T) {
	t.Parallel()

	designDir := writeDesign(t, pipelineDesign)
	artifact := filepath.Join(t.TempDir(), "top.loom")
	buildOnce(t, designDir, t.TempDir(), artifact)

	meta, err := pipeline.ReadMeta(artifact)
	require.NoError(t, err)
	require.Equal(t, pipeline.MetaFormatVersion, meta.FormatVersion)
	require.Equal(t, "top", meta.Top)
	require.Equal(t, "generic", meta.Platform)
	require.Equal(t, []string{"consumer", "producer", "top"}, meta.Tasks)
	require.Len(t, meta.Ports, 2)
	require.Equal(t, "out", meta.Ports[0].Name)
}

func TestSynthSkipUnchanged(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	designDir := writeDesign(t, pipelineDesign)
	workDir := t.TempDir()
	source := filepath.Join(designDir, "main.hcl")

	require.NoError(t, pipeline.Analyze(ctx, pipeline.AnalyzeOptions{
		Paths: []string{designDir}, Top: "top", WorkDir: workDir,
	}))
	require.NoError(t, pipeline.Synth(ctx, pipeline.SynthOptions{
		WorkDir: workDir, Platform: "generic",
	}))

	module := filepath.Join(workDir, "rtl", "producer.v")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(source, old, old))
	info, err := os.Stat(module)
	require.NoError(t, err)

	// Opt-in skip: module newer than source is reused.
	require.NoError(t, pipeline.Synth(ctx, pipeline.SynthOptions{
		WorkDir: workDir, Platform: "generic", SkipUnchanged: true,
	}))
	after, err := os.Stat(module)
	require.NoError(t, err)
	require.Equal(t, info.ModTime(), after.ModTime(), "unchanged module must not be rewritten")

	// A source touched after the module invalidates the skip.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(source, future, future))
	require.NoError(t, pipeline.Synth(ctx, pipeline.SynthOptions{
		WorkDir: workDir, Platform: "generic", SkipUnchanged: true,
	}))
	after, err = os.Stat(module)
	require.NoError(t, err)
	require.True(t, after.ModTime().After(info.ModTime()), "stale module must be regenerated")

	// Default behavior always regenerates.
	require.NoError(t, os.Chtimes(source, old, old))
	before, err := os.Stat(module)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pipeline.Synth(ctx, pipeline.SynthOptions{
		WorkDir: workDir, Platform: "generic",
	}))
	after, err = os.Stat(module)
	require.NoError(t, err)
	require.True(t, after.ModTime().After(before.ModTime()), "without opt-in, synth always rewrites")
}

func TestLinkedTopModuleWiring(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	designDir := writeDesign(t, pipelineDesign)
	workDir := t.TempDir()

	require.NoError(t, pipeline.Analyze(ctx, pipeline.AnalyzeOptions{
		Paths: []string{designDir}, Top: "top", WorkDir: workDir,
	}))
	require.NoError(t, pipeline.Synth(ctx, pipeline.SynthOptions{WorkDir: workDir, Platform: "generic"}))
	require.NoError(t, pipeline.Link(ctx, pipeline.LinkOptions{WorkDir: workDir}))

	text, err := os.ReadFile(filepath.Join(workDir, "rtl", "top.v"))
	require.NoError(t, err)
	topV := string(text)

	require.Contains(t, topV, "module top (")
	require.Contains(t, topV, "loom_fifo #(.WIDTH(32), .DEPTH(8)) q_fifo")
	require.Contains(t, topV, "producer prod (")
	require.Contains(t, topV, "consumer cons (")
	// Both joined instances gate completion.
	require.Contains(t, topV, "assign ap_done = prod_done & cons_done;")
	// Channel endpoints wire to opposite fifo sides.
	require.Contains(t, topV, ".dst_din(q_din)")
	require.Contains(t, topV, ".src_dout(q_dout)")
}
