package model_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/model"
)

func loadDesign(t *testing.T, files map[string]string) (*model.Design, error) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return model.LoadTasksRecursively(ctx, dir)
}

func TestLoadLeafTask(t *testing.T) {
	t.Parallel()

	design, err := loadDesign(t, map[string]string{"main.hcl": `
task "doubler" {
  description = "Doubles a stream."

  lifecycle {
    on_run = "demo.double"
  }

  port "src" {
    kind = "istream"
    type = f32
  }

  port "dst" {
    kind = "ostream"
    type = f32
  }

  port "n" {
    kind = "scalar"
    type = u64
  }
}
`})
	require.NoError(t, err)

	task, ok := design.Task("doubler")
	require.True(t, ok)
	require.False(t, task.IsUpper())
	require.Equal(t, "demo.double", task.OnRun)
	require.Len(t, task.Ports, 3)

	// Declaration order is positional.
	require.Equal(t, "src", task.Ports[0].Name)
	require.Equal(t, 0, task.Ports[0].Pos)
	require.Equal(t, model.KindIStream, task.Ports[0].Kind)
	require.Equal(t, "n", task.Ports[2].Name)
	require.Equal(t, 2, task.Ports[2].Pos)
	require.Equal(t, 64, task.Ports[2].Type.Width)
	require.False(t, task.Ports[2].Type.Signed)
}

func TestLoadUpperTask(t *testing.T) {
	t.Parallel()

	design, err := loadDesign(t, map[string]string{"main.hcl": `
task "pipelined" {
  port "n" {
    kind = "scalar"
    type = u64
  }

  channel "q" {
    type  = f32
    depth = 4
  }

  sequence "i" {}

  instance "stage" {
    task  = "worker"
    count = 3

    bind {
      n   = port.n
      idx = sequence.i
    }
  }
}
`})
	require.NoError(t, err)

	task, ok := design.Task("pipelined")
	require.True(t, ok)
	require.True(t, task.IsUpper())

	c, ok := task.Channel("q")
	require.True(t, ok)
	require.Equal(t, "f32", c.Type.Name)
	require.Equal(t, 4, c.Depth)

	require.Len(t, task.Sequences, 1)
	require.Equal(t, "i", task.Sequences[0].Name)

	require.Len(t, task.Instances, 1)
	inst := task.Instances[0]
	require.Equal(t, "worker", inst.TaskName)
	require.Equal(t, "join", inst.Mode)
	require.Equal(t, 3, inst.Count)
	require.Contains(t, inst.Binds, "n")
	require.Contains(t, inst.Binds, "idx")
}

func TestDuplicateTaskAcrossFilesFails(t *testing.T) {
	t.Parallel()

	_, err := loadDesign(t, map[string]string{
		"a.hcl": `task "dup" { lifecycle { on_run = "x" } }`,
		"b.hcl": `task "dup" { lifecycle { on_run = "y" } }`,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), `task "dup" defined in both`)
}

func TestCountMustBeLiteral(t *testing.T) {
	t.Parallel()

	_, err := loadDesign(t, map[string]string{"main.hcl": `
task "bad" {
  port "n" {
    kind = "scalar"
    type = u64
  }

  instance "stage" {
    task  = "worker"
    count = port.n

    bind {}
  }
}
`})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be a literal number")
}

func TestCountMustBeWholeAndPositive(t *testing.T) {
	t.Parallel()

	_, err := loadDesign(t, map[string]string{"main.hcl": `
task "bad" {
  instance "stage" {
    task  = "worker"
    count = 1.5

    bind {}
  }
}
`})
	require.Error(t, err)
	require.Contains(t, err.Error(), "whole number")

	_, err = loadDesign(t, map[string]string{"main.hcl": `
task "bad" {
  instance "stage" {
    task  = "worker"
    count = 0

    bind {}
  }
}
`})
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least 1")
}

func TestInvalidModeRejected(t *testing.T) {
	t.Parallel()

	_, err := loadDesign(t, map[string]string{"main.hcl": `
task "bad" {
  instance "stage" {
    task = "worker"
    mode = "sideways"

    bind {}
  }
}
`})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Invalid instantiation mode")
}

func TestUnknownPortTypeRejected(t *testing.T) {
	t.Parallel()

	_, err := loadDesign(t, map[string]string{"main.hcl": `
task "bad" {
  lifecycle {
    on_run = "x"
  }

  port "p" {
    kind = "scalar"
    type = q128
  }
}
`})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Unknown port type")
}

func TestDuplicatePortRejected(t *testing.T) {
	t.Parallel()

	_, err := loadDesign(t, map[string]string{"main.hcl": `
task "bad" {
  lifecycle {
    on_run = "x"
  }

  port "p" {
    kind = "scalar"
    type = u32
  }

  port "p" {
    kind = "scalar"
    type = u32
  }
}
`})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Duplicate port definition")
}
