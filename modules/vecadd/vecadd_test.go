package vecadd_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/graph"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/port"
	"github.com/vk/taskloom/internal/registry"
	"github.com/vk/taskloom/modules/vecadd"
)

// Loads the shipped manifest and runs the composed vec_add design end to end.
func TestVecAddEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	design, err := model.LoadTasksRecursively(ctx, ".")
	require.NoError(t, err)

	reg := registry.New()
	vecadd.Module{}.Register(reg)
	reg.PopulateFromDesign(design)
	require.NoError(t, reg.Validate(ctx))

	const n = 32
	a := port.NewMMap(n * 4)
	b := port.NewMMap(n * 4)
	c := port.NewMMap(n * 4)
	for i := 0; i < n; i++ {
		a.SetFloat32At(i, float32(i)/2)
		b.SetFloat32At(i, float32(n-i))
	}

	eng := graph.New(reg, design)
	require.NoError(t, eng.Run(ctx, "vec_add",
		bind.Buffer(a), bind.Buffer(b), bind.Buffer(c), bind.Scalar(int64(n))))

	for i := 0; i < n; i++ {
		require.Equal(t, float32(i)/2+float32(n-i), c.Float32At(i), "element %d", i)
	}
}
