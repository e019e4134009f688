package port_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/port"
	"github.com/vk/taskloom/internal/sched"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStreamDeliversInOrder(t *testing.T) {
	t.Parallel()

	q := port.NewStream("q", 2)
	var got []int
	err := sched.Run(testCtx(t), "root", func(ctx context.Context) {
		s := port.SchedulerOf(ctx).(*sched.Scheduler)
		s.Spawn("producer", sched.Join, func(ctx context.Context) {
			for i := 1; i <= 3; i++ {
				q.Write(ctx, i)
			}
		})
		s.Spawn("consumer", sched.Join, func(ctx context.Context) {
			for i := 0; i < 3; i++ {
				got = append(got, q.Read(ctx).(int))
			}
		})
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestStreamWriteBlocksAtDepth(t *testing.T) {
	t.Parallel()

	q := port.NewStream("q", 1)
	var events []string
	err := sched.Run(testCtx(t), "root", func(ctx context.Context) {
		s := port.SchedulerOf(ctx).(*sched.Scheduler)
		s.Spawn("producer", sched.Join, func(ctx context.Context) {
			q.Write(ctx, "first")
			events = append(events, "wrote first")
			// Depth 1: this write parks until the consumer drains.
			q.Write(ctx, "second")
			events = append(events, "wrote second")
		})
		s.Spawn("consumer", sched.Join, func(ctx context.Context) {
			events = append(events, "read "+q.Read(ctx).(string))
			events = append(events, "read "+q.Read(ctx).(string))
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"wrote first",
		"read first",
		"wrote second",
		"read second",
	}, events)
}

func TestStreamRejectsSecondConsumer(t *testing.T) {
	t.Parallel()

	q := port.NewStream("q", 4)
	err := sched.Run(testCtx(t), "root", func(ctx context.Context) {
		s := port.SchedulerOf(ctx).(*sched.Scheduler)
		s.Spawn("producer", sched.Join, func(ctx context.Context) {
			q.Write(ctx, 1)
			q.Write(ctx, 2)
		})
		s.Spawn("reader1", sched.Join, func(ctx context.Context) {
			q.Read(ctx)
		})
		s.Spawn("reader2", sched.Join, func(ctx context.Context) {
			q.Read(ctx)
		})
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already consumed by")
}

func TestStreamRejectsSecondProducer(t *testing.T) {
	t.Parallel()

	q := port.NewStream("q", 4)
	err := sched.Run(testCtx(t), "root", func(ctx context.Context) {
		s := port.SchedulerOf(ctx).(*sched.Scheduler)
		s.Spawn("writer1", sched.Join, func(ctx context.Context) {
			q.Write(ctx, 1)
		})
		s.Spawn("writer2", sched.Join, func(ctx context.Context) {
			q.Write(ctx, 2)
		})
		s.Spawn("reader", sched.Join, func(ctx context.Context) {
			q.Read(ctx)
			q.Read(ctx)
		})
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already produced by")
}

func TestSeqSharedAcrossAccesses(t *testing.T) {
	t.Parallel()

	q := port.NewSeq()
	require.Equal(t, int64(0), q.Next())
	require.Equal(t, int64(1), q.Next())
	require.Equal(t, int64(2), q.Next())
}

func TestMMapFloat32RoundTrip(t *testing.T) {
	t.Parallel()

	m := port.NewMMap(16)
	m.SetFloat32At(0, 1.5)
	m.SetFloat32At(3, -2.25)
	require.Equal(t, float32(1.5), m.Float32At(0))
	require.Equal(t, float32(-2.25), m.Float32At(3))
	require.Equal(t, float32(0), m.Float32At(1))
}
