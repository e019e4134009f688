package port

import (
	"context"
	"fmt"
)

// DefaultDepth is the FIFO capacity used when a channel declaration does not
// specify one. It matches the depth the linker gives the generated hardware
// FIFOs.
const DefaultDepth = 2

// Unit identifies one running task instance to a stream. Implemented by the
// scheduler's resumable units.
type Unit interface {
	Name() string
}

// Scheduler is the cooperative run loop a stream parks and wakes units on.
// Implemented by the sched package; declared here so port carries no
// dependency on the scheduler internals.
type Scheduler interface {
	// Current returns the unit currently holding the execution baton.
	Current() Unit
	// Park suspends the current unit until another unit wakes it.
	Park(reason string)
	// Wake moves a parked unit back onto the run queue.
	Wake(u Unit)
	// Yield re-queues the current unit behind other runnable units.
	Yield()
}

// Yield hands control to other runnable instances. Long-lived detached
// instances call this inside loops that would otherwise never block, so that
// joined instances keep progressing.
func Yield(ctx context.Context) {
	schedulerFrom(ctx).Yield()
}

type schedKey struct{}

// WithScheduler embeds the simulation scheduler in a context. The scheduler
// seeds every unit's context with itself before dispatching.
func WithScheduler(ctx context.Context, s Scheduler) context.Context {
	return context.WithValue(ctx, schedKey{}, s)
}

// SchedulerOf returns the scheduler embedded in a simulation context. It
// panics outside a simulation run.
func SchedulerOf(ctx context.Context) Scheduler {
	return schedulerFrom(ctx)
}

func schedulerFrom(ctx context.Context) Scheduler {
	s, ok := ctx.Value(schedKey{}).(Scheduler)
	if !ok {
		panic("port: stream operation outside a simulation run")
	}
	return s
}

// Stream is an ordered, blocking, single-producer single-consumer channel
// between two task instances. Endpoint ownership is exclusive for the stream's
// lifetime: the first unit to read becomes the consumer and the first to write
// becomes the producer, and any other unit touching the same endpoint is
// rejected.
type Stream struct {
	name  string
	depth int
	buf   []any

	producer Unit
	consumer Unit

	readWaiters  []Unit
	writeWaiters []Unit
}

// NewStream creates a stream with the given FIFO depth. A depth below one
// falls back to DefaultDepth.
func NewStream(name string, depth int) *Stream {
	if depth < 1 {
		depth = DefaultDepth
	}
	return &Stream{name: name, depth: depth}
}

// Name returns the channel name the stream was declared with.
func (s *Stream) Name() string { return s.name }

// Len returns the number of buffered values.
func (s *Stream) Len() int { return len(s.buf) }

// Read blocks until a value is available and returns it. Values are observed
// in the exact order they were written.
func (s *Stream) Read(ctx context.Context) any {
	sch := schedulerFrom(ctx)
	s.claimConsumer(sch.Current())

	for len(s.buf) == 0 {
		s.readWaiters = append(s.readWaiters, sch.Current())
		sch.Park(fmt.Sprintf("read %s", s.name))
	}

	v := s.buf[0]
	s.buf = s.buf[1:]
	s.wakeWriters(sch)
	return v
}

// Write blocks until FIFO space is available and appends the value.
func (s *Stream) Write(ctx context.Context, v any) {
	sch := schedulerFrom(ctx)
	s.claimProducer(sch.Current())

	for len(s.buf) >= s.depth {
		s.writeWaiters = append(s.writeWaiters, sch.Current())
		sch.Park(fmt.Sprintf("write %s", s.name))
	}

	s.buf = append(s.buf, v)
	s.wakeReaders(sch)
}

func (s *Stream) claimConsumer(u Unit) {
	if s.consumer == nil {
		s.consumer = u
		return
	}
	if s.consumer != u {
		panic(fmt.Sprintf("port: stream %q already consumed by %q, second consumer %q", s.name, s.consumer.Name(), u.Name()))
	}
}

func (s *Stream) claimProducer(u Unit) {
	if s.producer == nil {
		s.producer = u
		return
	}
	if s.producer != u {
		panic(fmt.Sprintf("port: stream %q already produced by %q, second producer %q", s.name, s.producer.Name(), u.Name()))
	}
}

func (s *Stream) wakeReaders(sch Scheduler) {
	for _, u := range s.readWaiters {
		sch.Wake(u)
	}
	s.readWaiters = s.readWaiters[:0]
}

func (s *Stream) wakeWriters(sch Scheduler) {
	for _, u := range s.writeWaiters {
		sch.Wake(u)
	}
	s.writeWaiters = s.writeWaiters[:0]
}
