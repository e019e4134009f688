// Package sched runs a task graph in software simulation.
//
// Scheduling is cooperative and single-threaded: every task instance is a
// resumable unit that holds an execution baton while it runs and gives it back
// when it blocks on a stream operation, yields explicitly, or finishes. The
// run loop redrives runnable units in FIFO order, which keeps interleaving
// fair even when detached instances loop forever. There is no preemption and
// no cancellation of in-flight instances.
package sched

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/port"
)

// Mode is the instantiation mode of a task instance.
type Mode int

const (
	// Join makes the parent's scope wait for the instance to complete.
	Join Mode = iota
	// Detach makes the instance independent: the parent never waits for it.
	Detach
)

func (m Mode) String() string {
	if m == Detach {
		return "detach"
	}
	return "join"
}

// ParseMode converts the textual instantiation mode used in manifests.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "join":
		return Join, nil
	case "detach":
		return Detach, nil
	default:
		return Join, fmt.Errorf("unknown instantiation mode %q (want \"join\" or \"detach\")", s)
	}
}

type unitState int

const (
	runnable unitState = iota
	running
	parked
	done
)

// Unit is one resumable task instance. It satisfies port.Unit so streams can
// park and wake it.
type Unit struct {
	name   string
	mode   Mode
	parent *Unit
	body   func(ctx context.Context)

	resume chan struct{}
	state  unitState
	reason string

	pendingJoins int
	parkedOnJoin bool
}

// Name returns the instance name the unit was spawned with.
func (u *Unit) Name() string { return u.name }

// Scheduler multiplexes the units of one simulation run. It is scoped to that
// run: create it with Run, let it drain, and discard it.
type Scheduler struct {
	ctx     context.Context
	runq    []*Unit
	blocked map[*Unit]struct{}
	cur     *Unit
	yield   chan struct{}
	failure error
}

// Run executes body as the root task instance and drives the run loop until
// the root and all its joined descendants complete. Detached instances that
// are still blocked or runnable at that point are abandoned; their fate at
// host-process exit is undefined.
func Run(ctx context.Context, name string, body func(ctx context.Context)) error {
	logger := ctxlog.FromContext(ctx)
	s := &Scheduler{
		yield:   make(chan struct{}),
		blocked: map[*Unit]struct{}{},
	}
	s.ctx = port.WithScheduler(ctx, s)

	root := s.newUnit(nil, name, Join, body)
	s.runq = append(s.runq, root)
	logger.Debug("Simulation run loop starting.", "root", name)

	steps := 0
	for root.state != done {
		if s.failure != nil {
			return s.failure
		}
		if len(s.runq) == 0 {
			return s.deadlockError()
		}
		u := s.runq[0]
		s.runq = s.runq[1:]
		u.state = running
		s.cur = u
		u.resume <- struct{}{}
		<-s.yield
		steps++
	}
	if s.failure != nil {
		return s.failure
	}
	logger.Debug("Simulation run loop drained.", "root", name, "steps", steps, "abandoned", len(s.blocked)+len(s.runq))
	return nil
}

// Spawn creates a child instance of the currently running unit and queues it.
// Called by the graph builder, never by task bodies directly.
func (s *Scheduler) Spawn(name string, mode Mode, body func(ctx context.Context)) *Unit {
	u := s.newUnit(s.cur, name, mode, body)
	s.runq = append(s.runq, u)
	return u
}

// newUnit wires the unit's goroutine. The goroutine idles until the run loop
// hands it the baton for the first time.
func (s *Scheduler) newUnit(parent *Unit, name string, mode Mode, body func(ctx context.Context)) *Unit {
	u := &Unit{
		name:   name,
		mode:   mode,
		parent: parent,
		body:   body,
		resume: make(chan struct{}),
	}
	if mode == Join && parent != nil {
		parent.pendingJoins++
	}

	go func() {
		<-u.resume
		func() {
			defer func() {
				if r := recover(); r != nil && s.failure == nil {
					s.failure = fmt.Errorf("task instance %q: %v", u.name, r)
				}
			}()
			u.body(s.ctx)
		}()
		if s.failure == nil {
			// A task object's scope does not end until every joined
			// descendant, transitively, has completed.
			s.waitJoins(u)
		}
		u.state = done
		s.completeJoin(u)
		s.yield <- struct{}{}
	}()
	return u
}

// Current implements port.Scheduler.
func (s *Scheduler) Current() port.Unit { return s.cur }

// Park implements port.Scheduler. The caller must already have registered a
// wake path (a stream wait list or the join accounting) before parking.
func (s *Scheduler) Park(reason string) {
	u := s.cur
	u.state = parked
	u.reason = reason
	s.blocked[u] = struct{}{}
	s.yield <- struct{}{}
	<-u.resume
}

// Wake implements port.Scheduler.
func (s *Scheduler) Wake(pu port.Unit) {
	u := pu.(*Unit)
	if u.state != parked {
		return
	}
	delete(s.blocked, u)
	u.state = runnable
	u.reason = ""
	s.runq = append(s.runq, u)
}

// Yield implements port.Scheduler.
func (s *Scheduler) Yield() {
	u := s.cur
	u.state = runnable
	s.runq = append(s.runq, u)
	s.yield <- struct{}{}
	<-u.resume
}

// waitJoins parks the unit until all of its join-mode children completed.
func (s *Scheduler) waitJoins(u *Unit) {
	for u.pendingJoins > 0 {
		u.parkedOnJoin = true
		s.Park(fmt.Sprintf("join %d child instance(s)", u.pendingJoins))
	}
}

// completeJoin propagates a finished joined instance to its parent.
func (s *Scheduler) completeJoin(u *Unit) {
	if u.mode != Join || u.parent == nil {
		return
	}
	p := u.parent
	p.pendingJoins--
	if p.pendingJoins == 0 && p.parkedOnJoin {
		p.parkedOnJoin = false
		s.Wake(p)
	}
}

// deadlockError reports a run in which joined work remains but no unit is
// runnable. Stalled channel operations are caller-detectable, not preventable.
func (s *Scheduler) deadlockError() error {
	var states []string
	for u := range s.blocked {
		states = append(states, fmt.Sprintf("%s (blocked on %s)", u.name, u.reason))
	}
	return fmt.Errorf("simulation deadlock: no runnable instances, %d blocked: %s",
		len(s.blocked), strings.Join(states, ", "))
}
