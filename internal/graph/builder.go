// Package graph builds and executes the in-memory task graph: a parent task
// accumulates child task instances through a fluent builder, and the engine
// elaborates declarative upper tasks into builder calls.
package graph

import (
	"context"
	"fmt"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/sched"
)

// Builder accumulates child task instances for one parent scope. Every invoke
// variant returns the builder so instantiations chain. The parent's scope
// does not end until every join-mode child (and, transitively, their joined
// descendants) has completed; detached children are excluded from that wait.
type Builder struct {
	eng      *Engine
	s        *sched.Scheduler
	counters map[string]int
}

func newBuilder(eng *Engine, s *sched.Scheduler) *Builder {
	return &Builder{eng: eng, s: s, counters: map[string]int{}}
}

// Invoke instantiates one joined child of the named task. Arguments are
// positional in port declaration order.
func (b *Builder) Invoke(task string, args ...bind.Arg) *Builder {
	return b.InvokeN(sched.Join, 1, task, args...)
}

// InvokeMode instantiates one child with the given instantiation mode.
func (b *Builder) InvokeMode(mode sched.Mode, task string, args ...bind.Arg) *Builder {
	return b.InvokeN(mode, 1, task, args...)
}

// InvokeN instantiates n children with the mode applied uniformly to every
// replica. Replicas receive identical arguments except sequence arguments,
// which materialize to distinct values in creation order: the shared counter
// is consumed once per replica, so reusing one sequence across invoke calls
// keeps incrementing where the previous call left off.
func (b *Builder) InvokeN(mode sched.Mode, n int, task string, args ...bind.Arg) *Builder {
	def, ok := b.eng.design.Task(task)
	if !ok {
		panic(fmt.Sprintf("graph: invoke of unknown task %q", task))
	}
	if len(args) != len(def.Ports) {
		panic(fmt.Sprintf("graph: task %q declares %d port(s), invoked with %d argument(s)",
			task, len(def.Ports), len(args)))
	}
	for i, p := range def.Ports {
		if err := bind.Check(task, p, args[i]); err != nil {
			panic(err.Error())
		}
	}
	if n < 1 {
		panic(fmt.Sprintf("graph: task %q invoked with count %d", task, n))
	}

	for i := 0; i < n; i++ {
		name := b.nextName(task, n)
		byName := make(map[string]bind.Arg, len(args))
		for j, p := range def.Ports {
			byName[p.Name] = args[j].Materialize()
		}
		b.s.Spawn(name, mode, func(ctx context.Context) {
			b.eng.runTask(ctx, def, byName)
		})
	}
	return b
}

// invokeInstance is the engine's entry for declarative `instance` blocks: it
// keeps the authored instance name instead of deriving one.
func (b *Builder) invokeInstance(inst model.Instance, def *model.Task, mode sched.Mode, args []bind.Arg) {
	for i := 0; i < inst.Count; i++ {
		name := inst.Name
		if inst.Count > 1 {
			name = fmt.Sprintf("%s[%d]", inst.Name, i)
		}
		byName := make(map[string]bind.Arg, len(args))
		for j, p := range def.Ports {
			byName[p.Name] = args[j].Materialize()
		}
		b.s.Spawn(name, mode, func(ctx context.Context) {
			b.eng.runTask(ctx, def, byName)
		})
	}
}

func (b *Builder) nextName(task string, n int) string {
	i := b.counters[task]
	b.counters[task]++
	if n == 1 && i == 0 {
		return task
	}
	return fmt.Sprintf("%s[%d]", task, i)
}
