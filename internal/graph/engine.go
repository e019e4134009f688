package graph

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/port"
	"github.com/vk/taskloom/internal/registry"
	"github.com/vk/taskloom/internal/sched"
)

// Engine executes a design in software simulation. It is the runtime twin of
// the compiler front end: both resolve the same declarative structure, so a
// design that simulates is the design that synthesizes.
type Engine struct {
	reg    *registry.Registry
	design *model.Design
}

// New creates an engine over a loaded design and its registered handlers.
func New(reg *registry.Registry, design *model.Design) *Engine {
	return &Engine{reg: reg, design: design}
}

// Run simulates the named top task with positional top-level arguments.
// Argument binding is validated against the declaration before the scheduler
// starts; a kind mismatch never reaches execution.
func (e *Engine) Run(ctx context.Context, top string, args ...bind.Arg) error {
	def, ok := e.design.Task(top)
	if !ok {
		return fmt.Errorf("top task %q not found", top)
	}
	if len(args) != len(def.Ports) {
		return fmt.Errorf("top task %q declares %d port(s), got %d argument(s)", top, len(def.Ports), len(args))
	}
	byName := make(map[string]bind.Arg, len(args))
	for i, p := range def.Ports {
		if err := bind.Check(top, p, args[i]); err != nil {
			return err
		}
		byName[p.Name] = args[i]
	}

	ctxlog.FromContext(ctx).Debug("Starting software simulation.", "top", top)
	return sched.Run(ctx, top, func(ctx context.Context) {
		e.runTask(ctx, def, byName)
	})
}

// RunFunc simulates a programmatic root: body receives the root scope's
// builder and instantiates children through it. The root's scope does not
// end until its joined descendants complete.
func (e *Engine) RunFunc(ctx context.Context, name string, body func(ctx context.Context, b *Builder)) error {
	return sched.Run(ctx, name, func(ctx context.Context) {
		s := port.SchedulerOf(ctx).(*sched.Scheduler)
		body(ctx, newBuilder(e, s))
	})
}

// runTask executes one task instance body: a leaf calls its Go handler, an
// upper task elaborates its declared children.
func (e *Engine) runTask(ctx context.Context, def *model.Task, args map[string]bind.Arg) {
	if def.IsUpper() {
		e.elaborate(ctx, def, args)
		return
	}

	handler, ok := e.reg.Handlers[def.OnRun]
	if !ok {
		panic(fmt.Sprintf("graph: task %q handler %q not registered", def.Name, def.OnRun))
	}
	ports := handler.NewPorts()
	if err := bind.DecodePorts(def, ports, args); err != nil {
		panic(err.Error())
	}
	reflect.ValueOf(handler.Fn).Call([]reflect.Value{
		reflect.ValueOf(ctx),
		reflect.ValueOf(ports),
	})
}

// elaborate expands an upper task: create its channels and sequences, then
// invoke every declared child instance through the fluent builder.
func (e *Engine) elaborate(ctx context.Context, def *model.Task, args map[string]bind.Arg) {
	s := port.SchedulerOf(ctx).(*sched.Scheduler)
	b := newBuilder(e, s)

	streams := make(map[string]*port.Stream, len(def.Channels))
	for _, c := range def.Channels {
		streams[c.Name] = port.NewStream(c.Name, c.Depth)
	}
	seqs := make(map[string]*port.Seq, len(def.Sequences))
	for _, q := range def.Sequences {
		seqs[q.Name] = port.NewSeq()
	}

	evalCtx := buildEvalContext(def, args, streams, seqs)

	for _, inst := range def.Instances {
		child, ok := e.design.Task(inst.TaskName)
		if !ok {
			panic(fmt.Sprintf("graph: task %q instantiates unknown task %q", def.Name, inst.TaskName))
		}
		mode, err := sched.ParseMode(inst.Mode)
		if err != nil {
			panic(err.Error())
		}

		childArgs := make([]bind.Arg, len(child.Ports))
		for i, p := range child.Ports {
			expr, ok := inst.Binds[p.Name]
			if !ok {
				panic(fmt.Sprintf("graph: instance %q of task %q leaves port %q unbound", inst.Name, inst.TaskName, p.Name))
			}
			arg, err := argFromExpr(expr, p, evalCtx)
			if err != nil {
				panic(fmt.Sprintf("graph: instance %q: %v", inst.Name, err))
			}
			if err := bind.Check(inst.TaskName, p, arg); err != nil {
				panic(err.Error())
			}
			childArgs[i] = arg
		}

		b.invokeInstance(inst, child, mode, childArgs)
	}
	// Implicit join: the scheduler blocks this instance's scope until all
	// joined children complete once this body returns.
}
