// Package simdev is the simulated accelerator backend: it opens a packed
// artifact, validates the requested top against the artifact metadata, and
// services Exec by running the design's software model over device-side
// buffer copies. Transfers copy bytes both ways like a real device, so a
// handler that forgets ReadFromDevice observes stale host memory here too.
package simdev

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/device"
	"github.com/vk/taskloom/internal/graph"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/pipeline"
	"github.com/vk/taskloom/internal/port"
	"github.com/vk/taskloom/internal/registry"
)

// Runtime implements device.Runtime over the software simulator.
type Runtime struct {
	reg    *registry.Registry
	design *model.Design
}

// New creates the simulated backend over a loaded design and its handlers.
// The design must contain every task the artifact was compiled from.
func New(reg *registry.Registry, design *model.Design) *Runtime {
	return &Runtime{reg: reg, design: design}
}

// Open implements device.Runtime.
func (r *Runtime) Open(ctx context.Context, artifact, top string) (device.Instance, error) {
	meta, err := pipeline.ReadMeta(artifact)
	if err != nil {
		return nil, err
	}
	if meta.Top != top {
		return nil, fmt.Errorf("artifact %s packs top task %q, requested %q", artifact, meta.Top, top)
	}
	if _, ok := r.design.Task(top); !ok {
		return nil, fmt.Errorf("top task %q not present in the loaded design", top)
	}
	for _, name := range meta.Tasks {
		if _, ok := r.design.Task(name); !ok {
			return nil, fmt.Errorf("artifact task %q not present in the loaded design", name)
		}
	}
	ctxlog.FromContext(ctx).Debug("Opened artifact on simulated device.", "artifact", artifact, "top", top, "platform", meta.Platform)

	return &instance{
		eng:  graph.New(r.reg, r.design),
		meta: meta,
		args: make([]stagedArg, len(meta.Ports)),
	}, nil
}

type stagedArg struct {
	set bool
	// host is the caller's buffer for mmap ports; dev is the device-side
	// copy Exec computes on.
	host port.MMap
	dev  port.MMap
	// value is the staged scalar for scalar ports.
	value any
}

type instance struct {
	eng    *graph.Engine
	meta   pipeline.Meta
	args   []stagedArg
	execNS int64
}

// Alloc implements device.Instance.
func (in *instance) Alloc(pos, n int) error {
	p, err := in.port(pos)
	if err != nil {
		return err
	}
	if p.Kind != "mmap" {
		return &device.ArgError{Pos: pos, Port: p.Name, Msg: fmt.Sprintf("%s ports carry no device buffer", p.Kind)}
	}
	if n <= 0 {
		return &device.ArgError{Pos: pos, Port: p.Name, Msg: fmt.Sprintf("invalid allocation size %d", n)}
	}
	in.args[pos].dev = make(port.MMap, n)
	return nil
}

// Free implements device.Instance.
func (in *instance) Free(pos int) error {
	if _, err := in.port(pos); err != nil {
		return err
	}
	in.args[pos] = stagedArg{}
	return nil
}

// SetArg implements device.Instance.
func (in *instance) SetArg(pos int, v any) error {
	p, err := in.port(pos)
	if err != nil {
		return err
	}
	switch p.Kind {
	case "mmap":
		buf, ok := v.(port.MMap)
		if !ok {
			return &device.ArgError{Pos: pos, Port: p.Name, Msg: fmt.Sprintf("mmap port needs a buffer, got %T", v)}
		}
		if in.args[pos].dev == nil {
			return &device.ArgError{Pos: pos, Port: p.Name, Msg: "no device buffer allocated"}
		}
		if len(buf) > len(in.args[pos].dev) {
			return &device.ArgError{Pos: pos, Port: p.Name, Msg: fmt.Sprintf("buffer of %d bytes exceeds %d-byte allocation", len(buf), len(in.args[pos].dev))}
		}
		in.args[pos].set = true
		in.args[pos].host = buf
	case "scalar":
		in.args[pos] = stagedArg{set: true, value: v}
	default:
		return &device.ArgError{Pos: pos, Port: p.Name, Msg: fmt.Sprintf("%s ports cannot cross the device boundary", p.Kind)}
	}
	return nil
}

func (in *instance) port(pos int) (pipeline.IRPort, error) {
	if pos < 0 || pos >= len(in.meta.Ports) {
		return pipeline.IRPort{}, &device.ArgError{Pos: pos, Msg: fmt.Sprintf("top task %q has %d port(s)", in.meta.Top, len(in.meta.Ports))}
	}
	return in.meta.Ports[pos], nil
}

// WriteToDevice implements device.Instance.
func (in *instance) WriteToDevice(ctx context.Context) error {
	for _, a := range in.args {
		if a.set && a.host != nil {
			copy(a.dev, a.host)
		}
	}
	return nil
}

// Exec implements device.Instance. The kernel time is the wall-clock span of
// the simulated run.
func (in *instance) Exec(ctx context.Context) error {
	args := make([]bind.Arg, len(in.meta.Ports))
	for pos, p := range in.meta.Ports {
		a := in.args[pos]
		if !a.set {
			return &device.ArgError{Pos: pos, Port: p.Name, Msg: "argument not staged before Exec"}
		}
		if p.Kind == "mmap" {
			args[pos] = bind.Buffer(a.dev[:len(a.host)])
		} else {
			args[pos] = bind.Scalar(a.value)
		}
	}

	start := time.Now()
	if err := in.eng.Run(ctx, in.meta.Top, args...); err != nil {
		return fmt.Errorf("kernel %q: %w", in.meta.Top, err)
	}
	in.execNS = time.Since(start).Nanoseconds()
	return nil
}

// ReadFromDevice implements device.Instance.
func (in *instance) ReadFromDevice(ctx context.Context) error {
	for _, a := range in.args {
		if a.set && a.host != nil {
			copy(a.host, a.dev)
		}
	}
	return nil
}

// Finish implements device.Instance. Transfers are synchronous in this
// backend, so there is nothing left to drain.
func (in *instance) Finish(ctx context.Context) error { return nil }

// ComputeTimeNanoSeconds implements device.Instance.
func (in *instance) ComputeTimeNanoSeconds() int64 { return in.execNS }

// Close implements device.Instance. Any regions still allocated are
// released with the instance.
func (in *instance) Close() error {
	in.args = nil
	return nil
}
