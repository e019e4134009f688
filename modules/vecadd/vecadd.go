// Package vecadd provides the built-in streaming vector addition tasks: two
// loaders feeding element streams, an adder, and a store draining the result
// back to a buffer. The composed vec_add task in manifest.hcl is the default
// demonstration design and the reference workload for the compiler stages.
package vecadd

import (
	"context"
	"reflect"

	"github.com/vk/taskloom/internal/port"
	"github.com/vk/taskloom/internal/registry"
)

// Module registers the vecadd task handlers.
type Module struct{}

// Register implements registry.Module.
func (Module) Register(r *registry.Registry) {
	r.RegisterTask("vecadd.mmap_to_stream", &registry.RegisteredTask{
		NewPorts:  func() any { return new(LoadPorts) },
		PortsType: reflect.TypeOf(LoadPorts{}),
		Fn:        OnRunLoad,
	})
	r.RegisterTask("vecadd.stream_add", &registry.RegisteredTask{
		NewPorts:  func() any { return new(AddPorts) },
		PortsType: reflect.TypeOf(AddPorts{}),
		Fn:        OnRunAdd,
	})
	r.RegisterTask("vecadd.stream_to_mmap", &registry.RegisteredTask{
		NewPorts:  func() any { return new(StorePorts) },
		PortsType: reflect.TypeOf(StorePorts{}),
		Fn:        OnRunStore,
	})
}

// LoadPorts is the contract for the mmap_to_stream task.
type LoadPorts struct {
	Src port.MMap    `loom:"src"`
	Dst *port.Stream `loom:"dst"`
	N   uint64       `loom:"n"`
}

// OnRunLoad streams n 32-bit floats out of the source buffer in order.
func OnRunLoad(ctx context.Context, p *LoadPorts) {
	for i := uint64(0); i < p.N; i++ {
		p.Dst.Write(ctx, p.Src.Float32At(int(i)))
	}
}

// AddPorts is the contract for the stream_add task.
type AddPorts struct {
	A *port.Stream `loom:"a"`
	B *port.Stream `loom:"b"`
	C *port.Stream `loom:"c"`
	N uint64       `loom:"n"`
}

// OnRunAdd consumes one element from each input per iteration and emits the
// sum.
func OnRunAdd(ctx context.Context, p *AddPorts) {
	for i := uint64(0); i < p.N; i++ {
		a := p.A.Read(ctx).(float32)
		b := p.B.Read(ctx).(float32)
		p.C.Write(ctx, a+b)
	}
}

// StorePorts is the contract for the stream_to_mmap task.
type StorePorts struct {
	Src *port.Stream `loom:"src"`
	Dst port.MMap    `loom:"dst"`
	N   uint64       `loom:"n"`
}

// OnRunStore drains n elements into the destination buffer in arrival order.
func OnRunStore(ctx context.Context, p *StorePorts) {
	for i := uint64(0); i < p.N; i++ {
		p.Dst.SetFloat32At(int(i), p.Src.Read(ctx).(float32))
	}
}
