// Package relay provides a detached stream forwarder. It never terminates on
// its own: a detached relay instance keeps forwarding for as long as joined
// instances keep the simulation alive, and is abandoned when they finish.
package relay

import (
	"context"
	"reflect"

	"github.com/vk/taskloom/internal/port"
	"github.com/vk/taskloom/internal/registry"
)

// Module registers the relay task handler.
type Module struct{}

// Register implements registry.Module.
func (Module) Register(r *registry.Registry) {
	r.RegisterTask("relay.stream_relay", &registry.RegisteredTask{
		NewPorts:  func() any { return new(Ports) },
		PortsType: reflect.TypeOf(Ports{}),
		Fn:        OnRun,
	})
}

// Ports is the contract for the stream_relay task.
type Ports struct {
	Src *port.Stream `loom:"src"`
	Dst *port.Stream `loom:"dst"`
}

// OnRun forwards elements forever. Each transfer yields so the instances on
// either side of the relay keep making progress.
func OnRun(ctx context.Context, p *Ports) {
	for {
		p.Dst.Write(ctx, p.Src.Read(ctx))
		port.Yield(ctx)
	}
}
