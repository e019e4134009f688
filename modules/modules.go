// Package modules aggregates the built-in task packages.
package modules

import (
	"github.com/vk/taskloom/internal/registry"
	"github.com/vk/taskloom/modules/relay"
	"github.com/vk/taskloom/modules/vecadd"
)

// Builtin lists every built-in module.
func Builtin() []registry.Module {
	return []registry.Module{
		vecadd.Module{},
		relay.Module{},
	}
}

// RegisterAll registers every built-in module's handlers.
func RegisterAll(r *registry.Registry) {
	for _, m := range Builtin() {
		m.Register(r)
	}
}
