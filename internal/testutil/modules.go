package testutil

import "github.com/vk/taskloom/internal/registry"

// SimpleModule registers a single ad-hoc task handler, for tests that want
// full control over the handler body.
type SimpleModule struct {
	HandlerName string
	Task        *registry.RegisteredTask
}

// Register implements registry.Module.
func (m *SimpleModule) Register(r *registry.Registry) {
	r.RegisterTask(m.HandlerName, m.Task)
}
