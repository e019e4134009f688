// Package registry holds the Go handlers for leaf tasks and the task
// definitions loaded from manifests, and enforces the contract between the
// two before anything executes.
package registry

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vk/taskloom/internal/model"
)

// Module is the interface built-in task packages implement to register their
// handlers.
type Module interface {
	Register(r *Registry)
}

// RegisteredTask holds the compiled Go parts of a leaf task.
type RegisteredTask struct {
	// NewPorts allocates the handler's ports struct.
	NewPorts func() any
	// PortsType is the struct type NewPorts allocates, used for static
	// parity validation against the manifest.
	PortsType reflect.Type
	// Fn is the task body: func(context.Context, *Ports). Task functions
	// produce no return value; side effects happen only through bound
	// ports.
	Fn any
}

// Registry holds the registered handlers and definitions for one application
// instance.
type Registry struct {
	Handlers    map[string]*RegisteredTask
	Definitions map[string]*model.Task
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		Handlers:    map[string]*RegisteredTask{},
		Definitions: map[string]*model.Task{},
	}
}

var ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()

// RegisterTask registers a Go handler for a leaf task lifecycle function.
// Registration is the build-time boundary for handler contracts: a duplicate
// name or a function with the wrong shape is a programmer error and panics
// before any execution attempt.
func (r *Registry) RegisterTask(name string, handler *RegisteredTask) {
	if _, exists := r.Handlers[name]; exists {
		panic(fmt.Sprintf("task handler %q already registered", name))
	}
	if err := checkHandlerSignature(handler); err != nil {
		panic(fmt.Sprintf("task handler %q: %v", name, err))
	}
	r.Handlers[name] = handler
}

// checkHandlerSignature enforces the void-return contract: a task body is
// func(context.Context, *Ports) with no return values.
func checkHandlerSignature(handler *RegisteredTask) error {
	fn := reflect.TypeOf(handler.Fn)
	if fn == nil || fn.Kind() != reflect.Func {
		return fmt.Errorf("Fn must be a function, got %T", handler.Fn)
	}
	if fn.NumOut() != 0 {
		return fmt.Errorf("task function must return no values, got %d return value(s)", fn.NumOut())
	}
	if fn.NumIn() != 2 || fn.In(0) != ctxType {
		return fmt.Errorf("task function must be func(context.Context, *Ports)")
	}
	if handler.PortsType == nil {
		return fmt.Errorf("PortsType must be set")
	}
	if fn.In(1) != reflect.PointerTo(handler.PortsType) {
		return fmt.Errorf("task function's second parameter must be *%s", handler.PortsType)
	}
	return nil
}

// PopulateFromDesign copies loaded task definitions into the registry.
func (r *Registry) PopulateFromDesign(d *model.Design) {
	for name, task := range d.Tasks {
		r.Definitions[name] = task
	}
}
