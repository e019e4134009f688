package registry

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/port"
)

var (
	streamPtrType = reflect.TypeOf((*port.Stream)(nil))
	mmapType      = reflect.TypeOf(port.MMap(nil))
)

// Validate performs a strict parity check between manifests and Go code: every
// leaf definition with a registered handler must declare exactly the ports its
// Go struct is tagged for, with compatible kinds and scalar widths. Running
// this at startup shifts port contract violations from execution time to load
// time.
func (r *Registry) Validate(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	var errs []string

	for taskName, def := range r.Definitions {
		if def.IsUpper() {
			if def.OnRun != "" {
				errs = append(errs, fmt.Sprintf("task %q: declares both child instances and an on_run handler", taskName))
			}
			continue
		}
		if def.OnRun == "" {
			errs = append(errs, fmt.Sprintf("task %q: leaf task declares no lifecycle on_run handler", taskName))
			continue
		}
		handler, ok := r.Handlers[def.OnRun]
		if !ok {
			errs = append(errs, fmt.Sprintf("task %q: handler %q is not registered", taskName, def.OnRun))
			continue
		}
		errs = append(errs, checkPortParity(taskName, def, handler)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("registry validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	logger.Debug("Registry validation passed.", "definitions", len(r.Definitions), "handlers", len(r.Handlers))
	return nil
}

func checkPortParity(taskName string, def *model.Task, handler *RegisteredTask) []string {
	var errs []string

	goPorts := map[string]reflect.StructField{}
	for i := 0; i < handler.PortsType.NumField(); i++ {
		field := handler.PortsType.Field(i)
		if !field.IsExported() {
			continue
		}
		if name := bind.FieldTag(field); name != "" {
			goPorts[name] = field
		}
	}

	for name := range goPorts {
		if _, ok := def.Port(name); !ok {
			errs = append(errs, fmt.Sprintf("task %q: Go struct has field for port %q which is not declared in manifest", taskName, name))
		}
	}
	for _, decl := range def.Ports {
		field, ok := goPorts[decl.Name]
		if !ok {
			errs = append(errs, fmt.Sprintf("task %q: manifest declares port %q which is not found in Go struct", taskName, decl.Name))
			continue
		}
		if msg := checkFieldType(decl, field); msg != "" {
			errs = append(errs, fmt.Sprintf("task %q port %q: %s", taskName, decl.Name, msg))
		}
	}
	return errs
}

// checkFieldType maps a declared port onto the Go type its field must have.
func checkFieldType(decl model.Port, field reflect.StructField) string {
	switch decl.Kind {
	case model.KindIStream, model.KindOStream:
		if field.Type != streamPtrType {
			return fmt.Sprintf("Go field %s must be *port.Stream, got %s", field.Name, field.Type)
		}
	case model.KindMMap:
		if field.Type != mmapType {
			return fmt.Sprintf("Go field %s must be port.MMap, got %s", field.Name, field.Type)
		}
	case model.KindScalar:
		want := scalarGoKind(decl.Type)
		if field.Type.Kind() != want {
			return fmt.Sprintf("declared %s requires Go kind %s, got %s", decl.Type.Name, want, field.Type.Kind())
		}
	}
	return ""
}

func scalarGoKind(t model.PortType) reflect.Kind {
	switch {
	case t.Float && t.Width == 32:
		return reflect.Float32
	case t.Float:
		return reflect.Float64
	case t.Signed:
		switch t.Width {
		case 8:
			return reflect.Int8
		case 16:
			return reflect.Int16
		case 32:
			return reflect.Int32
		default:
			return reflect.Int64
		}
	default:
		switch t.Width {
		case 8:
			return reflect.Uint8
		case 16:
			return reflect.Uint16
		case 32:
			return reflect.Uint32
		default:
			return reflect.Uint64
		}
	}
}
