package bind

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/port"
)

var (
	streamPtrType = reflect.TypeOf((*port.Stream)(nil))
	mmapType      = reflect.TypeOf(port.MMap(nil))
)

// TagName is the struct tag that maps a ports-struct field to a declared port.
const TagName = "loom"

// FieldTag returns the port name a struct field is tagged with, or "".
func FieldTag(field reflect.StructField) string {
	tag := field.Tag.Get(TagName)
	name := strings.Split(tag, ",")[0]
	if name == "-" {
		return ""
	}
	return name
}

// DecodePorts fills the handler's ports struct from bound arguments. Every
// declared port must be bound and every tagged field must correspond to a
// declared port; arguments were already checked against the declaration, so a
// failure here is a wiring bug, not user input.
func DecodePorts(task *model.Task, portsStruct any, args map[string]Arg) error {
	v := reflect.ValueOf(portsStruct)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("ports struct for task %q must be a pointer to struct, got %T", task.Name, portsStruct)
	}
	elem := v.Elem()
	t := elem.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := FieldTag(field)
		if name == "" {
			continue
		}

		decl, ok := task.Port(name)
		if !ok {
			return fmt.Errorf("task %q: Go field %s tagged for port %q which is not declared", task.Name, field.Name, name)
		}
		arg, ok := args[name]
		if !ok {
			return fmt.Errorf("task %q: port %q not bound", task.Name, name)
		}

		if err := setField(task.Name, decl, elem.Field(i), field, arg); err != nil {
			return err
		}
	}
	return nil
}

func setField(task string, decl model.Port, fv reflect.Value, field reflect.StructField, arg Arg) error {
	switch decl.Kind {
	case model.KindIStream, model.KindOStream:
		if field.Type != streamPtrType {
			return fmt.Errorf("task %q port %q: Go field %s must be *port.Stream", task, decl.Name, field.Name)
		}
		fv.Set(reflect.ValueOf(arg.Stream()))
	case model.KindMMap:
		if field.Type != mmapType {
			return fmt.Errorf("task %q port %q: Go field %s must be port.MMap", task, decl.Name, field.Name)
		}
		fv.Set(reflect.ValueOf(arg.Buf()))
	case model.KindScalar:
		val := reflect.ValueOf(arg.Value())
		if !val.Type().ConvertibleTo(field.Type) {
			return fmt.Errorf("task %q port %q: cannot convert %s to %s", task, decl.Name, val.Type(), field.Type)
		}
		fv.Set(val.Convert(field.Type))
	default:
		return fmt.Errorf("task %q port %q: unsupported port kind %q", task, decl.Name, decl.Kind)
	}
	return nil
}
