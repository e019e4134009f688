// This file bridges the model's deferred bind expressions into bound
// arguments. Channel, buffer and sequence endpoints travel through the HCL
// evaluation context as cty capsule values, so a bind expression like
// `dst = channel.qa` resolves to the actual stream object of the enclosing
// instance.
package graph

import (
	"fmt"
	"reflect"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/port"
)

var (
	streamCapsule = cty.Capsule("stream", reflect.TypeOf(port.Stream{}))
	mmapCapsule   = cty.Capsule("mmap", reflect.TypeOf(port.MMap{}))
	seqCapsule    = cty.Capsule("sequence", reflect.TypeOf(port.Seq{}))
)

// buildEvalContext exposes the enclosing task's ports, channels and sequences
// to bind expressions under the `port`, `channel` and `sequence` namespaces.
func buildEvalContext(def *model.Task, args map[string]bind.Arg, streams map[string]*port.Stream, seqs map[string]*port.Seq) *hcl.EvalContext {
	vars := map[string]cty.Value{}

	if len(def.Ports) > 0 {
		portVals := make(map[string]cty.Value, len(def.Ports))
		for _, p := range def.Ports {
			portVals[p.Name] = argToCty(p, args[p.Name])
		}
		vars["port"] = cty.ObjectVal(portVals)
	}
	if len(streams) > 0 {
		chanVals := make(map[string]cty.Value, len(streams))
		for name, s := range streams {
			chanVals[name] = cty.CapsuleVal(streamCapsule, s)
		}
		vars["channel"] = cty.ObjectVal(chanVals)
	}
	if len(seqs) > 0 {
		seqVals := make(map[string]cty.Value, len(seqs))
		for name, q := range seqs {
			seqVals[name] = cty.CapsuleVal(seqCapsule, q)
		}
		vars["sequence"] = cty.ObjectVal(seqVals)
	}

	return &hcl.EvalContext{Variables: vars}
}

// argToCty lifts a parent argument into the evaluation context. Scalars
// surface as numbers; endpoints surface as capsules and pass through to the
// children untouched.
func argToCty(p model.Port, a bind.Arg) cty.Value {
	switch a.Kind() {
	case bind.KindIStream, bind.KindOStream:
		return cty.CapsuleVal(streamCapsule, a.Stream())
	case bind.KindMMap:
		buf := a.Buf()
		return cty.CapsuleVal(mmapCapsule, &buf)
	default:
		v, err := gocty.ToCtyValue(a.Value(), cty.Number)
		if err != nil {
			panic(fmt.Sprintf("graph: port %q: %v", p.Name, err))
		}
		return v
	}
}

// argFromExpr evaluates one bind expression and wraps it as the argument the
// callee port expects. Which accessor applies is decided from the declared
// port kind and the expression's resolved kind, never from data values.
func argFromExpr(expr hcl.Expression, p model.Port, evalCtx *hcl.EvalContext) (bind.Arg, error) {
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return bind.Arg{}, diags
	}

	switch {
	case val.Type().Equals(streamCapsule):
		s := val.EncapsulatedValue().(*port.Stream)
		if p.Kind == model.KindOStream {
			return bind.OutStream(s), nil
		}
		return bind.InStream(s), nil
	case val.Type().Equals(mmapCapsule):
		return bind.Buffer(*val.EncapsulatedValue().(*port.MMap)), nil
	case val.Type().Equals(seqCapsule):
		return bind.Sequence(val.EncapsulatedValue().(*port.Seq)), nil
	case val.Type() == cty.Number:
		if p.Type.Float {
			var f float64
			if err := gocty.FromCtyValue(val, &f); err != nil {
				return bind.Arg{}, err
			}
			return bind.Scalar(f), nil
		}
		var n int64
		if err := gocty.FromCtyValue(val, &n); err != nil {
			return bind.Arg{}, err
		}
		return bind.Scalar(n), nil
	default:
		return bind.Arg{}, fmt.Errorf("port %q: unsupported bind value of type %s", p.Name, val.Type().FriendlyName())
	}
}
