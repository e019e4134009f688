// Package bind implements the argument binding protocol shared by the
// software and hardware execution paths: it maps a call-site argument onto
// the port a callee declares, and resolves the accessor for it.
//
// There are exactly two accessor variants, a closed polymorphism resolved
// once per declared port: a value-forwarding accessor for scalars, streams
// and buffers, and a sequence accessor that returns the shared counter's
// current value and post-increments it. Which variant applies is decided from
// the declared port kind and the argument's declared kind alone, never from
// runtime values; a mismatch is a contract error raised before anything runs.
package bind

import (
	"fmt"

	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/port"
)

// Kind tags the declared kind of a call-site argument.
type Kind int

const (
	// KindScalar forwards a value with no aliasing.
	KindScalar Kind = iota
	// KindIStream hands the callee the consuming endpoint of a stream.
	KindIStream
	// KindOStream hands the callee the producing endpoint of a stream.
	KindOStream
	// KindMMap hands the callee a shared memory-mapped buffer.
	KindMMap
	// KindSeq is the sequence accessor: a synthetic incrementing index.
	KindSeq
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindIStream:
		return "istream"
	case KindOStream:
		return "ostream"
	case KindMMap:
		return "mmap"
	case KindSeq:
		return "seq"
	}
	return "unknown"
}

// Arg is a tagged call-site argument.
type Arg struct {
	kind   Kind
	scalar any
	stream *port.Stream
	buffer port.MMap
	seq    *port.Seq
}

// Scalar wraps a pass-by-value argument.
func Scalar(v any) Arg { return Arg{kind: KindScalar, scalar: v} }

// InStream wraps the consuming endpoint of a stream.
func InStream(s *port.Stream) Arg { return Arg{kind: KindIStream, stream: s} }

// OutStream wraps the producing endpoint of a stream.
func OutStream(s *port.Stream) Arg { return Arg{kind: KindOStream, stream: s} }

// Buffer wraps a memory-mapped buffer argument.
func Buffer(m port.MMap) Arg { return Arg{kind: KindMMap, buffer: m} }

// Sequence wraps a shared sequence counter.
func Sequence(q *port.Seq) Arg { return Arg{kind: KindSeq, seq: q} }

// Kind returns the argument's declared kind.
func (a Arg) Kind() Kind { return a.kind }

// Stream returns the wrapped stream endpoint, or nil.
func (a Arg) Stream() *port.Stream { return a.stream }

// Buf returns the wrapped buffer, or nil.
func (a Arg) Buf() port.MMap { return a.buffer }

// Value returns the software-path value of the argument: the wrapped value
// for the forwarding accessor, or the counter's next value for the sequence
// accessor.
func (a Arg) Value() any {
	if a.kind == KindSeq {
		return a.seq.Next()
	}
	return a.scalar
}

// Materialize resolves the accessor for one instantiation. Sequence arguments
// collapse to a distinct scalar per call, in access order; every other kind
// forwards unchanged. Replication calls this once per replica so that
// siblings receive 0..n-1.
func (a Arg) Materialize() Arg {
	if a.kind == KindSeq {
		return Scalar(a.seq.Next())
	}
	return a
}

// ContractError reports a static mismatch between a declared port and the
// argument bound to it. It is detected before execution or synthesis and
// never recovered from.
type ContractError struct {
	Task string
	Port string
	Want model.PortKind
	Got  Kind
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("task %q port %q declared %s, bound %s argument", e.Task, e.Port, e.Want, e.Got)
}

// Check validates an argument against a declared port. The decision uses only
// the two declared kinds.
func Check(task string, p model.Port, a Arg) error {
	ok := false
	switch p.Kind {
	case model.KindScalar:
		ok = a.kind == KindScalar || a.kind == KindSeq
	case model.KindIStream:
		ok = a.kind == KindIStream
	case model.KindOStream:
		ok = a.kind == KindOStream
	case model.KindMMap:
		ok = a.kind == KindMMap
	}
	if !ok {
		return &ContractError{Task: task, Port: p.Name, Want: p.Kind, Got: a.kind}
	}
	return nil
}
