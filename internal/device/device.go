// Package device defines the execution driver's view of an accelerator: an
// opened artifact instance that stages arguments, moves buffers, launches the
// kernel and reports its execution time. Backends implement these interfaces;
// the driver in hwexec is written against them alone.
package device

import (
	"context"
	"fmt"
)

// Runtime opens artifacts on a particular backend.
type Runtime interface {
	// Open loads an artifact and prepares an instance of its top task.
	// The requested top must match the artifact's metadata.
	Open(ctx context.Context, artifact, top string) (Instance, error)
}

// Instance is one opened kernel. The call sequence is Alloc and SetArg for
// every positional argument, WriteToDevice, Exec, ReadFromDevice, Finish,
// then Free. Exec blocks until the kernel completes.
type Instance interface {
	// Alloc reserves a device-side region of n bytes for the mmap port at
	// the given index. Scalar ports need no allocation.
	Alloc(pos, n int) error
	// Free releases the device-side region at the given index.
	Free(pos int) error
	// SetArg stages the positional argument at the given index: a numeric
	// value for scalar ports, a byte buffer for mmap ports. Mmap arguments
	// require a prior Alloc.
	SetArg(pos int, v any) error
	// WriteToDevice transfers all staged buffers to device memory.
	WriteToDevice(ctx context.Context) error
	// Exec launches the kernel and blocks until it signals completion.
	Exec(ctx context.Context) error
	// ReadFromDevice transfers all buffers back into their host memory.
	ReadFromDevice(ctx context.Context) error
	// Finish drains any outstanding transfers.
	Finish(ctx context.Context) error
	// ComputeTimeNanoSeconds reports the kernel execution time of the most
	// recent Exec, excluding transfers.
	ComputeTimeNanoSeconds() int64
	// Close releases the instance.
	Close() error
}

// ArgError reports a staged argument that does not fit the declared port.
type ArgError struct {
	Pos  int
	Port string
	Msg  string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("device argument %d (port %q): %s", e.Pos, e.Port, e.Msg)
}
