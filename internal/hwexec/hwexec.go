// Package hwexec is the hardware execution driver. Invoke stages positional
// arguments on an accelerator backend, launches the kernel and reports its
// execution time. Without an artifact it falls back to direct software
// simulation; with isolation enabled the whole device session runs in a
// worker process, and buffer contents and the measured kernel time cross
// back through shared memory.
package hwexec

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/device"
	"github.com/vk/taskloom/internal/device/simdev"
	"github.com/vk/taskloom/internal/graph"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/registry"
)

// Options selects how a top task is executed.
type Options struct {
	// DesignPaths are the design roots; the isolated worker reloads the
	// design from them.
	DesignPaths []string
	// Top names the task to execute.
	Top string
	// Artifact is the packed artifact path. Empty selects the software
	// fallback.
	Artifact string
	// Isolate runs the device session in a separate worker process.
	Isolate bool
}

// Result is what an invocation reports back.
type Result struct {
	// KernelTimeNS is the kernel execution time: the device's own
	// measurement on the hardware path, wall clock on the fallback.
	KernelTimeNS int64
}

// Invoke executes the top task with positional arguments. Device failures
// are fatal: the error carries the failing step and nothing is retried.
func Invoke(ctx context.Context, reg *registry.Registry, design *model.Design, opts Options, args ...bind.Arg) (Result, error) {
	if opts.Artifact == "" {
		return runFallback(ctx, reg, design, opts.Top, args)
	}
	if opts.Isolate {
		return runIsolated(ctx, opts, args)
	}
	return runOnDevice(ctx, simdev.New(reg, design), opts, args)
}

// runFallback simulates in-process and reports wall-clock time.
func runFallback(ctx context.Context, reg *registry.Registry, design *model.Design, top string, args []bind.Arg) (Result, error) {
	ctxlog.FromContext(ctx).Info("No artifact given; running software fallback.", "top", top)
	start := time.Now()
	if err := graph.New(reg, design).Run(ctx, top, args...); err != nil {
		return Result{}, err
	}
	return Result{KernelTimeNS: time.Since(start).Nanoseconds()}, nil
}

// runOnDevice drives one full device session: stage arguments, transfer,
// execute, transfer back, drain.
func runOnDevice(ctx context.Context, rt device.Runtime, opts Options, args []bind.Arg) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	in, err := rt.Open(ctx, opts.Artifact, opts.Top)
	if err != nil {
		return Result{}, fmt.Errorf("opening artifact: %w", err)
	}
	defer in.Close()

	for pos, a := range args {
		v, err := deviceValue(a)
		if err != nil {
			return Result{}, fmt.Errorf("argument %d: %w", pos, err)
		}
		if a.Kind() == bind.KindMMap {
			if err := in.Alloc(pos, len(a.Buf())); err != nil {
				return Result{}, fmt.Errorf("allocating device buffer: %w", err)
			}
		}
		if err := in.SetArg(pos, v); err != nil {
			return Result{}, fmt.Errorf("staging argument: %w", err)
		}
	}
	if err := in.WriteToDevice(ctx); err != nil {
		return Result{}, fmt.Errorf("transferring buffers to device: %w", err)
	}
	if err := in.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("executing kernel: %w", err)
	}
	if err := in.ReadFromDevice(ctx); err != nil {
		return Result{}, fmt.Errorf("transferring buffers from device: %w", err)
	}
	if err := in.Finish(ctx); err != nil {
		return Result{}, fmt.Errorf("draining device: %w", err)
	}
	for pos, a := range args {
		if a.Kind() != bind.KindMMap {
			continue
		}
		if err := in.Free(pos); err != nil {
			return Result{}, fmt.Errorf("freeing device buffer: %w", err)
		}
	}

	ns := in.ComputeTimeNanoSeconds()
	logger.Info("Kernel execution complete.", "top", opts.Top, "kernel_time_ns", ns)
	return Result{KernelTimeNS: ns}, nil
}

// deviceValue maps a call-site argument to what crosses the device boundary.
// The sequence accessor is consumed here, exactly once per invocation.
func deviceValue(a bind.Arg) (any, error) {
	switch a.Kind() {
	case bind.KindScalar, bind.KindSeq:
		return a.Value(), nil
	case bind.KindMMap:
		return a.Buf(), nil
	default:
		return nil, fmt.Errorf("%s arguments cannot cross the device boundary", a.Kind())
	}
}

// scalarNumber normalizes a staged scalar for serialization across the
// process boundary: any integer becomes int64, any float float64.
func scalarNumber(v any) (i int64, f float64, isFloat bool, err error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), 0, false, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), 0, false, nil
	case reflect.Float32, reflect.Float64:
		return 0, rv.Float(), true, nil
	default:
		return 0, 0, false, fmt.Errorf("scalar argument must be numeric, got %T", v)
	}
}
