package hwexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/device/simdev"
	"github.com/vk/taskloom/internal/isolate"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/port"
	"github.com/vk/taskloom/internal/registry"
)

// WorkerArg is the hidden first argument that switches the binary into
// worker mode; the second argument is the invocation spec path.
const WorkerArg = "__hwexec"

// invocationSpec is the parent-to-worker handoff: everything the worker
// needs to reload the design, open the artifact and attach the shared
// regions.
type invocationSpec struct {
	DesignPaths []string  `json:"design_paths"`
	Top         string    `json:"top"`
	Artifact    string    `json:"artifact"`
	ResultPath  string    `json:"result_path"`
	Args        []specArg `json:"args"`
}

type specArg struct {
	Kind   string   `json:"kind"` // "scalar" or "mmap"
	Int    *int64   `json:"int,omitempty"`
	Float  *float64 `json:"float,omitempty"`
	Region string   `json:"region,omitempty"`
}

// runIsolated executes the device session in a worker process. Every mmap
// argument is re-homed into a file-backed shared region before the spawn, so
// the worker computes directly on memory the parent can see; the kernel time
// comes back through a dedicated 8-byte region. A worker that does not exit
// cleanly fails the invocation.
func runIsolated(ctx context.Context, opts Options, args []bind.Arg) (Result, error) {
	logger := ctxlog.FromContext(ctx)

	result, err := isolate.NewRegion("", "loom-result", 8)
	if err != nil {
		return Result{}, err
	}
	defer result.Close()

	spec := invocationSpec{
		DesignPaths: opts.DesignPaths,
		Top:         opts.Top,
		Artifact:    opts.Artifact,
		ResultPath:  result.Path(),
	}

	type sharedBuf struct {
		region *isolate.Region
		host   []byte
	}
	var shared []sharedBuf
	defer func() {
		for _, sb := range shared {
			sb.region.Close()
		}
	}()

	for pos, a := range args {
		switch a.Kind() {
		case bind.KindMMap:
			buf := a.Buf()
			region, err := isolate.NewRegion("", "loom-buf", len(buf))
			if err != nil {
				return Result{}, err
			}
			copy(region.Bytes(), buf)
			shared = append(shared, sharedBuf{region: region, host: buf})
			spec.Args = append(spec.Args, specArg{Kind: "mmap", Region: region.Path()})
		case bind.KindScalar, bind.KindSeq:
			i, f, isFloat, err := scalarNumber(a.Value())
			if err != nil {
				return Result{}, fmt.Errorf("argument %d: %w", pos, err)
			}
			sa := specArg{Kind: "scalar"}
			if isFloat {
				sa.Float = &f
			} else {
				sa.Int = &i
			}
			spec.Args = append(spec.Args, sa)
		default:
			return Result{}, fmt.Errorf("argument %d: %s arguments cannot cross the device boundary", pos, a.Kind())
		}
	}

	specFile, err := os.CreateTemp("", "loom-invoke-*.json")
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(specFile.Name())
	if err := json.NewEncoder(specFile).Encode(&spec); err != nil {
		specFile.Close()
		return Result{}, err
	}
	if err := specFile.Close(); err != nil {
		return Result{}, err
	}

	if err := isolate.Run(ctx, WorkerArg, specFile.Name()); err != nil {
		return Result{}, fmt.Errorf("isolated execution of %q: %w", opts.Top, err)
	}

	for _, sb := range shared {
		copy(sb.host, sb.region.Bytes())
	}
	ns := result.Int64At(0)
	logger.Info("Isolated kernel execution complete.", "top", opts.Top, "kernel_time_ns", ns)
	return Result{KernelTimeNS: ns}, nil
}

// ChildMain is the worker-mode entry point. It reloads the design from the
// spec, attaches the shared regions, drives the device session and writes
// the measured kernel time into the result region. Any error propagates to a
// nonzero exit in the caller.
func ChildMain(ctx context.Context, reg *registry.Registry, specPath string) error {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("reading invocation spec: %w", err)
	}
	var spec invocationSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("decoding invocation spec: %w", err)
	}
	ctxlog.FromContext(ctx).Debug("Worker starting.", "top", spec.Top, "artifact", spec.Artifact)

	design, err := model.LoadTasksRecursively(ctx, spec.DesignPaths...)
	if err != nil {
		return err
	}
	reg.PopulateFromDesign(design)

	args := make([]bind.Arg, 0, len(spec.Args))
	var regions []*isolate.Region
	defer func() {
		for _, r := range regions {
			r.Close()
		}
	}()
	for pos, sa := range spec.Args {
		switch sa.Kind {
		case "mmap":
			region, err := isolate.OpenRegion(sa.Region)
			if err != nil {
				return fmt.Errorf("argument %d: %w", pos, err)
			}
			regions = append(regions, region)
			args = append(args, bind.Buffer(port.MMap(region.Bytes())))
		case "scalar":
			if sa.Float != nil {
				args = append(args, bind.Scalar(*sa.Float))
			} else if sa.Int != nil {
				args = append(args, bind.Scalar(*sa.Int))
			} else {
				return fmt.Errorf("argument %d: scalar spec carries no value", pos)
			}
		default:
			return fmt.Errorf("argument %d: unknown spec kind %q", pos, sa.Kind)
		}
	}

	res, err := runOnDevice(ctx, simdev.New(reg, design), Options{Top: spec.Top, Artifact: spec.Artifact}, args)
	if err != nil {
		return err
	}

	result, err := isolate.OpenRegion(spec.ResultPath)
	if err != nil {
		return fmt.Errorf("opening result region: %w", err)
	}
	defer result.Close()
	result.SetInt64At(0, res.KernelTimeNS)
	return nil
}
