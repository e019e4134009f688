package app

import (
	"context"
	"fmt"

	"github.com/vk/taskloom/internal/bind"
	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/hwexec"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/pipeline"
	"github.com/vk/taskloom/internal/port"
)

// Run executes the configured stage.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "stage", a.config.Stage)

	switch a.config.Stage {
	case "analyze":
		return pipeline.Analyze(ctx, pipeline.AnalyzeOptions{
			Paths:   a.config.DesignPaths(),
			Top:     a.config.Top,
			WorkDir: a.config.WorkDir,
		})
	case "synth":
		return pipeline.Synth(ctx, pipeline.SynthOptions{
			WorkDir:       a.config.WorkDir,
			Platform:      a.config.Platform,
			SkipUnchanged: a.config.SkipUnchanged,
		})
	case "link":
		return pipeline.Link(ctx, pipeline.LinkOptions{WorkDir: a.config.WorkDir})
	case "pack":
		_, err := pipeline.Pack(ctx, pipeline.PackOptions{
			WorkDir: a.config.WorkDir,
			Output:  a.config.Output,
		})
		return err
	case "build":
		artifact, err := pipeline.Build(ctx, pipeline.BuildOptions{
			Paths:         a.config.DesignPaths(),
			Top:           a.config.Top,
			Platform:      a.config.Platform,
			WorkDir:       a.config.WorkDir,
			Output:        a.config.Output,
			SkipUnchanged: a.config.SkipUnchanged,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(a.outW, artifact)
		return nil
	case "run":
		return a.runTop(ctx)
	}
	return fmt.Errorf("unknown stage %q", a.config.Stage)
}

// runTop executes the top task with smoke arguments: every scalar port gets
// the configured element count, every mmap port a zero-filled buffer sized
// for it. Static checks run first, so the design is validated the same way
// the compiler validates it.
func (a *App) runTop(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	if _, err := pipeline.Check(a.design, a.config.Top); err != nil {
		return err
	}

	def, _ := a.design.Task(a.config.Top)
	args := make([]bind.Arg, len(def.Ports))
	for i, p := range def.Ports {
		arg, err := smokeArg(p, a.config.Elems)
		if err != nil {
			return err
		}
		args[i] = arg
	}

	res, err := hwexec.Invoke(ctx, a.registry, a.design, hwexec.Options{
		DesignPaths: a.config.DesignPaths(),
		Top:         a.config.Top,
		Artifact:    a.config.Artifact,
		Isolate:     a.config.Isolate,
	}, args...)
	if err != nil {
		return fmt.Errorf("run of %q failed: %w", a.config.Top, err)
	}

	logger.Info("Run finished.", "top", a.config.Top, "kernel_time_ns", res.KernelTimeNS)
	fmt.Fprintf(a.outW, "kernel time: %d ns\n", res.KernelTimeNS)
	return nil
}

// smokeArg builds the run-stage argument for one top port.
func smokeArg(p model.Port, elems int) (bind.Arg, error) {
	switch p.Kind {
	case model.KindScalar:
		if p.Type.Float {
			return bind.Scalar(float64(elems)), nil
		}
		return bind.Scalar(int64(elems)), nil
	case model.KindMMap:
		return bind.Buffer(port.NewMMap(elems * p.Type.Width / 8)), nil
	default:
		return bind.Arg{}, fmt.Errorf("top task port %q: %s ports cannot be driven from the command line", p.Name, p.Kind)
	}
}
