package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/registry"
	"github.com/vk/taskloom/modules"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	registry *registry.Registry
	design   *model.Design
	config   *Config
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and registry.
// Stages that need design sources load and validate them here; a failure to
// do so is a fatal startup error.
func NewApp(outW io.Writer, appConfig *Config, mods ...registry.Module) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	reg := registry.New()
	if len(mods) == 0 {
		mods = modules.Builtin()
	}
	for _, mod := range mods {
		mod.Register(reg)
	}
	logger.Debug("All Go modules registered.", "count", len(mods))

	a := &App{
		outW:     outW,
		logger:   logger,
		registry: reg,
		config:   appConfig,
	}

	if a.needsDesign() {
		design, err := model.LoadTasksRecursively(ctx, appConfig.DesignPaths()...)
		if err != nil {
			panic(fmt.Errorf("failed to load design: %w", err))
		}
		reg.PopulateFromDesign(design)
		logger.Debug("Registry definitions populated from design model.")

		// A mismatch between manifests and Go code is a programmer error.
		if err := reg.Validate(ctx); err != nil {
			panic(err)
		}
		logger.Debug("Registry validation passed.")
		a.design = design
	}

	return a
}

// needsDesign reports whether the configured stage reads design sources; the
// later pipeline stages work from the intermediates in the work directory.
func (a *App) needsDesign() bool {
	switch a.config.Stage {
	case "analyze", "build", "run":
		return true
	}
	return false
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Design returns the loaded design model. This is primarily for testing.
func (a *App) Design() *model.Design {
	return a.design
}
