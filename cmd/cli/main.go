package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/taskloom/internal/app"
	"github.com/vk/taskloom/internal/cli"
	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/hwexec"
	"github.com/vk/taskloom/internal/registry"
	"github.com/vk/taskloom/modules"
)

// main is the entrypoint for the taskloom application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// Worker mode: the isolated execution path re-executes this binary with
	// a hidden argument and an invocation spec path.
	if len(os.Args) > 2 && os.Args[1] == hwexec.WorkerArg {
		os.Exit(workerMain(os.Args[2]))
	}

	// The real main function handles errors and exit codes.
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(outW io.Writer, args []string) (err error) {
	appConfig, shouldExit, parseErr := cli.Parse(args, outW)
	if parseErr != nil {
		return parseErr
	}
	if shouldExit {
		return nil
	}

	// The app panics on critical config errors, so we recover here to provide
	// a clean exit message to the user.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("application startup panicked | %v", r)
		}
	}()

	loomApp := app.NewApp(outW, appConfig)

	return loomApp.Run(context.Background())
}

// workerMain services one isolated kernel execution and reports through the
// exit code alone: zero means the shared regions hold trustworthy results.
func workerMain(specPath string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	reg := registry.New()
	modules.RegisterAll(reg)

	if err := hwexec.ChildMain(ctx, reg, specPath); err != nil {
		logger.Error("Worker failed.", "error", err)
		return 1
	}
	return 0
}
