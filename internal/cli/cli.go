package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/taskloom/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Stages, in pipeline order, plus the simulation entry.
var validStages = map[string]bool{
	"analyze": true,
	"synth":   true,
	"link":    true,
	"pack":    true,
	"build":   true,
	"run":     true,
}

// stagesNeedingDesign require design sources; the later pipeline stages work
// from the intermediates already in the work directory.
var stagesNeedingDesign = map[string]bool{
	"analyze": true,
	"build":   true,
	"run":     true,
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("taskloom", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
taskloom - A declarative toolkit for streaming hardware accelerators.

Usage:
  taskloom STAGE [options]

Stages:
  analyze   Load and check the design, write the IR to the work directory.
  synth     Generate one RTL module per leaf task.
  link      Compose the modules into the top design.
  pack      Bundle the linked design into a single artifact.
  build     All four stages in order.
  run       Simulate the top task, or execute it against an artifact.

Options:
`)
		flagSet.PrintDefaults()
	}

	designFlag := flagSet.String("design", "", "Path to a design .hcl file or a directory of them.")
	modulesPathFlag := flagSet.String("modules-path", "modules", "Path to the directory containing module definitions.")
	topFlag := flagSet.String("top", "", "Name of the top task.")
	platformFlag := flagSet.String("platform", "generic", "Target platform recorded in the artifact.")
	workFlag := flagSet.String("work", ".loomwork", "Work directory for stage intermediates.")
	outputFlag := flagSet.String("o", "", "Artifact output path for the pack and build stages.")
	skipUnchangedFlag := flagSet.Bool("skip-unchanged", false, "Reuse synthesized modules newer than their sources.")
	artifactFlag := flagSet.String("artifact", "", "Artifact to execute in the run stage. Empty simulates in software.")
	isolateFlag := flagSet.Bool("isolate", false, "Run the device session in an isolated worker process.")
	elemsFlag := flagSet.Int("elems", 1024, "Element count bound to scalar ports and used to size buffers in the run stage.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	if flagSet.NArg() == 0 {
		slog.Debug("No stage provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}
	stage := strings.ToLower(flagSet.Arg(0))
	if !validStages[stage] {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unknown stage %q: must be analyze, synth, link, pack, build or run", stage)}
	}
	if flagSet.NArg() > 1 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected argument %q after stage", flagSet.Arg(1))}
	}

	if stagesNeedingDesign[stage] && *designFlag == "" {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("the %s stage requires -design", stage)}
	}
	if (stage == "analyze" || stage == "build" || stage == "run") && *topFlag == "" {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("the %s stage requires -top", stage)}
	}
	if *elemsFlag < 1 {
		return nil, false, &ExitError{Code: 2, Message: "invalid elems: must be at least 1"}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		Stage:         stage,
		DesignPath:    *designFlag,
		ModulesPath:   *modulesPathFlag,
		Top:           *topFlag,
		Platform:      *platformFlag,
		WorkDir:       *workFlag,
		Output:        *outputFlag,
		SkipUnchanged: *skipUnchangedFlag,
		Artifact:      *artifactFlag,
		Isolate:       *isolateFlag,
		Elems:         *elemsFlag,
		LogFormat:     logFormat,
		LogLevel:      logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
