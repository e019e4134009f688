// Package model is the format-agnostic representation of a design: reusable
// task definitions with typed ports, and for upper tasks the channels,
// sequences and child instances that make up the task graph.
//
// Why keep raw hcl.Expression fields?
//
// Bind arguments are captured as expressions and resolved later against an
// evaluation context that only exists once an enclosing instance is being
// elaborated (its parent ports, channels and sequences). The model records the
// author's intent; the graph engine and the compiler front end resolve it.
package model

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/fsutil"
)

// Design is the root container for every task definition loaded from a user's
// .hcl files, merged across files and directories into a single namespace.
type Design struct {
	Tasks map[string]*Task
}

// NewDesign returns an initialized, empty Design.
func NewDesign() *Design {
	return &Design{Tasks: map[string]*Task{}}
}

// Task looks up a task definition by name.
func (d *Design) Task(name string) (*Task, bool) {
	t, ok := d.Tasks[name]
	return t, ok
}

// hclTaskFile is the top-level structure of a design or manifest file.
type hclTaskFile struct {
	Tasks []*hclTask `hcl:"task,block"`
}

// LoadTasksRecursively finds and parses all .hcl files under the given paths
// and merges their task definitions into one Design. A task name defined
// twice, in any file, is an error.
func LoadTasksRecursively(ctx context.Context, paths ...string) (*Design, error) {
	logger := ctxlog.FromContext(ctx)
	design := NewDesign()
	parser := hclparse.NewParser()

	for _, root := range paths {
		files, err := fsutil.FindFilesByExtension(root, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("failed to find task files in %s: %w", root, err)
		}
		for _, file := range files {
			tasks, err := tasksFromFile(file, parser)
			if err != nil {
				return nil, err
			}
			for _, t := range tasks {
				if prev, exists := design.Tasks[t.Name]; exists {
					return nil, fmt.Errorf("task %q defined in both %s and %s",
						t.Name, prev.FSInformation.FilePath, file)
				}
				design.Tasks[t.Name] = t
			}
		}
	}

	logger.Debug("Design model loaded.", "tasks", len(design.Tasks))
	return design, nil
}

func tasksFromFile(filePath string, parser *hclparse.Parser) ([]*Task, error) {
	hclFile, diags := parser.ParseHCLFile(filePath)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filePath, diags)
	}

	var parsedFile hclTaskFile
	diags = gohcl.DecodeBody(hclFile.Body, nil, &parsedFile)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filePath, diags)
	}

	tasks := make([]*Task, 0, len(parsedFile.Tasks))
	for _, parsed := range parsedFile.Tasks {
		task, taskDiags := NewTaskFromHCL(parsed, filePath)
		if taskDiags.HasErrors() {
			return nil, fmt.Errorf("error parsing task in file %s: %w", filePath, taskDiags)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// FSInfo connects a parsed in-memory definition back to its source file on
// disk, for error reporting and for the synthesis stage's change tracking.
type FSInfo struct {
	FilePath string
}

func NewFSInfo(filePath string) *FSInfo {
	return &FSInfo{FilePath: filePath}
}

// helper shared by block parsers: the standard missing-attribute diagnostic.
func missingAttr(block *hcl.Block, name string) *hcl.Diagnostic {
	rng := block.Body.MissingItemRange()
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  fmt.Sprintf("Missing '%s' attribute", name),
		Detail:   fmt.Sprintf("The '%s' attribute is required for all %s blocks.", name, block.Type),
		Subject:  &rng,
	}
}
