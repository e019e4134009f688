// This file defines the Task structure, the reusable definition a design is
// built from.
//
// Why distinguish leaf and upper tasks?
//
// A leaf task is a contract for a Go handler: it declares ports and names the
// registered lifecycle function that computes on them. An upper task carries
// no computation of its own; it aggregates child instances, the channels that
// connect them and the sequences that number replicas. The same split shows up
// again in hardware: leaves synthesize to RTL modules, uppers link modules
// together with FIFOs and synchronization.
package model

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

// Task is the format-agnostic representation of a `task` block.
type Task struct {
	Name          string
	Description   string
	FSInformation *FSInfo

	// OnRun names the registered Go handler for a leaf task. Empty for
	// upper tasks.
	OnRun string

	// Ports in declaration order; the order is the positional device
	// argument index.
	Ports []Port

	// Upper-task structure.
	Channels  []Channel
	Sequences []Sequence
	Instances []Instance
}

// IsUpper reports whether the task instantiates children instead of running a
// Go handler.
func (t *Task) IsUpper() bool { return len(t.Instances) > 0 }

// Port looks up a declared port by name.
func (t *Task) Port(name string) (Port, bool) {
	for _, p := range t.Ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Channel looks up a declared channel by name.
func (t *Task) Channel(name string) (Channel, bool) {
	for _, c := range t.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return Channel{}, false
}

// hclTask represents a single 'task' block for initial decoding.
type hclTask struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

var taskBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "description"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "lifecycle"},
		{Type: "port", LabelNames: []string{"name"}},
		{Type: "channel", LabelNames: []string{"name"}},
		{Type: "sequence", LabelNames: []string{"name"}},
		{Type: "instance", LabelNames: []string{"name"}},
	},
}

var lifecycleBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "on_run"},
	},
}

// NewTaskFromHCL creates a Task from a parsed HCL task block. Block order is
// preserved: port declaration order defines argument positions, and instance
// order defines instantiation order.
func NewTaskFromHCL(parsed *hclTask, filePath string) (*Task, hcl.Diagnostics) {
	task := &Task{
		Name:          parsed.Name,
		FSInformation: NewFSInfo(filePath),
	}

	var allDiags hcl.Diagnostics
	content, contentDiags := parsed.Body.Content(taskBodySchema)
	allDiags = append(allDiags, contentDiags...)
	if contentDiags.HasErrors() {
		return nil, allDiags
	}

	if attr, ok := content.Attributes["description"]; ok {
		allDiags = append(allDiags, gohcl.DecodeExpression(attr.Expr, nil, &task.Description)...)
	}

	portPos := 0
	for _, block := range content.Blocks {
		switch block.Type {
		case "lifecycle":
			lcContent, lcDiags := block.Body.Content(lifecycleBodySchema)
			allDiags = append(allDiags, lcDiags...)
			if attr, ok := lcContent.Attributes["on_run"]; ok {
				allDiags = append(allDiags, gohcl.DecodeExpression(attr.Expr, nil, &task.OnRun)...)
			}
		case "port":
			p, portDiags := parsePortBlock(block, portPos)
			allDiags = append(allDiags, portDiags...)
			if _, dup := task.Port(p.Name); dup {
				allDiags = append(allDiags, duplicateBlock(block, "port", p.Name))
				continue
			}
			task.Ports = append(task.Ports, p)
			portPos++
		case "channel":
			c, chanDiags := parseChannelBlock(block)
			allDiags = append(allDiags, chanDiags...)
			if _, dup := task.Channel(c.Name); dup {
				allDiags = append(allDiags, duplicateBlock(block, "channel", c.Name))
				continue
			}
			task.Channels = append(task.Channels, c)
		case "sequence":
			task.Sequences = append(task.Sequences, Sequence{Name: block.Labels[0]})
		case "instance":
			inst, instDiags := parseInstanceBlock(block)
			allDiags = append(allDiags, instDiags...)
			task.Instances = append(task.Instances, inst)
		}
	}

	if allDiags.HasErrors() {
		return nil, allDiags
	}
	return task, allDiags
}

func duplicateBlock(block *hcl.Block, what, name string) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Duplicate " + what + " definition",
		Detail:   "A " + what + " named '" + name + "' has already been defined in this task.",
		Subject:  &block.DefRange,
	}
}
