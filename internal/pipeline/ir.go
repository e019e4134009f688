// Package pipeline lowers a design into a packaged hardware artifact through
// four ordered stages: analyze -> synth -> link -> pack. Each stage reads the
// previous stage's on-disk intermediate from the work directory and writes
// its own, and every output is deterministic: identical sources and platform
// produce byte-identical intermediates and a byte-identical final artifact.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Program is the intermediate representation the analyze stage produces: the
// static structure of the design, ordered and reference-based so that it
// serializes identically on every run.
type Program struct {
	Top   string   `json:"top"`
	Tasks []IRTask `json:"tasks"`
}

// IRTask is one task definition in the IR. Tasks are sorted by name.
type IRTask struct {
	Name      string       `json:"name"`
	Source    string       `json:"source"`
	Level     string       `json:"level"` // "leaf" or "upper"
	Ports     []IRPort     `json:"ports"`
	Channels  []IRChannel  `json:"channels,omitempty"`
	Sequences []string     `json:"sequences,omitempty"`
	Instances []IRInstance `json:"instances,omitempty"`
}

// IRPort preserves declaration order; Pos is the positional device argument
// index.
type IRPort struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Type  string `json:"type"`
	Width int    `json:"width"`
	Pos   int    `json:"pos"`
}

type IRChannel struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Width int    `json:"width"`
	Depth int    `json:"depth"`
}

// IRInstance is one child instantiation. Binds are sorted by port name.
type IRInstance struct {
	Name  string   `json:"name"`
	Task  string   `json:"task"`
	Mode  string   `json:"mode"`
	Count int      `json:"count"`
	Binds []IRBind `json:"binds"`
}

// IRBind records a binding as a reference string: "port.x", "channel.c",
// "sequence.s", or a decimal literal.
type IRBind struct {
	Port string `json:"port"`
	Ref  string `json:"ref"`
}

// Task looks up an IR task by name.
func (p *Program) Task(name string) (IRTask, bool) {
	for _, t := range p.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return IRTask{}, false
}

const programFile = "program.json"

// writeJSON marshals a stage output with stable formatting.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading stage intermediate: %w", err)
	}
	return json.Unmarshal(data, v)
}

// LoadProgram reads the analyze stage's IR from the work directory.
func LoadProgram(workDir string) (*Program, error) {
	var p Program
	if err := readJSON(filepath.Join(workDir, programFile), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
