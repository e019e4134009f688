package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/taskloom/internal/ctxlog"
	"github.com/vk/taskloom/internal/dag"
	"github.com/vk/taskloom/internal/model"
	"github.com/vk/taskloom/internal/port"
)

// AnalyzeOptions configures the analyze stage.
type AnalyzeOptions struct {
	// Paths are the design roots searched recursively for .hcl files.
	Paths []string
	// Top names the task to compile.
	Top string
	// WorkDir receives program.json.
	WorkDir string
}

// Analyze loads the design, checks it and writes the IR to the work
// directory.
func Analyze(ctx context.Context, opts AnalyzeOptions) error {
	design, err := model.LoadTasksRecursively(ctx, opts.Paths...)
	if err != nil {
		return err
	}
	prog, err := Check(design, opts.Top)
	if err != nil {
		return err
	}
	out := filepath.Join(opts.WorkDir, programFile)
	if err := writeJSON(out, prog); err != nil {
		return fmt.Errorf("writing %s: %w", programFile, err)
	}
	ctxlog.FromContext(ctx).Info("Analyze stage complete.", "top", opts.Top, "tasks", len(prog.Tasks), "output", out)
	return nil
}

// Check validates the static structure of a design rooted at top and lowers
// it to IR. Every check here runs before anything executes or synthesizes, so
// a design that passes is provably consistent: argument kinds and types match
// their port declarations, every channel has exactly one producer and one
// consumer, every callee port is bound, and the hierarchy is acyclic.
func Check(design *model.Design, top string) (*Program, error) {
	root, ok := design.Task(top)
	if !ok {
		return nil, fmt.Errorf("top task %q not found in design", top)
	}

	reachable := map[string]*model.Task{}
	if err := collectReachable(design, root, reachable); err != nil {
		return nil, err
	}

	g := dag.New()
	for name := range reachable {
		g.AddNode(name)
	}
	for name, t := range reachable {
		for _, inst := range t.Instances {
			if err := g.AddEdge(name, inst.TaskName); err != nil {
				return nil, err
			}
		}
	}
	if err := g.DetectCycles(); err != nil {
		return nil, err
	}

	prog := &Program{Top: top}
	names := make([]string, 0, len(reachable))
	for name := range reachable {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		irTask, err := lowerTask(design, reachable[name])
		if err != nil {
			return nil, err
		}
		prog.Tasks = append(prog.Tasks, irTask)
	}
	return prog, nil
}

// collectReachable walks the hierarchy from the root and gathers every task
// it instantiates, transitively. Unknown child task names surface here.
func collectReachable(design *model.Design, t *model.Task, seen map[string]*model.Task) error {
	if _, ok := seen[t.Name]; ok {
		return nil
	}
	seen[t.Name] = t
	for _, inst := range t.Instances {
		child, ok := design.Task(inst.TaskName)
		if !ok {
			return fmt.Errorf("task %q: instance %q refers to unknown task %q", t.Name, inst.Name, inst.TaskName)
		}
		if err := collectReachable(design, child, seen); err != nil {
			return err
		}
	}
	return nil
}

// lowerTask validates one task definition and converts it to IR.
func lowerTask(design *model.Design, t *model.Task) (IRTask, error) {
	ir := IRTask{
		Name:   t.Name,
		Source: t.FSInformation.FilePath,
		Level:  "leaf",
	}
	if t.IsUpper() {
		ir.Level = "upper"
		if t.OnRun != "" {
			return ir, fmt.Errorf("task %q instantiates children and cannot also declare a lifecycle handler", t.Name)
		}
	} else if t.OnRun == "" {
		return ir, fmt.Errorf("leaf task %q declares no lifecycle handler", t.Name)
	}

	for _, p := range t.Ports {
		ir.Ports = append(ir.Ports, IRPort{
			Name:  p.Name,
			Kind:  string(p.Kind),
			Type:  p.Type.Name,
			Width: p.Type.Width,
			Pos:   p.Pos,
		})
	}
	for _, c := range t.Channels {
		depth := c.Depth
		if depth < 1 {
			depth = port.DefaultDepth
		}
		ir.Channels = append(ir.Channels, IRChannel{
			Name:  c.Name,
			Type:  c.Type.Name,
			Width: c.Type.Width,
			Depth: depth,
		})
	}
	for _, q := range t.Sequences {
		ir.Sequences = append(ir.Sequences, q.Name)
	}

	// Channel endpoint accounting: each channel needs exactly one producer
	// and one consumer across all instances.
	producers := map[string]int{}
	consumers := map[string]int{}

	for _, inst := range t.Instances {
		irInst, err := lowerInstance(design, t, inst, producers, consumers)
		if err != nil {
			return ir, err
		}
		ir.Instances = append(ir.Instances, irInst)
	}

	for _, c := range t.Channels {
		if producers[c.Name] != 1 || consumers[c.Name] != 1 {
			return ir, fmt.Errorf("task %q: channel %q has %d producer(s) and %d consumer(s); exactly one of each is required",
				t.Name, c.Name, producers[c.Name], consumers[c.Name])
		}
	}
	return ir, nil
}

func lowerInstance(design *model.Design, parent *model.Task, inst model.Instance, producers, consumers map[string]int) (IRInstance, error) {
	child, _ := design.Task(inst.TaskName)
	irInst := IRInstance{
		Name:  inst.Name,
		Task:  inst.TaskName,
		Mode:  inst.Mode,
		Count: inst.Count,
	}

	for name := range inst.Binds {
		if _, ok := child.Port(name); !ok {
			return irInst, fmt.Errorf("task %q: instance %q binds %q, which task %q does not declare",
				parent.Name, inst.Name, name, inst.TaskName)
		}
	}

	for _, p := range child.Ports {
		expr, ok := inst.Binds[p.Name]
		if !ok {
			return irInst, fmt.Errorf("task %q: instance %q leaves port %q of task %q unbound",
				parent.Name, inst.Name, p.Name, inst.TaskName)
		}
		ref, err := refFromExpr(expr)
		if err != nil {
			return irInst, fmt.Errorf("task %q: instance %q, port %q: %w", parent.Name, inst.Name, p.Name, err)
		}
		if err := checkBindRef(parent, inst, p, ref, producers, consumers); err != nil {
			return irInst, err
		}
		irInst.Binds = append(irInst.Binds, IRBind{Port: p.Name, Ref: ref})
	}
	sort.Slice(irInst.Binds, func(i, j int) bool { return irInst.Binds[i].Port < irInst.Binds[j].Port })
	return irInst, nil
}

// checkBindRef enforces the binding contract statically, mirroring the
// runtime accessor selection: what a reference resolves to must match the
// callee port's declared kind and element type.
func checkBindRef(parent *model.Task, inst model.Instance, p model.Port, ref string, producers, consumers map[string]int) error {
	where := fmt.Sprintf("task %q: instance %q, port %q", parent.Name, inst.Name, p.Name)

	ns, attr, isRef := strings.Cut(ref, ".")
	if !isRef {
		if p.Kind != model.KindScalar {
			return fmt.Errorf("%s: a literal value can only bind a scalar port, not %s", where, p.Kind)
		}
		return nil
	}

	switch ns {
	case "port":
		pp, ok := parent.Port(attr)
		if !ok {
			return fmt.Errorf("%s: binds port.%s, which task %q does not declare", where, attr, parent.Name)
		}
		if pp.Kind != p.Kind {
			return fmt.Errorf("%s: declared %s but bound to %s port %q of the enclosing task", where, p.Kind, pp.Kind, attr)
		}
		if pp.Type.Name != p.Type.Name {
			return fmt.Errorf("%s: element type %s does not match type %s of port %q", where, p.Type.Name, pp.Type.Name, attr)
		}
	case "channel":
		c, ok := parent.Channel(attr)
		if !ok {
			return fmt.Errorf("%s: binds channel.%s, which task %q does not declare", where, attr, parent.Name)
		}
		if p.Kind != model.KindIStream && p.Kind != model.KindOStream {
			return fmt.Errorf("%s: a channel can only bind a stream port, not %s", where, p.Kind)
		}
		if c.Type.Name != p.Type.Name {
			return fmt.Errorf("%s: element type %s does not match type %s of channel %q", where, p.Type.Name, c.Type.Name, attr)
		}
		// A replicated instance would attach every replica to the same
		// endpoint, breaking single-producer single-consumer.
		if inst.Count > 1 {
			return fmt.Errorf("%s: channel %q cannot bind a stream port of a replicated instance (count = %d)", where, attr, inst.Count)
		}
		if p.Kind == model.KindOStream {
			producers[attr]++
		} else {
			consumers[attr]++
		}
	case "sequence":
		found := false
		for _, q := range parent.Sequences {
			if q.Name == attr {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s: binds sequence.%s, which task %q does not declare", where, attr, parent.Name)
		}
		if p.Kind != model.KindScalar {
			return fmt.Errorf("%s: a sequence can only bind a scalar port, not %s", where, p.Kind)
		}
		if p.Type.Float {
			return fmt.Errorf("%s: a sequence yields whole indices and cannot bind a %s port", where, p.Type.Name)
		}
	default:
		return fmt.Errorf("%s: unknown reference namespace %q", where, ns)
	}
	return nil
}

// refFromExpr reduces a bind expression to a reference string. Hardware
// elaboration cannot evaluate arbitrary expressions, so only direct
// references and numeric literals are accepted here; the simulator shares the
// same restriction to keep both paths equivalent.
func refFromExpr(expr hcl.Expression) (string, error) {
	vars := expr.Variables()
	switch len(vars) {
	case 0:
		val, diags := expr.Value(nil)
		if diags.HasErrors() {
			return "", diags
		}
		if val.Type() != cty.Number {
			return "", fmt.Errorf("bind literal must be a number, got %s", val.Type().FriendlyName())
		}
		bf := val.AsBigFloat()
		if bf.IsInt() {
			n, _ := bf.Int64()
			return strconv.FormatInt(n, 10), nil
		}
		return bf.Text('g', -1), nil
	case 1:
		tr := vars[0]
		if len(tr) != 2 {
			return "", fmt.Errorf("bind expression must be a direct reference such as channel.name")
		}
		root := tr.RootName()
		step, ok := tr[1].(hcl.TraverseAttr)
		if !ok {
			return "", fmt.Errorf("bind expression must be a direct reference such as channel.name")
		}
		return root + "." + step.Name, nil
	default:
		return "", fmt.Errorf("bind expression must be a single reference or a literal number")
	}
}
