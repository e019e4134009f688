package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vk/taskloom/internal/ctxlog"
)

// LinkOptions configures the link stage.
type LinkOptions struct {
	WorkDir string
}

// linkManifest records every RTL file that makes up the linked design, for
// the pack stage.
type linkManifest struct {
	Top   string   `json:"top"`
	Files []string `json:"files"`
}

const (
	linkFile   = "link.json"
	fifoModule = "loom_fifo"
)

// Link composes the synthesized leaf modules into one design: every upper
// task becomes a structural module that unrolls its replicas, instantiates a
// FIFO per channel and joins the completion signals of its join-mode
// children. Like synth, the output is a pure function of its inputs.
func Link(ctx context.Context, opts LinkOptions) error {
	prog, err := LoadProgram(opts.WorkDir)
	if err != nil {
		return err
	}
	var synth synthManifest
	if err := readJSON(filepath.Join(opts.WorkDir, synthFile), &synth); err != nil {
		return err
	}

	manifest := linkManifest{Top: prog.Top}
	for _, m := range synth.Modules {
		manifest.Files = append(manifest.Files, m.File)
	}

	fifoPath := filepath.Join(rtlDir, fifoModule+".v")
	if err := os.WriteFile(filepath.Join(opts.WorkDir, fifoPath), []byte(fifoModuleText()), 0o644); err != nil {
		return err
	}
	manifest.Files = append(manifest.Files, fifoPath)

	for _, t := range prog.Tasks {
		if t.Level != "upper" {
			continue
		}
		text, err := upperModule(prog, t)
		if err != nil {
			return err
		}
		rel := filepath.Join(rtlDir, t.Name+".v")
		if err := os.WriteFile(filepath.Join(opts.WorkDir, rel), []byte(text), 0o644); err != nil {
			return fmt.Errorf("writing module for task %q: %w", t.Name, err)
		}
		manifest.Files = append(manifest.Files, rel)
	}

	sort.Strings(manifest.Files)
	ctxlog.FromContext(ctx).Info("Link stage complete.", "top", prog.Top, "files", len(manifest.Files))
	return writeJSON(filepath.Join(opts.WorkDir, linkFile), manifest)
}

// upperModule renders the structural module for one upper task.
func upperModule(prog *Program, t IRTask) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "// Module %s. Generated by taskloom; do not edit.\n", t.Name)
	b.WriteString("`timescale 1ns/1ps\n\n")
	fmt.Fprintf(&b, "module %s (\n", t.Name)

	lines := []string{
		"input  wire        ap_clk",
		"input  wire        ap_rst_n",
		"input  wire        ap_start",
		"output wire        ap_done",
	}
	for _, p := range t.Ports {
		lines = append(lines, portSignals(p)...)
	}
	b.WriteString("  " + strings.Join(lines, ",\n  ") + "\n);\n\n")

	for _, c := range t.Channels {
		fmt.Fprintf(&b, "  wire [%d:0] %s_din;\n", c.Width-1, c.Name)
		fmt.Fprintf(&b, "  wire        %s_full_n;\n", c.Name)
		fmt.Fprintf(&b, "  wire        %s_write;\n", c.Name)
		fmt.Fprintf(&b, "  wire [%d:0] %s_dout;\n", c.Width-1, c.Name)
		fmt.Fprintf(&b, "  wire        %s_empty_n;\n", c.Name)
		fmt.Fprintf(&b, "  wire        %s_read;\n", c.Name)
		fmt.Fprintf(&b, "  %s #(.WIDTH(%d), .DEPTH(%d)) %s_fifo (\n", fifoModule, c.Width, c.Depth, c.Name)
		b.WriteString("    .clk(ap_clk),\n    .rst_n(ap_rst_n),\n")
		fmt.Fprintf(&b, "    .din(%s_din), .full_n(%s_full_n), .write(%s_write),\n", c.Name, c.Name, c.Name)
		fmt.Fprintf(&b, "    .dout(%s_dout), .empty_n(%s_empty_n), .read(%s_read)\n  );\n\n", c.Name, c.Name, c.Name)
	}

	// Shared counters: every sequence-bound port of every replica consumes
	// the next index, in instance declaration order then replica order.
	seqNext := map[string]int64{}
	var joined []string

	for _, inst := range t.Instances {
		child, ok := prog.Task(inst.Task)
		if !ok {
			return "", fmt.Errorf("task %q: instance %q refers to unknown task %q", t.Name, inst.Name, inst.Task)
		}
		for r := 0; r < inst.Count; r++ {
			vname := inst.Name
			if inst.Count > 1 {
				vname = fmt.Sprintf("%s_%d", inst.Name, r)
			}
			fmt.Fprintf(&b, "  wire %s_done;\n", vname)
			conns := []string{
				".ap_clk(ap_clk)",
				".ap_rst_n(ap_rst_n)",
				".ap_start(ap_start)",
				fmt.Sprintf(".ap_done(%s_done)", vname),
			}
			// Walk ports in declaration order so sequence constants land
			// in the same order the simulator hands out indices.
			for _, cp := range child.Ports {
				ref, ok := findBind(inst, cp.Name)
				if !ok {
					return "", fmt.Errorf("task %q: instance %q leaves port %q unbound", t.Name, inst.Name, cp.Name)
				}
				cc, err := bindConns(cp, ref, seqNext)
				if err != nil {
					return "", fmt.Errorf("task %q: instance %q: %w", t.Name, inst.Name, err)
				}
				conns = append(conns, cc...)
			}
			fmt.Fprintf(&b, "  %s %s (\n    %s\n  );\n\n", inst.Task, vname, strings.Join(conns, ",\n    "))
			if inst.Mode != "detach" {
				joined = append(joined, vname+"_done")
			}
		}
	}

	if len(joined) == 0 {
		b.WriteString("  assign ap_done = ap_start;\n")
	} else {
		fmt.Fprintf(&b, "  assign ap_done = %s;\n", strings.Join(joined, " & "))
	}
	b.WriteString("\nendmodule\n")
	return b.String(), nil
}

func findBind(inst IRInstance, portName string) (string, bool) {
	for _, b := range inst.Binds {
		if b.Port == portName {
			return b.Ref, true
		}
	}
	return "", false
}

// bindConns maps one resolved binding to the port connections of the child
// instantiation.
func bindConns(p IRPort, ref string, seqNext map[string]int64) ([]string, error) {
	ns, attr, isRef := strings.Cut(ref, ".")
	if !isRef {
		lit, err := scalarLiteral(p, ref)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf(".%s(%s)", p.Name, lit)}, nil
	}

	switch ns {
	case "port":
		conns := make([]string, 0, 3)
		child := portSignalNames(p)
		parent := portSignalNames(IRPort{Name: attr, Kind: p.Kind, Width: p.Width})
		for i := range child {
			conns = append(conns, fmt.Sprintf(".%s(%s)", child[i], parent[i]))
		}
		return conns, nil
	case "channel":
		switch p.Kind {
		case "ostream":
			return []string{
				fmt.Sprintf(".%s_din(%s_din)", p.Name, attr),
				fmt.Sprintf(".%s_full_n(%s_full_n)", p.Name, attr),
				fmt.Sprintf(".%s_write(%s_write)", p.Name, attr),
			}, nil
		case "istream":
			return []string{
				fmt.Sprintf(".%s_dout(%s_dout)", p.Name, attr),
				fmt.Sprintf(".%s_empty_n(%s_empty_n)", p.Name, attr),
				fmt.Sprintf(".%s_read(%s_read)", p.Name, attr),
			}, nil
		}
		return nil, fmt.Errorf("port %q: channel %s bound to %s port", p.Name, attr, p.Kind)
	case "sequence":
		idx := seqNext[attr]
		seqNext[attr]++
		return []string{fmt.Sprintf(".%s(%d'd%d)", p.Name, p.Width, idx)}, nil
	}
	return nil, fmt.Errorf("port %q: unknown reference namespace %q", p.Name, ns)
}

// scalarLiteral encodes a literal bind as a sized Verilog constant. Float
// ports carry the IEEE 754 bit pattern of the value.
func scalarLiteral(p IRPort, lit string) (string, error) {
	switch p.Type {
	case "f32":
		f, err := strconv.ParseFloat(lit, 32)
		if err != nil {
			return "", fmt.Errorf("port %q: invalid literal %q: %w", p.Name, lit, err)
		}
		return fmt.Sprintf("32'h%08x", math.Float32bits(float32(f))), nil
	case "f64":
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return "", fmt.Errorf("port %q: invalid literal %q: %w", p.Name, lit, err)
		}
		return fmt.Sprintf("64'h%016x", math.Float64bits(f)), nil
	default:
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return "", fmt.Errorf("port %q: invalid literal %q: %w", p.Name, lit, err)
		}
		if n < 0 {
			mask := uint64(1)<<uint(p.Width) - 1
			return fmt.Sprintf("%d'h%x", p.Width, uint64(n)&mask), nil
		}
		return fmt.Sprintf("%d'd%d", p.Width, n), nil
	}
}

// fifoModuleText is the streaming FIFO primitive every channel instantiates.
func fifoModuleText() string {
	return `// Streaming FIFO primitive. Generated by taskloom; do not edit.
` + "`timescale 1ns/1ps" + `

module ` + fifoModule + ` #(
  parameter WIDTH = 32,
  parameter DEPTH = 2
) (
  input  wire             clk,
  input  wire             rst_n,
  input  wire [WIDTH-1:0] din,
  output wire             full_n,
  input  wire             write,
  output wire [WIDTH-1:0] dout,
  output wire             empty_n,
  input  wire             read
);

  localparam AW = $clog2(DEPTH) + 1;

  reg [WIDTH-1:0] mem [0:DEPTH-1];
  reg [AW-1:0] wptr, rptr;
  reg [AW:0] count;

  assign full_n  = (count != DEPTH);
  assign empty_n = (count != 0);
  assign dout    = mem[rptr];

  always @(posedge clk) begin
    if (!rst_n) begin
      wptr  <= 0;
      rptr  <= 0;
      count <= 0;
    end else begin
      if (write && full_n) begin
        mem[wptr] <= din;
        wptr <= (wptr == DEPTH-1) ? 0 : wptr + 1;
      end
      if (read && empty_n)
        rptr <= (rptr == DEPTH-1) ? 0 : rptr + 1;
      case ({write && full_n, read && empty_n})
        2'b10: count <= count + 1;
        2'b01: count <= count - 1;
        default: count <= count;
      endcase
    end
  end

endmodule
`
}
