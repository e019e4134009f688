// This file centralizes parsing and static validation for child instances:
// the channel and sequence declarations of an upper task and the `instance`
// blocks that wire them into child task invocations.
//
// Replication count is a static hardware property, so `count` must be a
// literal whole number, validated at parse time; bind arguments stay deferred
// as expressions until elaboration.
package model

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"
)

// Channel declares a streaming FIFO internal to an upper task.
type Channel struct {
	Name  string
	Type  PortType
	Depth int
}

// Sequence declares an auto-incrementing index counter. One counter is shared
// by every binding that references it, across replicas and across instances.
type Sequence struct {
	Name string
}

// Instance is one `instance` block: a configured invocation of a child task.
type Instance struct {
	Name     string
	TaskName string
	Mode     string // "join" (default) or "detach"
	Count    int    // replication count, default 1
	Binds    map[string]hcl.Expression

	DefRange hcl.Range
}

var channelBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "type"},
		{Name: "depth"},
	},
}

func parseChannelBlock(block *hcl.Block) (Channel, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	c := Channel{Name: block.Labels[0]}

	content, contentDiags := block.Body.Content(channelBodySchema)
	diags = append(diags, contentDiags...)
	if contentDiags.HasErrors() {
		return c, diags
	}

	typeAttr, ok := content.Attributes["type"]
	if !ok {
		return c, append(diags, missingAttr(block, "type"))
	}
	typ, typeDiags := typeFromExpr(typeAttr.Expr)
	diags = append(diags, typeDiags...)
	c.Type = typ

	if depthAttr, ok := content.Attributes["depth"]; ok {
		depth, depthDiags := literalCount(depthAttr.Expr, "depth")
		diags = append(diags, depthDiags...)
		c.Depth = depth
	}

	return c, diags
}

var instanceBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "task"},
		{Name: "mode"},
		{Name: "count"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "bind"},
	},
}

func parseInstanceBlock(block *hcl.Block) (Instance, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	inst := Instance{
		Name:     block.Labels[0],
		Mode:     "join",
		Count:    1,
		Binds:    map[string]hcl.Expression{},
		DefRange: block.DefRange,
	}

	content, contentDiags := block.Body.Content(instanceBodySchema)
	diags = append(diags, contentDiags...)
	if contentDiags.HasErrors() {
		return inst, diags
	}

	taskAttr, ok := content.Attributes["task"]
	if !ok {
		return inst, append(diags, missingAttr(block, "task"))
	}
	diags = append(diags, gohcl.DecodeExpression(taskAttr.Expr, nil, &inst.TaskName)...)

	if modeAttr, ok := content.Attributes["mode"]; ok {
		var mode string
		diags = append(diags, gohcl.DecodeExpression(modeAttr.Expr, nil, &mode)...)
		if mode != "join" && mode != "detach" {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid instantiation mode",
				Detail:   "The 'mode' attribute must be \"join\" or \"detach\".",
				Subject:  modeAttr.Expr.Range().Ptr(),
			})
		} else {
			inst.Mode = mode
		}
	}

	if countAttr, ok := content.Attributes["count"]; ok {
		count, countDiags := literalCount(countAttr.Expr, "count")
		diags = append(diags, countDiags...)
		if !countDiags.HasErrors() && count < 1 {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid count value",
				Detail:   "The 'count' attribute must be at least 1.",
				Subject:  countAttr.Expr.Range().Ptr(),
			})
		} else {
			inst.Count = count
		}
	}

	for _, bindBlock := range content.Blocks.OfType("bind") {
		attrs, bindDiags := bindBlock.Body.JustAttributes()
		diags = append(diags, bindDiags...)
		for name, attr := range attrs {
			inst.Binds[name] = attr.Expr
		}
	}

	return inst, diags
}

// literalCount evaluates an attribute that must be a literal whole number.
// Replication and FIFO depth are static hardware properties; referencing
// runtime values here is rejected at parse time.
func literalCount(expr hcl.Expression, what string) (int, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	if len(expr.Variables()) > 0 {
		return 0, append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid " + what + " value",
			Detail:   "The '" + what + "' attribute must be a literal number; it cannot reference other values.",
			Subject:  expr.Range().Ptr(),
		})
	}

	val, valDiags := expr.Value(nil)
	diags = append(diags, valDiags...)
	if valDiags.HasErrors() {
		return 0, diags
	}
	if val.Type() != cty.Number {
		return 0, append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid " + what + " value",
			Detail:   "The '" + what + "' attribute must be a number.",
			Subject:  expr.Range().Ptr(),
		})
	}
	bf := val.AsBigFloat()
	if !bf.IsInt() {
		return 0, append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid " + what + " value",
			Detail:   "The '" + what + "' attribute must be a whole number.",
			Subject:  expr.Range().Ptr(),
		})
	}
	n, _ := bf.Int64()
	return int(n), diags
}
