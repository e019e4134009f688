package model

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"
)

// PortKind is the declared access pattern of a task parameter. The argument
// binding protocol selects its accessor from this declaration alone, never
// from runtime values.
type PortKind string

const (
	// KindScalar is a pass-by-value parameter with no aliasing.
	KindScalar PortKind = "scalar"
	// KindIStream is the consuming endpoint of a streaming channel.
	KindIStream PortKind = "istream"
	// KindOStream is the producing endpoint of a streaming channel.
	KindOStream PortKind = "ostream"
	// KindMMap is a memory-mapped buffer shared with the callee.
	KindMMap PortKind = "mmap"
)

// ParsePortKind validates the textual kind used in port blocks.
func ParsePortKind(s string) (PortKind, error) {
	switch PortKind(s) {
	case KindScalar, KindIStream, KindOStream, KindMMap:
		return PortKind(s), nil
	}
	return "", fmt.Errorf("unknown port kind %q", s)
}

// PortType is the element type of a port: a fixed-width integer or float.
// The width drives both the generated RTL bus widths and the scalar
// conversion rules on the software path.
type PortType struct {
	Name   string
	Width  int
	Signed bool
	Float  bool
}

var portTypes = map[string]PortType{
	"u8":  {Name: "u8", Width: 8},
	"u16": {Name: "u16", Width: 16},
	"u32": {Name: "u32", Width: 32},
	"u64": {Name: "u64", Width: 64},
	"i8":  {Name: "i8", Width: 8, Signed: true},
	"i16": {Name: "i16", Width: 16, Signed: true},
	"i32": {Name: "i32", Width: 32, Signed: true},
	"i64": {Name: "i64", Width: 64, Signed: true},
	"f32": {Name: "f32", Width: 32, Float: true},
	"f64": {Name: "f64", Width: 64, Float: true},
}

// ParsePortType resolves a type keyword such as "f32" or "u64".
func ParsePortType(name string) (PortType, error) {
	t, ok := portTypes[name]
	if !ok {
		return PortType{}, fmt.Errorf("unknown port type %q", name)
	}
	return t, nil
}

// CtyType returns the cty type scalar values of this port carry in bind
// expressions. All numeric port types surface as cty.Number; width and
// signedness are enforced when converting to the handler's Go field.
func (t PortType) CtyType() cty.Type { return cty.Number }

// Port is a single declared parameter of a task. Pos is the declaration
// order, which is also the positional device argument index.
type Port struct {
	Name        string
	Kind        PortKind
	Type        PortType
	Description string
	Pos         int
}

var portBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "kind"},
		{Name: "type"},
		{Name: "description"},
	},
}

// parsePortBlock decodes one `port "name" { kind = "..." type = ... }` block.
func parsePortBlock(block *hcl.Block, pos int) (Port, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	p := Port{Name: block.Labels[0], Pos: pos}

	content, contentDiags := block.Body.Content(portBodySchema)
	diags = append(diags, contentDiags...)
	if contentDiags.HasErrors() {
		return p, diags
	}

	kindAttr, ok := content.Attributes["kind"]
	if !ok {
		return p, append(diags, missingAttr(block, "kind"))
	}
	var kindStr string
	diags = append(diags, gohcl.DecodeExpression(kindAttr.Expr, nil, &kindStr)...)
	kind, err := ParsePortKind(kindStr)
	if err != nil {
		return p, append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid port kind",
			Detail:   err.Error(),
			Subject:  kindAttr.Expr.Range().Ptr(),
		})
	}
	p.Kind = kind

	typeAttr, ok := content.Attributes["type"]
	if !ok {
		return p, append(diags, missingAttr(block, "type"))
	}
	typ, typeDiags := typeFromExpr(typeAttr.Expr)
	diags = append(diags, typeDiags...)
	p.Type = typ

	if descAttr, ok := content.Attributes["description"]; ok {
		diags = append(diags, gohcl.DecodeExpression(descAttr.Expr, nil, &p.Description)...)
	}

	return p, diags
}

// typeFromExpr resolves a bare type keyword expression (`type = f32`).
func typeFromExpr(expr hcl.Expression) (PortType, hcl.Diagnostics) {
	keyword := hcl.ExprAsKeyword(expr)
	if keyword == "" {
		return PortType{}, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid type expression",
			Detail:   "The 'type' attribute must be a bare type keyword such as f32 or u64.",
			Subject:  expr.Range().Ptr(),
		}}
	}
	typ, err := ParsePortType(keyword)
	if err != nil {
		return PortType{}, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Unknown port type",
			Detail:   err.Error(),
			Subject:  expr.Range().Ptr(),
		}}
	}
	return typ, nil
}
