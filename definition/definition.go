package definition

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/juju/errors"
	"github.com/warriorguo/dagflow/types"
	"github.com/zclconf/go-cty/cty"
)

// MetaCommand is the meta key the command attribute of a node is stored under.
const MetaCommand = "command"

type hclFile struct {
	Nodes    []*hclNode    `hcl:"node,block"`
	Connects []*hclConnect `hcl:"connect,block"`
	Edges    []*hclEdge    `hcl:"edge,block"`
}

type hclNode struct {
	Name    string            `hcl:"name,label"`
	Command *string           `hcl:"command,optional"`
	Meta    map[string]string `hcl:"meta,optional"`
	Inputs  []*hclPort        `hcl:"input,block"`
	Outputs []*hclPort        `hcl:"output,block"`
}

type hclPort struct {
	Name   string   `hcl:"name,label"`
	Remain hcl.Body `hcl:",remain"`
}

type hclConnect struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

type hclEdge struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

var portBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "type"},
		{Name: "optional"},
	},
}

// Connection binds Output of node From to Input of node To.
type Connection struct {
	From   string
	Output string
	To     string
	Input  string
}

// Edge orders From before To without moving any data.
type Edge struct {
	From string
	To   string
}

/**
 * Definition is a workflow described in HCL:
 *
 *	node "load" {
 *	  command = "./load.sh"
 *	  output "rows" { type = number }
 *	}
 *	node "report" {
 *	  input "rows" { type = number }
 *	  input "title" { optional = true }
 *	}
 *	connect {
 *	  from = "load.rows"
 *	  to   = "report.rows"
 *	}
 *
 * Nodes keep their file order, which is also their scheduling order.
 */
type Definition struct {
	Nodes       []types.NodeSpec
	Connections []Connection
	Edges       []Edge
}

func (d *Definition) node(name string) (*types.NodeSpec, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Name == name {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Parse reads a definition from an HCL file.
func Parse(path string) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.Annotatef(diags, "failed to parse %s", path)
	}
	return decode(file, path)
}

// ParseSource reads a definition from HCL source, filename is used in diagnostics.
func ParseSource(src []byte, filename string) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Annotatef(diags, "failed to parse %s", filename)
	}
	return decode(file, filename)
}

func decode(file *hcl.File, filename string) (*Definition, error) {
	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, errors.Annotatef(diags, "failed to decode %s", filename)
	}

	d := &Definition{}
	for _, n := range parsed.Nodes {
		if _, exists := d.node(n.Name); exists {
			return nil, errors.AlreadyExistsf("node %q in %s", n.Name, filename)
		}
		spec, diags := nodeSpec(n)
		if diags.HasErrors() {
			return nil, errors.Annotatef(diags, "node %q in %s", n.Name, filename)
		}
		d.Nodes = append(d.Nodes, spec)
	}

	for _, c := range parsed.Connects {
		conn, err := d.connection(c)
		if err != nil {
			return nil, errors.Annotatef(err, "connect %s -> %s in %s", c.From, c.To, filename)
		}
		d.Connections = append(d.Connections, conn)
	}
	for _, e := range parsed.Edges {
		for _, name := range []string{e.From, e.To} {
			if _, exists := d.node(name); !exists {
				return nil, errors.NotFoundf("node %q of edge %s -> %s in %s", name, e.From, e.To, filename)
			}
		}
		d.Edges = append(d.Edges, Edge{From: e.From, To: e.To})
	}
	return d, nil
}

func nodeSpec(n *hclNode) (types.NodeSpec, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	spec := types.NodeSpec{
		Name:    n.Name,
		Inputs:  make(map[string]types.Port),
		Outputs: make(map[string]types.Port),
		Meta:    make(map[string]string),
	}
	for k, v := range n.Meta {
		spec.Meta[k] = v
	}
	if n.Command != nil {
		spec.Meta[MetaCommand] = *n.Command
	}

	for _, p := range n.Inputs {
		port, portDiags := decodePort(p, true)
		diags = append(diags, portDiags...)
		if _, exists := spec.Inputs[p.Name]; exists {
			diags = append(diags, duplicate("input", p.Name, n.Name))
		}
		spec.Inputs[p.Name] = port
	}
	for _, p := range n.Outputs {
		port, portDiags := decodePort(p, false)
		diags = append(diags, portDiags...)
		if _, exists := spec.Outputs[p.Name]; exists {
			diags = append(diags, duplicate("output", p.Name, n.Name))
		}
		spec.Outputs[p.Name] = port
	}
	return spec, diags
}

func duplicate(kind, port, node string) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Duplicate " + kind,
		Detail:   fmt.Sprintf("Node '%s' declares %s '%s' more than once.", node, kind, port),
	}
}

func decodePort(p *hclPort, input bool) (types.Port, hcl.Diagnostics) {
	var port types.Port
	content, diags := p.Remain.Content(portBodySchema)
	if diags.HasErrors() {
		return port, diags
	}

	if attr, exists := content.Attributes["type"]; exists {
		t, typeDiags := portType(attr.Expr)
		diags = append(diags, typeDiags...)
		if t != cty.DynamicPseudoType && t != cty.NilType {
			port.Type = t.FriendlyName()
		}
	}
	if attr, exists := content.Attributes["optional"]; exists {
		if !input {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Optional output",
				Detail:   fmt.Sprintf("Output '%s' cannot be optional.", p.Name),
				Subject:  attr.Expr.Range().Ptr(),
			})
		} else {
			diags = append(diags, gohcl.DecodeExpression(attr.Expr, nil, &port.Optional)...)
		}
	}
	return port, diags
}

// portType maps a type keyword to its cty type, any stands for unconstrained.
func portType(expr hcl.Expression) (cty.Type, hcl.Diagnostics) {
	traversal, diags := hcl.AbsTraversalForExpr(expr)
	if diags.HasErrors() || len(traversal) != 1 {
		return cty.NilType, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid type specification",
			Detail:   "The 'type' attribute must be one of the keywords string, number, bool or any.",
			Subject:  expr.Range().Ptr(),
		}}
	}

	switch name := traversal.RootName(); name {
	case "string":
		return cty.String, nil
	case "number":
		return cty.Number, nil
	case "bool":
		return cty.Bool, nil
	case "any":
		return cty.DynamicPseudoType, nil
	default:
		return cty.NilType, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Unsupported type",
			Detail:   fmt.Sprintf("The keyword '%s' is not a valid port type. Supported types are: string, number, bool, any.", name),
			Subject:  expr.Range().Ptr(),
		}}
	}
}

func splitRef(ref string) (string, string, error) {
	node, port, found := strings.Cut(ref, ".")
	if !found || node == "" || port == "" {
		return "", "", errors.NotValidf("reference %q, want node.port", ref)
	}
	return node, port, nil
}

func (d *Definition) connection(c *hclConnect) (Connection, error) {
	from, output, err := splitRef(c.From)
	if err != nil {
		return Connection{}, errors.Trace(err)
	}
	to, input, err := splitRef(c.To)
	if err != nil {
		return Connection{}, errors.Trace(err)
	}
	for _, name := range []string{from, to} {
		if _, exists := d.node(name); !exists {
			return Connection{}, errors.NotFoundf("node %q", name)
		}
	}
	return Connection{From: from, Output: output, To: to, Input: input}, nil
}

/**
 * Apply adds the nodes, edges and connectors of d to w, in file order, and
 * returns the id given to every node name. It stops at the first rejected
 * mutation; what was applied before stays in w.
 */
func (d *Definition) Apply(w types.Workflow) (map[string]types.NodeID, error) {
	ids := make(map[string]types.NodeID, len(d.Nodes))
	for _, spec := range d.Nodes {
		id, err := w.AddNode(spec)
		if err != nil {
			return ids, errors.Annotatef(err, "add node %q", spec.Name)
		}
		ids[spec.Name] = id
	}
	for _, e := range d.Edges {
		if _, err := w.AddEdge(ids[e.From], ids[e.To]); err != nil {
			return ids, errors.Annotatef(err, "add edge %s -> %s", e.From, e.To)
		}
	}
	for _, c := range d.Connections {
		if _, err := w.DeclareConnector(ids[c.From], c.Output, ids[c.To], c.Input); err != nil {
			return ids, errors.Annotatef(err, "connect %s.%s -> %s.%s", c.From, c.Output, c.To, c.Input)
		}
	}
	return ids, nil
}
