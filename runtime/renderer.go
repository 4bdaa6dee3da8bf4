package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warriorguo/dagflow/types"
	"github.com/warriorguo/dagflow/utils"
)

func (w *workflow) renderDOT(records map[types.NodeID]*types.NodeTraceRecord) string {
	w.mu.RLock()
	nodes := w.graph.nodeInfos()
	edges := w.graph.edgeInfos()
	w.mu.RUnlock()

	r := newWorkflowRenderer(records)
	return r.generateDOT(w.id, nodes, edges)
}

func newWorkflowRenderer(records map[types.NodeID]*types.NodeTraceRecord) *workflowRenderer {
	if records == nil {
		records = make(map[types.NodeID]*types.NodeTraceRecord)
	}
	return &workflowRenderer{records, &strings.Builder{}}
}

type workflowRenderer struct {
	records map[types.NodeID]*types.NodeTraceRecord
	sb      *strings.Builder
}

func (d *workflowRenderer) generateDOT(id types.WorkflowID, nodes []types.NodeInfo, edges []types.EdgeInfo) string {
	d.write("digraph D {")
	for _, node := range nodes {
		d.drawNode(node)
	}
	for _, edge := range edges {
		d.drawEdge(edge)
	}
	d.write("label=%s", quoteString(string(id)))
	d.write("}")
	return d.sb.String()
}

func packToComment(r *types.NodeTraceRecord) string {
	s, _ := json.Marshal(r)
	return formatNL(addSlashes(string(s)))
}

func (d *workflowRenderer) calcAttr(id types.NodeID) string {
	record, exists := d.records[id]
	if !exists {
		return ""
	}

	color := ""
	switch record.State {
	case types.NodeRunning:
		color = "yellow"
	case types.NodeSucceeded:
		color = "green"
	case types.NodeFailed:
		color = "red"
	case types.NodeStopped:
		color = "orange"
	default:
		color = "white"
	}
	return fmt.Sprintf(" style=\"filled\" color=\"%s\" comment=\"%s\"", color, packToComment(record))
}

// drawNode renders a record shaped node listing its inputs and outputs.
func (d *workflowRenderer) drawNode(node types.NodeInfo) {
	label := node.Name
	if len(node.Inputs) > 0 || len(node.Outputs) > 0 {
		label = fmt.Sprintf("{%s|%s|%s}",
			escapeRecord(strings.Join(utils.SortedKeys(node.Inputs), " ")),
			escapeRecord(node.Name),
			escapeRecord(strings.Join(utils.SortedKeys(node.Outputs), " ")))
	}
	d.write("%s [label=%s shape=\"record\"%s]", idString(string(node.ID)), quoteString(label), d.calcAttr(node.ID))
}

func (d *workflowRenderer) drawEdge(edge types.EdgeInfo) {
	labels := make([]string, 0, len(edge.Connectors))
	for _, c := range edge.Connectors {
		labels = append(labels, c.Output+"->"+c.Input)
	}
	attr := ""
	if len(labels) > 0 {
		attr = fmt.Sprintf(" [label=%s]", quoteString(strings.Join(labels, "\\n")))
	}
	d.write("%s -> %s%s", idString(string(edge.Source)), idString(string(edge.Destination)), attr)
}

func (d *workflowRenderer) write(format string, s ...any) {
	d.sb.WriteString(fmt.Sprintf(format+"\n", s...))
}

var (
	slashesToken = []string{"\\", "\"", "'", " "}
	recordTokens = []string{"{", "}", "|", "<", ">"}
)

func addSlashes(s string) string {
	for _, token := range slashesToken {
		s = strings.ReplaceAll(s, token, "\\"+token)
	}
	return s
}

func escapeRecord(s string) string {
	for _, token := range recordTokens {
		s = strings.ReplaceAll(s, token, "\\"+token)
	}
	return s
}

func formatNL(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func quoteString(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

var idleChars = []string{" ", "'", "\"", "(", ")", "*", "&", "^", "%", "$", "#", "@", "!", "?", "<", ">", "[", "]", "{", "}", ".", "-"}

func idString(s string) string {
	for _, ch := range idleChars {
		s = strings.ReplaceAll(s, ch, "_")
	}
	return "n_" + s
}
