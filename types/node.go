package types

import "time"

// Port declares one named input or output of a node.
type Port struct {
	// Type is the expected value type, empty means unit.
	Type string `json:",omitempty"`
	// Optional inputs may stay unbound when a workflow runs.
	Optional bool `json:",omitempty"`
}

type NodeSpec struct {
	// ID is generated when left empty.
	ID      NodeID
	Name    string
	Inputs  map[string]Port
	Outputs map[string]Port
	// Meta carries executor specific hints, e.g. the command to launch.
	Meta map[string]string
}

type NodeInfo struct {
	ID       NodeID            `json:",omitempty"`
	Name     string            `json:",omitempty"`
	Inputs   map[string]Port   `json:",omitempty"`
	Outputs  map[string]Port   `json:",omitempty"`
	Meta     map[string]string `json:",omitempty"`
	Resource string            `json:",omitempty"`
}

func (n *NodeInfo) HasInput(name string) bool {
	_, exists := n.Inputs[name]
	return exists
}

func (n *NodeInfo) HasOutput(name string) bool {
	_, exists := n.Outputs[name]
	return exists
}

type NodeTraceRecord struct {
	Workflow  WorkflowID
	Node      NodeID
	Name      string
	State     NodeState
	Code      int
	StartTime time.Time
	EndTime   time.Time
	Error     string `json:",omitempty"`
}

type NodeHandler func(ctx Context, input Data) (Data, error)
