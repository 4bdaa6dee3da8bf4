package types

import (
	"context"
	"time"
)

type ConnectorInfo struct {
	ID          ConnectorID
	EdgeID      EdgeID
	Source      NodeID
	Destination NodeID
	// Output is the producer output name, Input the consumer input name.
	Output string
	Input  string
}

type EdgeInfo struct {
	ID          EdgeID
	Source      NodeID
	Destination NodeID
	Connectors  []ConnectorInfo
}

// Binding is a consumer input satisfied by an upstream producer output.
type Binding struct {
	Input  string
	Source NodeID
	Output string
}

type RunOptions struct {
	// Supplied lists, per node, required inputs the caller provides itself.
	Supplied map[NodeID][]string
}

type RunResult struct {
	Workflow  WorkflowID
	State     WorkflowState
	Order     []NodeID
	StartTime time.Time
	EndTime   time.Time
}

type Workflow interface {
	ID() WorkflowID

	AddNode(spec NodeSpec) (NodeID, error)
	RemoveNode(ctx context.Context, id NodeID) (*NodeInfo, error)
	AttachResource(ctx context.Context, id NodeID) (string, error)

	AddEdge(source, destination NodeID) (*EdgeInfo, error)
	RemoveEdge(id EdgeID) error

	/**
	 * DeclareConnector binds a producer output to a consumer input, creating
	 * the edge between the two nodes when it does not exist yet.
	 */
	DeclareConnector(source NodeID, output string, destination NodeID, input string) (ConnectorID, error)
	RemoveConnector(id ConnectorID) error

	Node(id NodeID) (*NodeInfo, bool)
	Edge(id EdgeID) (*EdgeInfo, bool)
	EdgeBetween(source, destination NodeID) (*EdgeInfo, bool)
	Connector(id ConnectorID) (*ConnectorInfo, bool)
	Nodes() []NodeInfo
	Edges() []EdgeInfo
	Connectors() []ConnectorInfo

	ConnectorsTerminatingAt(id NodeID) ([]ConnectorInfo, error)
	ConnectorsOriginatingAt(id NodeID) ([]ConnectorInfo, error)
	SatisfiedInputs(id NodeID) ([]string, error)
	ExportedOutputs(id NodeID) ([]string, error)

	Ancestors(id NodeID) ([]NodeID, error)
	Descendants(id NodeID) ([]NodeID, error)
	ValidConnectionTargets(id NodeID) ([]NodeID, error)
	ValidConnections() map[NodeID][]NodeID

	/**
	 * Plan simulates a run without dispatching anything and returns the
	 * order nodes would execute in, or a *StallError.
	 */
	Plan(opts RunOptions) ([]NodeID, error)
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
	Stop() error
	Status() *WorkflowStatus
}
