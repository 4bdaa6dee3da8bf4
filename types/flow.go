package types

import (
	"context"
	"time"
)

type Engine interface {
	CreateWorkflow(id WorkflowID) (Workflow, error)
	GetWorkflow(id WorkflowID) (Workflow, bool)
	ListWorkflows() []WorkflowID
	/**
	 * RemoveWorkflow stops an active run, releases every node resource and
	 * forgets the workflow. Saved snapshots are kept.
	 */
	RemoveWorkflow(ctx context.Context, id WorkflowID) error

	/**
	 * Start launches a run in the engine worker pool and returns at once.
	 * Wait blocks until that run ends.
	 */
	Start(ctx context.Context, id WorkflowID, opts RunOptions) error
	Wait(ctx context.Context, id WorkflowID) (*RunResult, error)
	Stop(ctx context.Context, id WorkflowID) error
	GetStatus(ctx context.Context, id WorkflowID) (*WorkflowStatus, error)

	RenderWorkflow(id WorkflowID) (string, error)

	SaveWorkflow(ctx context.Context, id WorkflowID) error
	LoadWorkflow(ctx context.Context, id WorkflowID) (Workflow, error)
	ListSaved(ctx context.Context) ([]WorkflowID, error)
	Records(ctx context.Context, id WorkflowID) (map[NodeID]*NodeTraceRecord, error)

	/**
	 * close the engine, request stop on every active run and wait for them.
	 */
	Close(ctx context.Context) error
}

type NodeStatus struct {
	State     NodeState
	Code      int
	Error     string    `json:",omitempty"`
	StartTime time.Time `json:",omitempty"`
	EndTime   time.Time `json:",omitempty"`
}

type WorkflowStatus struct {
	Workflow    WorkflowID
	State       WorkflowState
	Stopped     bool
	CurrentNode NodeID `json:",omitempty"`
	Order       []NodeID
	Nodes       map[NodeID]NodeStatus
	LastError   string `json:",omitempty"`
}

func (s *WorkflowStatus) Clone() *WorkflowStatus {
	c := *s
	c.Order = append([]NodeID(nil), s.Order...)
	c.Nodes = make(map[NodeID]NodeStatus, len(s.Nodes))
	for k, v := range s.Nodes {
		c.Nodes[k] = v
	}
	return &c
}
