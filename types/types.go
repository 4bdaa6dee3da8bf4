package types

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

type WorkflowID string
type NodeID string
type EdgeID string
type ConnectorID string

func newHexID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func NewWorkflowID() WorkflowID {
	return WorkflowID(newHexID())
}

func NewNodeID() NodeID {
	return NodeID(newHexID())
}

func NewEdgeID() EdgeID {
	return EdgeID(newHexID())
}

func NewConnectorID() ConnectorID {
	return ConnectorID(newHexID())
}

type WorkflowState int32

const (
	Idle          WorkflowState = 0
	Running       WorkflowState = 1
	StopRequested WorkflowState = 2
	Succeeded     WorkflowState = 3
	Failed        WorkflowState = 4
)

func (s WorkflowState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case StopRequested:
		return "stop-requested"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Active reports whether a run loop currently owns the workflow.
func (s WorkflowState) Active() bool {
	return s == Running || s == StopRequested
}

type NodeState int32

const (
	NodeNotStarted NodeState = 0
	NodeRunning    NodeState = 1
	NodeSucceeded  NodeState = 2
	NodeFailed     NodeState = 3
	NodeStopped    NodeState = 4
)

func (s NodeState) String() string {
	switch s {
	case NodeNotStarted:
		return "not-started"
	case NodeRunning:
		return "running"
	case NodeSucceeded:
		return "succeeded"
	case NodeFailed:
		return "failed"
	case NodeStopped:
		return "stopped"
	}
	return "unknown"
}

type Context interface {
	context.Context

	GetWorkflowID() WorkflowID
	GetNodeID() NodeID
}
