package types

import (
	"context"
	"time"
)

type Event struct {
	Workflow WorkflowID
	// Node is empty for workflow level events.
	Node       NodeID     `json:",omitempty"`
	Name       string     `json:",omitempty"`
	NodeStatus NodeStatus `json:",omitempty"`
	Status     *WorkflowStatus
	Time       time.Time
}

func (e *Event) IsWorkflowEvent() bool {
	return e.Node == ""
}

type Observer interface {
	Notify(ctx context.Context, e Event) error
}
