package runtime

import (
	"context"

	"github.com/juju/errors"
	"github.com/warriorguo/dagflow/store"
	"github.com/warriorguo/dagflow/types"
	"github.com/warriorguo/dagflow/utils"
)

const (
	WorkflowPath = "/workflow/"
)

// workflowSnapshot is the persisted form of a workflow graph. Run state is
// not part of it: a loaded workflow always starts Idle.
type workflowSnapshot struct {
	ID    types.WorkflowID
	Nodes []types.NodeInfo `json:",omitempty"`
	Edges []types.EdgeInfo `json:",omitempty"`
}

func (w *workflow) snapshot() *workflowSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := &workflowSnapshot{
		ID:    w.id,
		Nodes: w.graph.nodeInfos(),
		Edges: w.graph.edgeInfos(),
	}
	for i := range snap.Nodes {
		snap.Nodes[i].Resource = ""
	}
	return snap
}

/**
 * restore rebuilds the graph of a snapshot, keeping node, edge and
 * connector ids. Every edge and connector goes through the same checks as
 * a live mutation, so a tampered snapshot cannot bring in a cycle or a
 * doubly bound input.
 */
func (snap *workflowSnapshot) restore(cfg workflowConfig) (*workflow, error) {
	w := newWorkflow(snap.ID, cfg)
	for _, node := range snap.Nodes {
		if node.ID == "" {
			return nil, errors.NotValidf("snapshot node without id")
		}
		_, err := w.graph.addNode(types.NodeSpec{
			ID:      node.ID,
			Name:    node.Name,
			Inputs:  node.Inputs,
			Outputs: node.Outputs,
			Meta:    node.Meta,
		})
		if err != nil {
			return nil, errors.Annotatef(err, "restore node %s", node.ID)
		}
	}
	for _, edge := range snap.Edges {
		if _, exists := w.graph.node(edge.Source); !exists {
			return nil, errors.NotFoundf("source node %s of edge %s", edge.Source, edge.ID)
		}
		if _, exists := w.graph.node(edge.Destination); !exists {
			return nil, errors.NotFoundf("destination node %s of edge %s", edge.Destination, edge.ID)
		}
		if _, err := w.graph.insertEdge(edge.ID, edge.Source, edge.Destination); err != nil {
			return nil, errors.Annotatef(err, "restore edge %s", edge.ID)
		}
		for _, c := range edge.Connectors {
			if err := w.graph.insertConnector(edge.ID, c.ID, c.Output, c.Input); err != nil {
				return nil, errors.Annotatef(err, "restore connector %s", c.ID)
			}
		}
	}
	return w, nil
}

func saveSnapshot(ctx context.Context, s store.Store, snap *workflowSnapshot) error {
	b, err := utils.Serialize(snap)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.Set(ctx, WorkflowPath, string(snap.ID), b))
}

func loadSnapshot(ctx context.Context, s store.Store, id types.WorkflowID) (*workflowSnapshot, error) {
	b, err := s.Get(ctx, WorkflowPath, string(id))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, errors.NotFoundf("saved workflow %s", id)
	}
	snap := &workflowSnapshot{}
	if err := utils.Unserialize(b, snap); err != nil {
		return nil, errors.Trace(err)
	}
	if snap.ID != id {
		return nil, errors.NotValidf("snapshot %s stored under %s", snap.ID, id)
	}
	return snap, nil
}

func listSnapshots(ctx context.Context, s store.Store) ([]types.WorkflowID, error) {
	ids := make([]types.WorkflowID, 0)
	err := s.List(ctx, WorkflowPath, func(key string) bool {
		ids = append(ids, types.WorkflowID(key))
		return true
	})
	return ids, errors.Trace(err)
}
