package runtime

import (
	"context"
	"sync"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/types"
)

var (
	_ types.Workflow = &workflow{}
)

type workflowConfig struct {
	settings    types.EngineSettings
	executor    types.Executor
	interchange types.Interchange
	observers   []types.Observer
}

/**
 * workflow owns one graph and its run state. Structural writers take mu
 * exclusively and are refused while a run is active; readers share mu.
 * The run loop never holds mu while it waits on the executor.
 */
type workflow struct {
	id types.WorkflowID

	mu    sync.RWMutex
	graph *graphStore
	state *runState

	cfg workflowConfig
}

func newWorkflow(id types.WorkflowID, cfg workflowConfig) *workflow {
	if id == "" {
		id = types.NewWorkflowID()
	}
	return &workflow{
		id:    id,
		graph: newGraphStore(),
		state: newRunState(id, newNotifier(cfg.observers...)),
		cfg:   cfg,
	}
}

// NewWorkflow creates a standalone workflow outside of any engine.
func NewWorkflow(id types.WorkflowID, opts *types.EngineOptions) types.Workflow {
	return newWorkflow(id, workflowConfig{
		settings:    opts.EngineSettings,
		executor:    opts.Executor,
		interchange: opts.Interchange,
		observers:   opts.Observers,
	})
}

func (w *workflow) ID() types.WorkflowID {
	return w.id
}

// lockForWrite takes mu exclusively, failing when a run owns the workflow.
func (w *workflow) lockForWrite() error {
	w.mu.Lock()
	if state := w.state.workflowState(); state.Active() {
		w.mu.Unlock()
		return types.ConflictingStatef("workflow %s is %s, graph is read only", w.id, state)
	}
	return nil
}

func (w *workflow) AddNode(spec types.NodeSpec) (types.NodeID, error) {
	if err := w.lockForWrite(); err != nil {
		return "", errors.Trace(err)
	}
	defer w.mu.Unlock()

	info, err := w.graph.addNode(spec)
	if err != nil {
		return "", errors.Trace(err)
	}
	log.Debugf("%s added node %s (%s)", w.id, info.ID, info.Name)
	return info.ID, nil
}

/**
 * RemoveNode refuses nodes that still have edges. The node resource, when
 * attached, is released first; a failed release keeps the node in place.
 */
func (w *workflow) RemoveNode(ctx context.Context, id types.NodeID) (*types.NodeInfo, error) {
	if err := w.lockForWrite(); err != nil {
		return nil, errors.Trace(err)
	}
	defer w.mu.Unlock()

	info, exists := w.graph.node(id)
	if !exists {
		return nil, errors.NotFoundf("node %s", id)
	}
	if w.graph.hasIncidentEdges(id) {
		return nil, types.ConflictingStatef("node %s still has incident edges", id)
	}
	if err := w.releaseLocked(ctx, info); err != nil {
		return nil, errors.Trace(err)
	}

	removed, err := w.graph.removeNode(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := copyNodeInfo(removed)
	return &c, nil
}

func (w *workflow) releaseLocked(ctx context.Context, info *types.NodeInfo) error {
	if info.Resource == "" {
		return nil
	}
	rm, ok := w.cfg.executor.(types.ResourceManager)
	if !ok {
		info.Resource = ""
		return nil
	}
	if err := rm.Release(ctx, copyNodeInfo(info)); err != nil {
		return errors.Annotatef(err, "release resource %s of node %s", info.Resource, info.ID)
	}
	info.Resource = ""
	return nil
}

func (w *workflow) AttachResource(ctx context.Context, id types.NodeID) (string, error) {
	if err := w.lockForWrite(); err != nil {
		return "", errors.Trace(err)
	}
	defer w.mu.Unlock()

	return w.attachLocked(ctx, id)
}

func (w *workflow) attachLocked(ctx context.Context, id types.NodeID) (string, error) {
	info, exists := w.graph.node(id)
	if !exists {
		return "", errors.NotFoundf("node %s", id)
	}
	if info.Resource != "" {
		return info.Resource, nil
	}
	rm, ok := w.cfg.executor.(types.ResourceManager)
	if !ok {
		return "", errors.NotSupportedf("executor %T without resources", w.cfg.executor)
	}
	ref, err := rm.Attach(ctx, copyNodeInfo(info))
	if err != nil {
		return "", errors.Annotatef(err, "attach resource to node %s", id)
	}
	info.Resource = ref
	log.Debugf("%s attached resource %s to node %s", w.id, ref, id)
	return ref, nil
}

// releaseAll releases every attached resource, used when the workflow is dropped.
func (w *workflow) releaseAll(ctx context.Context) error {
	if err := w.lockForWrite(); err != nil {
		return errors.Trace(err)
	}
	defer w.mu.Unlock()

	var retErr error
	for _, id := range w.graph.nodeOrder {
		if err := w.releaseLocked(ctx, w.graph.nodes[id]); err != nil {
			retErr = errors.Wrapf(retErr, err, "failed on %s", id)
		}
	}
	return retErr
}

func (w *workflow) AddEdge(source, destination types.NodeID) (*types.EdgeInfo, error) {
	if err := w.lockForWrite(); err != nil {
		return nil, errors.Trace(err)
	}
	defer w.mu.Unlock()

	e, _, err := w.graph.getOrCreateEdge(source, destination)
	if err != nil {
		return nil, errors.Trace(err)
	}
	info := e.info()
	return &info, nil
}

func (w *workflow) RemoveEdge(id types.EdgeID) error {
	if err := w.lockForWrite(); err != nil {
		return errors.Trace(err)
	}
	defer w.mu.Unlock()

	return errors.Trace(w.graph.removeEdge(id))
}

func (w *workflow) DeclareConnector(source types.NodeID, output string, destination types.NodeID, input string) (types.ConnectorID, error) {
	if err := w.lockForWrite(); err != nil {
		return "", errors.Trace(err)
	}
	defer w.mu.Unlock()

	if err := w.graph.validateBinding(source, output, destination, input); err != nil {
		return "", errors.Trace(err)
	}
	e, created, err := w.graph.getOrCreateEdge(source, destination)
	if err != nil {
		return "", errors.Trace(err)
	}
	id, err := w.graph.declareConnector(e.id, output, input)
	if err != nil {
		if created {
			if rerr := w.graph.removeEdge(e.id); rerr != nil {
				err = errors.Wrapf(err, rerr, "rollback edge %s", e.id)
			}
		}
		return "", errors.Trace(err)
	}
	return id, nil
}

func (w *workflow) RemoveConnector(id types.ConnectorID) error {
	if err := w.lockForWrite(); err != nil {
		return errors.Trace(err)
	}
	defer w.mu.Unlock()

	edgeRemoved, err := w.graph.removeConnector(id)
	if err != nil {
		return errors.Trace(err)
	}
	if edgeRemoved {
		log.Debugf("%s removed connector %s and its edge", w.id, id)
	}
	return nil
}

func (w *workflow) Node(id types.NodeID) (*types.NodeInfo, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	info, exists := w.graph.node(id)
	if !exists {
		return nil, false
	}
	c := copyNodeInfo(info)
	return &c, true
}

func (w *workflow) Edge(id types.EdgeID) (*types.EdgeInfo, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	e, exists := w.graph.edge(id)
	if !exists {
		return nil, false
	}
	info := e.info()
	return &info, true
}

func (w *workflow) EdgeBetween(source, destination types.NodeID) (*types.EdgeInfo, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	e, exists := w.graph.edgeBetween(source, destination)
	if !exists {
		return nil, false
	}
	info := e.info()
	return &info, true
}

func (w *workflow) Connector(id types.ConnectorID) (*types.ConnectorInfo, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.connector(id)
}

func (w *workflow) Nodes() []types.NodeInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.nodeInfos()
}

func (w *workflow) Edges() []types.EdgeInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.edgeInfos()
}

func (w *workflow) Connectors() []types.ConnectorInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.connectorInfos()
}

func (w *workflow) ConnectorsTerminatingAt(id types.NodeID) ([]types.ConnectorInfo, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.connectorsTerminatingAt(id)
}

func (w *workflow) ConnectorsOriginatingAt(id types.NodeID) ([]types.ConnectorInfo, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.connectorsOriginatingAt(id)
}

func (w *workflow) SatisfiedInputs(id types.NodeID) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.satisfiedInputs(id)
}

func (w *workflow) ExportedOutputs(id types.NodeID) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.exportedOutputs(id)
}

func (w *workflow) Ancestors(id types.NodeID) ([]types.NodeID, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.ancestors(id)
}

func (w *workflow) Descendants(id types.NodeID) ([]types.NodeID, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.descendants(id)
}

func (w *workflow) ValidConnectionTargets(id types.NodeID) ([]types.NodeID, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.validConnectionTargets(id)
}

func (w *workflow) ValidConnections() map[types.NodeID][]types.NodeID {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.graph.validConnections()
}

func (w *workflow) Status() *types.WorkflowStatus {
	return w.state.snapshot()
}

func (w *workflow) Stop() error {
	if !w.state.requestStop(context.Background()) {
		log.Debugf("%s stop requested while %s, ignored", w.id, w.state.workflowState())
		return nil
	}
	log.Infof("%s stop requested", w.id)
	return nil
}
