package runtime

import (
	"context"
	"io"
	"sync"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/store"
	"github.com/warriorguo/dagflow/types"
	"github.com/warriorguo/dagflow/utils"
)

var (
	_ types.Engine = &engine{}
)

func NewEngine(s store.Store, opts *types.EngineOptions) types.Engine {
	return newEngine(s, opts)
}

/**
 * engine is a registry of workflows sharing one store, one executor and one
 * pool of run workers.
 */
type engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	store store.Store
	pool  *runPool
	cfg   workflowConfig

	mu        sync.Mutex
	running   bool
	workflows map[types.WorkflowID]*workflow
}

func newEngine(s store.Store, opts *types.EngineOptions) *engine {
	e := &engine{
		store:     s,
		pool:      newRunPool(opts.MaxConcurrentRuns),
		running:   true,
		workflows: make(map[types.WorkflowID]*workflow),
	}
	ctx := opts.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	observers := append([]types.Observer{newRecordObserver(s)}, opts.Observers...)
	if opts.AutoSave {
		observers = append(observers, &autoSaver{e})
	}
	e.cfg = workflowConfig{
		settings:    opts.EngineSettings,
		executor:    opts.Executor,
		interchange: opts.Interchange,
		observers:   observers,
	}
	return e
}

func (e *engine) CreateWorkflow(id types.WorkflowID) (types.Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil, errors.MethodNotAllowedf("engine closed")
	}
	if id == "" {
		id = types.NewWorkflowID()
	}
	if _, exists := e.workflows[id]; exists {
		return nil, errors.AlreadyExistsf("workflow %s", id)
	}
	w := newWorkflow(id, e.cfg)
	e.workflows[id] = w
	log.Debugf("created workflow %s", id)
	return w, nil
}

func (e *engine) getWorkflow(id types.WorkflowID) (*workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, exists := e.workflows[id]
	if !exists {
		return nil, errors.NotFoundf("workflow %s", id)
	}
	return w, nil
}

func (e *engine) GetWorkflow(id types.WorkflowID) (types.Workflow, bool) {
	w, err := e.getWorkflow(id)
	if err != nil {
		return nil, false
	}
	return w, true
}

func (e *engine) ListWorkflows() []types.WorkflowID {
	e.mu.Lock()
	defer e.mu.Unlock()

	return utils.SortedKeys(e.workflows)
}

func (e *engine) RemoveWorkflow(ctx context.Context, id types.WorkflowID) error {
	w, err := e.getWorkflow(id)
	if err != nil {
		return errors.Trace(err)
	}
	if w.state.workflowState().Active() {
		if _, exists := e.pool.get(id); !exists {
			return types.ConflictingStatef("workflow %s is run outside of the engine", id)
		}
		if err := w.Stop(); err != nil {
			return errors.Trace(err)
		}
		if _, err := e.pool.wait(ctx, id); err != nil {
			log.Infof("%s last run before removal: %v", id, err)
		}
	}
	if err := w.releaseAll(ctx); err != nil {
		return errors.Trace(err)
	}

	e.mu.Lock()
	delete(e.workflows, id)
	e.mu.Unlock()
	e.pool.remove(id)
	log.Infof("removed workflow %s", id)
	return nil
}

/**
 * Start moves the workflow to Running before returning, so a second Start
 * or a structural write issued right after it is refused.
 */
func (e *engine) Start(ctx context.Context, id types.WorkflowID, opts types.RunOptions) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return errors.MethodNotAllowedf("engine closed")
	}

	w, err := e.getWorkflow(id)
	if err != nil {
		return errors.Trace(err)
	}
	supplied, err := w.start(e.ctx, opts)
	if err != nil {
		return errors.Trace(err)
	}
	e.pool.submit(id, func() (*types.RunResult, error) {
		return w.execute(e.ctx, supplied)
	})
	return nil
}

func (e *engine) Wait(ctx context.Context, id types.WorkflowID) (*types.RunResult, error) {
	if _, err := e.getWorkflow(id); err != nil {
		return nil, errors.Trace(err)
	}
	return e.pool.wait(ctx, id)
}

func (e *engine) Stop(ctx context.Context, id types.WorkflowID) error {
	w, err := e.getWorkflow(id)
	if err != nil {
		return errors.Trace(err)
	}
	return w.Stop()
}

func (e *engine) GetStatus(ctx context.Context, id types.WorkflowID) (*types.WorkflowStatus, error) {
	w, err := e.getWorkflow(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w.Status(), nil
}

// RenderWorkflow renders the graph in DOT, colouring nodes by their last known state.
func (e *engine) RenderWorkflow(id types.WorkflowID) (string, error) {
	w, err := e.getWorkflow(id)
	if err != nil {
		return "", errors.Trace(err)
	}
	status := w.Status()
	records := make(map[types.NodeID]*types.NodeTraceRecord, len(status.Nodes))
	for node, ns := range status.Nodes {
		records[node] = &types.NodeTraceRecord{
			Workflow:  id,
			Node:      node,
			State:     ns.State,
			Code:      ns.Code,
			StartTime: ns.StartTime,
			EndTime:   ns.EndTime,
			Error:     ns.Error,
		}
	}
	return w.renderDOT(records), nil
}

func (e *engine) SaveWorkflow(ctx context.Context, id types.WorkflowID) error {
	w, err := e.getWorkflow(id)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(saveSnapshot(ctx, e.store, w.snapshot()))
}

/**
 * LoadWorkflow replaces the in memory workflow of the same id, if any, by
 * the saved snapshot. An active workflow is never replaced.
 */
func (e *engine) LoadWorkflow(ctx context.Context, id types.WorkflowID) (types.Workflow, error) {
	snap, err := loadSnapshot(ctx, e.store, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w, err := snap.restore(e.cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, exists := e.workflows[id]; exists {
		if state := old.state.workflowState(); state.Active() {
			return nil, types.ConflictingStatef("workflow %s is %s", id, state)
		}
	}
	e.workflows[id] = w
	log.Infof("loaded workflow %s with %d nodes", id, len(snap.Nodes))
	return w, nil
}

func (e *engine) ListSaved(ctx context.Context) ([]types.WorkflowID, error) {
	return listSnapshots(ctx, e.store)
}

func (e *engine) Records(ctx context.Context, id types.WorkflowID) (map[types.NodeID]*types.NodeTraceRecord, error) {
	return loadRecords(ctx, e.store, id)
}

func (e *engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	workflows := make([]*workflow, 0, len(e.workflows))
	for _, w := range e.workflows {
		workflows = append(workflows, w)
	}
	e.mu.Unlock()

	for _, w := range workflows {
		if err := w.Stop(); err != nil {
			log.Errorf("failed to stop %s on close: %v", w.id, err)
		}
	}
	e.cancel()
	e.pool.stopWait()

	if closer, ok := e.store.(io.Closer); ok {
		return errors.Annotatef(closer.Close(), "close store")
	}
	return nil
}

// autoSaver saves the snapshot of a workflow once a run is over.
type autoSaver struct {
	e *engine
}

func (a *autoSaver) Notify(ctx context.Context, event types.Event) error {
	if !event.IsWorkflowEvent() || event.Status == nil || event.Status.State.Active() || event.Status.State == types.Idle {
		return nil
	}
	return errors.Trace(a.e.SaveWorkflow(ctx, event.Workflow))
}
