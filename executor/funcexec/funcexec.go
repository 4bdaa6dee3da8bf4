package funcexec

import (
	"context"
	"sync"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/interchange"
	"github.com/warriorguo/dagflow/types"
)

const (
	// MetaHandler names the registered handler of a node, the node name is
	// used when it is absent.
	MetaHandler = "handler"

	CodeFailed  = 1
	CodeStopped = 143
)

var (
	_ types.Executor = &Executor{}
	_ types.Killer   = &Executor{}
)

type Option func(*Executor)

// WithInterchange makes the executor feed bound inputs from, and publish
// exported outputs to, the values kept by ic.
func WithInterchange(ic *interchange.StoreInterchange) Option {
	return func(e *Executor) {
		e.interchange = ic
	}
}

/**
 * Executor runs nodes as Go functions in their own goroutine. A stop
 * request cancels the context the handler receives, handlers are expected
 * to return soon after.
 */
type Executor struct {
	mu sync.Mutex

	handlers    map[string]types.NodeHandler
	interchange *interchange.StoreInterchange
	runs        map[types.Handle]*run
}

type run struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	status types.ExecStatus
}

func (r *run) get() types.ExecStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

func (r *run) set(status types.ExecStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = status
}

func New(opts ...Option) *Executor {
	e := &Executor{
		handlers: make(map[string]types.NodeHandler),
		runs:     make(map[types.Handle]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Register(name string, handler types.NodeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers[name] = handler
}

func (e *Executor) handler(node types.NodeInfo) (types.NodeHandler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := node.Meta[MetaHandler]
	if name == "" {
		name = node.Name
	}
	h, exists := e.handlers[name]
	if !exists {
		return nil, errors.NotFoundf("handler %q for node %s", name, node.ID)
	}
	return h, nil
}

func (e *Executor) Start(ctx context.Context, d *types.Dispatch) (types.Handle, error) {
	h, err := e.handler(d.Node)
	if err != nil {
		return "", errors.Trace(err)
	}

	input := make(types.Data)
	if e.interchange != nil {
		if input, err = e.interchange.Collect(ctx, d.Consume); err != nil {
			return "", errors.Trace(err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, status: types.ExecStatus{Phase: types.ExecRunning}}
	handle := types.Handle(types.NewNodeID())

	e.mu.Lock()
	e.runs[handle] = r
	e.mu.Unlock()

	nc := &nodeContext{Context: runCtx, workflow: d.Workflow, node: d.Node.ID}
	go e.execute(nc, d, h, input, r)
	return handle, nil
}

func (e *Executor) execute(nc *nodeContext, d *types.Dispatch, h types.NodeHandler, input types.Data, r *run) {
	defer r.cancel()

	output, err := safeCall(nc, h, input)
	if err == nil && e.interchange != nil {
		err = errors.Trace(e.interchange.Publish(nc, d.Produce, output))
	}

	switch {
	case err == nil:
		r.set(types.ExecStatus{Phase: types.ExecSucceeded})
	case nc.Err() != nil:
		log.Debugf("%s node %s stopped: %v", d.Workflow, d.Node.ID, err)
		r.set(types.ExecStatus{Phase: types.ExecFailed, Code: CodeStopped})
	default:
		log.Errorf("%s node %s failed: %v", d.Workflow, d.Node.ID, err)
		r.set(types.ExecStatus{Phase: types.ExecFailed, Code: CodeFailed})
	}
}

func safeCall(ctx types.Context, h types.NodeHandler, input types.Data) (output types.Data, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, input)
}

func (e *Executor) get(handle types.Handle) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, exists := e.runs[handle]
	if !exists {
		return nil, errors.NotFoundf("run %s", handle)
	}
	return r, nil
}

// Status forgets a run once its terminal status has been reported.
func (e *Executor) Status(ctx context.Context, handle types.Handle) (types.ExecStatus, error) {
	r, err := e.get(handle)
	if err != nil {
		return types.ExecStatus{}, errors.Trace(err)
	}
	status := r.get()
	if status.Phase.Terminal() {
		e.mu.Lock()
		delete(e.runs, handle)
		e.mu.Unlock()
	}
	return status, nil
}

func (e *Executor) RequestStop(ctx context.Context, handle types.Handle) error {
	r, err := e.get(handle)
	if err != nil {
		return errors.Trace(err)
	}
	r.cancel()
	return nil
}

/**
 * Kill forgets a run whose handler ignores cancellation. The goroutine
 * cannot be ended from outside, its result is dropped when it returns.
 */
func (e *Executor) Kill(ctx context.Context, handle types.Handle) error {
	r, err := e.get(handle)
	if err != nil {
		return errors.Trace(err)
	}
	r.cancel()

	e.mu.Lock()
	delete(e.runs, handle)
	e.mu.Unlock()
	return nil
}

type nodeContext struct {
	context.Context

	workflow types.WorkflowID
	node     types.NodeID
}

func (c *nodeContext) GetWorkflowID() types.WorkflowID {
	return c.workflow
}

func (c *nodeContext) GetNodeID() types.NodeID {
	return c.node
}
