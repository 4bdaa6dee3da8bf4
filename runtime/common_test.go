package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
	"github.com/warriorguo/dagflow/types"
)

func testSettings() types.EngineSettings {
	return types.EngineSettings{
		PollInterval:      2 * time.Millisecond,
		StopGracePeriod:   time.Second,
		MaxConcurrentRuns: 4,
	}
}

func newTestWorkflow(exec types.Executor, observers ...types.Observer) *workflow {
	return newWorkflow("wf", workflowConfig{
		settings:  testSettings(),
		executor:  exec,
		observers: observers,
	})
}

func ports(names ...string) map[string]types.Port {
	p := make(map[string]types.Port, len(names))
	for _, name := range names {
		p[name] = types.Port{}
	}
	return p
}

func addNode(t *testing.T, w types.Workflow, name string, inputs, outputs []string) types.NodeID {
	id, err := w.AddNode(types.NodeSpec{Name: name, Inputs: ports(inputs...), Outputs: ports(outputs...)})
	require.NoError(t, err)
	return id
}

func connect(t *testing.T, w types.Workflow, source types.NodeID, output string, destination types.NodeID, input string) types.ConnectorID {
	id, err := w.DeclareConnector(source, output, destination, input)
	require.NoError(t, err)
	return id
}

// chain builds A -> B -> C where every hop carries one value.
func chain(t *testing.T, w types.Workflow) (a, b, c types.NodeID) {
	a = addNode(t, w, "A", nil, []string{"out"})
	b = addNode(t, w, "B", []string{"in"}, []string{"out"})
	c = addNode(t, w, "C", []string{"in"}, nil)
	connect(t, w, a, "out", b, "in")
	connect(t, w, b, "out", c, "in")
	return
}

type fakeBehavior struct {
	// polls is how many Status calls report Running before the outcome.
	polls int
	fail  bool
	code  int
	// hang keeps the node running until it is asked to stop.
	hang         bool
	finishOnStop bool
	ignoreStop   bool
	startErr     error
}

type fakeRun struct {
	name    string
	b       fakeBehavior
	polls   int
	stopped bool
}

/**
 * fakeExecutor scripts node outcomes by node name and records what the
 * scheduler asked for.
 */
type fakeExecutor struct {
	mu sync.Mutex

	behaviors  map[string]fakeBehavior
	runs       map[types.Handle]*fakeRun
	started    []string
	stops      []string
	kills      []string
	dispatches map[string]*types.Dispatch
	seq        int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		behaviors:  make(map[string]fakeBehavior),
		runs:       make(map[types.Handle]*fakeRun),
		dispatches: make(map[string]*types.Dispatch),
	}
}

func (f *fakeExecutor) script(name string, b fakeBehavior) *fakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.behaviors[name] = b
	return f
}

func (f *fakeExecutor) Start(ctx context.Context, d *types.Dispatch) (types.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.behaviors[d.Node.Name]
	if b.startErr != nil {
		return "", b.startErr
	}
	f.seq++
	handle := types.Handle(fmt.Sprintf("%s#%d", d.Node.Name, f.seq))
	f.runs[handle] = &fakeRun{name: d.Node.Name, b: b}
	f.started = append(f.started, d.Node.Name)
	f.dispatches[d.Node.Name] = d
	return handle, nil
}

func (f *fakeExecutor) Status(ctx context.Context, h types.Handle) (types.ExecStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, exists := f.runs[h]
	if !exists {
		return types.ExecStatus{}, errors.NotFoundf("handle %s", h)
	}
	switch {
	case r.stopped && r.b.ignoreStop:
		return types.ExecStatus{Phase: types.ExecRunning}, nil
	case r.stopped && r.b.finishOnStop:
		return types.ExecStatus{Phase: types.ExecSucceeded}, nil
	case r.stopped:
		return types.ExecStatus{Phase: types.ExecFailed, Code: 143}, nil
	case r.b.hang:
		return types.ExecStatus{Phase: types.ExecRunning}, nil
	case r.polls < r.b.polls:
		r.polls++
		return types.ExecStatus{Phase: types.ExecRunning}, nil
	case r.b.fail:
		return types.ExecStatus{Phase: types.ExecFailed, Code: r.b.code}, nil
	}
	return types.ExecStatus{Phase: types.ExecSucceeded}, nil
}

func (f *fakeExecutor) RequestStop(ctx context.Context, h types.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, exists := f.runs[h]
	if !exists {
		return errors.NotFoundf("handle %s", h)
	}
	r.stopped = true
	f.stops = append(f.stops, r.name)
	return nil
}

func (f *fakeExecutor) Kill(ctx context.Context, h types.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, exists := f.runs[h]
	if !exists {
		return errors.NotFoundf("handle %s", h)
	}
	delete(f.runs, h)
	f.kills = append(f.kills, r.name)
	return nil
}

func (f *fakeExecutor) killNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.kills...)
}

func (f *fakeExecutor) startedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.started...)
}

func (f *fakeExecutor) stopNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.stops...)
}

func (f *fakeExecutor) dispatch(name string) *types.Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dispatches[name]
}

// resourceExecutor adds a working resource per node to fakeExecutor.
type resourceExecutor struct {
	*fakeExecutor

	attached    []types.NodeID
	released    []types.NodeID
	failRelease bool
}

func (r *resourceExecutor) Attach(ctx context.Context, node types.NodeInfo) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attached = append(r.attached, node.ID)
	return "res-" + node.Name, nil
}

func (r *resourceExecutor) Release(ctx context.Context, node types.NodeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failRelease {
		return errors.New("release refused")
	}
	r.released = append(r.released, node.ID)
	return nil
}

// eventRecorder keeps every event it is notified of.
type eventRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *eventRecorder) Notify(ctx context.Context, e types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) workflowStates() []types.WorkflowState {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]types.WorkflowState, 0)
	for _, e := range r.events {
		if e.IsWorkflowEvent() {
			states = append(states, e.Status.State)
		}
	}
	return states
}

func (r *eventRecorder) nodeTransitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	transitions := make([]string, 0)
	for _, e := range r.events {
		if !e.IsWorkflowEvent() {
			transitions = append(transitions, e.Name+":"+e.NodeStatus.State.String())
		}
	}
	return transitions
}

type failingObserver struct{}

func (failingObserver) Notify(ctx context.Context, e types.Event) error {
	return errors.New("observer is down")
}

type panickingObserver struct{}

func (panickingObserver) Notify(ctx context.Context, e types.Event) error {
	panic("observer exploded")
}
