package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warriorguo/dagflow/interchange"
	"github.com/warriorguo/dagflow/store/mem"
	"github.com/warriorguo/dagflow/types"
)

type runOutcome struct {
	result *types.RunResult
	err    error
}

// runAsync runs w in the background and returns the channel its outcome
// is delivered on.
func runAsync(ctx context.Context, w *workflow, opts types.RunOptions) <-chan runOutcome {
	ch := make(chan runOutcome, 1)
	go func() {
		result, err := w.Run(ctx, opts)
		ch <- runOutcome{result, err}
	}()
	return ch
}

func waitStarted(t *testing.T, exec *fakeExecutor, name string) {
	require.Eventually(t, func() bool {
		for _, started := range exec.startedNames() {
			if started == name {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

func TestRunChainInOrder(t *testing.T) {
	exec := newFakeExecutor().script("B", fakeBehavior{polls: 3})
	recorder := &eventRecorder{}
	w := newTestWorkflow(exec, recorder)
	a, b, c := chain(t, w)

	result, err := w.Run(context.Background(), types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.Succeeded, result.State)
	assert.Equal(t, []types.NodeID{a, b, c}, result.Order)
	assert.False(t, result.EndTime.Before(result.StartTime))
	assert.Equal(t, []string{"A", "B", "C"}, exec.startedNames())

	status := w.Status()
	assert.Equal(t, types.Succeeded, status.State)
	assert.Equal(t, []types.NodeID{a, b, c}, status.Order)
	for _, id := range []types.NodeID{a, b, c} {
		assert.Equal(t, types.NodeSucceeded, status.Nodes[id].State)
	}

	assert.Equal(t, []types.WorkflowState{types.Running, types.Succeeded}, recorder.workflowStates())
	assert.Equal(t, []string{
		"A:running", "A:succeeded",
		"B:running", "B:succeeded",
		"C:running", "C:succeeded",
	}, recorder.nodeTransitions())

	// the graph is writable again once the run is over
	addNode(t, w, "D", nil, nil)
}

func TestRunPicksFirstReadyInInsertionOrder(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorkflow(exec)
	n1 := addNode(t, w, "n1", nil, nil)
	n2 := addNode(t, w, "n2", nil, nil)
	n3 := addNode(t, w, "n3", nil, nil)
	_, err := w.AddEdge(n3, n1)
	require.NoError(t, err)

	planned, err := w.Plan(types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{n2, n3, n1}, planned)

	result, err := w.Run(context.Background(), types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, planned, result.Order)
}

func TestRunEmptyWorkflow(t *testing.T) {
	w := newTestWorkflow(newFakeExecutor())

	result, err := w.Run(context.Background(), types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.Succeeded, result.State)
	assert.Empty(t, result.Order)
}

func TestRunWithoutExecutor(t *testing.T) {
	w := newTestWorkflow(nil)
	addNode(t, w, "a", nil, nil)

	_, err := w.Run(context.Background(), types.RunOptions{})
	assert.True(t, errors.Is(err, errors.NotSupported))
	assert.Equal(t, types.Idle, w.Status().State)
}

func TestUnsatisfiableGraph(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorkflow(exec)
	a := addNode(t, w, "A", nil, nil)
	b := addNode(t, w, "B", []string{"x"}, []string{"out"})
	c := addNode(t, w, "C", []string{"in"}, nil)
	connect(t, w, b, "out", c, "in")

	planned, err := w.Plan(types.RunOptions{})
	assert.True(t, errors.Is(err, types.ErrUnsatisfiableGraph))
	assert.Equal(t, []types.NodeID{a}, planned)

	result, err := w.Run(context.Background(), types.RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnsatisfiableGraph))
	assert.Equal(t, types.Failed, result.State)
	assert.Equal(t, []types.NodeID{a}, result.Order)
	assert.Equal(t, []string{"A"}, exec.startedNames())

	var stall *types.StallError
	require.True(t, errors.As(err, &stall))
	require.Len(t, stall.Stalled, 2)
	assert.Equal(t, b, stall.Stalled[0].Node)
	assert.Equal(t, "B", stall.Stalled[0].Name)
	assert.Equal(t, []string{"x"}, stall.Stalled[0].UnboundInputs)
	assert.True(t, stall.Stalled[0].Structural())
	assert.Equal(t, c, stall.Stalled[1].Node)
	assert.Equal(t, []types.NodeID{b}, stall.Stalled[1].BlockedBy)
	assert.False(t, stall.Stalled[1].Structural())

	status := w.Status()
	assert.Equal(t, types.Failed, status.State)
	assert.Contains(t, status.LastError, "unbound=[x]")
	assert.Equal(t, types.NodeNotStarted, status.Nodes[b].State)
}

func TestSuppliedAndOptionalInputs(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorkflow(exec)
	b := addNode(t, w, "B", []string{"x"}, []string{"out"})
	c, err := w.AddNode(types.NodeSpec{
		Name:   "C",
		Inputs: map[string]types.Port{"in": {}, "hint": {Optional: true}},
	})
	require.NoError(t, err)
	connect(t, w, b, "out", c, "in")

	opts := types.RunOptions{Supplied: map[types.NodeID][]string{b: {"x"}}}
	planned, err := w.Plan(opts)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{b, c}, planned)

	result, err := w.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, types.Succeeded, result.State)

	_, err = w.Run(context.Background(), types.RunOptions{Supplied: map[types.NodeID][]string{"missing": {"x"}}})
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = w.Run(context.Background(), types.RunOptions{Supplied: map[types.NodeID][]string{b: {"nope"}}})
	assert.True(t, errors.Is(err, types.ErrInvalidBinding))
	assert.Equal(t, types.Succeeded, w.Status().State)
}

func TestNodeFailureAbortsRun(t *testing.T) {
	exec := newFakeExecutor().script("B", fakeBehavior{polls: 1, fail: true, code: 3})
	w := newTestWorkflow(exec)
	a, b, c := chain(t, w)

	result, err := w.Run(context.Background(), types.RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrExecutorFailure))
	assert.False(t, errors.Is(err, types.ErrStopped))
	assert.Equal(t, types.Failed, result.State)
	assert.Equal(t, []types.NodeID{a}, result.Order)

	var failure *types.NodeFailureError
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, b, failure.Node)
	assert.Equal(t, 3, failure.Code)

	status := w.Status()
	assert.Equal(t, types.NodeFailed, status.Nodes[b].State)
	assert.Equal(t, 3, status.Nodes[b].Code)
	assert.NotEmpty(t, status.Nodes[b].Error)
	assert.Equal(t, types.NodeNotStarted, status.Nodes[c].State)
	assert.False(t, status.Stopped)
}

func TestExecutorStartError(t *testing.T) {
	exec := newFakeExecutor().script("A", fakeBehavior{startErr: errors.New("no capacity")})
	w := newTestWorkflow(exec)
	a, _, _ := chain(t, w)

	_, err := w.Run(context.Background(), types.RunOptions{})
	var failure *types.NodeFailureError
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, a, failure.Node)
	assert.Equal(t, -1, failure.Code)
	assert.Contains(t, err.Error(), "no capacity")
	assert.Equal(t, types.NodeFailed, w.Status().Nodes[a].State)
}

func TestStopMidRun(t *testing.T) {
	exec := newFakeExecutor().script("B", fakeBehavior{hang: true})
	w := newTestWorkflow(exec)
	a, b, c := chain(t, w)

	done := runAsync(context.Background(), w, types.RunOptions{})
	waitStarted(t, exec, "B")
	assert.Equal(t, types.Running, w.Status().State)
	assert.Equal(t, b, w.Status().CurrentNode)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	outcome := <-done
	require.Error(t, outcome.err)
	assert.True(t, errors.Is(outcome.err, types.ErrStopped))
	assert.True(t, errors.Is(outcome.err, types.ErrExecutorFailure))
	assert.Equal(t, types.Failed, outcome.result.State)
	assert.Equal(t, []types.NodeID{a}, outcome.result.Order)
	assert.Equal(t, []string{"B"}, exec.stopNames())
	assert.Empty(t, exec.killNames())

	status := w.Status()
	assert.Equal(t, types.Failed, status.State)
	assert.True(t, status.Stopped)
	assert.Equal(t, types.NodeSucceeded, status.Nodes[a].State)
	assert.Equal(t, types.NodeStopped, status.Nodes[b].State)
	assert.Equal(t, 143, status.Nodes[b].Code)
	assert.Equal(t, types.NodeNotStarted, status.Nodes[c].State)
	assert.Equal(t, []string{"A", "B"}, exec.startedNames())
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	recorder := &eventRecorder{}
	w := newTestWorkflow(newFakeExecutor(), recorder)
	chain(t, w)

	require.NoError(t, w.Stop())
	assert.Equal(t, types.Idle, w.Status().State)
	assert.False(t, w.Status().Stopped)
	assert.Empty(t, recorder.workflowStates())

	result, err := w.Run(context.Background(), types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.Succeeded, result.State)
}

func TestNodeFinishingAfterStopStillEndsStopped(t *testing.T) {
	exec := newFakeExecutor().script("B", fakeBehavior{hang: true, finishOnStop: true})
	w := newTestWorkflow(exec)
	a, b, c := chain(t, w)

	done := runAsync(context.Background(), w, types.RunOptions{})
	waitStarted(t, exec, "B")
	require.NoError(t, w.Stop())

	outcome := <-done
	assert.True(t, errors.Is(outcome.err, types.ErrStopped))
	assert.False(t, errors.Is(outcome.err, types.ErrExecutorFailure))
	assert.Equal(t, types.Failed, outcome.result.State)
	assert.Equal(t, []types.NodeID{a, b}, outcome.result.Order)

	status := w.Status()
	assert.Equal(t, types.NodeSucceeded, status.Nodes[b].State)
	assert.Equal(t, types.NodeNotStarted, status.Nodes[c].State)
	assert.True(t, status.Stopped)
}

func TestStopGracePeriodElapses(t *testing.T) {
	exec := newFakeExecutor().script("A", fakeBehavior{hang: true, ignoreStop: true})
	w := newTestWorkflow(exec)
	w.cfg.settings.StopGracePeriod = 20 * time.Millisecond
	a, _, _ := chain(t, w)

	done := runAsync(context.Background(), w, types.RunOptions{})
	waitStarted(t, exec, "A")
	require.NoError(t, w.Stop())

	outcome := <-done
	var failure *types.NodeFailureError
	require.True(t, errors.As(outcome.err, &failure))
	assert.True(t, failure.Stopped)
	assert.Equal(t, -1, failure.Code)
	assert.Equal(t, types.NodeStopped, w.Status().Nodes[a].State)
	assert.Equal(t, []string{"A"}, exec.stopNames())
	assert.Equal(t, []string{"A"}, exec.killNames())
}

func TestContextCancellationStopsRun(t *testing.T) {
	exec := newFakeExecutor().script("B", fakeBehavior{hang: true})
	recorder := &eventRecorder{}
	w := newTestWorkflow(exec, recorder)
	_, b, _ := chain(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, types.RunOptions{})
	waitStarted(t, exec, "B")
	cancel()

	outcome := <-done
	assert.True(t, errors.Is(outcome.err, types.ErrStopped))
	assert.Equal(t, []string{"B"}, exec.stopNames())
	assert.Equal(t, types.NodeStopped, w.Status().Nodes[b].State)

	// the final transition is still delivered after cancellation
	states := recorder.workflowStates()
	assert.Equal(t, types.Failed, states[len(states)-1])
}

func TestRunWhileRunningIsRejected(t *testing.T) {
	exec := newFakeExecutor().script("A", fakeBehavior{hang: true})
	w := newTestWorkflow(exec)
	a, b, _ := chain(t, w)

	done := runAsync(context.Background(), w, types.RunOptions{})
	waitStarted(t, exec, "A")

	_, err := w.Run(context.Background(), types.RunOptions{})
	assert.True(t, errors.Is(err, types.ErrConflictingState))

	_, err = w.AddNode(types.NodeSpec{Name: "late"})
	assert.True(t, errors.Is(err, types.ErrConflictingState))
	_, err = w.AddEdge(a, b)
	assert.True(t, errors.Is(err, types.ErrConflictingState))
	edge, _ := w.EdgeBetween(a, b)
	assert.True(t, errors.Is(w.RemoveEdge(edge.ID), types.ErrConflictingState))
	assert.True(t, errors.Is(w.RemoveConnector(edge.Connectors[0].ID), types.ErrConflictingState))
	_, err = w.DeclareConnector(a, "out", b, "in")
	assert.True(t, errors.Is(err, types.ErrConflictingState))
	_, err = w.RemoveNode(context.Background(), a)
	assert.True(t, errors.Is(err, types.ErrConflictingState))
	assert.Len(t, w.Nodes(), 3)

	// readers keep working during the run
	targets, err := w.ValidConnectionTargets(a)
	require.NoError(t, err)
	assert.Empty(t, targets)

	require.NoError(t, w.Stop())
	<-done
	assert.Equal(t, []string{"A"}, exec.startedNames())
}

func TestObserverFailuresDoNotAbortRun(t *testing.T) {
	exec := newFakeExecutor()
	recorder := &eventRecorder{}
	w := newTestWorkflow(exec, failingObserver{}, panickingObserver{}, recorder)
	chain(t, w)

	result, err := w.Run(context.Background(), types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.Succeeded, result.State)
	assert.Equal(t, []types.WorkflowState{types.Running, types.Succeeded}, recorder.workflowStates())
}

// queryingObserver reads the graph from inside every notification.
type queryingObserver struct {
	w     *workflow
	mu    sync.Mutex
	sizes []int
}

func (o *queryingObserver) Notify(ctx context.Context, e types.Event) error {
	nodes := o.w.Nodes()
	o.w.Edges()
	if len(nodes) > 0 {
		if _, err := o.w.ValidConnectionTargets(nodes[0].ID); err != nil {
			return err
		}
	}
	o.mu.Lock()
	o.sizes = append(o.sizes, len(nodes))
	o.mu.Unlock()
	return nil
}

func TestObserverMayQueryGraph(t *testing.T) {
	observer := &queryingObserver{}
	w := newTestWorkflow(newFakeExecutor(), observer)
	observer.w = w
	chain(t, w)

	done := runAsync(context.Background(), w, types.RunOptions{})
	select {
	case outcome := <-done:
		require.NoError(t, outcome.err)
		assert.Equal(t, types.Succeeded, outcome.result.State)
	case <-time.After(2 * time.Second):
		t.Fatal("run blocked by an observer reading the graph")
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	// Running, three nodes twice each, Succeeded
	assert.Len(t, observer.sizes, 8)
	for _, size := range observer.sizes {
		assert.Equal(t, 3, size)
	}
}

// stopOnSuccess requests a stop as soon as the named node succeeds.
type stopOnSuccess struct {
	w    *workflow
	name string
}

func (o *stopOnSuccess) Notify(ctx context.Context, e types.Event) error {
	if e.Name == o.name && e.NodeStatus.State == types.NodeSucceeded {
		return o.w.Stop()
	}
	return nil
}

func TestStopAfterLastNodeFailsRun(t *testing.T) {
	observer := &stopOnSuccess{name: "C"}
	recorder := &eventRecorder{}
	w := newTestWorkflow(newFakeExecutor(), observer, recorder)
	observer.w = w
	a, b, c := chain(t, w)

	result, err := w.Run(context.Background(), types.RunOptions{})
	assert.True(t, errors.Is(err, types.ErrStopped))
	assert.Equal(t, types.Failed, result.State)
	assert.Equal(t, []types.NodeID{a, b, c}, result.Order)

	status := w.Status()
	assert.Equal(t, types.Failed, status.State)
	assert.True(t, status.Stopped)
	assert.Equal(t, types.NodeSucceeded, status.Nodes[c].State)
	assert.Equal(t, []types.WorkflowState{types.Running, types.StopRequested, types.Failed}, recorder.workflowStates())
}

func TestDispatchCarriesBindings(t *testing.T) {
	s := mem.NewMemStore()
	exec := newFakeExecutor()
	w := newWorkflow("wf", workflowConfig{
		settings:    testSettings(),
		executor:    exec,
		interchange: interchange.NewStoreInterchange(s),
	})
	a := addNode(t, w, "A", nil, []string{"x", "y", "unused"})
	b := addNode(t, w, "B", []string{"p", "q"}, nil)
	c := addNode(t, w, "C", []string{"r"}, nil)
	connect(t, w, a, "x", b, "p")
	connect(t, w, a, "y", b, "q")
	connect(t, w, a, "x", c, "r")

	_, err := w.Run(context.Background(), types.RunOptions{})
	require.NoError(t, err)

	da := exec.dispatch("A")
	require.NotNil(t, da)
	assert.Equal(t, types.WorkflowID("wf"), da.Workflow)
	assert.Empty(t, da.Inputs)
	assert.Equal(t, []string{"x", "y"}, da.Exports)
	assert.Empty(t, da.Consume)
	require.Len(t, da.Produce, 2)

	db := exec.dispatch("B")
	require.NotNil(t, db)
	assert.ElementsMatch(t, []types.Binding{
		{Input: "p", Source: a, Output: "x"},
		{Input: "q", Source: a, Output: "y"},
	}, db.Inputs)
	assert.Empty(t, db.Exports)
	require.Len(t, db.Consume, 1)
	assert.Equal(t, []types.ManifestEntry{{Output: "x", Input: "p"}, {Output: "y", Input: "q"}}, db.Consume[0].Entries)
	assert.Equal(t, a, db.Consume[0].Source)
	assert.Equal(t, b, db.Consume[0].Destination)
	assert.Empty(t, db.Produce)
}

func TestResourceAttachedLazily(t *testing.T) {
	exec := &resourceExecutor{fakeExecutor: newFakeExecutor()}
	w := newTestWorkflow(exec)
	a, b, _ := chain(t, w)

	ref, err := w.AttachResource(context.Background(), a)
	require.NoError(t, err)

	_, err = w.Run(context.Background(), types.RunOptions{})
	require.NoError(t, err)
	assert.Len(t, exec.attached, 3)
	assert.Equal(t, ref, exec.dispatch("A").Node.Resource)
	assert.Equal(t, "res-B", exec.dispatch("B").Node.Resource)

	// resources survive between runs
	_, err = w.Run(context.Background(), types.RunOptions{})
	require.NoError(t, err)
	assert.Len(t, exec.attached, 3)

	info, _ := w.Node(b)
	assert.Equal(t, "res-B", info.Resource)

	require.NoError(t, w.releaseAll(context.Background()))
	assert.Len(t, exec.released, 3)
}

func TestRerunAfterFailure(t *testing.T) {
	exec := newFakeExecutor().script("B", fakeBehavior{fail: true, code: 1})
	w := newTestWorkflow(exec)
	a, b, c := chain(t, w)

	_, err := w.Run(context.Background(), types.RunOptions{})
	require.Error(t, err)

	exec.script("B", fakeBehavior{})
	result, err := w.Run(context.Background(), types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{a, b, c}, result.Order)
	assert.Empty(t, w.Status().LastError)
}
