package runtime

import (
	"context"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/types"
)

// suppliedSet converts RunOptions.Supplied into lookup sets, checking the
// node ids exist.
func (w *workflow) suppliedSet(opts types.RunOptions) (map[types.NodeID]map[string]bool, error) {
	supplied := make(map[types.NodeID]map[string]bool, len(opts.Supplied))
	for id, inputs := range opts.Supplied {
		info, exists := w.graph.node(id)
		if !exists {
			return nil, errors.NotFoundf("supplied inputs for node %s", id)
		}
		set := make(map[string]bool, len(inputs))
		for _, input := range inputs {
			if !info.HasInput(input) {
				return nil, types.InvalidBindingf("node %s has no input %q to supply", id, input)
			}
			set[input] = true
		}
		supplied[id] = set
	}
	return supplied, nil
}

func (w *workflow) stallErrorLocked(executed map[types.NodeID]bool, supplied map[types.NodeID]map[string]bool) *types.StallError {
	stall := &types.StallError{Workflow: w.id}
	for _, id := range w.graph.nodeOrder {
		if executed[id] {
			continue
		}
		stall.Stalled = append(stall.Stalled, types.StalledNode{
			Node:          id,
			Name:          w.graph.nodes[id].Name,
			UnboundInputs: w.graph.unboundInputs(id, supplied[id]),
			BlockedBy:     w.graph.pendingUpstream(id, executed),
		})
	}
	return stall
}

func (w *workflow) Plan(opts types.RunOptions) ([]types.NodeID, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	supplied, err := w.suppliedSet(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	executed := make(map[types.NodeID]bool, len(w.graph.nodeOrder))
	order := make([]types.NodeID, 0, len(w.graph.nodeOrder))
	for len(order) < len(w.graph.nodeOrder) {
		ready := w.graph.nodesWithNoUnsatisfiedInput(executed, supplied)
		if len(ready) == 0 {
			return order, w.stallErrorLocked(executed, supplied)
		}
		executed[ready[0]] = true
		order = append(order, ready[0])
	}
	return order, nil
}

// Run executes the workflow in the calling goroutine until it ends.
func (w *workflow) Run(ctx context.Context, opts types.RunOptions) (*types.RunResult, error) {
	supplied, err := w.start(ctx, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w.execute(ctx, supplied)
}

/**
 * start validates the run request and moves the workflow to Running. From
 * here on structural writers are refused until execute finishes. The
 * Running event goes out after the graph lock is released, so observers
 * may query the workflow.
 */
func (w *workflow) start(ctx context.Context, opts types.RunOptions) (map[types.NodeID]map[string]bool, error) {
	supplied, event, err := w.begin(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.Infof("%s run started with %d nodes", w.id, len(event.Status.Nodes))
	w.state.announce(ctx, event)
	return supplied, nil
}

func (w *workflow) begin(opts types.RunOptions) (map[types.NodeID]map[string]bool, types.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.executor == nil {
		return nil, types.Event{}, errors.NotSupportedf("running workflow %s without an executor", w.id)
	}
	supplied, err := w.suppliedSet(opts)
	if err != nil {
		return nil, types.Event{}, errors.Trace(err)
	}
	event, err := w.state.begin(w.graph.nodeInfos())
	if err != nil {
		return nil, types.Event{}, errors.Trace(err)
	}
	return supplied, event, nil
}

/**
 * execute is the run loop: pick the first ready node in insertion order,
 * dispatch it, wait for it and repeat. It is the only writer of executed
 * and of the run state until it returns.
 */
func (w *workflow) execute(ctx context.Context, supplied map[types.NodeID]map[string]bool) (*types.RunResult, error) {
	result := &types.RunResult{Workflow: w.id, StartTime: time.Now()}
	executed := make(map[types.NodeID]bool)

	finish := func(state types.WorkflowState, err error) (*types.RunResult, error) {
		state, err = w.state.finish(ctx, state, err)
		result.State = state
		result.EndTime = time.Now()
		if err != nil {
			log.Infof("%s run %s after %d nodes: %v", w.id, state, len(result.Order), err)
		} else {
			log.Infof("%s run %s, order %v", w.id, state, result.Order)
		}
		return result, err
	}

	for {
		w.mu.RLock()
		total := len(w.graph.nodeOrder)
		ready := w.graph.nodesWithNoUnsatisfiedInput(executed, supplied)
		var stall *types.StallError
		if len(ready) == 0 && len(executed) < total {
			stall = w.stallErrorLocked(executed, supplied)
		}
		w.mu.RUnlock()

		if w.state.stopRequested() || ctx.Err() != nil {
			if len(executed) == total {
				return finish(types.Failed, types.Stoppedf("workflow %s stopped after its last node", w.id))
			}
			return finish(types.Failed, types.Stoppedf("workflow %s stopped with %d of %d nodes executed", w.id, len(executed), total))
		}
		if len(executed) == total {
			return finish(types.Succeeded, nil)
		}
		if stall != nil {
			return finish(types.Failed, stall)
		}

		id := ready[0]
		succeeded, err := w.runNode(ctx, id)
		if succeeded {
			executed[id] = true
			result.Order = append(result.Order, id)
		}
		if err != nil {
			return finish(types.Failed, err)
		}
	}
}

func (w *workflow) prepareDispatch(ctx context.Context, id types.NodeID) (*types.Dispatch, error) {
	w.mu.Lock()
	info := w.graph.nodes[id]
	if info.Resource == "" {
		if _, ok := w.cfg.executor.(types.ResourceManager); ok {
			if _, err := w.attachLocked(ctx, id); err != nil {
				w.mu.Unlock()
				return nil, errors.Trace(err)
			}
		}
	}
	w.mu.Unlock()

	w.mu.RLock()
	d := &types.Dispatch{
		Workflow: w.id,
		Node:     copyNodeInfo(w.graph.nodes[id]),
		Inputs:   w.graph.bindings(id),
	}
	d.Exports, _ = w.graph.exportedOutputs(id)
	incoming := make([]types.EdgeInfo, 0, len(w.graph.in[id]))
	for _, edgeID := range w.graph.in[id] {
		incoming = append(incoming, w.graph.edges[edgeID].info())
	}
	outgoing := make([]types.EdgeInfo, 0, len(w.graph.out[id]))
	for _, edgeID := range w.graph.out[id] {
		outgoing = append(outgoing, w.graph.edges[edgeID].info())
	}
	w.mu.RUnlock()

	if w.cfg.interchange == nil {
		return d, nil
	}
	for _, e := range incoming {
		consume, _, err := w.cfg.interchange.Manifests(ctx, e)
		if err != nil {
			return nil, errors.Annotatef(err, "manifests of edge %s", e.ID)
		}
		d.Consume = append(d.Consume, consume)
	}
	for _, e := range outgoing {
		_, produce, err := w.cfg.interchange.Manifests(ctx, e)
		if err != nil {
			return nil, errors.Annotatef(err, "manifests of edge %s", e.ID)
		}
		d.Produce = append(d.Produce, produce)
	}
	return d, nil
}

/**
 * runNode dispatches one node and waits for its terminal status. It reports
 * whether the node succeeded; the error is non nil whenever the run must
 * end, including a successful node that finished after a stop request.
 */
func (w *workflow) runNode(ctx context.Context, id types.NodeID) (bool, error) {
	w.state.nodeStarted(ctx, id)

	d, err := w.prepareDispatch(ctx, id)
	if err != nil {
		failure := &types.NodeFailureError{Workflow: w.id, Node: id, Code: -1, Cause: err}
		w.state.nodeFinished(ctx, id, types.NodeFailed, -1, err)
		return false, failure
	}

	log.Debugf("%s dispatching node %s (%s)", w.id, id, d.Node.Name)
	handle, err := w.cfg.executor.Start(ctx, d)
	if err != nil {
		failure := &types.NodeFailureError{Workflow: w.id, Node: id, Code: -1, Cause: errors.Annotatef(err, "start")}
		w.state.nodeFinished(ctx, id, types.NodeFailed, -1, failure.Cause)
		return false, failure
	}

	status, stopped, err := w.await(ctx, id, handle)
	if err != nil {
		failure := &types.NodeFailureError{Workflow: w.id, Node: id, Code: -1, Stopped: stopped, Cause: err}
		w.state.nodeFinished(ctx, id, types.NodeFailed, -1, err)
		return false, failure
	}

	switch {
	case status.Phase == types.ExecSucceeded && !stopped:
		w.state.nodeFinished(ctx, id, types.NodeSucceeded, status.Code, nil)
		return true, nil

	case status.Phase == types.ExecSucceeded:
		w.state.nodeFinished(ctx, id, types.NodeSucceeded, status.Code, nil)
		return true, types.Stoppedf("workflow %s stopped after node %s", w.id, id)

	case stopped:
		failure := &types.NodeFailureError{Workflow: w.id, Node: id, Code: status.Code, Stopped: true}
		w.state.nodeFinished(ctx, id, types.NodeStopped, status.Code, failure)
		return false, failure

	default:
		failure := &types.NodeFailureError{Workflow: w.id, Node: id, Code: status.Code}
		w.state.nodeFinished(ctx, id, types.NodeFailed, status.Code, failure)
		return false, failure
	}
}

/**
 * await polls the executor every PollInterval. A stop request, or the
 * cancellation of ctx, is observed at those poll points only: the node then
 * receives one RequestStop and is given StopGracePeriod to report a result,
 * after which it is killed when the executor knows how.
 */
func (w *workflow) await(ctx context.Context, id types.NodeID, handle types.Handle) (types.ExecStatus, bool, error) {
	ticker := time.NewTicker(w.cfg.settings.PollInterval)
	defer ticker.Stop()

	// executor calls outlive ctx so a cancelled run can still stop its node
	callCtx := context.WithoutCancel(ctx)
	done := ctx.Done()
	stopSent := false
	var stopDeadline time.Time

	for {
		select {
		case <-ticker.C:
		case <-done:
			done = nil
		}

		if !stopSent && (w.state.stopRequested() || ctx.Err() != nil) {
			log.Infof("%s sending stop to node %s", w.id, id)
			if err := w.cfg.executor.RequestStop(callCtx, handle); err != nil {
				log.Errorf("%s failed to request stop of node %s: %v", w.id, id, err)
			}
			stopSent = true
			stopDeadline = time.Now().Add(w.cfg.settings.StopGracePeriod)
		}

		status, err := w.cfg.executor.Status(callCtx, handle)
		if err != nil {
			return types.ExecStatus{}, stopSent, errors.Annotatef(err, "status of node %s", id)
		}
		if status.Phase.Terminal() {
			return status, stopSent, nil
		}
		if stopSent && time.Now().After(stopDeadline) {
			log.Errorf("%s node %s did not stop within %v", w.id, id, w.cfg.settings.StopGracePeriod)
			if killer, ok := w.cfg.executor.(types.Killer); ok {
				if err := killer.Kill(callCtx, handle); err != nil {
					log.Errorf("%s failed to kill node %s: %v", w.id, id, err)
				}
			}
			return types.ExecStatus{Phase: types.ExecFailed, Code: -1}, true, nil
		}
	}
}
