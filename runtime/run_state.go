package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/warriorguo/dagflow/types"
)

/**
 * runState is the workflow and node state machine. The run loop is its only
 * mutator besides stop requests; readers get deep copies so they never see
 * a half applied transition. Every transition is forwarded to the notifier
 * once the lock is released.
 */
type runState struct {
	mu     sync.RWMutex
	status types.WorkflowStatus
	names  map[types.NodeID]string

	notifier *notifier
}

func newRunState(id types.WorkflowID, notifier *notifier) *runState {
	return &runState{
		status: types.WorkflowStatus{
			Workflow: id,
			State:    types.Idle,
			Nodes:    make(map[types.NodeID]types.NodeStatus),
		},
		notifier: notifier,
	}
}

func (s *runState) snapshot() *types.WorkflowStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status.Clone()
}

func (s *runState) workflowState() types.WorkflowState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status.State
}

func (s *runState) stopRequested() bool {
	return s.workflowState() == types.StopRequested
}

func (s *runState) nodeState(id types.NodeID) types.NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status.Nodes[id].State
}

/**
 * begin moves an inactive workflow to Running with a fresh node table. The
 * Running event is returned rather than sent, the caller announces it once
 * it holds no graph lock.
 */
func (s *runState) begin(nodes []types.NodeInfo) (types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State.Active() {
		return types.Event{}, types.ConflictingStatef("workflow %s is already %s", s.status.Workflow, s.status.State)
	}
	s.status.State = types.Running
	s.status.Stopped = false
	s.status.CurrentNode = ""
	s.status.LastError = ""
	s.status.Order = nil
	s.status.Nodes = make(map[types.NodeID]types.NodeStatus, len(nodes))
	s.names = make(map[types.NodeID]string, len(nodes))
	for _, node := range nodes {
		s.status.Nodes[node.ID] = types.NodeStatus{State: types.NodeNotStarted}
		s.names[node.ID] = node.Name
	}
	return s.workflowEventLocked(), nil
}

func (s *runState) announce(ctx context.Context, e types.Event) {
	s.notifier.notify(ctx, e)
}

/**
 * requestStop flags a running workflow for cancellation. The run loop picks
 * the flag up at its next poll point. Requesting a stop on an inactive
 * workflow does nothing and reports false.
 */
func (s *runState) requestStop(ctx context.Context) bool {
	s.mu.Lock()
	if s.status.State != types.Running {
		s.mu.Unlock()
		return false
	}
	s.status.State = types.StopRequested
	s.status.Stopped = true
	event := s.workflowEventLocked()
	s.mu.Unlock()

	s.notifier.notify(ctx, event)
	return true
}

func (s *runState) nodeStarted(ctx context.Context, id types.NodeID) {
	s.mu.Lock()
	s.status.CurrentNode = id
	s.status.Nodes[id] = types.NodeStatus{State: types.NodeRunning, StartTime: time.Now()}
	event := s.nodeEventLocked(id)
	s.mu.Unlock()

	s.notifier.notify(ctx, event)
}

func (s *runState) nodeFinished(ctx context.Context, id types.NodeID, state types.NodeState, code int, err error) {
	s.mu.Lock()
	ns := s.status.Nodes[id]
	ns.State = state
	ns.Code = code
	ns.EndTime = time.Now()
	if err != nil {
		ns.Error = errors.ErrorStack(err)
	}
	s.status.Nodes[id] = ns
	s.status.CurrentNode = ""
	if state == types.NodeSucceeded {
		s.status.Order = append(s.status.Order, id)
	}
	event := s.nodeEventLocked(id)
	s.mu.Unlock()

	s.notifier.notify(ctx, event)
}

/**
 * finish ends the run. A stop accepted after the loop last looked at the
 * flag still wins over success: the run ends Failed and the returned state
 * and error are the ones actually recorded.
 */
func (s *runState) finish(ctx context.Context, state types.WorkflowState, err error) (types.WorkflowState, error) {
	s.mu.Lock()
	if state == types.Succeeded && s.status.State == types.StopRequested {
		state = types.Failed
		err = types.Stoppedf("workflow %s stopped after its last node", s.status.Workflow)
	}
	s.status.State = state
	s.status.CurrentNode = ""
	if err != nil {
		s.status.LastError = err.Error()
		if errors.Is(err, types.ErrStopped) {
			s.status.Stopped = true
		}
	}
	event := s.workflowEventLocked()
	s.mu.Unlock()

	s.notifier.notify(ctx, event)
	return state, err
}

func (s *runState) workflowEventLocked() types.Event {
	return types.Event{
		Workflow: s.status.Workflow,
		Status:   s.status.Clone(),
		Time:     time.Now(),
	}
}

func (s *runState) nodeEventLocked(id types.NodeID) types.Event {
	return types.Event{
		Workflow:   s.status.Workflow,
		Node:       id,
		Name:       s.names[id],
		NodeStatus: s.status.Nodes[id],
		Status:     s.status.Clone(),
		Time:       time.Now(),
	}
}
