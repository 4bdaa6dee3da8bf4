package types

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	ErrInvalidBinding     = errors.ConstError("invalid binding")
	ErrCycleRejected      = errors.ConstError("cycle rejected")
	ErrConflictingState   = errors.ConstError("conflicting state")
	ErrUnsatisfiableGraph = errors.ConstError("unsatisfiable graph")
	ErrExecutorFailure    = errors.ConstError("executor failure")
	ErrStopped            = errors.ConstError("run stopped")
	ErrInvariantViolation = errors.ConstError("invariant violation")
)

var (
	// ErrNotFound matches every errors.NotFoundf error.
	ErrNotFound error = errors.NotFound

	_ error = &StallError{}
	_ error = &NodeFailureError{}
)

func newKindError(kind errors.ConstError, format string, args ...interface{}) error {
	return errors.WithType(errors.Errorf(string(kind)+": "+format, args...), kind)
}

func InvalidBindingf(format string, args ...interface{}) error {
	return newKindError(ErrInvalidBinding, format, args...)
}

func CycleRejectedf(format string, args ...interface{}) error {
	return newKindError(ErrCycleRejected, format, args...)
}

func ConflictingStatef(format string, args ...interface{}) error {
	return newKindError(ErrConflictingState, format, args...)
}

func Stoppedf(format string, args ...interface{}) error {
	return newKindError(ErrStopped, format, args...)
}

func InvariantViolationf(format string, args ...interface{}) error {
	return newKindError(ErrInvariantViolation, format, args...)
}

// StalledNode explains why a node never became ready.
type StalledNode struct {
	Node NodeID
	Name string
	// UnboundInputs are required inputs no connector targets and the caller
	// did not supply: a structural deadlock.
	UnboundInputs []string
	// BlockedBy are upstream nodes that never executed.
	BlockedBy []NodeID
}

// Structural reports whether the node is stalled by its own declaration
// rather than by an upstream stall.
func (s *StalledNode) Structural() bool {
	return len(s.UnboundInputs) > 0
}

type StallError struct {
	Workflow WorkflowID
	Stalled  []StalledNode
}

func (e *StallError) Error() string {
	parts := make([]string, 0, len(e.Stalled))
	for _, s := range e.Stalled {
		desc := string(s.Node)
		if s.Name != "" {
			desc = fmt.Sprintf("%s(%s)", s.Name, s.Node)
		}
		if len(s.UnboundInputs) > 0 {
			desc += fmt.Sprintf(" unbound=%v", s.UnboundInputs)
		}
		if len(s.BlockedBy) > 0 {
			desc += fmt.Sprintf(" blocked_by=%v", s.BlockedBy)
		}
		parts = append(parts, desc)
	}
	return fmt.Sprintf("%s: workflow %s stalled on %s", ErrUnsatisfiableGraph, e.Workflow, strings.Join(parts, ", "))
}

func (e *StallError) Is(target error) bool {
	return target == ErrUnsatisfiableGraph
}

func (e *StallError) StalledNodes() []NodeID {
	ids := make([]NodeID, 0, len(e.Stalled))
	for _, s := range e.Stalled {
		ids = append(ids, s.Node)
	}
	return ids
}

type NodeFailureError struct {
	Workflow WorkflowID
	Node     NodeID
	Code     int
	Stopped  bool
	Cause    error
}

func (e *NodeFailureError) Error() string {
	msg := fmt.Sprintf("%s: node %s in workflow %s", ErrExecutorFailure, e.Node, e.Workflow)
	if e.Stopped {
		msg += " stopped"
	}
	msg += fmt.Sprintf(" exit code %d", e.Code)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NodeFailureError) Is(target error) bool {
	if target == ErrExecutorFailure {
		return true
	}
	return e.Stopped && target == ErrStopped
}

func (e *NodeFailureError) Unwrap() error {
	return e.Cause
}
