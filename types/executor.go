package types

import "context"

type ExecPhase int32

const (
	ExecPending   ExecPhase = 0
	ExecRunning   ExecPhase = 1
	ExecSucceeded ExecPhase = 2
	ExecFailed    ExecPhase = 3
)

func (p ExecPhase) String() string {
	switch p {
	case ExecPending:
		return "pending"
	case ExecRunning:
		return "running"
	case ExecSucceeded:
		return "succeeded"
	case ExecFailed:
		return "failed"
	}
	return "unknown"
}

func (p ExecPhase) Terminal() bool {
	return p == ExecSucceeded || p == ExecFailed
}

type ExecStatus struct {
	Phase ExecPhase
	Code  int
}

// Handle identifies one dispatched node execution inside an executor.
type Handle string

// Dispatch is everything an executor gets to know about a node run.
type Dispatch struct {
	Workflow WorkflowID
	Node     NodeInfo
	// Inputs bound by upstream data, the remaining declared inputs must be
	// supplied by the node itself.
	Inputs []Binding
	// Exports are the outputs downstream nodes consume.
	Exports []string

	Consume []*Manifest
	Produce []*Manifest
}

/**
 * Executor runs one node at a time on behalf of the scheduler. All calls are
 * expected to return quickly, the scheduler polls Status until a terminal phase.
 */
type Executor interface {
	Start(ctx context.Context, d *Dispatch) (Handle, error)
	Status(ctx context.Context, h Handle) (ExecStatus, error)
	RequestStop(ctx context.Context, h Handle) error
}

/**
 * Killer is implemented by executors able to end an execution at once. The
 * scheduler kills a node that outlived StopGracePeriod after RequestStop,
 * the handle is unknown to the executor afterwards.
 */
type Killer interface {
	Kill(ctx context.Context, h Handle) error
}

/**
 * ResourceManager is implemented by executors owning a per node resource
 * (a working directory, a container...). Attach is called lazily before the
 * first dispatch, Release before the node leaves the graph.
 */
type ResourceManager interface {
	Attach(ctx context.Context, node NodeInfo) (string, error)
	Release(ctx context.Context, node NodeInfo) error
}

type ManifestEntry struct {
	Output string
	Input  string
}

type Manifest struct {
	Edge        EdgeID
	Source      NodeID
	Destination NodeID
	Entries     []ManifestEntry
	// Location tells the node where the manifest can be found.
	Location string `json:",omitempty"`
}

/**
 * Interchange turns the connectors of an edge into the manifest the
 * destination consumes and the manifest the source must populate.
 */
type Interchange interface {
	Manifests(ctx context.Context, edge EdgeInfo) (consume *Manifest, produce *Manifest, err error)
}
