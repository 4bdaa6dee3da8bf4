package runtime

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/juju/errors"
	"github.com/warriorguo/dagflow/types"
)

type asyncRun struct {
	done   chan struct{}
	result *types.RunResult
	err    error
}

/**
 * runPool executes workflow runs in a bounded worker pool and keeps the
 * outcome of the latest run per workflow until it is replaced or removed.
 */
type runPool struct {
	mu sync.Mutex

	wp   *workerpool.WorkerPool
	runs map[types.WorkflowID]*asyncRun
}

func newRunPool(concurrency int) *runPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &runPool{
		wp:   workerpool.New(concurrency),
		runs: make(map[types.WorkflowID]*asyncRun),
	}
}

func (p *runPool) submit(id types.WorkflowID, run func() (*types.RunResult, error)) {
	r := &asyncRun{done: make(chan struct{})}

	p.mu.Lock()
	p.runs[id] = r
	p.mu.Unlock()

	p.wp.Submit(func() {
		defer close(r.done)
		r.result, r.err = run()
	})
}

func (p *runPool) get(id types.WorkflowID) (*asyncRun, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, exists := p.runs[id]
	return r, exists
}

func (p *runPool) wait(ctx context.Context, id types.WorkflowID) (*types.RunResult, error) {
	r, exists := p.get(id)
	if !exists {
		return nil, errors.NotFoundf("run of workflow %s", id)
	}
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "waiting for workflow %s", id)
	}
}

func (p *runPool) remove(id types.WorkflowID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.runs, id)
}

func (p *runPool) stopWait() {
	p.wp.StopWait()
}
