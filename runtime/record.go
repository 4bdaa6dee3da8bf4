package runtime

import (
	"context"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/store"
	"github.com/warriorguo/dagflow/types"
	"github.com/warriorguo/dagflow/utils"
)

const (
	RecordPath = "/record/"
)

func recordSavePath(id types.WorkflowID) string {
	return RecordPath + string(id) + "/"
}

/**
 * recordObserver persists one trace record per node, overwritten on every
 * node transition, so the latest run of a workflow can be inspected and
 * rendered after the fact.
 */
type recordObserver struct {
	store store.Store
}

func newRecordObserver(s store.Store) *recordObserver {
	return &recordObserver{store: s}
}

func (r *recordObserver) Notify(ctx context.Context, e types.Event) error {
	if e.IsWorkflowEvent() {
		if e.Status != nil && e.Status.State == types.Running {
			return errors.Trace(r.clear(ctx, e.Workflow))
		}
		return nil
	}

	record := &types.NodeTraceRecord{
		Workflow:  e.Workflow,
		Node:      e.Node,
		Name:      e.Name,
		State:     e.NodeStatus.State,
		Code:      e.NodeStatus.Code,
		StartTime: e.NodeStatus.StartTime,
		EndTime:   e.NodeStatus.EndTime,
		Error:     e.NodeStatus.Error,
	}
	b, err := utils.Serialize(record)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.store.Set(ctx, recordSavePath(e.Workflow), string(e.Node), b))
}

// clear drops the records of a previous run.
func (r *recordObserver) clear(ctx context.Context, id types.WorkflowID) error {
	path := recordSavePath(id)
	if c, ok := r.store.(store.Clearer); ok {
		return errors.Trace(c.Clear(ctx, path))
	}
	keys := make([]string, 0)
	if err := r.store.List(ctx, path, func(key string) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return errors.Trace(err)
	}
	for _, key := range keys {
		if err := r.store.Remove(ctx, path, key); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func loadRecords(ctx context.Context, s store.Store, id types.WorkflowID) (map[types.NodeID]*types.NodeTraceRecord, error) {
	records := make(map[types.NodeID]*types.NodeTraceRecord)
	path := recordSavePath(id)
	err := s.List(ctx, path, func(node string) bool {
		b, err := s.Get(ctx, path, node)
		if err != nil {
			log.Errorf("load %s %s from store failed: %v", path, node, err)
			return true
		}
		if b == nil {
			return true
		}
		record := &types.NodeTraceRecord{}
		if err := utils.Unserialize(b, record); err != nil {
			log.Errorf("unserialize %s %s from store:%s failed: %v", path, node, string(b), err)
			return true
		}
		records[types.NodeID(node)] = record
		return true
	})
	return records, errors.Trace(err)
}
