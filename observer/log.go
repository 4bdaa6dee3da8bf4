package observer

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/types"
)

var (
	_ types.Observer = &LogObserver{}
)

// LogObserver writes every transition as a structured logrus entry.
type LogObserver struct {
	logger *log.Logger
}

// NewLogObserver logs to logger, or to the standard logrus logger when nil.
func NewLogObserver(logger *log.Logger) *LogObserver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Notify(ctx context.Context, e types.Event) error {
	entry := o.logger.WithFields(log.Fields{
		"workflow": e.Workflow,
	})
	if e.IsWorkflowEvent() {
		if e.Status == nil {
			return nil
		}
		entry = entry.WithField("state", e.Status.State.String())
		if e.Status.Stopped {
			entry = entry.WithField("stopped", true)
		}
		if e.Status.LastError != "" {
			entry.WithField("error", e.Status.LastError).Warn("workflow transition")
			return nil
		}
		entry.Info("workflow transition")
		return nil
	}

	entry = entry.WithFields(log.Fields{
		"node":  e.Node,
		"name":  e.Name,
		"state": e.NodeStatus.State.String(),
	})
	switch e.NodeStatus.State {
	case types.NodeFailed, types.NodeStopped:
		entry.WithField("code", e.NodeStatus.Code).Warn("node transition")
	default:
		entry.Info("node transition")
	}
	return nil
}
