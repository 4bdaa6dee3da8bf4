package runtime

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/types"
)

/**
 * notifier fans state events out to observers. Delivery problems, errors
 * or panics alike, are logged and swallowed: a broken observer must never
 * abort a run.
 */
type notifier struct {
	observers []types.Observer
}

func newNotifier(observers ...types.Observer) *notifier {
	n := &notifier{}
	for _, o := range observers {
		if o != nil {
			n.observers = append(n.observers, o)
		}
	}
	return n
}

func (n *notifier) notify(ctx context.Context, e types.Event) {
	if n == nil {
		return
	}
	// the final events of a cancelled run must still be delivered
	ctx = context.WithoutCancel(ctx)
	for _, o := range n.observers {
		n.deliver(ctx, o, e)
	}
}

func (n *notifier) deliver(ctx context.Context, o types.Observer, e types.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s observer %T panicked: %v", e.Workflow, o, r)
		}
	}()
	if err := o.Notify(ctx, e); err != nil {
		log.Errorf("%s failed to notify observer %T: %v", e.Workflow, o, err)
	}
}
