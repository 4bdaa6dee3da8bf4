package observer

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/warriorguo/dagflow/types"
)

type multi struct {
	observers []types.Observer
}

/**
 * Multi fans one event out to several observers. Every observer is called
 * even when an earlier one fails; the failures are returned together.
 */
func Multi(observers ...types.Observer) types.Observer {
	m := &multi{}
	for _, o := range observers {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
	return m
}

func (m *multi) Notify(ctx context.Context, e types.Event) error {
	var failures []string
	for _, o := range m.observers {
		if err := o.Notify(ctx, e); err != nil {
			failures = append(failures, fmt.Sprintf("%T: %v", o, err))
		}
	}
	if len(failures) > 0 {
		return errors.Errorf("%d observers failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

// Func adapts a plain function to types.Observer.
type Func func(ctx context.Context, e types.Event) error

func (f Func) Notify(ctx context.Context, e types.Event) error {
	return f(ctx, e)
}
