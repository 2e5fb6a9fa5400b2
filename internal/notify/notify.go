// Package notify delivers offers to agents and request events to
// interested parties.
package notify

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, ev models.Event) error
}

// Fanout sends every event to all notifiers and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev models.Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
