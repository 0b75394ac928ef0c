package realtime

import (
	"context"
	"errors"
)

// Pusher delivers one event to the channel of a user.
type Pusher interface {
	Push(ctx context.Context, userID int64, event string, data any) error
}

// Fanout pushes through every pusher and joins their errors. A failing pusher
// does not stop the others.
type Fanout []Pusher

func (f Fanout) Push(ctx context.Context, userID int64, event string, data any) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Push(ctx, userID, event, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
