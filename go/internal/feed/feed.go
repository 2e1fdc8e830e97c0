package feed

import (
	"context"

	"github.com/mcdev12/arena/go/internal/events"
)

// Handler consumes decoded push events. A returned error asks the source to
// redeliver when it can.
type Handler interface {
	HandleEvent(ctx context.Context, event *events.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *events.Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, event *events.Event) error {
	return f(ctx, event)
}

// Source delivers push events to a Handler until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, h Handler) error
	Close() error
}
