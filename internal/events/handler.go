// internal/events/handler.go
package events

import (
	"context"
)

// Handler processes events of a single subscribed type.
type Handler interface {
	// Handle processes an event. Handlers run on bus goroutines and
	// should return quickly; long work belongs on the handler's side.
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls f(ctx, event).
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription identifies one registered handler.
type Subscription interface {
	// Unsubscribe removes the handler; it never fires again afterwards.
	Unsubscribe()
}

type subscription struct {
	id       string
	eventBus *Bus
	typ      EventType
}

func (s *subscription) Unsubscribe() {
	s.eventBus.unsubscribe(s.id, s.typ)
}
