package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"saassync/internal/models"

	"github.com/rs/zerolog"
)

// Handler processes one delivered event. Events sent through the invocation
// are committed only if the handler returns nil.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Function binds a handler to the event that triggers it. Runs of the same
// function are serialized per tenant.
type Function struct {
	ID      string
	Trigger string
	// Retries is the number of re-attempts after the first failure.
	Retries  int
	Priority func(payload json.RawMessage) int
	// CancelOn lists events that cancel pending runs for the same tenant.
	CancelOn []string
	Handler  Handler
}

func (f *Function) validate() error {
	if f.ID == "" || f.Trigger == "" {
		return fmt.Errorf("function id and trigger are required")
	}
	if f.Handler == nil {
		return fmt.Errorf("function %s has no handler", f.ID)
	}
	if f.Retries < 0 {
		return fmt.Errorf("function %s has negative retries", f.ID)
	}
	return nil
}

func (f *Function) priority(payload json.RawMessage) int {
	if f.Priority == nil {
		return 0
	}
	return f.Priority(payload)
}

// Invocation is the handler's view of the run in progress.
type Invocation struct {
	Event   models.QueuedEvent
	Attempt int
	Logger  *zerolog.Logger

	buffered []models.Event
}

// Decode unmarshals and validates the payload. A malformed payload will not
// become valid on retry, so the error is non-retriable.
func (inv *Invocation) Decode(out any) error {
	if err := models.DecodePayload(inv.Event.Payload, out); err != nil {
		return NonRetriable(fmt.Errorf("decode %s payload: %w", inv.Event.Name, err))
	}
	return nil
}

// Send buffers events until the run completes.
func (inv *Invocation) Send(_ context.Context, events ...models.Event) error {
	inv.buffered = append(inv.buffered, events...)
	return nil
}

// Emitted returns the events buffered so far.
func (inv *Invocation) Emitted() []models.Event {
	return inv.buffered
}
