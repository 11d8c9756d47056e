package events

import (
	"sync"

	"commitchain/core/types"
)

// Event represents a ledger change worth telling a wallet or the operator about.
type Event interface {
	EventType() string
	// Event renders the notification payload.
	Event() *types.Event
}

// Emitter delivers events to the notification sink. Delivery is best effort:
// implementations log failures and never block ledger mutation.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.EventType() == kind {
			out = append(out, e)
		}
	}
	return out
}

// OperatorStream is the stream carrying operator alerts.
const OperatorStream = "operator"
