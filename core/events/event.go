package events

import "arcesc/core/types"

// Event represents a structured state change emitted by a native module.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer collects events emitted while a call executes. The ledger only
// publishes the buffered events once the call has committed.
type Buffer struct {
	events []*types.Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	if payload := evt.Event(); payload != nil {
		b.events = append(b.events, payload.Clone())
	}
}

// Events returns the buffered payloads in emission order.
func (b *Buffer) Events() []*types.Event {
	if b == nil {
		return nil
	}
	out := make([]*types.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Reset drops every buffered event.
func (b *Buffer) Reset() {
	if b != nil {
		b.events = b.events[:0]
	}
}
