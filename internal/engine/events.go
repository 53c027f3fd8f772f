// Package engine launches reasoning engine processes and translates
// their NDJSON output stream into typed events.
package engine

import "encoding/json"

// EventKind discriminates parsed stream events.
type EventKind string

const (
	KindTextDelta       EventKind = "text_delta"
	KindActionRequested EventKind = "action_requested"
	KindActionResult    EventKind = "action_result"
	KindTurnMarker      EventKind = "turn_marker"
	KindTurnComplete    EventKind = "turn_complete"
)

// Event is one typed frame decoded from the engine's output stream.
type Event interface {
	Kind() EventKind
}

// TextDeltaEvent carries an incremental chunk of assistant text.
type TextDeltaEvent struct {
	Text string
}

// Kind returns the event kind.
func (e TextDeltaEvent) Kind() EventKind { return KindTextDelta }

// ActionRequestedEvent announces that the engine wants to invoke a
// named action. The engine then waits for a result frame on stdin
// before it can proceed.
type ActionRequestedEvent struct {
	ID            string
	Name          string
	Params        json.RawMessage
	Justification string
}

// Kind returns the event kind.
func (e ActionRequestedEvent) Kind() EventKind { return KindActionRequested }

// ActionResultEvent carries the outcome of a previously requested
// action, keyed by the originating request's ID.
type ActionResultEvent struct {
	ActionID string
	Content  string
	IsError  bool
}

// Kind returns the event kind.
func (e ActionResultEvent) Kind() EventKind { return KindActionResult }

// TurnMarkerEvent records the engine's most recent stop reason. A
// following completion frame is only final if this reason does not
// indicate an action still in flight.
type TurnMarkerEvent struct {
	StopReason string
}

// Kind returns the event kind.
func (e TurnMarkerEvent) Kind() EventKind { return KindTurnMarker }

// TurnCompleteEvent marks the definitive end of a turn.
type TurnCompleteEvent struct {
	IsError bool
	ErrText string
}

// Kind returns the event kind.
func (e TurnCompleteEvent) Kind() EventKind { return KindTurnComplete }
