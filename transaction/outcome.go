package transaction

import (
	"fmt"

	"github.com/ghettovoice/sipcore/sip"
)

// EventKind is a kind of an upstream [Event].
type EventKind int

const (
	// EventRequest delivers an inbound request to the transaction user.
	EventRequest EventKind = iota + 1
	// EventResponse delivers an inbound response to the transaction user.
	EventResponse
)

func (k EventKind) String() string {
	switch k {
	case EventRequest:
		return "request"
	case EventResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Event is an upstream event produced by a transaction.
type Event struct {
	Kind     EventKind
	Request  *sip.Request
	Response *sip.Response
}

// Outcome collects what a single transaction invocation emits:
// at most one upstream event and at most one downstream message.
type Outcome struct {
	up   *Event
	down sip.Message
}

// EmitUpstream sets the upstream event, it panics with [ErrDoubleEmit] on second call.
func (o *Outcome) EmitUpstream(evt Event) {
	if o.up != nil {
		panic(fmt.Errorf("%w: upstream %s after %s", ErrDoubleEmit, evt.Kind, o.up.Kind))
	}
	o.up = &evt
}

// EmitDownstream sets the downstream message, it panics with [ErrDoubleEmit] on second call.
func (o *Outcome) EmitDownstream(msg sip.Message) {
	if o.down != nil {
		panic(fmt.Errorf("%w: downstream %q after %q", ErrDoubleEmit, msg.StartLine(), o.down.StartLine()))
	}
	o.down = msg
}

// Upstream returns the upstream event.
func (o *Outcome) Upstream() (Event, bool) {
	if o.up == nil {
		return Event{}, false
	}
	return *o.up, true
}

// Downstream returns the downstream message.
func (o *Outcome) Downstream() (sip.Message, bool) { return o.down, o.down != nil }
