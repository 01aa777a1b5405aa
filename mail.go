package dispatch

import (
	"sync"
)

// InvocationRequest names a member of a hosted object and the arguments to call it with
type InvocationRequest struct {
	ObjectName string
	MethodName string
	Args       []any
	IsEvent    bool
	EventName  string

	// SubscriptionID is chosen by the subscriber for event requests and
	// echoed on every forwarded event. The host picks one when it is empty.
	SubscriptionID string
}

// Validate reports whether the request carries every required field
func (r *InvocationRequest) Validate() error {
	if r == nil || r.ObjectName == "" || r.MethodName == "" {
		return ErrMalformedRequest
	}
	if r.IsEvent && r.EventName == "" {
		return ErrMalformedRequest
	}
	return nil
}

// ReplyFunc delivers the single response to a mail's sender
type ReplyFunc func(result any, err error) error

// Mail is an inbound request paired with its sender address and a one-shot
// reply capability.
type Mail struct {
	From string
	ID   string

	reply ReplyFunc
	once  sync.Once
}

// NewMail creates a mail whose reply is delivered through reply
func NewMail(from, id string, reply ReplyFunc) *Mail {
	return &Mail{From: from, ID: id, reply: reply}
}

// Reply sends value back to the sender. Only the first Reply or ReplyError
// is delivered; later calls return ErrAlreadyReplied.
func (m *Mail) Reply(value any) error {
	return m.send(value, nil)
}

// ReplyError sends err back to the sender as an error reply
func (m *Mail) ReplyError(err error) error {
	return m.send(nil, err)
}

func (m *Mail) send(value any, err error) error {
	sent := false
	var sendErr error
	m.once.Do(func() {
		sent = true
		if m.reply != nil {
			sendErr = m.reply(value, err)
		}
	})
	if !sent {
		return ErrAlreadyReplied
	}
	return sendErr
}

// ForwardedEvent is pushed to a subscribed caller each time the hosted
// object fires the subscribed event.
type ForwardedEvent struct {
	Object         string
	EventName      string
	SubscriptionID string
	To             string
	Args           []any
}

// EventSink receives forwarded events from the host
type EventSink interface {
	Forward(ev ForwardedEvent)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ev ForwardedEvent)

// Forward calls f(ev)
func (f EventSinkFunc) Forward(ev ForwardedEvent) {
	f(ev)
}
