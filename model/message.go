package model

import (
	"fmt"
	"time"
)

// RoutingState is the per-message mutable state the geocast router keeps
// alongside each buffered copy.
type RoutingState struct {
	// Rate is the visit rate of the current carrier for the destination
	// region, refreshed every tick.
	Rate float64
	// Arrived is true while the current carrier is inside the destination.
	Arrived bool
}

// Message is a geocast message addressed to a region rather than a node.
type Message struct {
	ID   string
	From string
	To   *Region

	Size int
	TTL  time.Duration

	Created  time.Time
	Received time.Time

	// Hops lists the nodes that carried this copy, origin first.
	Hops []string

	// Request is set when this message answers another one.
	Request      *Message
	ResponseSize int

	Routing RoutingState
}

// Expiry returns the absolute time at which the message stops being alive.
func (m *Message) Expiry() time.Time {
	return m.Created.Add(m.TTL)
}

// Expired reports whether the message's TTL has run out at now.
func (m *Message) Expired(now time.Time) bool {
	return !now.Before(m.Expiry())
}

// IsResponse reports whether this message answers a request.
func (m *Message) IsResponse() bool {
	return m.Request != nil
}

// Replicate returns a deep copy suitable for handing to another node.
// The destination region and request reference are shared since both are
// immutable.
func (m *Message) Replicate() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Hops = append([]string(nil), m.Hops...)
	return &cp
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return m.ID
}

// Validate checks the fields every message must carry.
func (m *Message) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("nil message")
	case m.ID == "":
		return fmt.Errorf("message with empty ID")
	case m.From == "":
		return fmt.Errorf("message %q has no origin", m.ID)
	case m.To == nil:
		return fmt.Errorf("message %q has no destination region", m.ID)
	case m.Size < 0:
		return fmt.Errorf("message %q has negative size", m.ID)
	}
	return nil
}
