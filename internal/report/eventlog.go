// Package report turns simulation events into textual reports.
package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/geocast-simulator/model"
)

// Event log actions.
const (
	ActionCreate      = "C"
	ActionSend        = "S"
	ActionDelivered   = "DE"
	ActionAbort       = "A"
	ActionDrop        = "DR"
	ActionRemove      = "R"
	ActionConnection  = "CONN"
	ConnectionUp      = "up"
	ConnectionDown    = "down"
	TransferDelivered = "D" // first delivery inside the destination
	TransferAgain     = "A" // delivered again inside the destination
	TransferRelayed   = "R" // handed to a node outside the destination
)

// EventLog writes one line per event:
//
//	<sim seconds> <action> <host1> [host2] [message] [extra]
type EventLog struct {
	mu    sync.Mutex
	w     *bufio.Writer
	start time.Time
	err   error
}

// NewEventLog writes events to w, timestamping them relative to start.
func NewEventLog(w io.Writer, start time.Time) *EventLog {
	return &EventLog{w: bufio.NewWriter(w), start: start}
}

func (l *EventLog) NewMessage(m *model.Message, now time.Time) {
	l.write(now, ActionCreate, m.From, "", m.ID, "")
}

func (l *EventLog) TransferStarted(m *model.Message, from, to string, now time.Time) {
	l.write(now, ActionSend, from, to, m.ID, "")
}

func (l *EventLog) TransferAborted(m *model.Message, from, to string, now time.Time) {
	l.write(now, ActionAbort, from, to, m.ID, "")
}

func (l *EventLog) MessageTransferred(m *model.Message, from, to string, firstDelivery, inside bool, now time.Time) {
	extra := TransferRelayed
	switch {
	case firstDelivery:
		extra = TransferDelivered
	case inside:
		extra = TransferAgain
	}
	l.write(now, ActionDelivered, from, to, m.ID, extra)
}

func (l *EventLog) MessageDeleted(m *model.Message, where string, dropped bool, now time.Time) {
	action := ActionRemove
	if dropped {
		action = ActionDrop
	}
	l.write(now, action, where, "", m.ID, "")
}

func (l *EventLog) HostsConnected(a, b string, now time.Time) {
	l.write(now, ActionConnection, a, b, "", ConnectionUp)
}

func (l *EventLog) HostsDisconnected(a, b string, now time.Time) {
	l.write(now, ActionConnection, a, b, "", ConnectionDown)
}

// Flush writes buffered lines and returns the first error seen.
func (l *EventLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil && l.err == nil {
		l.err = err
	}
	return l.err
}

func (l *EventLog) write(now time.Time, action, host1, host2, msg, extra string) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", simSeconds(now.Sub(l.start)), action, host1)
	for _, part := range []string{host2, msg, extra} {
		if part != "" {
			b.WriteByte(' ')
			b.WriteString(part)
		}
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	if _, err := l.w.WriteString(b.String()); err != nil {
		l.err = err
	}
}

func simSeconds(d time.Duration) string {
	return fmt.Sprintf("%.1f", d.Seconds())
}
