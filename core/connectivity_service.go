// core/connectivity_service.go
package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/geocast-simulator/model"
)

var (
	ErrRadioExists      = errors.New("radio model already exists")
	ErrConnectionBusy   = errors.New("connection already carries a transfer")
	ErrConnectionDown   = errors.New("connection is down")
	ErrNotConnectionEnd = errors.New("node is not an endpoint of the connection")
)

// NodeLister exposes the node set the connectivity layer evaluates.
type NodeLister interface {
	ListNodes() []*model.Node
}

// Transfer is a message copy in flight over a connection.
type Transfer struct {
	Message *model.Message
	From    string
	To      string
	Started time.Time
	Done    time.Time
}

// Connection is a live contact between two nodes. It carries at most one
// transfer at a time.
type Connection struct {
	ID         string
	A, B       string
	BitrateBps float64
	Up         bool
	Since      time.Time

	transfer *Transfer
}

// OtherNode returns the endpoint that is not id.
func (c *Connection) OtherNode(id string) string {
	if id == c.A {
		return c.B
	}
	return c.A
}

// IsBusy reports whether a transfer is in flight.
func (c *Connection) IsBusy() bool {
	return c.transfer != nil
}

// Transfer returns the in-flight transfer, or nil.
func (c *Connection) Transfer() *Transfer {
	return c.transfer
}

// StartTransfer begins sending m from one endpoint to the other. The
// duration is size / bitrate; a zero bitrate completes at now.
func (c *Connection) StartTransfer(m *model.Message, from string, now time.Time) (*Transfer, error) {
	if !c.Up {
		return nil, fmt.Errorf("%w: %s", ErrConnectionDown, c.ID)
	}
	if c.transfer != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnectionBusy, c.ID)
	}
	if from != c.A && from != c.B {
		return nil, fmt.Errorf("%w: %q on %s", ErrNotConnectionEnd, from, c.ID)
	}

	done := now
	if c.BitrateBps > 0 && m.Size > 0 {
		seconds := float64(m.Size) / c.BitrateBps
		done = now.Add(time.Duration(seconds * float64(time.Second)))
	}
	c.transfer = &Transfer{
		Message: m,
		From:    from,
		To:      c.OtherNode(from),
		Started: now,
		Done:    done,
	}
	return c.transfer, nil
}

// FinishTransfer clears and returns the in-flight transfer if it is done
// at now.
func (c *Connection) FinishTransfer(now time.Time) *Transfer {
	if c.transfer == nil || now.Before(c.transfer.Done) {
		return nil
	}
	t := c.transfer
	c.transfer = nil
	return t
}

// AbortTransfer clears and returns the in-flight transfer, if any.
func (c *Connection) AbortTransfer() *Transfer {
	t := c.transfer
	c.transfer = nil
	return t
}

// ConnectionEvent reports a contact coming up or going down.
type ConnectionEvent struct {
	Conn *Connection
	Up   bool
}

// ConnectivityService evaluates which pairs of nodes are in radio contact
// at a given instant. Two nodes are connected when their radios share a
// band and their distance is within the smaller of the two ranges.
// Connections persist across ticks so that in-flight transfers survive
// until the contact breaks.
type ConnectivityService struct {
	Nodes NodeLister

	radios map[string]*RadioModel
	conns  map[string]*Connection
}

func NewConnectivityService(nodes NodeLister) *ConnectivityService {
	return &ConnectivityService{
		Nodes:  nodes,
		radios: make(map[string]*RadioModel),
		conns:  make(map[string]*Connection),
	}
}

// AddRadioModel registers a radio model.
func (cs *ConnectivityService) AddRadioModel(rm *RadioModel) error {
	if rm == nil || rm.ID == "" {
		return fmt.Errorf("nil or empty radio model")
	}
	if _, exists := cs.radios[rm.ID]; exists {
		return fmt.Errorf("%w: %q", ErrRadioExists, rm.ID)
	}
	cs.radios[rm.ID] = rm
	return nil
}

// GetRadioModel returns a radio model by ID, or nil if not found.
func (cs *ConnectivityService) GetRadioModel(id string) *RadioModel {
	return cs.radios[id]
}

// Reset drops every connection so a fresh scenario can start without
// leftover contacts.
func (cs *ConnectivityService) Reset() {
	if cs == nil {
		return
	}
	cs.conns = make(map[string]*Connection)
}

// UpdateConnectivity recomputes contacts from current node positions and
// returns the contacts that came up or went down, ordered by connection ID.
// A connection that goes down keeps its in-flight transfer so the caller
// can abort it.
func (cs *ConnectivityService) UpdateConnectivity(now time.Time) []ConnectionEvent {
	nodes := cs.Nodes.ListNodes()
	seen := make(map[string]bool, len(cs.conns))
	var events []ConnectionEvent

	for i := 0; i < len(nodes); i++ {
		na := nodes[i]
		ra := cs.radios[na.RadioID]
		if ra == nil {
			continue
		}
		for j := i + 1; j < len(nodes); j++ {
			nb := nodes[j]
			rb := cs.radios[nb.RadioID]
			if rb == nil || !ra.IsCompatible(rb) {
				continue
			}
			if na.Position.DistanceTo(nb.Position) > contactRange(ra, rb) {
				continue
			}

			id := connectionID(na.ID, nb.ID)
			seen[id] = true
			if _, exists := cs.conns[id]; exists {
				continue
			}
			a, b := na.ID, nb.ID
			if b < a {
				a, b = b, a
			}
			conn := &Connection{
				ID:         id,
				A:          a,
				B:          b,
				BitrateBps: contactBitrate(ra, rb),
				Up:         true,
				Since:      now,
			}
			cs.conns[id] = conn
			events = append(events, ConnectionEvent{Conn: conn, Up: true})
		}
	}

	for id, conn := range cs.conns {
		if seen[id] {
			continue
		}
		conn.Up = false
		delete(cs.conns, id)
		events = append(events, ConnectionEvent{Conn: conn, Up: false})
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Conn.ID < events[j].Conn.ID })
	return events
}

// Connections returns the live connections of a node ordered by ID.
func (cs *ConnectivityService) Connections(nodeID string) []*Connection {
	var out []*Connection
	for _, c := range cs.conns {
		if c.A == nodeID || c.B == nodeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllConnections returns every live connection ordered by ID.
func (cs *ConnectivityService) AllConnections() []*Connection {
	out := make([]*Connection, 0, len(cs.conns))
	for _, c := range cs.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func connectionID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "<->" + b
}
