package routing

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/geocast-simulator/core"
	"github.com/signalsfoundry/geocast-simulator/model"
)

var (
	ErrDuplicate        = errors.New("message already buffered")
	ErrAlreadyDelivered = errors.New("message already delivered here")
	ErrMessageTooLarge  = errors.New("message larger than buffer")
)

// Config holds the per-node router settings.
type Config struct {
	// BufferBytes caps the buffer; 0 means unlimited.
	BufferBytes int
	// DefaultTTL applies to created messages that carry no TTL.
	DefaultTTL time.Duration
	// InitialRate seeds the routing rate of created messages.
	InitialRate float64
}

// Router is the geocast router of one node. It owns the node's message
// buffer and its confirmed deliveries, and shares the visit history with
// every other router of the run.
type Router struct {
	NodeID string

	cfg     Config
	history *VisitHistory

	buffer    map[string]*model.Message
	order     []string
	usedBytes int

	delivered map[string]time.Time
}

// NewRouter registers nodeID with history and returns its router.
func NewRouter(nodeID string, history *VisitHistory, cfg Config) *Router {
	history.Register(nodeID)
	return &Router{
		NodeID:    nodeID,
		cfg:       cfg,
		history:   history,
		buffer:    make(map[string]*model.Message),
		delivered: make(map[string]time.Time),
	}
}

// CreateMessage buffers a message originating at this node; its origin is
// always set to the router's node. The oldest buffered messages are dropped
// to make room and returned.
func (r *Router) CreateMessage(m *model.Message, now time.Time) ([]*model.Message, error) {
	if m == nil {
		return nil, fmt.Errorf("nil message")
	}
	m.From = r.NodeID
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if _, ok := r.buffer[m.ID]; ok {
		return nil, fmt.Errorf("%w: %q at %q", ErrDuplicate, m.ID, r.NodeID)
	}
	if m.TTL <= 0 {
		m.TTL = r.cfg.DefaultTTL
	}
	m.Created = now
	m.Received = now
	m.Hops = []string{r.NodeID}
	m.Routing = model.RoutingState{Rate: r.cfg.InitialRate}

	dropped, err := r.makeRoom(m.Size)
	if err != nil {
		return nil, err
	}
	r.add(m)
	return dropped, nil
}

// Accepts reports whether a copy of m may be transferred to this node.
func (r *Router) Accepts(m *model.Message) error {
	if _, ok := r.buffer[m.ID]; ok {
		return fmt.Errorf("%w: %q at %q", ErrDuplicate, m.ID, r.NodeID)
	}
	if _, ok := r.delivered[m.ID]; ok {
		return fmt.Errorf("%w: %q at %q", ErrAlreadyDelivered, m.ID, r.NodeID)
	}
	if r.cfg.BufferBytes > 0 && m.Size > r.cfg.BufferBytes {
		return fmt.Errorf("%w: %q (%d > %d bytes)", ErrMessageTooLarge, m.ID, m.Size, r.cfg.BufferBytes)
	}
	return nil
}

// Received describes the outcome of MessageTransferred.
type Received struct {
	Message *model.Message
	// Inside is true when the receiver was inside the destination.
	Inside bool
	// FirstDelivery is true for the first confirmed delivery at this node.
	FirstDelivery bool
	// Dropped lists messages evicted to make room.
	Dropped []*model.Message
}

// MessageTransferred stores a replica of m received from another node
// while this node is at loc. The replica's routing rate starts at zero
// until the next refresh.
func (r *Router) MessageTransferred(m *model.Message, from string, loc model.Point, now time.Time) (Received, error) {
	if err := r.Accepts(m); err != nil {
		return Received{}, err
	}

	cp := m.Replicate()
	cp.Hops = append(cp.Hops, r.NodeID)
	cp.Received = now
	cp.Routing.Rate = 0

	res := Received{Message: cp, Inside: cp.To.Contains(loc)}
	if res.Inside {
		if _, ok := r.delivered[cp.ID]; !ok {
			res.FirstDelivery = true
			r.delivered[cp.ID] = now
		}
	}

	dropped, err := r.makeRoom(cp.Size)
	if err != nil {
		return res, err
	}
	res.Dropped = dropped
	r.add(cp)
	return res, nil
}

// DropExpired removes and returns every buffered message whose TTL has run
// out at now.
func (r *Router) DropExpired(now time.Time) []*model.Message {
	var dropped []*model.Message
	for _, id := range append([]string(nil), r.order...) {
		if m := r.buffer[id]; m.Expired(now) {
			r.remove(id)
			dropped = append(dropped, m)
		}
	}
	return dropped
}

// Remove deletes a message from the buffer.
func (r *Router) Remove(id string) (*model.Message, bool) {
	m, ok := r.buffer[id]
	if !ok {
		return nil, false
	}
	r.remove(id)
	return m, true
}

// Messages returns the buffered messages, oldest first.
func (r *Router) Messages() []*model.Message {
	out := make([]*model.Message, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.buffer[id])
	}
	return out
}

// Message returns a buffered message by ID.
func (r *Router) Message(id string) (*model.Message, bool) {
	m, ok := r.buffer[id]
	return m, ok
}

func (r *Router) HasMessage(id string) bool {
	_, ok := r.buffer[id]
	return ok
}

// IsDelivered reports whether this node confirmed delivery of the message,
// that is received a copy while inside its destination.
func (r *Router) IsDelivered(id string) bool {
	_, ok := r.delivered[id]
	return ok
}

// FreeBytes returns the unused buffer capacity, or -1 when unlimited.
func (r *Router) FreeBytes() int {
	if r.cfg.BufferBytes <= 0 {
		return -1
	}
	return r.cfg.BufferBytes - r.usedBytes
}

// Update is the per-tick routing hook. The visit history must already hold
// this tick's observations. It refreshes every buffered message's rate and
// arrival flag and returns the forwarding candidates over conns.
func (r *Router) Update(loc model.Point, conns []*core.Connection, peers PeerView) ([]Candidate, error) {
	msgs := r.Messages()
	if err := RefreshRates(r.history, r.NodeID, msgs); err != nil {
		return nil, err
	}
	RefreshArrival(msgs, loc)
	return Candidates(r.NodeID, msgs, conns, peers)
}

func (r *Router) makeRoom(size int) ([]*model.Message, error) {
	if r.cfg.BufferBytes <= 0 {
		return nil, nil
	}
	if size > r.cfg.BufferBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, size, r.cfg.BufferBytes)
	}
	var dropped []*model.Message
	for r.usedBytes+size > r.cfg.BufferBytes && len(r.order) > 0 {
		m := r.buffer[r.order[0]]
		r.remove(m.ID)
		dropped = append(dropped, m)
	}
	return dropped, nil
}

func (r *Router) add(m *model.Message) {
	r.buffer[m.ID] = m
	r.order = append(r.order, m.ID)
	r.usedBytes += m.Size
}

func (r *Router) remove(id string) {
	m := r.buffer[id]
	delete(r.buffer, id)
	r.usedBytes -= m.Size
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
