package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/geocast-simulator/model"
)

var (
	ErrNodeExists     = errors.New("node already exists")
	ErrNodeNotFound   = errors.New("node not found")
	ErrRegionExists   = errors.New("region already exists")
	ErrRegionNotFound = errors.New("region not found")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventNodeMoved EventType = iota
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type     EventType
	NodeID   string
	Position model.Point
}

// KnowledgeBase is an in-memory, thread-safe store for nodes and the
// geocast region registry.
type KnowledgeBase struct {
	mu sync.RWMutex

	nodes map[string]*model.Node

	regions     map[string]*model.Region
	regionOrder []string

	subs []func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		nodes:   make(map[string]*model.Node),
		regions: make(map[string]*model.Region),
	}
}

// AddNode adds a new node. It returns an error if the ID already exists.
func (kb *KnowledgeBase) AddNode(n *model.Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("nil or empty node")
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	// store pointer so that mobility models can update in-place
	kb.nodes[n.ID] = n
	return nil
}

// GetNode returns the node with the given ID, or nil if not found.
func (kb *KnowledgeBase) GetNode(id string) *model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.nodes[id]
}

// ListNodes returns a snapshot of all nodes ordered by ID.
func (kb *KnowledgeBase) ListNodes() []*model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.Node, 0, len(kb.nodes))
	for _, n := range kb.nodes {
		res = append(res, n)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// NodePosition returns the current position of a node.
func (kb *KnowledgeBase) NodePosition(id string) (model.Point, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	n, ok := kb.nodes[id]
	if !ok {
		return model.Point{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return n.Position, nil
}

// UpdateNodePosition moves a node and notifies subscribers.
func (kb *KnowledgeBase) UpdateNodePosition(id string, pos model.Point) error {
	kb.mu.Lock()
	n, ok := kb.nodes[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	n.Position = pos
	event := Event{
		Type:     EventNodeMoved,
		NodeID:   id,
		Position: pos,
	}
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// AddRegion registers a geocast region after validating its geometry.
func (kb *KnowledgeBase) AddRegion(r *model.Region) error {
	if err := r.Validate(); err != nil {
		return err
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.regions[r.ID]; exists {
		return fmt.Errorf("%w: %q", ErrRegionExists, r.ID)
	}
	kb.regions[r.ID] = r
	kb.regionOrder = append(kb.regionOrder, r.ID)
	return nil
}

// GetRegion returns a registered region.
func (kb *KnowledgeBase) GetRegion(id string) (*model.Region, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	r, ok := kb.regions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRegionNotFound, id)
	}
	return r, nil
}

// ListRegions returns all regions in registration order.
func (kb *KnowledgeBase) ListRegions() []*model.Region {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.Region, 0, len(kb.regionOrder))
	for _, id := range kb.regionOrder {
		res = append(res, kb.regions[id])
	}
	return res
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.subs = append(kb.subs, fn)
	idx := len(kb.subs) - 1

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		if idx < 0 || idx >= len(kb.subs) {
			return
		}
		kb.subs = append(kb.subs[:idx], kb.subs[idx+1:]...)
		idx = -1
	}
}
