package routing

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/geocast-simulator/model"
)

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrUnknownRegion = errors.New("unknown region")
)

// RegionSource is the registry regions are looked up from. A node's
// region list is read once, on its first observation.
type RegionSource interface {
	ListRegions() []*model.Region
}

// Visit is one outside-to-inside transition recorded by Observe.
type Visit struct {
	Node   string
	Region string
	At     time.Time
}

// VisitHistory records, for every registered node, the instants at which
// it entered each known region. A single instance is shared by all the
// routers of one simulation run. It is not safe for concurrent use.
type VisitHistory struct {
	regions RegionSource
	nodes   map[string]*nodeHistory
}

type nodeHistory struct {
	regions []*model.Region

	// inside holds every region currently containing the node; current
	// is the most recently entered one of them.
	inside  map[string]bool
	current *model.Region

	visits map[string][]time.Time
}

// NewVisitHistory returns an empty history backed by regions.
func NewVisitHistory(regions RegionSource) *VisitHistory {
	return &VisitHistory{
		regions: regions,
		nodes:   make(map[string]*nodeHistory),
	}
}

// Register makes a node known to the history. Registering twice is a no-op.
func (h *VisitHistory) Register(nodeID string) {
	if _, ok := h.nodes[nodeID]; ok {
		return
	}
	h.nodes[nodeID] = &nodeHistory{
		inside: make(map[string]bool),
		visits: make(map[string][]time.Time),
	}
}

// Observe evaluates every known region against the node's location and
// appends now to the visit record of each region the node has just
// entered. Entries are strictly increasing per (node, region); an entry not
// after the previous one is skipped. It returns the visits recorded.
func (h *VisitHistory) Observe(nodeID string, loc model.Point, now time.Time) ([]Visit, error) {
	nh, err := h.node(nodeID)
	if err != nil {
		return nil, err
	}

	var entered []Visit
	for _, r := range nh.regions {
		in := r.Contains(loc)
		was := nh.inside[r.ID]
		switch {
		case in && !was:
			nh.inside[r.ID] = true
			nh.current = r
			ts := nh.visits[r.ID]
			if n := len(ts); n > 0 && !now.After(ts[n-1]) {
				continue
			}
			nh.visits[r.ID] = append(ts, now)
			entered = append(entered, Visit{Node: nodeID, Region: r.ID, At: now})
		case !in && was:
			delete(nh.inside, r.ID)
		}
	}

	if nh.current != nil && !nh.inside[nh.current.ID] {
		nh.current = nh.latestInside()
	}
	return entered, nil
}

// latestInside picks the region the node entered last among those still
// containing it. Ties go to registration order.
func (nh *nodeHistory) latestInside() *model.Region {
	var (
		best   *model.Region
		bestAt time.Time
	)
	for _, r := range nh.regions {
		if !nh.inside[r.ID] {
			continue
		}
		ts := nh.visits[r.ID]
		var at time.Time
		if len(ts) > 0 {
			at = ts[len(ts)-1]
		}
		if best == nil || at.After(bestAt) {
			best, bestAt = r, at
		}
	}
	return best
}

// Visits returns a copy of the entry timestamps for (node, region).
func (h *VisitHistory) Visits(nodeID, regionID string) ([]time.Time, error) {
	nh, err := h.node(nodeID)
	if err != nil {
		return nil, err
	}
	if !nh.knows(regionID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegion, regionID)
	}
	return append([]time.Time(nil), nh.visits[regionID]...), nil
}

// Current returns the region the node was most recently recorded inside,
// or nil when it is outside every region.
func (h *VisitHistory) Current(nodeID string) (*model.Region, error) {
	nh, err := h.node(nodeID)
	if err != nil {
		return nil, err
	}
	return nh.current, nil
}

// Rate returns the visit rate of node for region, in visits per second.
// It is recomputed from the recorded history on every call.
func (h *VisitHistory) Rate(nodeID string, region *model.Region) (float64, error) {
	if region == nil {
		return 0, fmt.Errorf("%w: nil region", ErrUnknownRegion)
	}
	nh, err := h.node(nodeID)
	if err != nil {
		return 0, err
	}
	if !nh.knows(region.ID) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRegion, region.ID)
	}
	return Lambda(nh.visits[region.ID]), nil
}

// Nodes returns the number of registered nodes.
func (h *VisitHistory) Nodes() int {
	return len(h.nodes)
}

// node returns the node's history, loading its region list on first use.
func (h *VisitHistory) node(nodeID string) (*nodeHistory, error) {
	nh, ok := h.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, nodeID)
	}
	if nh.regions == nil && h.regions != nil {
		nh.regions = h.regions.ListRegions()
		if nh.regions == nil {
			nh.regions = []*model.Region{}
		}
	}
	return nh, nil
}

func (nh *nodeHistory) knows(regionID string) bool {
	for _, r := range nh.regions {
		if r.ID == regionID {
			return true
		}
	}
	return false
}
