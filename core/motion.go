package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/geocast-simulator/model"
)

var (
	ErrMobilityInvalid = errors.New("invalid mobility")
	ErrNodeTracked     = errors.New("node already has a mobility model")
	ErrNodeNotTracked  = errors.New("node has no mobility model")
)

// MobilityModel computes a node's position for a given simulation time.
type MobilityModel interface {
	UpdatePosition(simTime time.Time, n *model.Node)
}

// StaticMobility leaves the node's position unchanged.
type StaticMobility struct{}

// UpdatePosition for static mobility does nothing.
func (m *StaticMobility) UpdatePosition(simTime time.Time, n *model.Node) {
	// no-op
}

// WaypointMobility moves a node along a closed polyline at constant speed.
type WaypointMobility struct {
	start     time.Time
	waypoints []model.Point
	speed     float64

	// cumulative[i] is the path length from waypoints[0] to waypoints[i];
	// the final entry closes the loop back to waypoints[0].
	cumulative []float64
}

// NewWaypointMobility builds a looping waypoint path. speed is in m/s.
func NewWaypointMobility(start time.Time, waypoints []model.Point, speed float64) (*WaypointMobility, error) {
	if len(waypoints) == 0 {
		return nil, fmt.Errorf("%w: waypoint mobility needs at least one waypoint", ErrMobilityInvalid)
	}
	if speed < 0 {
		return nil, fmt.Errorf("%w: negative speed %v", ErrMobilityInvalid, speed)
	}

	cumulative := make([]float64, len(waypoints)+1)
	for i := range waypoints {
		next := waypoints[(i+1)%len(waypoints)]
		cumulative[i+1] = cumulative[i] + waypoints[i].DistanceTo(next)
	}

	return &WaypointMobility{
		start:      start,
		waypoints:  append([]model.Point(nil), waypoints...),
		speed:      speed,
		cumulative: cumulative,
	}, nil
}

// UpdatePosition places the node where it is along the loop at simTime.
func (m *WaypointMobility) UpdatePosition(simTime time.Time, n *model.Node) {
	n.Position = m.positionAt(simTime)
}

func (m *WaypointMobility) positionAt(simTime time.Time) model.Point {
	total := m.cumulative[len(m.cumulative)-1]
	if total == 0 || m.speed == 0 {
		return m.waypoints[0]
	}

	elapsed := simTime.Sub(m.start).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	dist := math.Mod(elapsed*m.speed, total)

	// First segment whose end lies beyond dist.
	seg := sort.SearchFloat64s(m.cumulative[1:], dist)
	if seg >= len(m.waypoints) {
		seg = len(m.waypoints) - 1
	}
	if m.cumulative[seg+1] == dist {
		return m.waypoints[(seg+1)%len(m.waypoints)]
	}
	segLen := m.cumulative[seg+1] - m.cumulative[seg]
	if segLen == 0 {
		return m.waypoints[seg]
	}
	from := m.waypoints[seg]
	to := m.waypoints[(seg+1)%len(m.waypoints)]
	return interpolate(from, to, (dist-m.cumulative[seg])/segLen)
}

// GroundTrackMobility uses a TLE and SGP4 to follow a satellite's
// sub-satellite point, projected onto the simulation plane. It models data
// mules that are only in contact when overhead.
type GroundTrackMobility struct {
	sat    satellite.Satellite
	origin LatLon
}

// NewGroundTrackFromTLE constructs a ground-track model from TLE lines.
func NewGroundTrackFromTLE(line1, line2 string, origin LatLon) *GroundTrackMobility {
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	return &GroundTrackMobility{sat: sat, origin: origin}
}

// UpdatePosition propagates the satellite to simTime and projects its
// geodetic sub-point.
func (m *GroundTrackMobility) UpdatePosition(simTime time.Time, n *model.Node) {
	year, month, day := simTime.Date()
	hour, min, sec := simTime.Clock()

	posECI, _ := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	_, _, lla := satellite.ECIToLLA(posECI, gmst)

	const radToDeg = 180.0 / math.Pi
	n.Position = ProjectLatLon(lla.Latitude*radToDeg, lla.Longitude*radToDeg, m.origin)
}

// NewMobilityModel chooses a MobilityModel for the node's mobility spec.
func NewMobilityModel(spec model.MobilitySpec, start time.Time, origin LatLon) (MobilityModel, error) {
	switch spec.Type {
	case model.MobilityStatic, "":
		return &StaticMobility{}, nil
	case model.MobilityWaypoint:
		return NewWaypointMobility(start, spec.Waypoints, spec.Speed)
	case model.MobilityGroundTrack:
		if spec.TLE1 == "" || spec.TLE2 == "" {
			return nil, fmt.Errorf("%w: ground track needs both TLE lines", ErrMobilityInvalid)
		}
		return NewGroundTrackFromTLE(spec.TLE1, spec.TLE2, origin), nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMobilityInvalid, spec.Type)
	}
}

// PositionUpdater receives the positions computed by MobilityManager.
type PositionUpdater interface {
	UpdateNodePosition(id string, pos model.Point) error
}

// MobilityManager owns the mobility model of every simulated node and pushes
// new positions to a PositionUpdater on each tick.
type MobilityManager struct {
	mu      sync.Mutex
	updater PositionUpdater
	nodes   map[string]*trackedNode
}

type trackedNode struct {
	node  *model.Node
	model MobilityModel
}

// NewMobilityManager constructs a manager that reports to updater.
func NewMobilityManager(updater PositionUpdater) *MobilityManager {
	return &MobilityManager{
		updater: updater,
		nodes:   make(map[string]*trackedNode),
	}
}

// AddNode attaches a mobility model to a node.
func (mm *MobilityManager) AddNode(n *model.Node, m MobilityModel) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("nil or empty node")
	}
	if m == nil {
		m = &StaticMobility{}
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, exists := mm.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %q", ErrNodeTracked, n.ID)
	}
	mm.nodes[n.ID] = &trackedNode{node: n, model: m}
	return nil
}

// RemoveNode stops tracking a node.
func (mm *MobilityManager) RemoveNode(id string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, ok := mm.nodes[id]; !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotTracked, id)
	}
	delete(mm.nodes, id)
	return nil
}

// UpdatePositions moves every tracked node to its position at simTime.
func (mm *MobilityManager) UpdatePositions(simTime time.Time) error {
	mm.mu.Lock()
	tracked := make([]*trackedNode, 0, len(mm.nodes))
	for _, tn := range mm.nodes {
		tracked = append(tracked, tn)
	}
	mm.mu.Unlock()

	sort.Slice(tracked, func(i, j int) bool { return tracked[i].node.ID < tracked[j].node.ID })

	var errs []error
	for _, tn := range tracked {
		// Work on a copy so the updater decides when the position is published.
		next := *tn.node
		tn.model.UpdatePosition(simTime, &next)
		if mm.updater == nil {
			tn.node.Position = next.Position
			continue
		}
		if err := mm.updater.UpdateNodePosition(tn.node.ID, next.Position); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset drops every tracked node.
func (mm *MobilityManager) Reset() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.nodes = make(map[string]*trackedNode)
}
