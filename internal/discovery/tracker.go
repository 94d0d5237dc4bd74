// Package discovery tracks which nodes reach a message's destination
// region while the message is alive and derives delivery ratios from it.
package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/geocast-simulator/model"
)

var (
	ErrUnknownMessage = errors.New("message not tracked")
	ErrAlreadyTracked = errors.New("message already tracked")
)

// DeliveryOracle answers whether a node holds a confirmed delivery of a
// message. The routers implement it; the tracker only reads.
type DeliveryOracle interface {
	IsDelivered(nodeID, msgID string) bool
}

// OracleFunc adapts a function to DeliveryOracle.
type OracleFunc func(nodeID, msgID string) bool

func (f OracleFunc) IsDelivered(nodeID, msgID string) bool { return f(nodeID, msgID) }

// Sighting is a node newly added to a message's observation set.
type Sighting struct {
	MessageID string
	Node      string
	At        time.Time
}

// Result is the final delivery outcome of a message.
type Result struct {
	MessageID string
	Region    string
	Expiry    time.Time
	Observers []string
	Delivered int
	Ratio     float64
}

type observation struct {
	msg    *model.Message
	expiry time.Time

	nodes []string
	seen  map[string]struct{}
}

// Tracker holds one observation set per live message. It is driven once
// per tick and is not safe for concurrent use.
type Tracker struct {
	oracle DeliveryOracle

	live  map[string]*observation
	order []string

	results     map[string]Result
	resultOrder []string
}

// NewTracker returns an empty tracker that asks oracle for confirmed
// deliveries.
func NewTracker(oracle DeliveryOracle) *Tracker {
	return &Tracker{
		oracle:  oracle,
		live:    make(map[string]*observation),
		results: make(map[string]Result),
	}
}

// Open starts tracking m until Created + TTL.
func (t *Tracker) Open(m *model.Message) error {
	if m == nil || m.To == nil {
		return fmt.Errorf("discovery: message without destination")
	}
	if _, ok := t.live[m.ID]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyTracked, m.ID)
	}
	if _, ok := t.results[m.ID]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyTracked, m.ID)
	}
	t.live[m.ID] = &observation{
		msg:    m.Replicate(),
		expiry: m.Expiry(),
		seen:   make(map[string]struct{}),
	}
	t.order = append(t.order, m.ID)
	return nil
}

// OnTick first finalizes every message whose expiry is at or before now,
// then adds each node inside a live message's destination to that
// message's observation set. It returns the new sightings and the results
// of the messages that expired.
func (t *Tracker) OnTick(now time.Time, nodes []*model.Node) ([]Sighting, []Result) {
	var expired []Result
	kept := t.order[:0]
	for _, id := range t.order {
		obs := t.live[id]
		if obs.expiry.After(now) {
			kept = append(kept, id)
			continue
		}
		res := t.result(obs)
		t.results[id] = res
		t.resultOrder = append(t.resultOrder, id)
		delete(t.live, id)
		expired = append(expired, res)
	}
	t.order = kept

	var sightings []Sighting
	for _, id := range t.order {
		obs := t.live[id]
		for _, n := range nodes {
			if _, ok := obs.seen[n.ID]; ok {
				continue
			}
			if obs.msg.To.Contains(n.Position) {
				obs.seen[n.ID] = struct{}{}
				obs.nodes = append(obs.nodes, n.ID)
				sightings = append(sightings, Sighting{MessageID: id, Node: n.ID, At: now})
			}
		}
	}
	return sightings, expired
}

// DeliveryRatio returns the share of observers holding a confirmed
// delivery of the message, or 0 when nobody was observed. Expired messages
// report the ratio fixed at expiry.
func (t *Tracker) DeliveryRatio(id string) (float64, error) {
	if obs, ok := t.live[id]; ok {
		return t.result(obs).Ratio, nil
	}
	if res, ok := t.results[id]; ok {
		return res.Ratio, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMessage, id)
}

// DeliveryProbability is the mean delivery ratio over ids, 0 for none.
func (t *Tracker) DeliveryProbability(ids []string) (float64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var sum float64
	for _, id := range ids {
		r, err := t.DeliveryRatio(id)
		if err != nil {
			return 0, err
		}
		sum += r
	}
	return sum / float64(len(ids)), nil
}

// Observers returns the live observation set of a message in insertion
// order. It reports false once the message has expired.
func (t *Tracker) Observers(id string) ([]string, bool) {
	obs, ok := t.live[id]
	if !ok {
		return nil, false
	}
	return append([]string(nil), obs.nodes...), true
}

// IsTracked reports whether the message is still being observed.
func (t *Tracker) IsTracked(id string) bool {
	_, ok := t.live[id]
	return ok
}

// Tracked returns the number of live observation sets.
func (t *Tracker) Tracked() int { return len(t.live) }

// Results returns one result per opened message: finalized ones first in
// expiry order, then the still-live ones evaluated now.
func (t *Tracker) Results() []Result {
	out := make([]Result, 0, len(t.resultOrder)+len(t.order))
	for _, id := range t.resultOrder {
		out = append(out, t.results[id])
	}
	for _, id := range t.order {
		out = append(out, t.result(t.live[id]))
	}
	return out
}

func (t *Tracker) result(obs *observation) Result {
	res := Result{
		MessageID: obs.msg.ID,
		Region:    obs.msg.To.ID,
		Expiry:    obs.expiry,
		Observers: append([]string(nil), obs.nodes...),
	}
	if t.oracle != nil {
		for _, n := range obs.nodes {
			if t.oracle.IsDelivered(n, obs.msg.ID) {
				res.Delivered++
			}
		}
	}
	if len(obs.nodes) > 0 {
		res.Ratio = float64(res.Delivered) / float64(len(obs.nodes))
	}
	return res
}
