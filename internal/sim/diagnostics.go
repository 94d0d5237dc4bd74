package sim

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/geocast-simulator/internal/observability"
	"github.com/signalsfoundry/geocast-simulator/internal/routing"
	"github.com/signalsfoundry/geocast-simulator/kb"
)

var _ observability.DiagnosticsSource = (*Simulation)(nil)

// MessageState reports every buffered copy of a message and its
// destination discovery state.
func (s *Simulation) MessageState(id string) (observability.MessageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return observability.MessageState{}, fmt.Errorf("%w: message %q", observability.ErrNotFound, id)
	}

	state := observability.MessageState{
		ID:       m.ID,
		Region:   m.To.ID,
		Created:  m.Created,
		Expiry:   m.Expiry(),
		Tracked:  s.tracker.IsTracked(id),
		Carriers: []observability.CarrierState{},
	}
	for _, nodeID := range s.nodeIDs {
		r := s.routers[nodeID]
		if cp, ok := r.Message(id); ok {
			state.Carriers = append(state.Carriers, observability.CarrierState{
				Node:    nodeID,
				Rate:    cp.Routing.Rate,
				Arrived: cp.Routing.Arrived,
				Hops:    append([]string(nil), cp.Hops...),
			})
		}
		if r.IsDelivered(id) {
			state.DeliveredTo = append(state.DeliveredTo, nodeID)
		}
	}

	if observers, live := s.tracker.Observers(id); live {
		state.Observers = observers
	} else {
		for _, res := range s.tracker.Results() {
			if res.MessageID == id {
				state.Observers = res.Observers
				break
			}
		}
	}
	ratio, err := s.tracker.DeliveryRatio(id)
	if err != nil {
		return observability.MessageState{}, err
	}
	state.DeliveryRatio = ratio
	return state, nil
}

// VisitRate reports the recorded entries of a node into a region and the
// visit rate derived from them.
func (s *Simulation) VisitRate(nodeID, regionID string) (observability.RateState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	region, err := s.store.GetRegion(regionID)
	if errors.Is(err, kb.ErrRegionNotFound) {
		return observability.RateState{}, fmt.Errorf("%w: %v", observability.ErrNotFound, err)
	}
	if err != nil {
		return observability.RateState{}, err
	}

	visits, err := s.history.Visits(nodeID, regionID)
	if errors.Is(err, routing.ErrUnknownNode) || errors.Is(err, routing.ErrUnknownRegion) {
		return observability.RateState{}, fmt.Errorf("%w: %v", observability.ErrNotFound, err)
	}
	if err != nil {
		return observability.RateState{}, err
	}
	rate, err := s.history.Rate(nodeID, region)
	if err != nil {
		return observability.RateState{}, err
	}
	return observability.RateState{
		Node:   nodeID,
		Region: regionID,
		Visits: visits,
		Rate:   rate,
	}, nil
}

// DeliverySnapshot summarises delivery ratios over every created message.
func (s *Simulation) DeliverySnapshot() (observability.DeliverySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prob, err := s.tracker.DeliveryProbability(s.msgOrder)
	if err != nil {
		return observability.DeliverySnapshot{}, err
	}
	snap := observability.DeliverySnapshot{
		SimTime:             s.now,
		Tracked:             s.tracker.Tracked(),
		Measured:            len(s.msgOrder),
		DeliveryProbability: prob,
		Messages:            []observability.MessageRatio{},
	}
	for _, res := range s.tracker.Results() {
		snap.Messages = append(snap.Messages, observability.MessageRatio{
			ID:        res.MessageID,
			Observers: len(res.Observers),
			Delivered: res.Delivered,
			Ratio:     res.Ratio,
			Expired:   !s.tracker.IsTracked(res.MessageID),
		})
	}
	return snap, nil
}
