package routing

import (
	"fmt"

	"github.com/signalsfoundry/geocast-simulator/core"
	"github.com/signalsfoundry/geocast-simulator/model"
)

// Phase tells which rule proposed a candidate.
type Phase int

const (
	// PhaseFlood proposes peers currently inside the destination.
	PhaseFlood Phase = iota + 1
	// PhaseRelay proposes peers that revisit the destination more often
	// than the carrier.
	PhaseRelay
)

func (p Phase) String() string {
	switch p {
	case PhaseFlood:
		return "flood"
	case PhaseRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Candidate is a (message, connection) pair proposed for transfer.
type Candidate struct {
	Message *model.Message
	Conn    *core.Connection
	Peer    string
	Phase   Phase
}

// PeerView answers the two questions the policy asks about a peer.
type PeerView interface {
	NodePosition(id string) (model.Point, error)
	Rate(nodeID string, region *model.Region) (float64, error)
}

// PositionSource reports a node's current location.
type PositionSource interface {
	NodePosition(id string) (model.Point, error)
}

// Peers combines a position source with the shared visit history.
type Peers struct {
	Positions PositionSource
	History   *VisitHistory
}

func (p Peers) NodePosition(id string) (model.Point, error) {
	return p.Positions.NodePosition(id)
}

func (p Peers) Rate(nodeID string, region *model.Region) (float64, error) {
	return p.History.Rate(nodeID, region)
}

// Candidates returns the forwarding candidates for the messages buffered
// at self. Every flood candidate precedes every relay candidate, and a pair
// may be proposed by both phases. Messages must have their rate and
// arrival flag refreshed before the call.
func Candidates(self string, msgs []*model.Message, conns []*core.Connection, peers PeerView) ([]Candidate, error) {
	if len(msgs) == 0 || len(conns) == 0 {
		return nil, nil
	}

	positions := make([]model.Point, len(conns))
	for i, c := range conns {
		pos, err := peers.NodePosition(c.OtherNode(self))
		if err != nil {
			return nil, fmt.Errorf("peer %q of %q: %w", c.OtherNode(self), self, err)
		}
		positions[i] = pos
	}

	var out []Candidate
	for _, m := range msgs {
		for i, c := range conns {
			if m.To.Contains(positions[i]) {
				out = append(out, Candidate{Message: m, Conn: c, Peer: c.OtherNode(self), Phase: PhaseFlood})
			}
		}
	}

	for _, m := range msgs {
		if m.Routing.Arrived {
			continue
		}
		for _, c := range conns {
			peer := c.OtherNode(self)
			rate, err := peers.Rate(peer, m.To)
			if err != nil {
				return nil, fmt.Errorf("rate of peer %q: %w", peer, err)
			}
			if m.Routing.Rate < rate {
				out = append(out, Candidate{Message: m, Conn: c, Peer: peer, Phase: PhaseRelay})
			}
		}
	}
	return out, nil
}
