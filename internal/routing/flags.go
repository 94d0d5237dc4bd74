package routing

import (
	"github.com/signalsfoundry/geocast-simulator/model"
)

// RefreshArrival sets each message's arrival flag to whether the carrier
// at loc is inside the message's destination. It holds no history and
// repeated calls at the same location are idempotent.
func RefreshArrival(msgs []*model.Message, loc model.Point) {
	for _, m := range msgs {
		m.Routing.Arrived = m.To.Contains(loc)
	}
}

// RefreshRates stores the carrier's own visit rate for each message's
// destination.
func RefreshRates(h *VisitHistory, carrier string, msgs []*model.Message) error {
	for _, m := range msgs {
		rate, err := h.Rate(carrier, m.To)
		if err != nil {
			return err
		}
		m.Routing.Rate = rate
	}
	return nil
}
