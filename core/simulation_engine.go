package core

import (
	"errors"
	"time"

	"github.com/signalsfoundry/geocast-simulator/kb"
)

// TickListener runs after nodes have moved and contacts have been
// re-evaluated for simTime. events lists the contacts that changed.
type TickListener func(simTime time.Time, events []ConnectionEvent) error

type SimulationEngine struct {
	KB                  *kb.KnowledgeBase
	Mobility            *MobilityManager
	ConnectivityService *ConnectivityService
	tickListeners       []TickListener
}

func NewSimulationEngine(store *kb.KnowledgeBase) *SimulationEngine {
	return &SimulationEngine{
		KB:                  store,
		Mobility:            NewMobilityManager(store),
		ConnectivityService: NewConnectivityService(store),
	}
}

func (se *SimulationEngine) RegisterTickListener(fn TickListener) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Step advances the physical layer to simTime: node positions first, then
// contacts, then listeners in registration order.
func (se *SimulationEngine) Step(simTime time.Time) error {
	if err := se.Mobility.UpdatePositions(simTime); err != nil {
		return err
	}

	events := se.ConnectivityService.UpdateConnectivity(simTime)

	var errs []error
	for _, fn := range se.tickListeners {
		if err := fn(simTime, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run steps the engine ticks times starting at start.
func (se *SimulationEngine) Run(start time.Time, tick time.Duration, ticks int) error {
	for i := 0; i < ticks; i++ {
		if err := se.Step(start.Add(time.Duration(i) * tick)); err != nil {
			return err
		}
	}
	return nil
}
