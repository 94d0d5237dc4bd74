// Package sim runs geocast routing on top of the mobility and contact
// layers. One Simulation owns the shared visit history, a router per node
// and the destination discovery tracker, and advances them tick by tick.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/geocast-simulator/core"
	"github.com/signalsfoundry/geocast-simulator/internal/discovery"
	"github.com/signalsfoundry/geocast-simulator/internal/logging"
	"github.com/signalsfoundry/geocast-simulator/internal/observability"
	"github.com/signalsfoundry/geocast-simulator/internal/recorder"
	"github.com/signalsfoundry/geocast-simulator/internal/routing"
	"github.com/signalsfoundry/geocast-simulator/kb"
	"github.com/signalsfoundry/geocast-simulator/model"
	"github.com/signalsfoundry/geocast-simulator/timectrl"
)

var (
	// ErrNoRouter is returned when a message names a node without a router.
	ErrNoRouter = errors.New("node has no router")
	// ErrMessageExists is returned when a message ID is created twice.
	ErrMessageExists = errors.New("message already created")
)

// responseSuffix is appended to a request ID to name its response.
const responseSuffix = "-r"

// MessageListener receives message lifecycle events.
type MessageListener interface {
	NewMessage(m *model.Message, now time.Time)
	TransferStarted(m *model.Message, from, to string, now time.Time)
	TransferAborted(m *model.Message, from, to string, now time.Time)
	MessageTransferred(m *model.Message, from, to string, firstDelivery, inside bool, now time.Time)
	MessageDeleted(m *model.Message, where string, dropped bool, now time.Time)
}

// ConnectionListener receives contact up/down events.
type ConnectionListener interface {
	HostsConnected(a, b string, now time.Time)
	HostsDisconnected(a, b string, now time.Time)
}

// Option customises Simulation construction.
type Option func(*Simulation)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulation) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCollector attaches Prometheus metrics.
func WithCollector(c *observability.RoutingCollector) Option {
	return func(s *Simulation) {
		s.collector = c
	}
}

// WithRecorder persists visits, sightings and delivery results.
func WithRecorder(r *recorder.Recorder) Option {
	return func(s *Simulation) {
		s.recorder = r
	}
}

func WithMessageListener(l MessageListener) Option {
	return func(s *Simulation) {
		s.msgListeners = append(s.msgListeners, l)
	}
}

func WithConnectionListener(l ConnectionListener) Option {
	return func(s *Simulation) {
		s.connListeners = append(s.connListeners, l)
	}
}

// Simulation is one geocast run. Step and the diagnostics accessors are
// safe to call from different goroutines.
type Simulation struct {
	mu sync.Mutex

	settings core.Settings
	store    *kb.KnowledgeBase
	engine   *core.SimulationEngine
	history  *routing.VisitHistory
	peers    routing.Peers
	routers  map[string]*routing.Router
	nodeIDs  []string
	tracker  *discovery.Tracker

	// schedule holds the explicit messages not created yet, ordered by
	// creation offset.
	schedule  []core.MessageSpec
	generator *Generator

	messages map[string]*model.Message
	msgOrder []string

	events []core.ConnectionEvent
	tick   int
	now    time.Time

	// moved collects position events published during engine.Step;
	// tracked holds each node's last recorded position.
	moved       []kb.Event
	tracked     map[string]model.Point
	unsubscribe func()

	log           logging.Logger
	collector     *observability.RoutingCollector
	recorder      *recorder.Recorder
	msgListeners  []MessageListener
	connListeners []ConnectionListener
}

// New populates a fresh knowledge base from sc and builds a router for
// every node.
func New(sc *core.Scenario, opts ...Option) (*Simulation, error) {
	if sc == nil {
		return nil, fmt.Errorf("sim: nil scenario")
	}

	store := kb.NewKnowledgeBase()
	engine := core.NewSimulationEngine(store)
	summary, err := sc.Populate(store, engine.ConnectivityService, engine.Mobility)
	if err != nil {
		return nil, fmt.Errorf("sim: populate scenario: %w", err)
	}

	history := routing.NewVisitHistory(store)
	s := &Simulation{
		settings: sc.Settings,
		store:    store,
		engine:   engine,
		history:  history,
		peers:    routing.Peers{Positions: store, History: history},
		routers:  make(map[string]*routing.Router),
		messages: make(map[string]*model.Message),
		now:      sc.Settings.Start,
		log:      logging.Noop(),
	}
	s.tracker = discovery.NewTracker(discovery.OracleFunc(s.isDelivered))

	for _, n := range store.ListNodes() {
		s.routers[n.ID] = routing.NewRouter(n.ID, history, routing.Config{
			BufferBytes: n.BufferBytes,
			DefaultTTL:  sc.Settings.DefaultTTL.Std(),
			InitialRate: sc.Settings.InitialRate,
		})
		s.nodeIDs = append(s.nodeIDs, n.ID)
	}

	s.schedule = append([]core.MessageSpec(nil), sc.Messages...)
	sort.SliceStable(s.schedule, func(i, j int) bool { return s.schedule[i].At < s.schedule[j].At })

	if sc.Generator != nil {
		s.generator, err = NewGenerator(*sc.Generator, sc.Settings.Start, summary.NodeIDs, summary.RegionIDs)
		if err != nil {
			return nil, err
		}
	}

	engine.RegisterTickListener(func(_ time.Time, events []core.ConnectionEvent) error {
		s.events = append(s.events[:0], events...)
		return nil
	})

	for _, opt := range opts {
		opt(s)
	}
	if s.recorder != nil {
		s.tracked = make(map[string]model.Point)
		s.unsubscribe = store.Subscribe(func(e kb.Event) {
			if e.Type == kb.EventNodeMoved {
				s.moved = append(s.moved, e)
			}
		})
	}

	s.log.Info(context.Background(), "simulation ready",
		logging.Int("nodes", len(summary.NodeIDs)),
		logging.Int("regions", len(summary.RegionIDs)),
		logging.Int("radios", len(summary.RadioIDs)),
		logging.Int("scheduled_messages", len(s.schedule)),
	)
	return s, nil
}

// Now returns the time of the last processed tick.
func (s *Simulation) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Settings returns the run settings of the scenario.
func (s *Simulation) Settings() core.Settings { return s.settings }

// Store exposes the knowledge base holding nodes and regions.
func (s *Simulation) Store() *kb.KnowledgeBase { return s.store }

// Router returns the router of a node.
func (s *Simulation) Router(nodeID string) (*routing.Router, bool) {
	r, ok := s.routers[nodeID]
	return r, ok
}

// Run drives Step from a time controller until the scenario duration has
// elapsed or ctx is cancelled.
func (s *Simulation) Run(ctx context.Context, mode timectrl.Mode) error {
	tc := timectrl.NewTimeController(s.settings.Start, s.settings.Tick.Std(), mode)
	tc.AddListener(func(now time.Time) error {
		return s.Step(ctx, now)
	})

	s.log.Info(ctx, "starting simulation",
		logging.Time("start", s.settings.Start),
		logging.Duration("tick", s.settings.Tick.Std()),
		logging.Duration("duration", s.settings.Duration.Std()),
		logging.String("mode", mode.String()),
	)
	if err := tc.Run(ctx, s.settings.Duration.Std()); err != nil {
		return err
	}
	s.log.Info(ctx, "simulation complete",
		logging.Int("ticks", s.tick),
		logging.Int("messages", len(s.msgOrder)),
	)
	return nil
}

// Step advances the whole run to now. Within a tick the order is fixed:
// nodes move and contacts change, due messages are created, every node's
// visit history is updated, then each node in ID order completes incoming
// transfers, drops expired messages, refreshes its routing state and
// starts at most one transfer. Destination discovery runs last.
func (s *Simulation) Step(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := observability.StartTickSpan(ctx, s.tick, now)
	defer span.End()
	began := time.Now()

	if err := s.step(ctx, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("tick %d at %s: %w", s.tick, now.Format(time.RFC3339), err)
	}

	span.SetAttributes(
		attribute.Int("geocast.messages", len(s.msgOrder)),
		attribute.Int("geocast.tracked", s.tracker.Tracked()),
	)
	s.collector.ObserveTick(now.Sub(s.settings.Start), time.Since(began))
	s.now = now
	s.tick++
	return nil
}

func (s *Simulation) step(ctx context.Context, now time.Time) error {
	s.moved = s.moved[:0]
	if err := s.engine.Step(now); err != nil {
		return err
	}
	if err := s.recordMoves(now); err != nil {
		return err
	}
	s.handleConnectionEvents(now)

	if err := s.createDue(ctx, now); err != nil {
		return err
	}

	for _, id := range s.nodeIDs {
		loc, err := s.store.NodePosition(id)
		if err != nil {
			return err
		}
		visits, err := s.history.Observe(id, loc, now)
		if err != nil {
			return err
		}
		for _, v := range visits {
			s.collector.IncRegionEntry(v.Region)
		}
		if s.recorder != nil && len(visits) > 0 {
			if err := s.recorder.RecordVisits(visits); err != nil {
				return err
			}
		}
	}

	for _, id := range s.nodeIDs {
		if err := s.updateNode(ctx, id, now); err != nil {
			return err
		}
	}

	sightings, expired := s.tracker.OnTick(now, s.store.ListNodes())
	s.collector.AddObservations(len(sightings))
	s.collector.SetTracked(s.tracker.Tracked())
	if p, err := s.tracker.DeliveryProbability(s.msgOrder); err == nil {
		s.collector.SetDeliveryProbability(p)
	}
	for _, res := range expired {
		s.log.Debug(ctx, "message expired",
			logging.String("message", res.MessageID),
			logging.Int("observers", len(res.Observers)),
			logging.Int("delivered", res.Delivered),
			logging.Float("ratio", res.Ratio),
		)
	}
	if s.recorder != nil {
		if err := s.recorder.RecordSightings(sightings); err != nil {
			return err
		}
		if err := s.recorder.RecordResults(expired); err != nil {
			return err
		}
	}
	return nil
}

// recordMoves records the nodes whose position changed since they were
// last recorded. Every node is recorded on the first tick.
func (s *Simulation) recordMoves(now time.Time) error {
	if s.recorder == nil || len(s.moved) == 0 {
		return nil
	}
	var ps []recorder.Position
	for _, e := range s.moved {
		if last, ok := s.tracked[e.NodeID]; ok && last == e.Position {
			continue
		}
		s.tracked[e.NodeID] = e.Position
		ps = append(ps, recorder.Position{Node: e.NodeID, At: now, X: e.Position.X, Y: e.Position.Y})
	}
	return s.recorder.RecordPositions(ps)
}

func (s *Simulation) handleConnectionEvents(now time.Time) {
	for _, ev := range s.events {
		c := ev.Conn
		if ev.Up {
			for _, l := range s.connListeners {
				l.HostsConnected(c.A, c.B, now)
			}
			continue
		}
		if t := c.AbortTransfer(); t != nil {
			s.collector.IncTransfer("aborted")
			for _, l := range s.msgListeners {
				l.TransferAborted(t.Message, t.From, t.To, now)
			}
		}
		for _, l := range s.connListeners {
			l.HostsDisconnected(c.A, c.B, now)
		}
	}
}

// createDue creates every scheduled or generated message due at now. A
// duplicate ID is logged and skipped; any other failure aborts the tick.
func (s *Simulation) createDue(ctx context.Context, now time.Time) error {
	n := 0
	for n < len(s.schedule) && !s.settings.Start.Add(s.schedule[n].At.Std()).After(now) {
		n++
	}
	due := append([]core.MessageSpec(nil), s.schedule[:n]...)
	s.schedule = s.schedule[n:]
	if s.generator != nil {
		due = append(due, s.generator.Due(now)...)
	}

	for _, spec := range due {
		_, err := s.createMessage(spec, nil, now)
		switch {
		case errors.Is(err, ErrMessageExists):
			s.log.Warn(ctx, "duplicate message skipped",
				logging.String("message", spec.ID),
				logging.String("from", spec.From),
			)
		case err != nil:
			return fmt.Errorf("create %q: %w", spec.ID, err)
		}
	}
	return nil
}

func (s *Simulation) createMessage(spec core.MessageSpec, request *model.Message, now time.Time) (*model.Message, error) {
	if _, ok := s.messages[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrMessageExists, spec.ID)
	}
	r, ok := s.routers[spec.From]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoRouter, spec.From)
	}
	region, err := s.store.GetRegion(spec.To)
	if err != nil {
		return nil, err
	}

	m := &model.Message{
		ID:           spec.ID,
		From:         spec.From,
		To:           region,
		Size:         spec.Size,
		TTL:          spec.TTL.Std(),
		Request:      request,
		ResponseSize: spec.ResponseSize,
	}
	dropped, err := r.CreateMessage(m, now)
	if err != nil {
		return nil, err
	}
	s.deleted(dropped, spec.From, true, now)

	if err := s.tracker.Open(m); err != nil {
		return nil, err
	}
	s.messages[m.ID] = m
	s.msgOrder = append(s.msgOrder, m.ID)
	s.collector.IncMessage("created")
	for _, l := range s.msgListeners {
		l.NewMessage(m, now)
	}
	return m, nil
}

// respond creates the response to a request first delivered at nodeID.
// The response is addressed to the region the requester currently
// occupies; a requester outside every region gets no response.
func (s *Simulation) respond(ctx context.Context, req *model.Message, nodeID string, now time.Time) {
	region, err := s.history.Current(req.From)
	if err != nil || region == nil {
		s.log.Debug(ctx, "no response destination",
			logging.String("request", req.ID),
			logging.String("requester", req.From),
		)
		return
	}
	spec := core.MessageSpec{
		ID:   req.ID + responseSuffix,
		From: nodeID,
		To:   region.ID,
		Size: req.ResponseSize,
	}
	if _, err := s.createMessage(spec, req, now); err != nil && !errors.Is(err, ErrMessageExists) {
		s.log.Warn(ctx, "response not created",
			logging.String("request", req.ID),
			logging.String("error", err.Error()),
		)
	}
}

func (s *Simulation) updateNode(ctx context.Context, id string, now time.Time) error {
	r := s.routers[id]
	conns := s.engine.ConnectivityService.Connections(id)

	for _, c := range conns {
		if t := c.Transfer(); t == nil || t.To != id {
			continue
		}
		if t := c.FinishTransfer(now); t != nil {
			if err := s.deliver(ctx, t, now); err != nil {
				return err
			}
		}
	}

	s.deleted(r.DropExpired(now), id, true, now)

	loc, err := s.store.NodePosition(id)
	if err != nil {
		return err
	}
	candidates, err := r.Update(loc, conns, s.peers)
	if err != nil {
		return err
	}
	var flood, relay int
	for _, c := range candidates {
		if c.Phase == routing.PhaseFlood {
			flood++
		} else {
			relay++
		}
	}
	s.collector.AddCandidates(routing.PhaseFlood.String(), flood)
	s.collector.AddCandidates(routing.PhaseRelay.String(), relay)

	for _, c := range conns {
		if c.IsBusy() {
			return nil
		}
	}
	for _, cand := range candidates {
		peer, ok := s.routers[cand.Peer]
		if !ok || peer.Accepts(cand.Message) != nil {
			continue
		}
		if _, err := cand.Conn.StartTransfer(cand.Message, id, now); err != nil {
			continue
		}
		s.collector.IncTransfer("started")
		for _, l := range s.msgListeners {
			l.TransferStarted(cand.Message, id, cand.Peer, now)
		}
		s.log.Debug(ctx, "transfer started",
			logging.String("message", cand.Message.ID),
			logging.String("from", id),
			logging.String("to", cand.Peer),
			logging.String("phase", cand.Phase.String()),
		)
		break
	}
	return nil
}

func (s *Simulation) deliver(ctx context.Context, t *core.Transfer, now time.Time) error {
	r := s.routers[t.To]
	loc, err := s.store.NodePosition(t.To)
	if err != nil {
		return err
	}

	res, err := r.MessageTransferred(t.Message, t.From, loc, now)
	if err != nil {
		// Another copy reached the receiver while this one was in flight.
		s.log.Debug(ctx, "transfer refused",
			logging.String("message", t.Message.ID),
			logging.String("to", t.To),
			logging.String("error", err.Error()),
		)
		s.collector.IncTransfer("aborted")
		for _, l := range s.msgListeners {
			l.TransferAborted(t.Message, t.From, t.To, now)
		}
		return nil
	}

	outcome := "relayed"
	if res.FirstDelivery {
		outcome = "delivered"
	}
	s.collector.IncTransfer(outcome)
	for _, l := range s.msgListeners {
		l.MessageTransferred(res.Message, t.From, t.To, res.FirstDelivery, res.Inside, now)
	}
	s.deleted(res.Dropped, t.To, true, now)

	if res.FirstDelivery && res.Message.ResponseSize > 0 && !res.Message.IsResponse() {
		s.respond(ctx, res.Message, t.To, now)
	}
	return nil
}

func (s *Simulation) deleted(msgs []*model.Message, where string, dropped bool, now time.Time) {
	event := "removed"
	if dropped {
		event = "dropped"
	}
	for _, m := range msgs {
		s.collector.IncMessage(event)
		for _, l := range s.msgListeners {
			l.MessageDeleted(m, where, dropped, now)
		}
	}
}

func (s *Simulation) isDelivered(nodeID, msgID string) bool {
	r, ok := s.routers[nodeID]
	return ok && r.IsDelivered(msgID)
}

// DeliveryProbability is the mean delivery ratio over ids.
func (s *Simulation) DeliveryProbability(ids []string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.DeliveryProbability(ids)
}

// Results returns the delivery result of every created message.
func (s *Simulation) Results() []discovery.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Results()
}

// Finish records the results of messages still alive at the end of the
// run and flushes the recorder.
func (s *Simulation) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	var live []discovery.Result
	for _, res := range s.tracker.Results() {
		if s.tracker.IsTracked(res.MessageID) {
			live = append(live, res)
		}
	}
	if err := s.recorder.RecordResults(live); err != nil {
		return err
	}
	return s.recorder.Flush()
}
