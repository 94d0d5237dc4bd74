package sim

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/geocast-simulator/core"
	"github.com/signalsfoundry/geocast-simulator/internal/observability"
	"github.com/signalsfoundry/geocast-simulator/internal/recorder"
	"github.com/signalsfoundry/geocast-simulator/internal/routing"
	"github.com/signalsfoundry/geocast-simulator/model"
	"github.com/signalsfoundry/geocast-simulator/timectrl"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return t0.Add(time.Duration(seconds) * time.Second) }

// eventRecorder keeps one line per listener callback.
type eventRecorder struct {
	lines []string
}

func (r *eventRecorder) add(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *eventRecorder) NewMessage(m *model.Message, now time.Time) {
	r.add("%d C %s %s", now.Unix()-t0.Unix(), m.From, m.ID)
}

func (r *eventRecorder) TransferStarted(m *model.Message, from, to string, now time.Time) {
	r.add("%d S %s %s %s", now.Unix()-t0.Unix(), from, to, m.ID)
}

func (r *eventRecorder) TransferAborted(m *model.Message, from, to string, now time.Time) {
	r.add("%d A %s %s %s", now.Unix()-t0.Unix(), from, to, m.ID)
}

func (r *eventRecorder) MessageTransferred(m *model.Message, from, to string, first, inside bool, now time.Time) {
	r.add("%d DE %s %s %s %v %v", now.Unix()-t0.Unix(), from, to, m.ID, first, inside)
}

func (r *eventRecorder) MessageDeleted(m *model.Message, where string, dropped bool, now time.Time) {
	r.add("%d DR %s %s %v", now.Unix()-t0.Unix(), where, m.ID, dropped)
}

func (r *eventRecorder) HostsConnected(a, b string, now time.Time) {
	r.add("%d CONN %s %s up", now.Unix()-t0.Unix(), a, b)
}

func (r *eventRecorder) HostsDisconnected(a, b string, now time.Time) {
	r.add("%d CONN %s %s down", now.Unix()-t0.Unix(), a, b)
}

func (r *eventRecorder) has(line string) bool {
	for _, l := range r.lines {
		if l == line {
			return true
		}
	}
	return false
}

func loadScenario(t *testing.T, body string) *core.Scenario {
	t.Helper()
	sc, err := core.LoadScenario(strings.NewReader(body))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	return sc
}

// stepRange steps the simulation once per second from first to last.
func stepRange(t *testing.T, s *Simulation, first, last int) {
	t.Helper()
	for i := first; i <= last; i++ {
		if err := s.Step(context.Background(), at(i)); err != nil {
			t.Fatalf("Step(%d): %v", i, err)
		}
	}
}

// "kiosk" sits next to the library where "reader" stays.
const floodScenario = `{
  "settings": { "start": "2025-01-01T00:00:00Z", "tick": "1s", "duration": "30s", "ttl": "10m" },
  "radios": [ { "id": "wifi", "band": { "min_ghz": 2.4, "max_ghz": 2.5 }, "range_m": 30 } ],
  "regions": [
    { "id": "library", "type": "rectangle", "min": { "x": 0, "y": 0 }, "max": { "x": 10, "y": 10 } },
    { "id": "plaza", "type": "rectangle", "min": { "x": 15, "y": 0 }, "max": { "x": 30, "y": 10 } }
  ],
  "nodes": [
    { "id": "kiosk", "radio": "wifi", "position": { "x": 20, "y": 5 } },
    { "id": "reader", "radio": "wifi", "position": { "x": 5, "y": 5 } }
  ],
  "messages": [ { "id": "M1", "from": "kiosk", "to": "library", "size": 100, "at": 0, "response_size": 20 } ]
}`

func TestFloodDeliversToNodeInsideDestination(t *testing.T) {
	events := &eventRecorder{}
	collector, err := observability.NewRoutingCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewRoutingCollector: %v", err)
	}
	s, err := New(loadScenario(t, floodScenario),
		WithMessageListener(events),
		WithConnectionListener(events),
		WithCollector(collector),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stepRange(t, s, 0, 0)

	for _, want := range []string{
		"0 CONN kiosk reader up",
		"0 C kiosk M1",
		"0 S kiosk reader M1",
		"0 DE kiosk reader M1 true true",
	} {
		if !events.has(want) {
			t.Fatalf("missing event %q in %v", want, events.lines)
		}
	}

	reader, _ := s.Router("reader")
	if !reader.IsDelivered("M1") {
		t.Fatalf("reader should hold a confirmed delivery")
	}
	ratio, err := s.tracker.DeliveryRatio("M1")
	if err != nil || ratio != 1 {
		t.Fatalf("DeliveryRatio = %v, %v; want 1", ratio, err)
	}
	if got := testutil.ToFloat64(collector.Transfers.WithLabelValues("delivered")); got != 1 {
		t.Fatalf("delivered transfers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Candidates.WithLabelValues("flood")); got < 1 {
		t.Fatalf("flood candidates = %v, want at least 1", got)
	}
}

func TestResponseReturnsToRequesterRegion(t *testing.T) {
	events := &eventRecorder{}
	s, err := New(loadScenario(t, floodScenario), WithMessageListener(events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stepRange(t, s, 0, 1)

	if !events.has("0 C reader M1-r") {
		t.Fatalf("response not created at the delivering node: %v", events.lines)
	}
	if !events.has("0 S reader kiosk M1-r") {
		t.Fatalf("response not flooded back: %v", events.lines)
	}
	kiosk, _ := s.Router("kiosk")
	if !kiosk.IsDelivered("M1-r") {
		t.Fatalf("requester inside plaza should confirm the response")
	}
	resp, ok := kiosk.Message("M1-r")
	if !ok || !resp.IsResponse() || resp.Request.ID != "M1" || resp.To.ID != "plaza" {
		t.Fatalf("unexpected response copy %+v", resp)
	}
}

// "bus" shuttles through the library every 8s; "src" never enters it.
const relayScenario = `{
  "settings": { "start": "2025-01-01T00:00:00Z", "tick": "1s", "duration": "20s", "ttl": "10m" },
  "radios": [ { "id": "wifi", "band": { "min_ghz": 2.4, "max_ghz": 2.5 }, "range_m": 100 } ],
  "regions": [
    { "id": "library", "type": "rectangle", "min": { "x": 0, "y": 0 }, "max": { "x": 10, "y": 10 } }
  ],
  "nodes": [
    { "id": "bus", "radio": "wifi", "mobility": { "type": "waypoint", "speed": 10,
      "waypoints": [ { "x": 5, "y": 5 }, { "x": 45, "y": 5 } ] } },
    { "id": "src", "radio": "wifi", "position": { "x": 60, "y": 5 } }
  ],
  "messages": [ { "id": "M1", "from": "src", "to": "library", "size": 100, "at": "10s" } ]
}`

func TestRelayToFrequentVisitor(t *testing.T) {
	events := &eventRecorder{}
	s, err := New(loadScenario(t, relayScenario), WithMessageListener(events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stepRange(t, s, 0, 11)

	state, err := s.VisitRate("bus", "library")
	if err != nil {
		t.Fatalf("VisitRate: %v", err)
	}
	if len(state.Visits) != 2 || state.Rate != 1.0/8 {
		t.Fatalf("bus history = %v rate %v, want entries at 0s and 8s", state.Visits, state.Rate)
	}
	if !events.has("10 S src bus M1") {
		t.Fatalf("src should relay to the more frequent visitor: %v", events.lines)
	}
	if !events.has("11 DE src bus M1 false false") {
		t.Fatalf("bus should receive M1 outside the library: %v", events.lines)
	}

	bus, _ := s.Router("bus")
	cp, ok := bus.Message("M1")
	if !ok || cp.Routing.Rate != 1.0/8 || cp.Routing.Arrived {
		t.Fatalf("unexpected bus copy %+v", cp)
	}

	stepRange(t, s, 12, 16)
	msg, err := s.MessageState("M1")
	if err != nil {
		t.Fatalf("MessageState: %v", err)
	}
	if len(msg.Observers) != 1 || msg.Observers[0] != "bus" || msg.DeliveryRatio != 0 {
		t.Fatalf("bus entered unconfirmed: observers %v ratio %v", msg.Observers, msg.DeliveryRatio)
	}
	if len(msg.Carriers) != 2 {
		t.Fatalf("carriers = %+v, want src and bus", msg.Carriers)
	}
}

const abortScenario = `{
  "settings": { "start": "2025-01-01T00:00:00Z", "tick": "1s", "duration": "5s" },
  "radios": [ { "id": "slow", "band": { "min_ghz": 2.4, "max_ghz": 2.5 }, "range_m": 30, "bitrate_bps": 100 } ],
  "regions": [ { "id": "stop", "type": "circle", "center": { "x": 10, "y": 0 }, "radius": 5 } ],
  "nodes": [
    { "id": "a", "radio": "slow", "position": { "x": 0, "y": 0 } },
    { "id": "b", "radio": "slow", "mobility": { "type": "waypoint", "speed": 50,
      "waypoints": [ { "x": 10, "y": 0 }, { "x": 500, "y": 0 } ] } }
  ],
  "messages": [ { "id": "M1", "from": "a", "to": "stop", "size": 1000, "ttl": "1m" } ]
}`

func TestBrokenContactAbortsTransfer(t *testing.T) {
	events := &eventRecorder{}
	s, err := New(loadScenario(t, abortScenario),
		WithMessageListener(events),
		WithConnectionListener(events),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stepRange(t, s, 0, 1)

	want := []string{
		"0 CONN a b up",
		"0 C a M1",
		"0 S a b M1",
		"1 A a b M1",
		"1 CONN a b down",
	}
	if strings.Join(events.lines, "\n") != strings.Join(want, "\n") {
		t.Fatalf("events =\n%s\nwant\n%s", strings.Join(events.lines, "\n"), strings.Join(want, "\n"))
	}
	b, _ := s.Router("b")
	if b.HasMessage("M1") {
		t.Fatalf("aborted transfer must not reach b")
	}
}

func TestExpiredMessagesAreDroppedAndFinalized(t *testing.T) {
	events := &eventRecorder{}
	s, err := New(loadScenario(t, abortScenario), WithMessageListener(events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, sec := range []int{0, 60} {
		if err := s.Step(context.Background(), at(sec)); err != nil {
			t.Fatalf("Step(%d): %v", sec, err)
		}
	}
	if !events.has("60 DR a M1 true") {
		t.Fatalf("expired message not dropped: %v", events.lines)
	}
	snap, err := s.DeliverySnapshot()
	if err != nil {
		t.Fatalf("DeliverySnapshot: %v", err)
	}
	if snap.Tracked != 0 || len(snap.Messages) != 1 || !snap.Messages[0].Expired {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	// b was inside the stop at tick 0 but never received a copy.
	if snap.Messages[0].Observers != 1 || snap.Messages[0].Ratio != 0 {
		t.Fatalf("unexpected result %+v", snap.Messages[0])
	}
}

// "kiosk" can buffer 50 bytes, half of M1.
const oversizedScenario = `{
  "settings": { "start": "2025-01-01T00:00:00Z", "tick": "1s", "duration": "5s", "ttl": "10m" },
  "radios": [ { "id": "wifi", "band": { "min_ghz": 2.4, "max_ghz": 2.5 }, "range_m": 30 } ],
  "regions": [ { "id": "library", "type": "rectangle", "min": { "x": 0, "y": 0 }, "max": { "x": 10, "y": 10 } } ],
  "nodes": [
    { "id": "kiosk", "radio": "wifi", "buffer_bytes": 50, "position": { "x": 20, "y": 5 } },
    { "id": "reader", "radio": "wifi", "position": { "x": 5, "y": 5 } }
  ],
  "messages": [ { "id": "M1", "from": "kiosk", "to": "library", "size": 100 } ]
}`

func TestMessageCreationFailureStopsTick(t *testing.T) {
	s, err := New(loadScenario(t, oversizedScenario))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.Step(context.Background(), at(0))
	if !errors.Is(err, routing.ErrMessageTooLarge) {
		t.Fatalf("Step err = %v, want ErrMessageTooLarge", err)
	}
	if !strings.Contains(err.Error(), `"M1"`) {
		t.Fatalf("error does not name the message: %v", err)
	}
	if got := s.Now(); !got.Equal(t0) {
		t.Fatalf("failed tick advanced the clock to %v", got)
	}
}

// The generator's first ID collides with the scheduled M1.
const duplicateScenario = `{
  "settings": { "start": "2025-01-01T00:00:00Z", "tick": "1s", "duration": "5s", "ttl": "10m" },
  "radios": [ { "id": "wifi", "band": { "min_ghz": 2.4, "max_ghz": 2.5 }, "range_m": 30 } ],
  "regions": [ { "id": "library", "type": "rectangle", "min": { "x": 0, "y": 0 }, "max": { "x": 10, "y": 10 } } ],
  "nodes": [
    { "id": "kiosk", "radio": "wifi", "position": { "x": 20, "y": 5 } },
    { "id": "reader", "radio": "wifi", "position": { "x": 5, "y": 5 } }
  ],
  "messages": [ { "id": "M1", "from": "kiosk", "to": "library", "size": 100 } ],
  "generator": { "prefix": "M", "interval_min": "1s", "interval_max": "1s",
    "size_min": 10, "size_max": 10, "sources": [ "kiosk" ], "regions": [ "library" ] }
}`

func TestDuplicateGeneratedMessageIsSkipped(t *testing.T) {
	events := &eventRecorder{}
	s, err := New(loadScenario(t, duplicateScenario), WithMessageListener(events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stepRange(t, s, 0, 2)

	var created []string
	for _, l := range events.lines {
		if strings.Contains(l, " C ") {
			created = append(created, l)
		}
	}
	want := []string{"0 C kiosk M1", "2 C kiosk M2"}
	if strings.Join(created, "|") != strings.Join(want, "|") {
		t.Fatalf("created = %v, want %v", created, want)
	}
	snap, err := s.DeliverySnapshot()
	if err != nil {
		t.Fatalf("DeliverySnapshot: %v", err)
	}
	if snap.Measured != 2 {
		t.Fatalf("measured = %d, want 2", snap.Measured)
	}
}

func TestDiagnosticsNotFound(t *testing.T) {
	s, err := New(loadScenario(t, floodScenario))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stepRange(t, s, 0, 0)

	if _, err := s.MessageState("missing"); !errors.Is(err, observability.ErrNotFound) {
		t.Fatalf("MessageState(missing) err = %v", err)
	}
	if _, err := s.VisitRate("ghost", "library"); !errors.Is(err, observability.ErrNotFound) {
		t.Fatalf("VisitRate(ghost) err = %v", err)
	}
	if _, err := s.VisitRate("reader", "nowhere"); !errors.Is(err, observability.ErrNotFound) {
		t.Fatalf("VisitRate(nowhere) err = %v", err)
	}
}

func TestRunWithRecorder(t *testing.T) {
	rec, err := recorder.Open(filepath.Join(t.TempDir(), "run.sqlite3"), t0)
	if err != nil {
		t.Fatalf("recorder.Open: %v", err)
	}
	defer rec.Close()

	s, err := New(loadScenario(t, relayScenario), WithRecorder(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Run(context.Background(), timectrl.Accelerated); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.Now(); !got.Equal(at(19)) {
		t.Fatalf("last tick = %v, want %v", got, at(19))
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	var visits int
	if err := rec.DB().QueryRow(`SELECT COUNT(*) FROM visits WHERE node = 'bus'`).Scan(&visits); err != nil {
		t.Fatalf("count visits: %v", err)
	}
	// entries at 0s, 8s and 16s
	if visits != 3 {
		t.Fatalf("bus visits = %d, want 3", visits)
	}
	// bus moves every tick; src is recorded once
	for node, want := range map[string]int{"bus": 20, "src": 1} {
		var n int
		if err := rec.DB().QueryRow(`SELECT COUNT(*) FROM positions WHERE node = ?`, node).Scan(&n); err != nil {
			t.Fatalf("count positions: %v", err)
		}
		if n != want {
			t.Fatalf("%s positions = %d, want %d", node, n, want)
		}
	}
	var results int
	if err := rec.DB().QueryRow(`SELECT COUNT(*) FROM results`).Scan(&results); err != nil {
		t.Fatalf("count results: %v", err)
	}
	if results != 1 {
		t.Fatalf("results rows = %d, want 1", results)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(loadScenario(t, relayScenario))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, timectrl.Accelerated); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
}
