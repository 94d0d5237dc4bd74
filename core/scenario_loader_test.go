// core/scenario_loader_test.go
package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/geocast-simulator/kb"
)

const campusScenario = `
{
  "settings": {
    "start": "2025-01-01T00:00:00Z",
    "tick": "1s",
    "duration": "10m",
    "ttl": "5m",
    "warmup": 30
  },
  "radios": [
    { "id": "wifi", "band": { "min_ghz": 2.4, "max_ghz": 2.5 }, "range_m": 30, "bitrate_bps": 250000 }
  ],
  "regions": [
    { "id": "library", "type": "rectangle", "min": { "x": 0, "y": 0 }, "max": { "x": 10, "y": 10 } },
    { "id": "cafe", "type": "circle", "center": { "x": 100, "y": 100 }, "radius": 15 }
  ],
  "nodes": [
    { "id": "bus", "radio": "wifi", "mobility": { "type": "waypoint", "speed": 5,
      "waypoints": [ { "x": 0, "y": 0 }, { "x": 200, "y": 0 } ] } },
    { "id": "kiosk", "radio": "wifi", "position": { "x": 100, "y": 100 } }
  ],
  "messages": [
    { "id": "M1", "from": "kiosk", "to": "library", "size": 1000, "at": "5s" }
  ],
  "generator": {
    "prefix": "G", "interval_min": "30s", "interval_max": "60s",
    "size_min": 100, "size_max": 500, "sources": ["bus"], "regions": ["cafe"], "seed": 7
  }
}
`

func TestLoadScenario_PopulatesKB(t *testing.T) {
	sc, err := LoadScenario(strings.NewReader(campusScenario))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}

	if got := sc.Settings.Tick.Std(); got != time.Second {
		t.Fatalf("tick = %v, want 1s", got)
	}
	if got := sc.Settings.Warmup.Std(); got != 30*time.Second {
		t.Fatalf("numeric warmup = %v, want 30s", got)
	}
	if len(sc.Messages) != 1 || sc.Messages[0].At.Std() != 5*time.Second {
		t.Fatalf("unexpected messages %#v", sc.Messages)
	}
	if sc.Generator == nil || sc.Generator.Seed != 7 {
		t.Fatalf("unexpected generator %#v", sc.Generator)
	}

	store := kb.NewKnowledgeBase()
	cs := NewConnectivityService(store)
	mm := NewMobilityManager(store)

	summary, err := sc.Populate(store, cs, mm)
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if len(summary.NodeIDs) != 2 || len(summary.RegionIDs) != 2 || len(summary.RadioIDs) != 1 {
		t.Fatalf("unexpected summary %#v", summary)
	}

	lib, err := store.GetRegion("library")
	if err != nil {
		t.Fatalf("GetRegion(library): %v", err)
	}
	if !lib.Contains(store.GetNode("bus").Position) {
		t.Fatalf("bus should start inside the library region")
	}
	if cs.GetRadioModel("wifi") == nil {
		t.Fatalf("radio model not registered")
	}

	if err := mm.UpdatePositions(sc.Settings.Start.Add(4 * time.Second)); err != nil {
		t.Fatalf("UpdatePositions: %v", err)
	}
	if p, _ := store.NodePosition("bus"); p.X != 20 {
		t.Fatalf("bus X after 4s = %v, want 20", p.X)
	}
}

func TestLoadScenario_RejectsBadReferences(t *testing.T) {
	tests := map[string]string{
		"no tick":        `{"settings": {}}`,
		"unknown field":  `{"settings": {"tick": "1s"}, "bogus": 1}`,
		"bad radio ref":  `{"settings": {"tick": "1s"}, "nodes": [{"id": "a", "radio": "nope"}]}`,
		"bad region":     `{"settings": {"tick": "1s"}, "regions": [{"id": "r", "type": "circle"}]}`,
		"duplicate node": `{"settings": {"tick": "1s"}, "nodes": [{"id": "a"}, {"id": "a"}]}`,
		"message to nowhere": `{"settings": {"tick": "1s"}, "nodes": [{"id": "a"}],
			"messages": [{"id": "M1", "from": "a", "to": "r"}]}`,
		"generator range": `{"settings": {"tick": "1s"},
			"generator": {"interval_min": "10s", "interval_max": "5s"}}`,
	}

	for name, payload := range tests {
		_, err := LoadScenario(strings.NewReader(payload))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if name != "unknown field" && !errors.Is(err, ErrScenarioInvalid) {
			t.Errorf("%s: error = %v, want ErrScenarioInvalid", name, err)
		}
	}
}
