// core/scenario_loader.go
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/signalsfoundry/geocast-simulator/kb"
	"github.com/signalsfoundry/geocast-simulator/model"
)

// ErrScenarioInvalid wraps every structural problem found in a scenario.
var ErrScenarioInvalid = errors.New("invalid scenario")

// Duration is a time.Duration that decodes from Go duration strings
// ("90s", "1h30m") or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings are the run-level parameters of a scenario.
type Settings struct {
	Start    time.Time `json:"start"`
	Tick     Duration  `json:"tick"`
	Duration Duration  `json:"duration"`

	// DefaultTTL applies to messages that do not carry their own TTL.
	DefaultTTL  Duration `json:"ttl"`
	InitialRate float64  `json:"initial_rate"`

	Warmup   Duration `json:"warmup"`
	Cooldown Duration `json:"cooldown"`

	// Origin anchors ground-track projections onto the plane.
	Origin LatLon `json:"origin"`
}

// MessageSpec schedules one message creation.
type MessageSpec struct {
	ID           string   `json:"id"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	Size         int      `json:"size"`
	At           Duration `json:"at"`
	TTL          Duration `json:"ttl"`
	ResponseSize int      `json:"response_size"`
}

// GeneratorSpec configures periodic random message creation.
type GeneratorSpec struct {
	Prefix      string   `json:"prefix"`
	IntervalMin Duration `json:"interval_min"`
	IntervalMax Duration `json:"interval_max"`
	SizeMin     int      `json:"size_min"`
	SizeMax     int      `json:"size_max"`
	Sources     []string `json:"sources"`
	Regions     []string `json:"regions"`
	Until       Duration `json:"until"`
	Seed        int64    `json:"seed"`
}

// Scenario is a fully decoded scenario file.
type Scenario struct {
	Settings  Settings       `json:"settings"`
	Radios    []*RadioModel  `json:"radios"`
	Regions   []regionJSON   `json:"regions"`
	Nodes     []nodeJSON     `json:"nodes"`
	Messages  []MessageSpec  `json:"messages"`
	Generator *GeneratorSpec `json:"generator,omitempty"`
}

// ScenarioSummary is a small summary of what was populated.
// It’s mainly useful for logging or debugging from main().
type ScenarioSummary struct {
	RadioIDs  []string
	RegionIDs []string
	NodeIDs   []string
}

// internal JSON shapes – keep them unexported so we’re free to evolve them.
type regionJSON struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Type     string        `json:"type"` // "rectangle" | "circle" | "polygon"
	Min      model.Point   `json:"min"`
	Max      model.Point   `json:"max"`
	Center   model.Point   `json:"center"`
	Radius   float64       `json:"radius"`
	Vertices []model.Point `json:"vertices"`
}

type nodeJSON struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Radio       string       `json:"radio"`
	BufferBytes int          `json:"buffer_bytes"`
	Position    model.Point  `json:"position"`
	Mobility    mobilityJSON `json:"mobility"`
}

type mobilityJSON struct {
	Type      string        `json:"type"` // "static" | "waypoint" | "ground_track"
	Waypoints []model.Point `json:"waypoints"`
	Speed     float64       `json:"speed"`
	TLE1      string        `json:"tle1"`
	TLE2      string        `json:"tle2"`
}

// LoadScenario decodes a JSON scenario from r and checks its structure:
// unique IDs, known radio/region/node references and sane settings.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if sc.Settings.Tick <= 0 {
		return fmt.Errorf("%w: tick must be positive", ErrScenarioInvalid)
	}
	if sc.Settings.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrScenarioInvalid)
	}

	radios := make(map[string]bool, len(sc.Radios))
	for _, rm := range sc.Radios {
		if rm == nil || rm.ID == "" {
			return fmt.Errorf("%w: radio with empty id", ErrScenarioInvalid)
		}
		if radios[rm.ID] {
			return fmt.Errorf("%w: duplicate radio %q", ErrScenarioInvalid, rm.ID)
		}
		radios[rm.ID] = true
	}

	regions := make(map[string]bool, len(sc.Regions))
	for _, rj := range sc.Regions {
		if err := rj.toRegion().Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrScenarioInvalid, err)
		}
		if regions[rj.ID] {
			return fmt.Errorf("%w: duplicate region %q", ErrScenarioInvalid, rj.ID)
		}
		regions[rj.ID] = true
	}

	nodes := make(map[string]bool, len(sc.Nodes))
	for _, nj := range sc.Nodes {
		if nj.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrScenarioInvalid)
		}
		if nodes[nj.ID] {
			return fmt.Errorf("%w: duplicate node %q", ErrScenarioInvalid, nj.ID)
		}
		if nj.Radio != "" && !radios[nj.Radio] {
			return fmt.Errorf("%w: node %q references unknown radio %q", ErrScenarioInvalid, nj.ID, nj.Radio)
		}
		nodes[nj.ID] = true
	}

	msgIDs := make(map[string]bool, len(sc.Messages))
	for _, ms := range sc.Messages {
		switch {
		case ms.ID == "":
			return fmt.Errorf("%w: message with empty id", ErrScenarioInvalid)
		case msgIDs[ms.ID]:
			return fmt.Errorf("%w: duplicate message %q", ErrScenarioInvalid, ms.ID)
		case !nodes[ms.From]:
			return fmt.Errorf("%w: message %q from unknown node %q", ErrScenarioInvalid, ms.ID, ms.From)
		case !regions[ms.To]:
			return fmt.Errorf("%w: message %q to unknown region %q", ErrScenarioInvalid, ms.ID, ms.To)
		}
		msgIDs[ms.ID] = true
	}

	if g := sc.Generator; g != nil {
		if g.IntervalMin <= 0 || g.IntervalMax < g.IntervalMin {
			return fmt.Errorf("%w: generator interval range", ErrScenarioInvalid)
		}
		if g.SizeMin < 0 || g.SizeMax < g.SizeMin {
			return fmt.Errorf("%w: generator size range", ErrScenarioInvalid)
		}
		for _, id := range g.Sources {
			if !nodes[id] {
				return fmt.Errorf("%w: generator source %q unknown", ErrScenarioInvalid, id)
			}
		}
		for _, id := range g.Regions {
			if !regions[id] {
				return fmt.Errorf("%w: generator region %q unknown", ErrScenarioInvalid, id)
			}
		}
	}
	return nil
}

// Populate registers the scenario's radios, regions and nodes with the
// knowledge base, connectivity service and mobility manager.
func (sc *Scenario) Populate(store *kb.KnowledgeBase, cs *ConnectivityService, mm *MobilityManager) (*ScenarioSummary, error) {
	if store == nil || cs == nil || mm == nil {
		return nil, fmt.Errorf("Populate: nil knowledge base, connectivity or mobility")
	}

	summary := &ScenarioSummary{}

	// 1) Radios
	for _, rm := range sc.Radios {
		if err := cs.AddRadioModel(rm); err != nil {
			return nil, err
		}
		summary.RadioIDs = append(summary.RadioIDs, rm.ID)
	}

	// 2) Regions
	for _, rj := range sc.Regions {
		if err := store.AddRegion(rj.toRegion()); err != nil {
			return nil, err
		}
		summary.RegionIDs = append(summary.RegionIDs, rj.ID)
	}

	// 3) Nodes + mobility
	for _, nj := range sc.Nodes {
		spec := nj.Mobility.toSpec()
		n := &model.Node{
			ID:          nj.ID,
			Name:        nj.Name,
			RadioID:     nj.Radio,
			BufferBytes: nj.BufferBytes,
			Position:    nj.Position,
			Mobility:    spec,
		}
		mob, err := NewMobilityModel(spec, sc.Settings.Start, sc.Settings.Origin)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nj.ID, err)
		}
		// Seed the position so tick zero already sees the node where it starts.
		mob.UpdatePosition(sc.Settings.Start, n)

		if err := store.AddNode(n); err != nil {
			return nil, err
		}
		if err := mm.AddNode(n, mob); err != nil {
			return nil, err
		}
		summary.NodeIDs = append(summary.NodeIDs, nj.ID)
	}

	return summary, nil
}

func (rj regionJSON) toRegion() *model.Region {
	return &model.Region{
		ID:       rj.ID,
		Name:     rj.Name,
		Type:     model.RegionType(strings.ToLower(strings.TrimSpace(rj.Type))),
		Min:      rj.Min,
		Max:      rj.Max,
		Center:   rj.Center,
		Radius:   rj.Radius,
		Vertices: append([]model.Point(nil), rj.Vertices...),
	}
}

func (mj mobilityJSON) toSpec() model.MobilitySpec {
	return model.MobilitySpec{
		Type:      model.MobilityType(strings.ToLower(strings.TrimSpace(mj.Type))),
		Waypoints: append([]model.Point(nil), mj.Waypoints...),
		Speed:     mj.Speed,
		TLE1:      mj.TLE1,
		TLE2:      mj.TLE2,
	}
}
