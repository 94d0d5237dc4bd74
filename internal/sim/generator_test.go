package sim

import (
	"reflect"
	"testing"
	"time"

	"github.com/signalsfoundry/geocast-simulator/core"
)

func generatorSpec() core.GeneratorSpec {
	return core.GeneratorSpec{
		Prefix:      "G",
		IntervalMin: core.Duration(10 * time.Second),
		IntervalMax: core.Duration(20 * time.Second),
		SizeMin:     100,
		SizeMax:     200,
		Seed:        42,
	}
}

func drain(g *Generator, until time.Time) []core.MessageSpec {
	var out []core.MessageSpec
	for now := t0; !now.After(until); now = now.Add(time.Second) {
		out = append(out, g.Due(now)...)
	}
	return out
}

func TestGeneratorIsDeterministic(t *testing.T) {
	nodes := []string{"a", "b", "c"}
	regions := []string{"library", "cafe"}

	g1, err := NewGenerator(generatorSpec(), t0, nodes, regions)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	g2, _ := NewGenerator(generatorSpec(), t0, nodes, regions)

	first := drain(g1, at(300))
	second := drain(g2, at(300))
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same seed produced different streams:\n%v\n%v", first, second)
	}
	// one message every 10..20s over 300s
	if len(first) < 15 || len(first) > 30 {
		t.Fatalf("generated %d messages, want 15..30", len(first))
	}
	for i, m := range first {
		if m.Size < 100 || m.Size > 200 {
			t.Fatalf("message %d size %d outside range", i, m.Size)
		}
	}
	if first[0].ID != "G1" || first[1].ID != "G2" {
		t.Fatalf("unexpected IDs %q, %q", first[0].ID, first[1].ID)
	}
}

func TestGeneratorHonoursSourcesAndUntil(t *testing.T) {
	spec := generatorSpec()
	spec.Sources = []string{"b"}
	spec.Regions = []string{"cafe"}
	spec.Until = core.Duration(60 * time.Second)

	g, err := NewGenerator(spec, t0, []string{"a", "b"}, []string{"library", "cafe"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	msgs := drain(g, at(600))
	if len(msgs) == 0 || len(msgs) > 6 {
		t.Fatalf("generated %d messages before 60s, want 1..6", len(msgs))
	}
	for _, m := range msgs {
		if m.From != "b" || m.To != "cafe" {
			t.Fatalf("message %+v ignores configured source or region", m)
		}
	}
}

func TestGeneratorCatchesUpOnCoarseTicks(t *testing.T) {
	spec := generatorSpec()
	spec.IntervalMax = spec.IntervalMin

	g, err := NewGenerator(spec, t0, []string{"a"}, []string{"library"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if got := len(g.Due(at(35))); got != 3 {
		t.Fatalf("Due after 35s = %d messages, want 3", got)
	}
	if want := at(40); !g.Next().Equal(want) {
		t.Fatalf("Next = %v, want %v", g.Next(), want)
	}
}

func TestGeneratorRejectsBadRanges(t *testing.T) {
	spec := generatorSpec()
	spec.IntervalMin = 0
	if _, err := NewGenerator(spec, t0, []string{"a"}, []string{"r"}); err == nil {
		t.Fatalf("zero interval accepted")
	}
	spec = generatorSpec()
	if _, err := NewGenerator(spec, t0, nil, []string{"r"}); err == nil {
		t.Fatalf("generator without sources accepted")
	}
}
