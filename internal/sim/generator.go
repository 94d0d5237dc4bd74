package sim

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/signalsfoundry/geocast-simulator/core"
)

const defaultGeneratorPrefix = "M"

// Generator creates messages at random intervals between random sources
// and destination regions. The same seed yields the same message stream.
type Generator struct {
	spec    core.GeneratorSpec
	rng     *rand.Rand
	sources []string
	regions []string

	next  time.Time
	until time.Time
	seq   int
}

// NewGenerator prepares a generator whose first message is due one drawn
// interval after start. Empty source or region lists in spec fall back to
// nodes and regions.
func NewGenerator(spec core.GeneratorSpec, start time.Time, nodes, regions []string) (*Generator, error) {
	if spec.IntervalMin <= 0 || spec.IntervalMax < spec.IntervalMin {
		return nil, fmt.Errorf("generator: invalid interval range [%s, %s]", spec.IntervalMin.Std(), spec.IntervalMax.Std())
	}
	if spec.SizeMin < 0 || spec.SizeMax < spec.SizeMin {
		return nil, fmt.Errorf("generator: invalid size range [%d, %d]", spec.SizeMin, spec.SizeMax)
	}
	if spec.Prefix == "" {
		spec.Prefix = defaultGeneratorPrefix
	}

	g := &Generator{
		spec:    spec,
		rng:     rand.New(rand.NewSource(spec.Seed)),
		sources: spec.Sources,
		regions: spec.Regions,
	}
	if len(g.sources) == 0 {
		g.sources = nodes
	}
	if len(g.regions) == 0 {
		g.regions = regions
	}
	if len(g.sources) == 0 || len(g.regions) == 0 {
		return nil, fmt.Errorf("generator: no sources or destination regions")
	}
	if spec.Until > 0 {
		g.until = start.Add(spec.Until.Std())
	}
	g.next = start.Add(g.interval())
	return g, nil
}

// Due returns the messages whose creation time is at or before now.
func (g *Generator) Due(now time.Time) []core.MessageSpec {
	var out []core.MessageSpec
	for !g.next.After(now) {
		if !g.until.IsZero() && !g.next.Before(g.until) {
			break
		}
		g.seq++
		out = append(out, core.MessageSpec{
			ID:   fmt.Sprintf("%s%d", g.spec.Prefix, g.seq),
			From: g.sources[g.rng.Intn(len(g.sources))],
			To:   g.regions[g.rng.Intn(len(g.regions))],
			Size: g.size(),
		})
		g.next = g.next.Add(g.interval())
	}
	return out
}

// Next returns when the next message is due.
func (g *Generator) Next() time.Time { return g.next }

func (g *Generator) interval() time.Duration {
	lo, hi := int64(g.spec.IntervalMin), int64(g.spec.IntervalMax)
	if hi == lo {
		return time.Duration(lo)
	}
	return time.Duration(lo + g.rng.Int63n(hi-lo+1))
}

func (g *Generator) size() int {
	if g.spec.SizeMax == g.spec.SizeMin {
		return g.spec.SizeMin
	}
	return g.spec.SizeMin + g.rng.Intn(g.spec.SizeMax-g.spec.SizeMin+1)
}
