package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/signalsfoundry/geocast-simulator/internal/discovery"
	"github.com/signalsfoundry/geocast-simulator/model"
)

// RatioSource supplies per-message delivery outcomes at report time.
type RatioSource interface {
	DeliveryProbability(ids []string) (float64, error)
	Results() []discovery.Result
}

// StatsConfig bounds the measurement window. Messages created during the
// first Warmup or the last Cooldown of the run are ignored.
type StatsConfig struct {
	Start    time.Time
	End      time.Time
	Warmup   time.Duration
	Cooldown time.Duration
}

// Stats accumulates geocast relaying statistics for one run.
type Stats struct {
	cfg StatsConfig

	ignored  map[string]struct{}
	created  map[string]time.Time
	measured []string

	nrofCreated            int
	nrofStarted            int
	nrofRelayed            int
	nrofAborted            int
	nrofDropped            int
	nrofRemoved            int
	nrofDelivered          int
	nrofResponseReqCreated int
	nrofResponseDelivered  int

	latencies  []float64
	hopCounts  []float64
	bufferTime []float64
	rtt        []float64
}

// NewStats returns an empty collector.
func NewStats(cfg StatsConfig) *Stats {
	return &Stats{
		cfg:     cfg,
		ignored: make(map[string]struct{}),
		created: make(map[string]time.Time),
	}
}

func (s *Stats) inWarmup(now time.Time) bool {
	return s.cfg.Warmup > 0 && now.Before(s.cfg.Start.Add(s.cfg.Warmup))
}

func (s *Stats) inCooldown(now time.Time) bool {
	return s.cfg.Cooldown > 0 && !s.cfg.End.IsZero() && !now.Before(s.cfg.End.Add(-s.cfg.Cooldown))
}

func (s *Stats) skip(id string) bool {
	_, ok := s.ignored[id]
	return ok
}

func (s *Stats) NewMessage(m *model.Message, now time.Time) {
	if s.inWarmup(now) || s.inCooldown(now) {
		s.ignored[m.ID] = struct{}{}
		return
	}
	s.created[m.ID] = now
	s.measured = append(s.measured, m.ID)
	s.nrofCreated++
	if m.ResponseSize > 0 {
		s.nrofResponseReqCreated++
	}
}

func (s *Stats) TransferStarted(m *model.Message, _, _ string, _ time.Time) {
	if s.skip(m.ID) {
		return
	}
	s.nrofStarted++
}

func (s *Stats) TransferAborted(m *model.Message, _, _ string, _ time.Time) {
	if s.skip(m.ID) {
		return
	}
	s.nrofAborted++
}

func (s *Stats) MessageTransferred(m *model.Message, _, _ string, firstDelivery, _ bool, now time.Time) {
	if s.skip(m.ID) {
		return
	}
	s.nrofRelayed++
	if !firstDelivery {
		return
	}
	s.nrofDelivered++
	if created, ok := s.created[m.ID]; ok {
		s.latencies = append(s.latencies, now.Sub(created).Seconds())
	}
	s.hopCounts = append(s.hopCounts, float64(len(m.Hops)-1))
	if m.IsResponse() {
		s.rtt = append(s.rtt, now.Sub(m.Request.Created).Seconds())
		s.nrofResponseDelivered++
	}
}

func (s *Stats) MessageDeleted(m *model.Message, _ string, dropped bool, now time.Time) {
	if s.skip(m.ID) {
		return
	}
	if dropped {
		s.nrofDropped++
	} else {
		s.nrofRemoved++
	}
	s.bufferTime = append(s.bufferTime, now.Sub(m.Received).Seconds())
}

// Measured returns the IDs of messages created inside the measurement
// window, in creation order.
func (s *Stats) Measured() []string {
	return append([]string(nil), s.measured...)
}

// Summary is the computed report.
type Summary struct {
	SimTime time.Duration

	Created   int
	Started   int
	Relayed   int
	Aborted   int
	Dropped   int
	Removed   int
	Delivered int

	DeliveryProb  float64
	ResponseProb  float64
	OverheadRatio float64

	LatencyAvg    float64
	LatencyMed    float64
	HopCountAvg   float64
	HopCountMed   float64
	BufferTimeAvg float64
	BufferTimeMed float64
	RTTAvg        float64
	RTTMed        float64
}

// Summarize computes the summary at now. The delivery probability is the
// mean discovery delivery ratio over the measured messages.
func (s *Stats) Summarize(now time.Time, ratios RatioSource) (Summary, error) {
	sum := Summary{
		SimTime:       now.Sub(s.cfg.Start),
		Created:       s.nrofCreated,
		Started:       s.nrofStarted,
		Relayed:       s.nrofRelayed,
		Aborted:       s.nrofAborted,
		Dropped:       s.nrofDropped,
		Removed:       s.nrofRemoved,
		Delivered:     s.nrofDelivered,
		OverheadRatio: math.NaN(),
		LatencyAvg:    average(s.latencies),
		LatencyMed:    median(s.latencies),
		HopCountAvg:   average(s.hopCounts),
		HopCountMed:   median(s.hopCounts),
		BufferTimeAvg: average(s.bufferTime),
		BufferTimeMed: median(s.bufferTime),
		RTTAvg:        average(s.rtt),
		RTTMed:        median(s.rtt),
	}
	if ratios != nil && s.nrofCreated > 0 {
		p, err := ratios.DeliveryProbability(s.measured)
		if err != nil {
			return sum, err
		}
		sum.DeliveryProb = p
	}
	if s.nrofDelivered > 0 {
		sum.OverheadRatio = float64(s.nrofRelayed-s.nrofDelivered) / float64(s.nrofDelivered)
	}
	if s.nrofResponseReqCreated > 0 {
		sum.ResponseProb = float64(s.nrofResponseDelivered) / float64(s.nrofResponseReqCreated)
	}
	return sum, nil
}

// Write renders the summary followed by a per-message dump of observers
// and confirmed deliveries for the measured messages.
func (s *Stats) Write(w io.Writer, scenario string, now time.Time, ratios RatioSource) error {
	sum, err := s.Summarize(now, ratios)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GeoMessage stats for scenario %s\nsim_time: %s\n", scenario, format(sum.SimTime.Seconds()))
	fmt.Fprintf(&b, "created: %d\nstarted: %d\nrelayed: %d\naborted: %d\ndropped: %d\nremoved: %d\ndelivered: %d\n",
		sum.Created, sum.Started, sum.Relayed, sum.Aborted, sum.Dropped, sum.Removed, sum.Delivered)
	fmt.Fprintf(&b, "delivery_prob: %s\nresponse_prob: %s\noverhead_ratio: %s\n",
		format(sum.DeliveryProb), format(sum.ResponseProb), format(sum.OverheadRatio))
	fmt.Fprintf(&b, "latency_avg: %s\nlatency_med: %s\nhopcount_avg: %s\nhopcount_med: %s\n",
		format(sum.LatencyAvg), format(sum.LatencyMed), format(sum.HopCountAvg), format(sum.HopCountMed))
	fmt.Fprintf(&b, "buffertime_avg: %s\nbuffertime_med: %s\nrtt_avg: %s\nrtt_med: %s\n",
		format(sum.BufferTimeAvg), format(sum.BufferTimeMed), format(sum.RTTAvg), format(sum.RTTMed))

	if ratios != nil {
		measured := make(map[string]struct{}, len(s.measured))
		for _, id := range s.measured {
			measured[id] = struct{}{}
		}
		for _, res := range ratios.Results() {
			if _, ok := measured[res.MessageID]; !ok {
				continue
			}
			fmt.Fprintf(&b, "\n%s\n", res.MessageID)
			for _, n := range res.Observers {
				fmt.Fprintf(&b, "%s\n", n)
			}
			fmt.Fprintf(&b, "%d\n", res.Delivered)
		}
	}

	_, err = io.WriteString(w, b.String())
	return err
}

func format(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%.4f", v)
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
