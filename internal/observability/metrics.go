package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RoutingCollector bundles Prometheus metrics for a geocast simulation run
// and the diagnostics gRPC surface.
type RoutingCollector struct {
	gatherer prometheus.Gatherer

	Candidates    *prometheus.CounterVec
	Transfers     *prometheus.CounterVec
	Messages      *prometheus.CounterVec
	RegionEntries *prometheus.CounterVec
	Observations  prometheus.Counter
	TrackedMsgs   prometheus.Gauge
	DeliveryProb  prometheus.Gauge
	SimTime       prometheus.Gauge
	TickDurations prometheus.Histogram
	RPCRequests   *prometheus.CounterVec
	RPCDurations  *prometheus.HistogramVec
}

// NewRoutingCollector registers the metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewRoutingCollector(reg prometheus.Registerer) (*RoutingCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	candidates, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocast_candidates_total",
		Help: "Forwarding candidates proposed, labeled by policy phase.",
	}, []string{"phase"}), "geocast_candidates_total")
	if err != nil {
		return nil, err
	}

	transfers, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocast_transfers_total",
		Help: "Message transfers, labeled by outcome (started, relayed, delivered, aborted).",
	}, []string{"outcome"}), "geocast_transfers_total")
	if err != nil {
		return nil, err
	}

	messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocast_messages_total",
		Help: "Message lifecycle events, labeled by event (created, dropped, removed).",
	}, []string{"event"}), "geocast_messages_total")
	if err != nil {
		return nil, err
	}

	entries, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocast_region_entries_total",
		Help: "Recorded node entries into regions, labeled by region.",
	}, []string{"region"}), "geocast_region_entries_total")
	if err != nil {
		return nil, err
	}

	observations, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocast_destination_observations_total",
		Help: "Nodes added to message observation sets.",
	}), "geocast_destination_observations_total")
	if err != nil {
		return nil, err
	}

	tracked, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geocast_tracked_messages",
		Help: "Messages whose destination is currently being observed.",
	}), "geocast_tracked_messages")
	if err != nil {
		return nil, err
	}

	prob, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geocast_delivery_probability",
		Help: "Mean delivery ratio over measured messages.",
	}), "geocast_delivery_probability")
	if err != nil {
		return nil, err
	}

	simTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geocast_sim_time_seconds",
		Help: "Simulated seconds elapsed in the current run.",
	}), "geocast_sim_time_seconds")
	if err != nil {
		return nil, err
	}

	ticks, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geocast_tick_duration_seconds",
		Help:    "Wall-clock time spent processing one simulation tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "geocast_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diagnostics_requests_total",
		Help: "Total number of handled diagnostics RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "diagnostics_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "diagnostics_request_duration_seconds",
		Help:    "Diagnostics RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "diagnostics_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &RoutingCollector{
		gatherer:      gatherer,
		Candidates:    candidates,
		Transfers:     transfers,
		Messages:      messages,
		RegionEntries: entries,
		Observations:  observations,
		TrackedMsgs:   tracked,
		DeliveryProb:  prob,
		SimTime:       simTime,
		TickDurations: ticks,
		RPCRequests:   requests,
		RPCDurations:  durations,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RoutingCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RoutingCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// AddCandidates counts candidates proposed by one policy phase.
func (c *RoutingCollector) AddCandidates(phase string, n int) {
	if c == nil || c.Candidates == nil || n == 0 {
		return
	}
	c.Candidates.WithLabelValues(phase).Add(float64(n))
}

func (c *RoutingCollector) IncTransfer(outcome string) {
	if c == nil || c.Transfers == nil {
		return
	}
	c.Transfers.WithLabelValues(outcome).Inc()
}

func (c *RoutingCollector) IncMessage(event string) {
	if c == nil || c.Messages == nil {
		return
	}
	c.Messages.WithLabelValues(event).Inc()
}

func (c *RoutingCollector) IncRegionEntry(region string) {
	if c == nil || c.RegionEntries == nil {
		return
	}
	c.RegionEntries.WithLabelValues(region).Inc()
}

func (c *RoutingCollector) AddObservations(n int) {
	if c == nil || c.Observations == nil || n == 0 {
		return
	}
	c.Observations.Add(float64(n))
}

// SetTracked updates the live observation set gauge.
func (c *RoutingCollector) SetTracked(n int) {
	if c == nil || c.TrackedMsgs == nil {
		return
	}
	c.TrackedMsgs.Set(float64(n))
}

// SetDeliveryProbability clamps p to [0,1].
func (c *RoutingCollector) SetDeliveryProbability(p float64) {
	if c == nil || c.DeliveryProb == nil {
		return
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	c.DeliveryProb.Set(p)
}

// ObserveTick records the simulated time reached and the wall-clock cost of
// the tick.
func (c *RoutingCollector) ObserveTick(simElapsed, took time.Duration) {
	if c == nil {
		return
	}
	if c.SimTime != nil {
		c.SimTime.Set(simElapsed.Seconds())
	}
	if c.TickDurations != nil {
		c.TickDurations.Observe(took.Seconds())
	}
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *RoutingCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
