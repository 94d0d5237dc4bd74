package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/geocast-simulator/internal/logging"
)

// ErrNotFound marks diagnostics lookups for unknown messages, nodes or
// regions. Sources wrap it so handlers can answer 404.
var ErrNotFound = errors.New("not found")

// HealthService is the service name reported by the health server.
const HealthService = "geocast.Simulation"

// CarrierState is one buffered copy of a message.
type CarrierState struct {
	Node    string   `json:"node"`
	Rate    float64  `json:"rate"`
	Arrived bool     `json:"arrived"`
	Hops    []string `json:"hops"`
}

// MessageState describes a message across the network.
type MessageState struct {
	ID            string         `json:"id"`
	Region        string         `json:"region"`
	Created       time.Time      `json:"created"`
	Expiry        time.Time      `json:"expiry"`
	Carriers      []CarrierState `json:"carriers"`
	Tracked       bool           `json:"tracked"`
	Observers     []string       `json:"observers"`
	DeliveredTo   []string       `json:"delivered_to"`
	DeliveryRatio float64        `json:"delivery_ratio"`
}

// RateState is the visit history of one (node, region) pair.
type RateState struct {
	Node   string      `json:"node"`
	Region string      `json:"region"`
	Visits []time.Time `json:"visits"`
	Rate   float64     `json:"rate"`
}

// MessageRatio summarises the delivery outcome of one message.
type MessageRatio struct {
	ID        string  `json:"id"`
	Observers int     `json:"observers"`
	Delivered int     `json:"delivered"`
	Ratio     float64 `json:"ratio"`
	Expired   bool    `json:"expired"`
}

// DeliverySnapshot is the run-wide delivery view.
type DeliverySnapshot struct {
	SimTime             time.Time      `json:"sim_time"`
	Tracked             int            `json:"tracked"`
	Measured            int            `json:"measured"`
	DeliveryProbability float64        `json:"delivery_probability"`
	Messages            []MessageRatio `json:"messages"`
}

// DiagnosticsSource is implemented by the running simulation.
type DiagnosticsSource interface {
	MessageState(id string) (MessageState, error)
	VisitRate(node, region string) (RateState, error)
	DeliverySnapshot() (DeliverySnapshot, error)
}

// NewDiagnosticsRouter exposes /metrics and the /debug endpoints.
func NewDiagnosticsRouter(src DiagnosticsSource, collector *RoutingCollector, log logging.Logger) *mux.Router {
	if log == nil {
		log = logging.Noop()
	}
	r := mux.NewRouter()
	r.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)

	debug := r.PathPrefix("/debug").Subrouter()
	debug.HandleFunc("/messages/{id}", func(w http.ResponseWriter, req *http.Request) {
		state, err := src.MessageState(mux.Vars(req)["id"])
		writeJSON(w, req, log, state, err)
	}).Methods(http.MethodGet)
	debug.HandleFunc("/rates/{node}/{region}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		state, err := src.VisitRate(vars["node"], vars["region"])
		writeJSON(w, req, log, state, err)
	}).Methods(http.MethodGet)
	debug.HandleFunc("/delivery", func(w http.ResponseWriter, req *http.Request) {
		snap, err := src.DeliverySnapshot()
		writeJSON(w, req, log, snap, err)
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, req *http.Request, log logging.Logger, v any, err error) {
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			code = http.StatusNotFound
		} else {
			log.Warn(req.Context(), "diagnostics request failed",
				logging.String("path", req.URL.Path),
				logging.String("error", err.Error()),
			)
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn(req.Context(), "encode diagnostics response", logging.String("error", err.Error()))
	}
}

// ServeDiagnostics starts an HTTP server for handler on addr.
func ServeDiagnostics(addr string, handler http.Handler, log logging.Logger) *http.Server {
	if log == nil {
		log = logging.Noop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "diagnostics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving diagnostics", logging.String("addr", addr))
	return srv
}

// HealthServer reports whether a simulation run is active over the standard
// gRPC health protocol.
type HealthServer struct {
	Server *grpc.Server
	health *health.Server
}

// NewHealthServer builds an instrumented gRPC server carrying the health
// service. The run starts as NOT_SERVING.
func NewHealthServer(collector *RoutingCollector) *HealthServer {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(collector.UnaryServerInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{Server: srv, health: hs}
}

// SetServing flips the reported status of the simulation service.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(HealthService, status)
}

// Serve blocks serving on lis.
func (h *HealthServer) Serve(lis net.Listener) error {
	return h.Server.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.Server.GracefulStop()
}
