package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/geocast-simulator/internal/logging"
	"github.com/signalsfoundry/geocast-simulator/internal/observability"
	"github.com/signalsfoundry/geocast-simulator/internal/recorder"
	"github.com/signalsfoundry/geocast-simulator/internal/report"
	"github.com/signalsfoundry/geocast-simulator/internal/sim"
	"github.com/signalsfoundry/geocast-simulator/timectrl"
)

type runOptions struct {
	scenarioPath    string
	realTime        bool
	eventsPath      string
	reportPath      string
	record          bool
	recordPath      string
	diagnosticsAddr string
	healthAddr      string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario and print delivery statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.scenarioPath, "scenario", "s", "configs/scenario.json", "path to the JSON scenario")
	f.BoolVar(&opts.realTime, "realtime", false, "pace ticks with the wall clock instead of running accelerated")
	f.StringVar(&opts.eventsPath, "events", "", "write the event log to this file (- for stdout)")
	f.StringVar(&opts.reportPath, "report", "-", "write the statistics report to this file (- for stdout)")
	f.BoolVar(&opts.record, "record", false, "record node tracks, visits, sightings and delivery results to SQLite")
	f.StringVar(&opts.recordPath, "record-path", "", "SQLite file for --record (default geocast_run_<id>.sqlite3)")
	f.StringVar(&opts.diagnosticsAddr, "diagnostics-addr", "", "HTTP address for /metrics and /debug endpoints")
	f.StringVar(&opts.healthAddr, "health-addr", "", "TCP address for the gRPC health service")
	return cmd
}

func runScenario(ctx context.Context, stdout io.Writer, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	ctx, log := logging.WithRunLogger(ctx, logging.NewFromEnv())

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	sc, err := loadScenario(opts.scenarioPath)
	if err != nil {
		return err
	}
	settings := sc.Settings

	collector, err := observability.NewRoutingCollector(nil)
	if err != nil {
		return err
	}

	var end time.Time
	if settings.Duration > 0 {
		end = settings.Start.Add(settings.Duration.Std())
	}
	stats := report.NewStats(report.StatsConfig{
		Start:    settings.Start,
		End:      end,
		Warmup:   settings.Warmup.Std(),
		Cooldown: settings.Cooldown.Std(),
	})

	simOpts := []sim.Option{
		sim.WithLogger(log),
		sim.WithCollector(collector),
		sim.WithMessageListener(stats),
	}

	var events *report.EventLog
	if opts.eventsPath != "" {
		w, closeEvents, err := openOutput(opts.eventsPath, stdout)
		if err != nil {
			return err
		}
		defer closeEvents()
		events = report.NewEventLog(w, settings.Start)
		simOpts = append(simOpts, sim.WithMessageListener(events), sim.WithConnectionListener(events))
	}

	if opts.record {
		rec, err := recorder.Open(opts.recordPath, settings.Start)
		if err != nil {
			return err
		}
		defer rec.Close()
		log.Info(ctx, "recording run", logging.String("path", rec.Path()))
		simOpts = append(simOpts, sim.WithRecorder(rec))
	}

	s, err := sim.New(sc, simOpts...)
	if err != nil {
		return err
	}

	if opts.diagnosticsAddr != "" {
		srv := observability.ServeDiagnostics(opts.diagnosticsAddr, observability.NewDiagnosticsRouter(s, collector, log), log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var health *observability.HealthServer
	if opts.healthAddr != "" {
		lis, err := net.Listen("tcp", opts.healthAddr)
		if err != nil {
			return err
		}
		health = observability.NewHealthServer(collector)
		go func() {
			if err := health.Serve(lis); err != nil {
				log.Warn(ctx, "health server exited", logging.String("error", err.Error()))
			}
		}()
		defer health.Stop()
		log.Info(ctx, "serving gRPC health", logging.String("addr", opts.healthAddr))
		health.SetServing(true)
	}

	mode := timectrl.Accelerated
	if opts.realTime {
		mode = timectrl.RealTime
	}
	runErr := s.Run(ctx, mode)
	if health != nil {
		health.SetServing(false)
	}
	switch {
	case errors.Is(runErr, context.Canceled):
		log.Warn(ctx, "run interrupted; reporting partial results", logging.Time("sim_time", s.Now()))
	case runErr != nil:
		return runErr
	}

	if err := s.Finish(); err != nil {
		return err
	}
	if events != nil {
		if err := events.Flush(); err != nil {
			return err
		}
	}

	w, closeReport, err := openOutput(opts.reportPath, stdout)
	if err != nil {
		return err
	}
	defer closeReport()
	name := strings.TrimSuffix(filepath.Base(opts.scenarioPath), filepath.Ext(opts.scenarioPath))
	return stats.Write(w, name, s.Now(), s)
}

// openOutput opens path for writing; "-" selects stdout.
func openOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	if path == "-" {
		return stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
