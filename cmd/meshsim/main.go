// Command meshsim runs a field of simulated camera nodes over an in-memory
// radio channel and prints a transcript of what the mesh does.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/observability"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/scenario"
)

type options struct {
	scriptPath  string
	nodes       int
	duration    time.Duration
	tick        time.Duration
	seed        int64
	loss        float64
	quiet       bool
	metricsAddr string
	logLevel    string
}

func main() {
	var opts options
	flag.StringVar(&opts.scriptPath, "script", "", "YAML scenario file; overrides -nodes")
	flag.IntVar(&opts.nodes, "nodes", 5, "number of simulated nodes when no script is given")
	flag.DurationVar(&opts.duration, "duration", 0, "simulated duration (default from script, 10m otherwise)")
	flag.DurationVar(&opts.tick, "tick", 0, "control-loop tick (default from script, 500ms otherwise)")
	flag.Int64Var(&opts.seed, "seed", 0, "random seed for channel loss and payloads")
	flag.Float64Var(&opts.loss, "loss", -1, "initial channel-wide frame loss probability")
	flag.BoolVar(&opts.quiet, "quiet", false, "only print the final summary")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address while running")
	flag.StringVar(&opts.logLevel, "log-level", "error", "log level for node diagnostics")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := simulate(ctx, opts, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildScript(opts options) (scenario.Script, error) {
	script := scenario.Field(opts.nodes)
	if opts.scriptPath != "" {
		loaded, err := scenario.LoadScript(opts.scriptPath)
		if err != nil {
			return scenario.Script{}, err
		}
		script = loaded
	}
	if opts.duration > 0 {
		script.Duration = opts.duration
	}
	if opts.tick > 0 {
		script.Tick = opts.tick
	}
	if opts.seed != 0 {
		script.Seed = opts.seed
	}
	if opts.loss >= 0 {
		script.Loss = opts.loss
	}
	return script, nil
}

func simulate(ctx context.Context, opts options, out io.Writer) error {
	script, err := buildScript(opts)
	if err != nil {
		return err
	}

	log := logging.New(logging.ConfigFromEnv(logging.Config{Level: opts.logLevel, Format: "text"}))

	reg := prometheus.NewRegistry()
	meshMetrics, err := observability.NewMeshCollector(reg)
	if err != nil {
		return err
	}
	simMetrics, err := observability.NewScenarioCollector(reg)
	if err != nil {
		return err
	}

	simOpts := []scenario.Option{
		scenario.WithLogger(log),
		scenario.WithCollector(simMetrics),
		scenario.WithRecorder(meshMetrics),
	}
	if !opts.quiet {
		simOpts = append(simOpts, scenario.WithTranscript(out))
	}
	sim, err := scenario.New(script, simOpts...)
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: simMetrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn(ctx, "metrics server exited", logging.Err(err))
			}
		}()
		defer srv.Close()
	}

	fmt.Fprintf(out, "simulating %d nodes for %s (tick %s, loss %.0f%%, %d scripted events)\n",
		len(script.Nodes), script.Duration, script.Tick, script.Loss*100, len(script.Events))
	report, err := sim.Run(ctx)
	if _, werr := report.WriteTo(out); werr != nil && err == nil {
		err = werr
	}
	return err
}
