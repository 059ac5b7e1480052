package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/api"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/config"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/nodefsm"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/observability"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/store"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport/natsradio"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/uplink"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

type runFlags struct {
	configPath  string
	id          uint32
	natsURL     string
	subject     string
	apiAddr     string
	metricsAddr string
	storePath   string
	logLevel    string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the mesh and serve diagnostics until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			adapter, nc, err := natsradio.Dial(cfg.Radio, cfg.Mesh.ID, log)
			if err != nil {
				return err
			}
			defer nc.Close()
			defer adapter.Close()

			var lis net.Listener
			if cfg.APIAddr != "" {
				lis, err = net.Listen("tcp", cfg.APIAddr)
				if err != nil {
					return fmt.Errorf("listen %s: %w", cfg.APIAddr, err)
				}
			}
			return run(ctx, cfg, adapter, lis, log)
		},
	}
	bindRunFlags(cmd, &f)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().Uint32Var(&f.id, "id", 0, "node ID, overrides mesh.id")
	cmd.Flags().StringVar(&f.natsURL, "nats", "", "NATS server URL, overrides radio.url")
	cmd.Flags().StringVar(&f.subject, "subject", "", "NATS radio subject, overrides radio.subject")
	cmd.Flags().StringVar(&f.apiAddr, "api-addr", "", "gRPC diagnostics address, overrides api_addr")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus /metrics address, overrides metrics_addr")
	cmd.Flags().StringVar(&f.storePath, "store", "", "bolt state file, overrides store.path")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
}

// resolveConfig layers the config file, environment and explicitly set
// flags, in that order.
func resolveConfig(cmd *cobra.Command, f runFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.Mesh.ID = model.NodeID(f.id)
	}
	if flags.Changed("nats") {
		cfg.Radio.URL = f.natsURL
	}
	if flags.Changed("subject") {
		cfg.Radio.Subject = f.subject
	}
	if flags.Changed("api-addr") {
		cfg.APIAddr = f.apiAddr
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if flags.Changed("store") {
		cfg.Store.Path = f.storePath
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run drives one node over adapter until ctx is cancelled. apiLis may be
// nil to disable the gRPC service; run closes it on every return path.
func run(ctx context.Context, cfg config.Config, adapter transport.Adapter, apiLis net.Listener, log logging.Logger) error {
	if log == nil {
		log = logging.Noop()
	}
	if apiLis != nil {
		defer apiLis.Close()
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	meshMetrics, err := observability.NewMeshCollector(reg)
	if err != nil {
		return fmt.Errorf("mesh metrics: %w", err)
	}
	apiMetrics, err := observability.NewAPICollector(reg)
	if err != nil {
		return fmt.Errorf("api metrics: %w", err)
	}
	if metricsSrv := serveMetrics(cfg.MetricsAddr, reg, log); metricsSrv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path, log)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	callbacks := logCallbacks(log)
	var up *uplink.Uplink
	if cfg.Uplink.Enabled {
		up, err = uplink.Dial(cfg.Uplink, log)
		if err != nil {
			return err
		}
		defer up.Close()
		callbacks = up.Callbacks(cfg.Mesh.ID, callbacks)
	}

	node, err := mesh.New(cfg.Mesh, adapter, model.StaticCapabilities(cfg.Capabilities),
		mesh.WithLogger(log),
		mesh.WithRecorder(meshMetrics),
		mesh.WithCallbacks(callbacks),
	)
	if err != nil {
		return err
	}
	if st != nil {
		if restored, err := st.Restore(node); err != nil {
			log.Warn(ctx, "checkpoint not restored", logging.Err(err))
		} else if restored {
			log.Info(ctx, "checkpoint restored", logging.Stringer("node", node.ID()))
		}
	}

	var server *grpc.Server
	if apiLis != nil {
		server = serveAPI(apiLis, node, apiMetrics, log)
	}

	node.Start(time.Now())
	log.Info(ctx, "mesh node started",
		logging.Stringer("node", node.ID()),
		logging.String("subject", cfg.Radio.Subject),
		logging.Duration("tick", cfg.TickInterval),
	)

	loop(ctx, node, st, cfg.TickInterval, cfg.Store.CheckpointInterval, log)

	log.Info(context.Background(), "shutting down mesh node", logging.Stringer("node", node.ID()))
	if server != nil {
		server.GracefulStop()
	}
	if st != nil {
		if err := st.Persist(node); err != nil {
			log.Warn(context.Background(), "final checkpoint failed", logging.Err(err))
		}
	}
	return nil
}

// loop ticks node every tick and checkpoints it every checkpointEvery until
// ctx is done.
func loop(ctx context.Context, node *mesh.Node, st *store.Store, tick, checkpointEvery time.Duration, log logging.Logger) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	lastCheckpoint := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			node.Tick(now)
			if st != nil && checkpointEvery > 0 && now.Sub(lastCheckpoint) >= checkpointEvery {
				lastCheckpoint = now
				if err := st.Persist(node); err != nil {
					log.Warn(ctx, "checkpoint failed", logging.Err(err))
				}
			}
		}
	}
}

func logCallbacks(log logging.Logger) mesh.Callbacks {
	ctx := context.Background()
	return mesh.Callbacks{
		OnStateChanged: func(t nodefsm.Transition) {
			log.Info(ctx, "node state changed",
				logging.Stringer("from", t.From),
				logging.Stringer("to", t.To),
				logging.String("reason", t.Reason),
			)
		},
		OnRoleAssigned: func(ra model.RoleAssignment) {
			log.Info(ctx, "role assigned",
				logging.Stringer("role", ra.Role),
				logging.Stringer("by", ra.IssuedBy),
			)
		},
	}
}

func serveAPI(lis net.Listener, node *mesh.Node, collector *observability.APICollector, log logging.Logger) *grpc.Server {
	server := api.NewServer(node, collector, log)
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Error(context.Background(), "gRPC server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving mesh diagnostics", logging.String("addr", lis.Addr().String()))
	return server
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(gatherer))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
