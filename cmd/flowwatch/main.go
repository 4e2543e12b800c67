// Command flowwatch detects continuous flow on utility meters.
//
// For every configured meter it periodically:
//  1. Collects recent readings from Prometheus, VictoriaMetrics, an HTTP API
//     or PostgreSQL
//  2. Scans them for windows in which consumption never drops below the
//     threshold (continuous flow, a leak indicator)
//  3. Computes minimum night flow statistics
//  4. Stores the report and announces new events to the log and MQTT
//
// The HTTP API (default :8082) serves:
//   - GET /events/current?meter=<id> - latest events
//   - GET /mnf/current?meter=<id>    - latest minimum night flow figures
//   - GET /report.xlsx?meter=<id>    - latest report as a spreadsheet
//   - GET /healthz                   - health check
//   - GET /metrics                   - Prometheus metrics
//
// A gRPC health service (default :8083) reports SERVING for the process and
// per meter under "flowwatch.meter.<id>".
//
// With --once every meter is analysed a single time, the events are printed
// to stdout and the process exits.
//
// Usage:
//
//	flowwatch \
//	  -meter=0012345 \
//	  -adapter=prometheus \
//	  -threshold=0.01 \
//	  -granularity=15T \
//	  -period-window=336h
//
// with ADAPTER_QUERY='meter_consumption{msn="0012345"}', or
//
//	flowwatch -config-file=meters.yaml -storage=redis -mqtt-broker=tcp://mosquitto:1883
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/flowwatch/cmd/flowwatch/config"
	"github.com/HatiCode/flowwatch/cmd/flowwatch/logger"
	"github.com/HatiCode/flowwatch/cmd/flowwatch/metrics"
	"github.com/HatiCode/flowwatch/cmd/flowwatch/router"
	"github.com/HatiCode/flowwatch/pkg/adapters"
	"github.com/HatiCode/flowwatch/pkg/httpx"
	"github.com/HatiCode/flowwatch/pkg/notify"
	"github.com/HatiCode/flowwatch/pkg/storage"
)

// version is set via ldflags at build time
var version = "dev"

const meterServicePrefix = "flowwatch.meter."

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run starts flowwatch and returns the process exit code. Deferred cleanup
// runs before it returns.
func run(args []string, stdout io.Writer) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		return 2
	}

	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := logger.New(cfg)
	slog.SetDefault(log)

	meters, err := config.LoadMeters(cfg)
	if err != nil {
		log.Error("invalid meter configuration", "error", err)
		return 1
	}

	log.Info("starting flowwatch",
		"version", version,
		"meters", len(meters),
		"storage", cfg.Storage,
		"once", cfg.Once,
		"tls_enabled", cfg.TLS.Enabled,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, checks, closeStore, err := newStore(cfg, log)
	if err != nil {
		log.Error("failed to create store", "error", err)
		return 1
	}
	defer closeStore()

	client, err := httpx.NewClient(cfg.UpstreamTLS, 30*time.Second)
	if err != nil {
		log.Error("failed to create upstream client", "error", err)
		return 1
	}

	notifiers := notify.Multi{notify.LogNotifier{Logger: log}}
	if cfg.MQTTBroker != "" && !cfg.Once {
		mq, err := notify.NewMQTTNotifier(notify.MQTTConfig{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			TopicPrefix:    cfg.MQTTTopicPrefix,
			QoS:            byte(cfg.MQTTQoS),
			PublishTimeout: 10 * time.Second,
		}, log)
		if err != nil {
			log.Error("failed to connect to mqtt broker", "error", err)
			return 1
		}
		defer mq.Close()
		notifiers = append(notifiers, mq)
	}

	monitors := make([]*Monitor, 0, len(meters))
	for _, meter := range meters {
		adapter, err := buildAdapter(meter, client)
		if err != nil {
			log.Error("failed to create adapter", "meter", meter.Name, "error", err)
			return 1
		}
		if closer, ok := adapter.(interface{ Close() error }); ok {
			defer closer.Close()
		}
		monitors = append(monitors, NewMonitor(meter, adapter, store, notifiers, m, log))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Once {
		if err := runOnce(ctx, monitors, cfg.Concurrency, stdout); err != nil {
			log.Error("detection failed", "error", err)
			return 1
		}
		return 0
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, mon := range monitors {
		healthServer.SetServingStatus(meterServicePrefix+mon.Name(), grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		mon.OnTick = func(meter string, err error) {
			status := grpc_health_v1.HealthCheckResponse_SERVING
			if err != nil {
				status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			}
			healthServer.SetServingStatus(meterServicePrefix+meter, status)
		}
	}

	grpcServer, err := newGRPCServer(cfg, healthServer)
	if err != nil {
		log.Error("failed to create grpc server", "error", err)
		return 1
	}

	var staleAfter time.Duration
	for _, meter := range meters {
		staleAfter = max(staleAfter, 2*meter.Interval)
	}
	mux := router.SetupRoutes(store, staleAfter, reg, log, checks...)
	httpServer := httpx.NewServer(cfg.Listen, mux, log)
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.ServerConfig()
		if err != nil {
			log.Error("failed to load TLS configuration", "error", err)
			return 1
		}
		httpServer.SetTLSConfig(tlsCfg)
	}

	serverErr := make(chan error, 2)
	go func() {
		serverErr <- httpServer.Start()
	}()

	if grpcServer != nil {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Error("failed to listen", "address", cfg.GRPCListen, "error", err)
			return 1
		}
		go func() {
			log.Info("grpc health server listening", "address", cfg.GRPCListen)
			serverErr <- grpcServer.Serve(lis)
		}()
	}

	monitorsDone := make(chan error, 1)
	go func() {
		monitorsDone <- runMonitors(ctx, monitors)
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	case err := <-monitorsDone:
		if err != nil {
			log.Error("detection loop failed", "error", err)
		}
	}

	log.Info("shutting down")
	stop()
	healthServer.Shutdown()

	if grpcServer != nil {
		log.Info("shutting down grpc server")
		grpcServer.GracefulStop()
	}

	exitCode := 0
	if err := httpServer.Stop(10 * time.Second); err != nil {
		log.Error("http server shutdown failed", "error", err)
		exitCode = 1
	}

	log.Info("shutdown complete")
	return exitCode
}

// newStore returns the configured store, its health checks and a close func.
func newStore(cfg *config.Config, log *slog.Logger) (storage.Store, []func(context.Context) error, func(), error) {
	switch cfg.Storage {
	case "redis":
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.StoreTTL)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("using redis storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.StoreTTL)
		closeFn := func() {
			if err := rs.Close(); err != nil {
				log.Error("failed to close store", "error", err)
			}
		}
		return rs, []func(context.Context) error{rs.Ping}, closeFn, nil
	default:
		if cfg.StoreTTL <= 0 {
			log.Info("using in-memory storage without expiry")
			return storage.NewMemoryStore(), nil, func() {}, nil
		}
		ms := storage.NewMemoryStoreWithTTL(cfg.StoreTTL, time.Minute)
		log.Info("using in-memory storage", "ttl", cfg.StoreTTL)
		return ms, nil, ms.Stop, nil
	}
}

// buildAdapter creates the meter's adapter and hands it the shared upstream
// client where the adapter talks HTTP.
func buildAdapter(meter config.MeterConfig, client *http.Client) (adapters.Adapter, error) {
	adapter, err := adapters.New(meter.Adapter, meter.AdapterConfig, meter.Granularity)
	if err != nil {
		return nil, err
	}

	switch a := adapter.(type) {
	case *adapters.PrometheusAdapter:
		a.HTTPClient = client
	case *adapters.VictoriaMetricsAdapter:
		a.HTTPClient = client
	case *adapters.HTTPAdapter:
		a.HTTPClient = client
	}
	return adapter, nil
}

// newGRPCServer returns nil when the gRPC listener is disabled.
func newGRPCServer(cfg *config.Config, healthServer *health.Server) (*grpc.Server, error) {
	if cfg.GRPCListen == "" {
		return nil, nil
	}

	var opts []grpc.ServerOption
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.ServerConfig()
		if err != nil {
			return nil, fmt.Errorf("grpc tls: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	srv := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(srv, healthServer)
	reflection.Register(srv)
	return srv, nil
}
