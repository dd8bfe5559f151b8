package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sibexico/hexpool/storage"
)

var (
	configPath   = flag.String("config", "", "Config file (.json, .yaml or .yml). Defaults come from HEXPOOL_* environment variables")
	metricsAddr  = flag.String("metrics-addr", "", "Serve prometheus metrics on this address (overrides config)")
	detectLocks  = flag.Bool("deadlock", false, "Enable lock-order and timeout deadlock detection on the pool latch")
	historyFile  = flag.String("history", "", "Shell history file")
	benchMode    = flag.Bool("bench", false, "Run a synthetic workload instead of the shell")
	benchOps     = flag.Int("bench-ops", 100000, "Operations per benchmark worker")
	benchPages   = flag.Int("bench-pages", 1000, "Distinct pages touched by the benchmark")
	benchWorkers = flag.Int("bench-workers", 8, "Concurrent benchmark workers")
	benchWrite   = flag.Float64("bench-write-ratio", 0.2, "Fraction of benchmark operations that dirty the page")
)

func loadConfig() (*storage.Config, error) {
	if *configPath != "" {
		return storage.LoadConfigFromFile(*configPath)
	}
	cfg := storage.LoadConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveMetrics(addr string, engine *storage.Engine, logger *zap.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := engine.RegisterMetrics(reg); err != nil {
		return nil, fmt.Errorf("failed to register pool collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv, nil
}

func run() error {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
		cfg.EnableMetrics = true
	}
	if *detectLocks {
		cfg.DetectDeadlocks = true
	}

	logger, err := storage.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	engine, err := storage.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("close failed", zap.Error(err))
		}
	}()

	if cfg.EnableMetrics && cfg.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.MetricsAddr, engine, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	if *benchMode {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := runBenchmark(ctx, engine.Pool(), benchConfig{
			Ops:        *benchOps,
			Pages:      *benchPages,
			Workers:    *benchWorkers,
			WriteRatio: *benchWrite,
		})
		if err != nil {
			return err
		}
		result.Print(os.Stdout)
		printMetrics(os.Stdout, engine.Metrics())
		return nil
	}

	return runShell(engine, *historyFile)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hexpool: %v\n", err)
		os.Exit(1)
	}
}
