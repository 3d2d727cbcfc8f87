// Command ddpanel is the collector's primary entrypoint: it wires config,
// logging, metrics, and the Manager together and runs until SIGINT/SIGTERM.
//
// Grounded on go-server-3/cmd/odin-ws/main.go (config/logger/metrics wiring,
// signal.NotifyContext shutdown, /metrics http server) and go-server-2's
// runtime.GOMAXPROCS tuning, promoted here to automaxprocs (§6 of
// SPEC_FULL.md).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/config"
	"github.com/gwy15/ddpanel/internal/logging"
	"github.com/gwy15/ddpanel/internal/manager"
	"github.com/gwy15/ddpanel/internal/metrics"
	"github.com/gwy15/ddpanel/internal/roomcache"
	"github.com/gwy15/ddpanel/internal/roster"
)

const (
	metricsAddr  = ":9090"
	influxOrg    = "ddpanel"
	influxBucket = "ddpanel"
)

func main() {
	logger, err := logging.New("info", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(os.Args[1:], logger)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	reg := metrics.New()
	cache := roomcache.New()
	httpClient := biliapi.NewHTTPClient(nil)

	m := manager.New(httpClient, cache, reg, logger)
	if !cfg.NoFile {
		m.AttachFileSink(cfg.RecordOutput, "uploaders-%.json.gz")
	}
	if !cfg.NoInflux {
		client := influxdb2.NewClient(influxAddrToURL(cfg.InfluxAddr), cfg.InfluxToken)
		defer client.Close()
		m.AttachTSDBSink(client.WriteAPIBlocking(influxOrg, influxBucket), 0)
	}
	if cfg.NoFile && cfg.NoInflux {
		m.AttachNoopSink()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sampleSelfLoop(ctx, reg)

	httpErrCh := make(chan error, 1)
	go func() { httpErrCh <- runMetricsServer(ctx, reg, logger) }()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- run(ctx, m, cfg, logger) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-runErrCh:
		if err != nil {
			logger.Error("collector exited with error", zap.Error(err))
		}
		stop()
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("metrics server exited with error", zap.Error(err))
		}
		stop()
	}

	m.Finish()
	logger.Info("ddpanel stopped")
}

func run(ctx context.Context, m *manager.Manager, cfg config.Config, logger *zap.Logger) error {
	if cfg.Replay != "" {
		return m.Replay(ctx, cfg.Replay, cfg.ReplayDelay)
	}
	if len(cfg.RoomIDs) > 0 {
		return runAdHoc(ctx, m, cfg, logger)
	}
	return m.Start(ctx, cfg.Watch, cfg.CookieFile)
}

// runAdHoc bypasses the roster file (SPEC_FULL.md §4.10): it applies a
// single static diff for the --room-ids list and then blocks until ctx is
// cancelled, since there is no file to watch for further changes.
func runAdHoc(ctx context.Context, m *manager.Manager, cfg config.Config, logger *zap.Logger) error {
	liveRooms := make(map[uint64]struct{}, len(cfg.RoomIDs))
	for _, id := range cfg.RoomIDs {
		liveRooms[id] = struct{}{}
	}
	logger.Info("starting in ad-hoc room mode", zap.Uint64s("room_ids", cfg.RoomIDs))
	// Room ids and uploader uids are different Bilibili id namespaces; ad-hoc
	// mode only starts room connectors, leaving Users empty so the uploader
	// poller has nothing to fetch, matching original_source/src/main.rs.
	return m.StartAdHoc(ctx, roster.Config{LiveRooms: liveRooms, Users: map[uint64]struct{}{}}, cfg.CookieFile)
}

func runMetricsServer(ctx context.Context, reg *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         metricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", metricsAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func sampleSelfLoop(ctx context.Context, reg *metrics.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SampleSelf()
		}
	}
}

func influxAddrToURL(addr string) string {
	return "http://" + addr
}
