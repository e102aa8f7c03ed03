package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/adaptive-lora/internal/bridge"
	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
	"github.com/danielpatrickdp/adaptive-lora/internal/logging"
	"github.com/danielpatrickdp/adaptive-lora/internal/server"
	"github.com/danielpatrickdp/adaptive-lora/internal/state"
	"github.com/danielpatrickdp/adaptive-lora/internal/watcher"
)

// #region main
func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("SONA_CONFIG", "sona.yaml"), "path to the YAML config file")
	watch := flag.Bool("watch", true, "reload engine tunables when the config file changes")
	flag.Parse()

	fc, fromFile, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if v := os.Getenv("SONA_DB"); v != "" {
		fc.Storage.DatabasePath = v
	}
	if v := os.Getenv("SONA_GRPC_ADDR"); v != "" {
		fc.Server.GRPCAddr = v
	}
	if v := os.Getenv("SONA_HTTP_ADDR"); v != "" {
		fc.Server.HTTPAddr = v
	}

	logger, err := logging.NewLogger(fc.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := state.NewStore(fc.Storage.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open checkpoint store", zap.String("path", fc.Storage.DatabasePath), zap.Error(err))
	}
	defer store.Close()

	e, err := engine.New(fc.Engine,
		engine.WithLogger(logger),
		engine.WithCheckpointer(store),
		engine.WithCycleLog(logging.NewCycleLog(store.DB())),
	)
	if err != nil {
		logger.Fatal("failed to create engine", zap.Error(err))
	}
	defer e.Close()
	restoreActive(e, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fc.Server.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", fc.Server.GRPCAddr), zap.Error(err))
	}
	gs := grpc.NewServer(grpc.UnaryInterceptor(bridge.UnaryLogger(logger)))
	bridge.Register(gs, bridge.NewServer(e, logger))
	go func() {
		logger.Info("starting grpc server", zap.String("addr", fc.Server.GRPCAddr))
		if err := gs.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
			stop()
		}
	}()

	hs := server.NewServer(e, fc.Server.HTTPAddr, logger)
	go func() {
		if err := hs.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	go runTicker(ctx, e, time.Duration(fc.Server.TickIntervalMs)*time.Millisecond)

	if *watch && fromFile {
		w := watcher.New(*configPath, watcher.ReconfigureEngine(e), watcher.WithLogger(logger))
		if err := w.Start(ctx); err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			defer w.Stop()
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	gs.GracefulStop()

	stats := e.Stats()
	logger.Info("engine stopped",
		zap.Uint64("anchor_version", stats.AnchorVersion),
		zap.Uint64("cycles_run", stats.CyclesRun),
		zap.Int("buffered", stats.Buffered),
	)
}

// #endregion main

// #region startup
// loadConfig reads the YAML config. A missing file falls back to defaults and reports fromFile=false.
func loadConfig(path string) (fc *config.FileConfig, fromFile bool, err error) {
	fc, err = config.Load(path)
	if err == nil {
		return fc, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	return config.DefaultFileConfig(), false, nil
}

// restoreActive loads the active checkpoint, if any, into the engine.
func restoreActive(e *engine.Engine, store *state.Store, logger *zap.Logger) {
	cp, err := store.GetActive()
	if errors.Is(err, errs.ErrNotFound) {
		logger.Info("no active checkpoint, starting from fresh weights")
		return
	}
	if err != nil {
		logger.Fatal("failed to read active checkpoint", zap.Error(err))
	}
	if err := e.Restore(cp); err != nil {
		logger.Warn("active checkpoint does not fit this engine, starting fresh",
			zap.String("version_id", cp.VersionID), zap.Error(err))
		return
	}
	logger.Info("restored checkpoint",
		zap.String("version_id", cp.VersionID),
		zap.Uint64("anchor_version", cp.AnchorVersion),
	)
}

// runTicker drives the engine's scheduler until ctx ends.
func runTicker(ctx context.Context, e *engine.Engine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Tick()
		}
	}
}

// #endregion startup

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
