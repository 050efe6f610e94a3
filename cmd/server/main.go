// Package main provides the entry point for the strategy engine server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/helios-quant/strategy-engine/internal/api"
	"github.com/helios-quant/strategy-engine/internal/config"
	"github.com/helios-quant/strategy-engine/internal/engine"
	"github.com/helios-quant/strategy-engine/internal/execution"
	"github.com/helios-quant/strategy-engine/internal/marketdata"
	"github.com/helios-quant/strategy-engine/internal/metrics"
	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Server host")
	port := flag.Int("port", 8090, "Server port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	runConfig := flag.String("run", "", "Run config file to start on boot (yaml/json)")
	dataFile := flag.String("data", "", "Snapshot series for the boot run (backtest mode)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("Starting strategy engine",
		zap.String("host", *host),
		zap.Int("port", *port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	eng := engine.New(logger, m)

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = *host
	serverConfig.Port = *port
	server := api.NewServer(logger, serverConfig, eng, m)

	if *runConfig != "" {
		if err := startBootRun(ctx, logger, eng, *runConfig, *dataFile); err != nil {
			logger.Fatal("Failed to start boot run", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", *host, *port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", *host, *port)),
	)

	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	eng.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// startBootRun launches a run described by a config file, with paper
// venues filling at the replayed or pushed prices.
func startBootRun(ctx context.Context, logger *zap.Logger, eng *engine.Engine, configPath, dataFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var source marketdata.Source
	tracker := &snapshotTracker{}

	switch cfg.Mode {
	case types.ModeLive:
		source = marketdata.NewLiveSource(logger, 256)
	default:
		replay := marketdata.NewReplaySource(logger)
		if dataFile != "" {
			if err := replay.LoadFile(dataFile); err != nil {
				return err
			}
		}
		source = replay
	}
	tracked := &trackedSource{Source: source, tracker: tracker}

	exec := execution.NewManager(logger)
	for _, vc := range cfg.Venues {
		exec.Register(execution.NewPaperVenue(vc.Name, logger, tracker.price), vc.SubmitTimeout)
	}
	exec.Register(execution.NewPaperVenue("wallet", logger, tracker.price), 0)

	id, err := eng.StartRun(ctx, cfg, tracked, exec)
	if err != nil {
		return err
	}
	logger.Info("Boot run started", zap.String("run", id))
	return nil
}

// snapshotTracker remembers the last snapshot served to the run so paper
// venues fill at that tick's prices. Venue goroutines read it concurrently.
type snapshotTracker struct {
	mu   sync.RWMutex
	snap *types.MarketSnapshot
}

func (t *snapshotTracker) price(instrument types.InstrumentKey) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.snap == nil {
		return decimal.Zero, false
	}
	return t.snap.Price(instrument)
}

func (t *snapshotTracker) record(snap *types.MarketSnapshot) {
	t.mu.Lock()
	t.snap = snap
	t.mu.Unlock()
}

type trackedSource struct {
	marketdata.Source
	tracker *snapshotTracker
}

func (s *trackedSource) GetSnapshot(ctx context.Context, ts time.Time) (*types.MarketSnapshot, error) {
	snap, err := s.Source.GetSnapshot(ctx, ts)
	if err == nil {
		s.tracker.record(snap)
	}
	return snap, err
}

func (s *trackedSource) Timestamps() []time.Time {
	if r, ok := s.Source.(marketdata.Replayable); ok {
		return r.Timestamps()
	}
	return nil
}

func (s *trackedSource) Updates() <-chan *types.MarketSnapshot {
	l, ok := s.Source.(marketdata.Streaming)
	if !ok {
		return nil
	}
	in := l.Updates()
	out := make(chan *types.MarketSnapshot)
	go func() {
		defer close(out)
		for snap := range in {
			s.tracker.record(snap)
			out <- snap
		}
	}()
	return out
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
