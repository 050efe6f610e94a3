// Package engine hosts strategy runs: the per-run tick state machine and
// the multi-run registry the control plane talks to.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/helios-quant/strategy-engine/internal/marketdata"
	"github.com/helios-quant/strategy-engine/internal/metrics"
	"github.com/helios-quant/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// Engine owns all runs in the process.
type Engine struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	metrics *metrics.Metrics
	runs    map[string]*Run
}

// New creates an engine.
func New(logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		logger:  logger.Named("engine"),
		metrics: m,
		runs:    make(map[string]*Run),
	}
}

// StartRun validates the config, wires a run and launches its loop.
// A missing run id gets a generated one; the id is returned.
func (e *Engine) StartRun(ctx context.Context, cfg *types.RunConfig, source marketdata.Source, exec Executor) (string, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	run, err := newRun(e.logger, cfg, source, exec, e.metrics)
	if err != nil {
		return "", err
	}
	run.events.SetOnAppend(func(types.Event) { e.metrics.EventsAppendedTotal.Inc() })

	// Reserve the id before starting the loop; a concurrent StartRun with
	// the same id must lose here, not overwrite a running entry.
	e.mu.Lock()
	if _, exists := e.runs[cfg.ID]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("run %s already exists", cfg.ID)
	}
	e.runs[cfg.ID] = run
	e.mu.Unlock()

	e.metrics.ActiveRuns.Inc()
	if err := run.start(ctx); err != nil {
		e.mu.Lock()
		delete(e.runs, cfg.ID)
		e.mu.Unlock()
		e.metrics.ActiveRuns.Dec()
		return "", err
	}

	e.logger.Info("Run started",
		zap.String("run", cfg.ID),
		zap.String("mode", string(cfg.Mode)),
		zap.String("strategy", string(cfg.Strategy)),
	)
	return cfg.ID, nil
}

// Run returns a run by id.
func (e *Engine) Run(id string) (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return run, nil
}

// StopRun halts a run's loop and waits for it to exit. The run stays
// queryable afterwards.
func (e *Engine) StopRun(id string) error {
	run, err := e.Run(id)
	if err != nil {
		return err
	}
	run.Stop()
	e.logger.Info("Run stopped", zap.String("run", id))
	return nil
}

// SubmitExternalInstruction queues an operator instruction on a live run.
func (e *Engine) SubmitExternalInstruction(id string, instr types.Instruction) error {
	run, err := e.Run(id)
	if err != nil {
		return err
	}
	if instr.ID == "" {
		instr.ID = uuid.New().String()
	}
	if instr.Venue == "" {
		instr.Venue = instr.Instrument.Venue()
	}
	return run.SubmitInstruction(instr)
}

// RunIDs lists all known run ids.
func (e *Engine) RunIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every active run.
func (e *Engine) Shutdown() {
	for _, id := range e.RunIDs() {
		run, err := e.Run(id)
		if err != nil {
			continue
		}
		select {
		case <-run.Done():
		default:
			run.Stop()
		}
	}
}
