package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helios-quant/strategy-engine/internal/eventlog"
	"github.com/helios-quant/strategy-engine/internal/ledger"
	"github.com/helios-quant/strategy-engine/internal/marketdata"
	"github.com/helios-quant/strategy-engine/internal/metrics"
	"github.com/helios-quant/strategy-engine/internal/monitor"
	"github.com/helios-quant/strategy-engine/internal/strategy"
	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RunState is the observable state of a run's tick loop.
type RunState string

const (
	StateIdle       RunState = "IDLE"
	StateEvaluating RunState = "EVALUATING"
	StateTight      RunState = "TIGHT"
	StateFull       RunState = "FULL"
	StateLogging    RunState = "LOGGING"
	StateStopped    RunState = "STOPPED"
)

// Executor routes a decision's instructions and joins all outcomes.
// Satisfied by execution.Manager.
type Executor interface {
	Execute(ctx context.Context, decision *types.Decision) (*types.ExecutionResult, error)
}

// Run is one strategy run: the tick loop plus every component it owns.
// All state mutation happens on the run's single loop goroutine; accessors
// read behind the mutex.
type Run struct {
	cfg     *types.RunConfig
	logger  *zap.Logger
	source  marketdata.Source
	ledger  *ledger.Ledger
	expo    *monitor.ExposureMonitor
	risk    *monitor.RiskMonitor
	pnl     *monitor.PnLCalculator
	strat   strategy.Strategy
	exec    Executor
	events  *eventlog.Log
	metrics *metrics.Metrics

	mu            sync.RWMutex
	state         RunState
	warningStreak int
	dataGapStreak int
	lastFullLoop  time.Time
	lastTick      time.Time
	lastRisk      *types.RiskAssessment
	decisions     []*types.Decision
	pnlHistory    []*types.PnLRecord
	fatal         error

	// startedAt is the run_started event timestamp; written once by the
	// loop goroutine before any other event.
	startedAt time.Time

	running   atomic.Bool
	executing atomic.Bool
	external  chan types.Instruction
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func newRun(logger *zap.Logger, cfg *types.RunConfig, source marketdata.Source, exec Executor, m *metrics.Metrics) (*Run, error) {
	log := eventlog.New(logger, cfg.EventLog)
	led := ledger.New(logger, cfg.Instruments, cfg.InitialBalances, log)
	strat, err := strategy.New(logger, cfg)
	if err != nil {
		return nil, err
	}
	return &Run{
		cfg:      cfg,
		logger:   logger.Named("run." + cfg.ID),
		source:   source,
		ledger:   led,
		expo:     monitor.NewExposureMonitor(logger),
		risk:     monitor.NewRiskMonitor(logger, cfg.Thresholds, cfg.VenueNames()),
		pnl:      monitor.NewPnLCalculator(logger, cfg.InitialBalances, cfg.CostBasis),
		strat:    strat,
		exec:     exec,
		events:   log,
		metrics:  m,
		state:    StateIdle,
		external: make(chan types.Instruction, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the run id.
func (r *Run) ID() string { return r.cfg.ID }

// State returns the current loop state.
func (r *Run) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the fatal error that halted the run, if any.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fatal
}

// Decisions returns the decisions logged so far, oldest first.
func (r *Run) Decisions() []*types.Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*types.Decision(nil), r.decisions...)
}

// PnLHistory returns all computed PnL records, oldest first.
func (r *Run) PnLHistory() []*types.PnLRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*types.PnLRecord(nil), r.pnlHistory...)
}

// Positions returns the current position snapshot.
func (r *Run) Positions() *types.PositionSnapshot {
	return r.ledger.Snapshot(time.Now())
}

// LastRisk returns the most recent risk assessment.
func (r *Run) LastRisk() *types.RiskAssessment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRisk
}

// Events queries the run's audit trail.
func (r *Run) Events(f eventlog.Filter) ([]types.Event, error) {
	return r.events.Query(f)
}

// EventLog exposes the log for streaming subscribers.
func (r *Run) EventLog() *eventlog.Log { return r.events }

// SubmitInstruction queues an external instruction for the next tick.
// Live runs only; the instrument must be in the subscribed universe.
func (r *Run) SubmitInstruction(instr types.Instruction) error {
	if r.cfg.Mode != types.ModeLive {
		return fmt.Errorf("external instructions only accepted in live mode")
	}
	if !r.running.Load() {
		return fmt.Errorf("run %s is not active", r.cfg.ID)
	}
	if !r.cfg.Subscribed(instr.Instrument) {
		return &types.UnknownInstrumentError{Instrument: instr.Instrument}
	}
	select {
	case r.external <- instr:
		return nil
	default:
		return fmt.Errorf("external instruction queue full")
	}
}

// Stop signals the loop to halt after the current tick and waits for it.
func (r *Run) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Done returns a channel closed when the loop has exited.
func (r *Run) Done() <-chan struct{} { return r.done }

// start launches the tick loop appropriate for the run mode.
func (r *Run) start(ctx context.Context) error {
	switch r.cfg.Mode {
	case types.ModeBacktest:
		replay, ok := r.source.(marketdata.Replayable)
		if !ok {
			return &types.ConfigurationError{Field: "mode", Reason: "backtest requires a replayable market data source"}
		}
		r.running.Store(true)
		go r.backtestLoop(ctx, replay)
	case types.ModeLive:
		stream, ok := r.source.(marketdata.Streaming)
		if !ok {
			return &types.ConfigurationError{Field: "mode", Reason: "live requires a streaming market data source"}
		}
		r.running.Store(true)
		go r.liveLoop(ctx, stream)
	default:
		return &types.ConfigurationError{Field: "mode", Reason: "unknown mode " + string(r.cfg.Mode)}
	}
	return nil
}

func (r *Run) backtestLoop(ctx context.Context, replay marketdata.Replayable) {
	defer r.finish()

	// Lifecycle events run on the replay clock, not the wall clock, so
	// sequence order matches timestamp order over historical data.
	stamps := replay.Timestamps()
	r.startedAt = time.Now()
	if len(stamps) > 0 {
		r.startedAt = stamps[0]
	}
	r.events.Append(r.startedAt, types.EventRunStarted, "engine", map[string]any{
		"run":      r.cfg.ID,
		"mode":     string(r.cfg.Mode),
		"strategy": string(r.cfg.Strategy),
	})

	for _, ts := range stamps {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := r.processTick(ctx, ts); err != nil {
			r.halt(ts, err)
			return
		}
	}
}

func (r *Run) liveLoop(ctx context.Context, stream marketdata.Streaming) {
	defer r.finish()

	r.startedAt = time.Now()
	r.events.Append(r.startedAt, types.EventRunStarted, "engine", map[string]any{
		"run":      r.cfg.ID,
		"mode":     string(r.cfg.Mode),
		"strategy": string(r.cfg.Strategy),
	})

	updates := stream.Updates()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := r.processSnapshot(ctx, snap.Timestamp, snap); err != nil {
				r.halt(snap.Timestamp, err)
				return
			}
		}
	}
}

func (r *Run) finish() {
	r.running.Store(false)
	r.setState(StateStopped)
	r.mu.RLock()
	ts := r.lastTick
	r.mu.RUnlock()
	// run_stopped must not predate run_started or any tick event.
	if ts.Before(r.startedAt) {
		ts = r.startedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	r.events.Append(ts, types.EventRunStopped, "engine", map[string]any{
		"run": r.cfg.ID,
	})
	r.metrics.ActiveRuns.Dec()
	close(r.done)
}

// halt records a fatal error and lets the loop exit.
func (r *Run) halt(ts time.Time, err error) {
	r.mu.Lock()
	r.fatal = err
	r.mu.Unlock()
	r.events.Append(ts, types.EventError, "engine", map[string]any{
		"code":    types.ErrorCode(err),
		"message": err.Error(),
		"fatal":   true,
	})
	r.logger.Error("Run halted", zap.Error(err))
}

func (r *Run) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// processTick fetches the tick's snapshot and runs the state machine once.
// Only fatal errors propagate; per-tick conditions are logged and absorbed.
func (r *Run) processTick(ctx context.Context, ts time.Time) error {
	r.noteTick(ts)
	snap, err := r.source.GetSnapshot(ctx, ts)
	if err != nil {
		return r.dataGap(ts, err)
	}
	return r.processSnapshot(ctx, ts, snap)
}

// noteTick advances the run's tick clock, which stamps lifecycle events.
func (r *Run) noteTick(ts time.Time) {
	r.mu.Lock()
	r.lastTick = ts
	r.mu.Unlock()
}

// processSnapshot runs the state machine for one already-fetched snapshot.
// The live loop enters here directly with the pushed snapshot.
func (r *Run) processSnapshot(ctx context.Context, ts time.Time, snap *types.MarketSnapshot) error {
	r.noteTick(ts)
	started := time.Now()
	defer func() {
		r.metrics.CycleDuration.Observe(time.Since(started).Seconds())
		r.setState(StateIdle)
	}()

	r.setState(StateEvaluating)

	positions := r.ledger.Snapshot(ts)
	exposure, err := r.expo.Compute(positions, snap)
	if err != nil {
		return r.dataGap(ts, err)
	}

	r.mu.Lock()
	r.dataGapStreak = 0
	r.mu.Unlock()

	assessment := r.risk.Assess(exposure, snap)
	r.mu.Lock()
	r.lastRisk = assessment
	r.mu.Unlock()
	r.metrics.ObserveRisk(r.cfg.ID, assessment.Overall)

	r.events.Append(ts, types.EventExposure, "exposure", map[string]any{
		"aggregate": exposure.Aggregate.String(),
	})
	r.events.Append(ts, types.EventRisk, "risk", map[string]any{
		"overall": string(assessment.Overall),
	})

	trigger, external, full := r.classify(ts, assessment)

	if !full {
		r.setState(StateTight)
		r.metrics.TicksTotal.WithLabelValues(r.cfg.ID, "tight").Inc()
		return r.tightLoop(ts, positions, snap, trigger)
	}

	r.setState(StateFull)
	r.metrics.TicksTotal.WithLabelValues(r.cfg.ID, "full").Inc()
	return r.fullLoop(ctx, ts, snap, positions, exposure, assessment, trigger, external)
}

// dataGap absorbs a missing-data tick; past the configured streak it
// escalates to a fatal invariant violation and halts the run.
func (r *Run) dataGap(ts time.Time, cause error) error {
	r.mu.Lock()
	r.dataGapStreak++
	streak := r.dataGapStreak
	r.mu.Unlock()

	wrapped := &types.DataUnavailableError{Timestamp: ts, Consecutive: streak, Cause: cause}
	r.events.Append(ts, types.EventError, "engine", map[string]any{
		"code":        types.ErrorCode(wrapped),
		"message":     wrapped.Error(),
		"consecutive": streak,
	})
	r.metrics.CycleFailuresTotal.WithLabelValues(r.cfg.ID, types.ErrorCode(wrapped)).Inc()

	if streak >= r.cfg.MaxConsecutiveDataGaps {
		return &types.InvariantViolationError{
			Component: "marketdata",
			Detail:    fmt.Sprintf("%d consecutive data gaps (limit %d): %v", streak, r.cfg.MaxConsecutiveDataGaps, cause),
		}
	}
	r.logger.Warn("Skipping tick, market data unavailable",
		zap.Time("ts", ts),
		zap.Int("consecutive", streak),
	)
	return nil
}

// classify picks the cycle's trigger. Priority: queued external
// instructions, critical risk, sustained warning, scheduled cadence.
func (r *Run) classify(ts time.Time, assessment *types.RiskAssessment) (types.TriggerSource, []types.Instruction, bool) {
	var external []types.Instruction
	for {
		select {
		case instr := <-r.external:
			external = append(external, instr)
			continue
		default:
		}
		break
	}
	if len(external) > 0 {
		return types.TriggerExternalInstruction, external, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch assessment.Overall {
	case types.RiskLevelCritical:
		r.warningStreak = 0
		return types.TriggerRiskCritical, nil, true
	case types.RiskLevelWarning:
		r.warningStreak++
		if r.warningStreak >= r.cfg.WarningTicks {
			return types.TriggerRiskWarningSustained, nil, true
		}
	default:
		r.warningStreak = 0
	}

	if r.lastFullLoop.IsZero() || ts.Sub(r.lastFullLoop) >= r.cfg.RebalanceInterval {
		return types.TriggerScheduledTick, nil, true
	}
	return types.TriggerScheduledTick, nil, false
}

// tightLoop is the monitoring-only pipeline: PnL mark plus logging.
// Strategy and execution are never touched here.
func (r *Run) tightLoop(ts time.Time, positions *types.PositionSnapshot, snap *types.MarketSnapshot, trigger types.TriggerSource) error {
	record, err := r.pnl.Compute(positions, snap, trigger)
	if err != nil {
		return r.dataGap(ts, err)
	}

	r.setState(StateLogging)
	r.recordPnL(ts, record)
	r.events.Append(ts, types.EventCycle, "engine", map[string]any{
		"kind":    "tight",
		"trigger": string(trigger),
	})
	return nil
}

// fullLoop adds Strategy → Execution → PnL recompute to the pipeline.
func (r *Run) fullLoop(
	ctx context.Context,
	ts time.Time,
	snap *types.MarketSnapshot,
	positions *types.PositionSnapshot,
	exposure *types.ExposureSnapshot,
	assessment *types.RiskAssessment,
	trigger types.TriggerSource,
	external []types.Instruction,
) error {
	var decision *types.Decision
	if trigger == types.TriggerExternalInstruction {
		decision = r.externalDecision(ts, external)
	} else {
		record, err := r.pnl.Compute(positions, snap, trigger)
		if err != nil {
			return r.dataGap(ts, err)
		}
		decision, err = r.strat.Decide(ctx, strategy.Inputs{
			Timestamp: ts,
			Trigger:   trigger,
			Market:    snap,
			Positions: positions,
			Exposure:  exposure,
			Risk:      assessment,
			PnL:       record,
		})
		if err != nil {
			return fmt.Errorf("strategy decide failed: %w", err)
		}
	}

	if err := r.validateDecision(decision); err != nil {
		r.events.Append(ts, types.EventError, "engine", map[string]any{
			"code":    types.ErrorCode(err),
			"message": err.Error(),
		})
		r.metrics.CycleFailuresTotal.WithLabelValues(r.cfg.ID, types.ErrorCode(err)).Inc()
		r.logger.Warn("Cycle aborted before execution", zap.Error(err))
		return nil
	}

	r.mu.Lock()
	r.decisions = append(r.decisions, decision)
	r.mu.Unlock()
	r.events.Append(ts, types.EventDecision, "strategy", map[string]any{
		"action":        string(decision.Action),
		"trigger":       string(decision.Trigger),
		"instructions":  len(decision.Instructions),
		"risk_override": decision.RiskOverride,
		"priority":      string(decision.Priority),
		"reason":        decision.Reason,
	})

	if len(decision.Instructions) > 0 {
		if err := r.executeAndApply(ctx, ts, decision); err != nil {
			return err
		}
	}

	// PnL recompute over the post-execution ledger. Fills are already
	// applied and the decision logged at this point, so the cycle is
	// recorded and the cadence advanced even when the recompute hits a
	// price gap; the gap is absorbed afterwards like any other.
	record, perr := r.pnl.Compute(r.ledger.Snapshot(ts), snap, trigger)

	r.setState(StateLogging)
	if perr == nil {
		r.recordPnL(ts, record)
	}
	r.events.Append(ts, types.EventCycle, "engine", map[string]any{
		"kind":    "full",
		"trigger": string(trigger),
	})

	r.mu.Lock()
	r.lastFullLoop = ts
	r.warningStreak = 0
	r.mu.Unlock()

	if perr != nil {
		return r.dataGap(ts, perr)
	}
	return nil
}

// executeAndApply runs one execution cycle and applies confirmed fills.
// The in-flight guard holds the at-most-one invariant even if a future
// driver ever dispatches ticks concurrently.
func (r *Run) executeAndApply(ctx context.Context, ts time.Time, decision *types.Decision) error {
	if !r.executing.CompareAndSwap(false, true) {
		r.logger.Warn("Execution already in flight, deferring decision to next tick")
		return nil
	}
	defer r.executing.Store(false)

	result, err := r.exec.Execute(ctx, decision)
	if err != nil {
		return fmt.Errorf("execution cycle failed: %w", err)
	}
	r.metrics.ObserveExecution(result)

	for _, res := range result.Results {
		r.events.Append(ts, types.EventInstruction, "execution", map[string]any{
			"instruction": res.Instruction.ID,
			"instrument":  string(res.Instruction.Instrument),
			"venue":       res.Instruction.Venue,
			"outcome":     string(res.Outcome),
			"filled":      res.FilledSize.String(),
			"error":       res.Error,
		})
		if res.Outcome == types.OutcomeFailed || res.Outcome == types.OutcomeTimedOut {
			r.metrics.CycleFailuresTotal.WithLabelValues(r.cfg.ID, "ExecutionFailure").Inc()
		}
	}
	if result.PartialFailure() {
		r.logger.Warn("Partial execution failure, applying confirmed fills only")
	}

	for _, fill := range result.Fills() {
		delta := fill.FilledDelta()
		if _, err := r.ledger.ApplyDelta(fill.Instruction.Instrument, delta, "fill:"+fill.Instruction.ID, ts); err != nil {
			var unknown *types.UnknownInstrumentError
			if errors.As(err, &unknown) {
				// Validated pre-execution; reaching here is state corruption.
				return &types.InvariantViolationError{Component: "engine", Detail: err.Error()}
			}
			return err
		}
		r.pnl.ApplyFill(fill.Instruction.Instrument, delta, fill.FillPrice)
	}

	return r.ledger.Audit()
}

// externalDecision wraps queued operator instructions in a decision.
func (r *Run) externalDecision(ts time.Time, instructions []types.Instruction) *types.Decision {
	return &types.Decision{
		Timestamp:    ts,
		Trigger:      types.TriggerExternalInstruction,
		Action:       types.ActionRebalance,
		Instructions: instructions,
		Priority:     types.PriorityHigh,
		Reason:       "operator-submitted instructions",
	}
}

// validateDecision rejects decisions touching instruments outside the
// universe or carrying non-positive sizes, before anything executes.
func (r *Run) validateDecision(d *types.Decision) error {
	for instrument := range d.TargetPositions {
		if !r.cfg.Subscribed(instrument) {
			return &types.InvalidDecisionError{Instrument: instrument, Reason: "target outside subscribed universe"}
		}
	}
	for _, instr := range d.Instructions {
		if !r.cfg.Subscribed(instr.Instrument) {
			return &types.InvalidDecisionError{Instrument: instr.Instrument, Reason: "instruction outside subscribed universe"}
		}
		if instr.Size.LessThanOrEqual(decimal.Zero) {
			return &types.InvalidDecisionError{Instrument: instr.Instrument, Reason: "instruction size must be positive"}
		}
		if instr.Direction != types.DirectionBuy && instr.Direction != types.DirectionSell {
			return &types.InvalidDecisionError{Instrument: instr.Instrument, Reason: "unknown direction " + string(instr.Direction)}
		}
	}
	return nil
}

func (r *Run) recordPnL(ts time.Time, record *types.PnLRecord) {
	r.mu.Lock()
	r.pnlHistory = append(r.pnlHistory, record)
	r.mu.Unlock()
	r.events.Append(ts, types.EventPnL, "pnl", map[string]any{
		"realized":   record.Realized.String(),
		"unrealized": record.Unrealized.String(),
		"total":      record.Total().String(),
	})
}
