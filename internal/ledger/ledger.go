// Package ledger owns the run's position state. Balances change only
// through ApplyDelta, which the engine calls from its single serialized
// pipeline; everything else reads copies.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Recorder receives one audit event per applied delta.
type Recorder interface {
	Record(ts time.Time, eventType types.EventType, source string, payload map[string]any)
}

type deltaEntry struct {
	Instrument types.InstrumentKey
	Delta      decimal.Decimal
	Source     string
	Timestamp  time.Time
}

// Ledger maps instrument keys to signed balances. Shorting is
// domain-valid, so balances are never sign-checked.
type Ledger struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	universe map[types.InstrumentKey]bool
	balances map[types.InstrumentKey]decimal.Decimal
	journal  []deltaEntry
	recorder Recorder
}

// New creates a ledger restricted to the given universe, seeded with the
// initial balances. Seed balances are journaled so conservation holds from
// tick zero.
func New(logger *zap.Logger, universe []types.InstrumentKey, initial map[types.InstrumentKey]decimal.Decimal, rec Recorder) *Ledger {
	l := &Ledger{
		logger:   logger.Named("ledger"),
		universe: make(map[types.InstrumentKey]bool, len(universe)),
		balances: make(map[types.InstrumentKey]decimal.Decimal),
		recorder: rec,
	}
	for _, k := range universe {
		l.universe[k] = true
	}
	keys := make([]types.InstrumentKey, 0, len(initial))
	for k := range initial {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if initial[k].IsZero() {
			continue
		}
		l.balances[k] = initial[k]
		l.journal = append(l.journal, deltaEntry{Instrument: k, Delta: initial[k], Source: "initial"})
	}
	return l
}

// ApplyDelta applies a signed quantity change and returns the new balance.
// Instruments outside the subscribed universe are rejected.
func (l *Ledger) ApplyDelta(instrument types.InstrumentKey, delta decimal.Decimal, source string, ts time.Time) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.universe[instrument] {
		return decimal.Zero, &types.UnknownInstrumentError{Instrument: instrument}
	}

	balance := l.balances[instrument].Add(delta)
	l.balances[instrument] = balance
	l.journal = append(l.journal, deltaEntry{Instrument: instrument, Delta: delta, Source: source, Timestamp: ts})

	if l.recorder != nil {
		l.recorder.Record(ts, types.EventPositionDelta, "ledger", map[string]any{
			"instrument": string(instrument),
			"delta":      delta.String(),
			"balance":    balance.String(),
			"source":     source,
		})
	}

	l.logger.Debug("Applied delta",
		zap.String("instrument", string(instrument)),
		zap.String("delta", delta.String()),
		zap.String("balance", balance.String()),
		zap.String("source", source),
	)

	return balance, nil
}

// Balance returns the current balance for an instrument.
func (l *Ledger) Balance(instrument types.InstrumentKey) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[instrument]
}

// Snapshot returns a read-only copy of all nonzero balances.
func (l *Ledger) Snapshot(ts time.Time) *types.PositionSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	balances := make(map[types.InstrumentKey]decimal.Decimal, len(l.balances))
	for k, v := range l.balances {
		if !v.IsZero() {
			balances[k] = v
		}
	}
	return &types.PositionSnapshot{Timestamp: ts, Balances: balances}
}

// DeltaCount returns the number of journaled deltas (seeds included).
func (l *Ledger) DeltaCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.journal)
}

// Audit recomputes every balance from the delta journal and returns an
// InvariantViolationError on any divergence. The engine runs this after
// each delta-application step; a violation halts the run.
func (l *Ledger) Audit() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recomputed := make(map[types.InstrumentKey]decimal.Decimal, len(l.balances))
	for _, e := range l.journal {
		recomputed[e.Instrument] = recomputed[e.Instrument].Add(e.Delta)
	}
	for k, want := range recomputed {
		if !l.balances[k].Equal(want) {
			return &types.InvariantViolationError{
				Component: "ledger",
				Detail:    "balance of " + string(k) + " is " + l.balances[k].String() + ", journal sums to " + want.String(),
			}
		}
	}
	for k, have := range l.balances {
		if _, ok := recomputed[k]; !ok && !have.IsZero() {
			return &types.InvariantViolationError{
				Component: "ledger",
				Detail:    "balance of " + string(k) + " has no journal entries",
			}
		}
	}
	return nil
}
