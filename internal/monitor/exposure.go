// Package monitor provides the derived-state components of the pipeline:
// exposure, risk and PnL. All three are pure over their explicit inputs —
// none of them queries a data source or holds hidden per-tick state, which
// is what keeps the pipeline replayable and each piece testable alone.
package monitor

import (
	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExposureMonitor computes per-instrument and aggregate exposure from a
// position snapshot and a market snapshot.
type ExposureMonitor struct {
	logger *zap.Logger
}

// NewExposureMonitor creates an exposure monitor.
func NewExposureMonitor(logger *zap.Logger) *ExposureMonitor {
	return &ExposureMonitor{logger: logger.Named("exposure")}
}

// Compute derives exposure for every nonzero position. A missing price for
// any such instrument is a MissingPriceError — a per-tick condition the
// engine absorbs, not a fatal one.
func (m *ExposureMonitor) Compute(positions *types.PositionSnapshot, snap *types.MarketSnapshot) (*types.ExposureSnapshot, error) {
	exposures := make(map[types.InstrumentKey]decimal.Decimal, len(positions.Balances))
	aggregate := decimal.Zero

	for instrument, qty := range positions.Balances {
		price, ok := snap.Price(instrument)
		if !ok {
			return nil, &types.MissingPriceError{Instrument: instrument, Timestamp: snap.Timestamp}
		}
		exposure := qty.Mul(price)
		exposures[instrument] = exposure
		aggregate = aggregate.Add(exposure.Abs())
	}

	return &types.ExposureSnapshot{
		Timestamp: snap.Timestamp,
		Exposures: exposures,
		Aggregate: aggregate,
	}, nil
}
