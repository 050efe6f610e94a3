package monitor

import (
	"sync"

	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type costState struct {
	qty      decimal.Decimal
	avgPrice decimal.Decimal
	realized decimal.Decimal
}

// PnLCalculator tracks cost basis and realized PnL per instrument. Cost
// basis changes only through ApplyFill (confirmed fills); Compute takes
// market data as an explicit parameter, the same calling convention as the
// exposure and risk monitors.
type PnLCalculator struct {
	mu     sync.Mutex
	logger *zap.Logger
	state  map[types.InstrumentKey]*costState
}

// NewPnLCalculator creates a calculator seeded with the run's configured
// cost basis prices.
func NewPnLCalculator(logger *zap.Logger, initialBalances, costBasis map[types.InstrumentKey]decimal.Decimal) *PnLCalculator {
	c := &PnLCalculator{
		logger: logger.Named("pnl"),
		state:  make(map[types.InstrumentKey]*costState),
	}
	for instrument, qty := range initialBalances {
		if qty.IsZero() {
			continue
		}
		c.state[instrument] = &costState{qty: qty, avgPrice: costBasis[instrument]}
	}
	for instrument, basis := range costBasis {
		if _, ok := c.state[instrument]; !ok {
			c.state[instrument] = &costState{avgPrice: basis}
		}
	}
	return c
}

// ApplyFill records a confirmed fill. Increasing a position averages the
// basis; reducing one realizes PnL against it; crossing through zero
// resets the basis to the fill price for the surviving remainder.
func (c *PnLCalculator) ApplyFill(instrument types.InstrumentKey, delta, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.state[instrument]
	if !ok {
		st = &costState{}
		c.state[instrument] = st
	}

	switch {
	case st.qty.IsZero() || st.qty.Sign() == delta.Sign():
		total := st.qty.Add(delta)
		if !total.IsZero() {
			cost := st.qty.Mul(st.avgPrice).Add(delta.Mul(price))
			st.avgPrice = cost.Div(total)
		}
		st.qty = total
	default:
		closed := decimal.Min(delta.Abs(), st.qty.Abs())
		// Realized gain carries the sign of the closed position.
		gain := price.Sub(st.avgPrice).Mul(closed)
		if st.qty.IsNegative() {
			gain = gain.Neg()
		}
		st.realized = st.realized.Add(gain)

		st.qty = st.qty.Add(delta)
		if st.qty.IsZero() {
			st.avgPrice = decimal.Zero
		} else if st.qty.Sign() == delta.Sign() {
			// Position flipped; the remainder was opened at the fill price.
			st.avgPrice = price
		}
	}
}

// CostBasis returns the current average entry price for an instrument.
func (c *PnLCalculator) CostBasis(instrument types.InstrumentKey) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.state[instrument]; ok {
		return st.avgPrice
	}
	return decimal.Zero
}

// Compute derives a PnL record for the given positions and prices.
// Attribution components are additive: totals are their sums.
func (c *PnLCalculator) Compute(positions *types.PositionSnapshot, snap *types.MarketSnapshot, trigger types.TriggerSource) (*types.PnLRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attribution := make(map[types.InstrumentKey]types.PnLComponent)
	realized := decimal.Zero
	unrealized := decimal.Zero

	for instrument, qty := range positions.Balances {
		price, ok := snap.Price(instrument)
		if !ok {
			return nil, &types.MissingPriceError{Instrument: instrument, Timestamp: snap.Timestamp}
		}
		basis := price
		if st, ok := c.state[instrument]; ok && !st.avgPrice.IsZero() {
			basis = st.avgPrice
		}
		comp := types.PnLComponent{Unrealized: qty.Mul(price.Sub(basis))}
		attribution[instrument] = comp
		unrealized = unrealized.Add(comp.Unrealized)
	}

	for instrument, st := range c.state {
		if st.realized.IsZero() {
			continue
		}
		comp := attribution[instrument]
		comp.Realized = st.realized
		attribution[instrument] = comp
		realized = realized.Add(st.realized)
	}

	return &types.PnLRecord{
		Timestamp:   snap.Timestamp,
		Trigger:     trigger,
		Realized:    realized,
		Unrealized:  unrealized,
		Attribution: attribution,
	}, nil
}
