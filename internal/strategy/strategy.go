// Package strategy provides the decision contract and its mode variants.
// Every variant implements the same Decide signature; the concrete variant
// is resolved once from the configured mode tag, never by runtime type
// inspection.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Inputs bundles the full state snapshot handed to a decision.
type Inputs struct {
	Timestamp time.Time
	Trigger   types.TriggerSource
	Market    *types.MarketSnapshot
	Positions *types.PositionSnapshot
	Exposure  *types.ExposureSnapshot
	Risk      *types.RiskAssessment
	PnL       *types.PnLRecord
}

// Strategy is the decision unit invoked on full-loop cycles only.
type Strategy interface {
	Mode() types.StrategyMode
	Decide(ctx context.Context, in Inputs) (*types.Decision, error)
}

// New resolves the strategy variant for the configured mode tag.
func New(logger *zap.Logger, cfg *types.RunConfig) (Strategy, error) {
	base := base{logger: logger.Named("strategy"), cfg: cfg}
	switch cfg.Strategy {
	case types.StrategyLending:
		return &lendingStrategy{base}, nil
	case types.StrategyBasisCarry:
		return &basisCarryStrategy{base}, nil
	case types.StrategyStaking:
		return &stakingStrategy{base}, nil
	case types.StrategyLeveraged:
		return &leveragedStrategy{base}, nil
	case types.StrategyMarketNeutral:
		return &marketNeutralStrategy{base}, nil
	default:
		return nil, fmt.Errorf("unknown strategy mode %q", cfg.Strategy)
	}
}

// base carries the shared config and decision helpers.
type base struct {
	logger *zap.Logger
	cfg    *types.RunConfig
}

func (b *base) newInstruction(instrument types.InstrumentKey, delta decimal.Decimal) types.Instruction {
	dir := types.DirectionBuy
	if delta.IsNegative() {
		dir = types.DirectionSell
	}
	return types.Instruction{
		ID:         uuid.New().String(),
		Instrument: instrument,
		Direction:  dir,
		Size:       delta.Abs(),
		Venue:      instrument.Venue(),
	}
}

// maintain returns the no-op decision keeping the current positions.
func (b *base) maintain(in Inputs) *types.Decision {
	targets := make(map[types.InstrumentKey]decimal.Decimal, len(in.Positions.Balances))
	for k, v := range in.Positions.Balances {
		targets[k] = v
	}
	return &types.Decision{
		Timestamp:       in.Timestamp,
		Trigger:         in.Trigger,
		Action:          types.ActionMaintain,
		TargetPositions: targets,
		Priority:        types.PriorityLow,
	}
}

// exit flattens every open position. Used on CRITICAL risk by every
// variant; bypasses the scheduling cadence via the risk-override flag.
func (b *base) exit(in Inputs, reason string) *types.Decision {
	targets := make(map[types.InstrumentKey]decimal.Decimal, len(in.Positions.Balances))
	var instructions []types.Instruction
	for instrument, qty := range in.Positions.Balances {
		targets[instrument] = decimal.Zero
		instructions = append(instructions, b.newInstruction(instrument, qty.Neg()))
	}
	return &types.Decision{
		Timestamp:       in.Timestamp,
		Trigger:         in.Trigger,
		Action:          types.ActionExit,
		TargetPositions: targets,
		Instructions:    instructions,
		RiskOverride:    true,
		Priority:        types.PriorityCritical,
		Reason:          reason,
	}
}

// toward builds instructions moving current positions to the targets.
func (b *base) toward(in Inputs, targets map[types.InstrumentKey]decimal.Decimal) []types.Instruction {
	var instructions []types.Instruction
	for instrument, target := range targets {
		delta := target.Sub(in.Positions.Balance(instrument))
		if delta.IsZero() {
			continue
		}
		instructions = append(instructions, b.newInstruction(instrument, delta))
	}
	return instructions
}

// drifted reports whether current differs from target by more than the
// configured rebalance band (relative to target, absolute when target is
// zero).
func (b *base) drifted(current, target decimal.Decimal) bool {
	diff := current.Sub(target).Abs()
	if diff.IsZero() {
		return false
	}
	band := b.cfg.Params.RebalanceBand
	if band.IsZero() {
		return true
	}
	if target.IsZero() {
		return diff.GreaterThan(band)
	}
	return diff.Div(target.Abs()).GreaterThan(band)
}
