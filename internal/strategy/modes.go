package strategy

import (
	"context"

	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// lendingStrategy holds collateral and a loan against it. It never adds
// exposure; its only moves are deleveraging when risk deteriorates.
type lendingStrategy struct{ base }

func (s *lendingStrategy) Mode() types.StrategyMode { return types.StrategyLending }

func (s *lendingStrategy) Decide(_ context.Context, in Inputs) (*types.Decision, error) {
	if in.Risk.Overall == types.RiskLevelCritical {
		return s.exit(in, "critical risk: unwinding loan"), nil
	}
	if in.Risk.Overall == types.RiskLevelWarning {
		// Halve every loan position to pull LTV back under the warning bound.
		targets := make(map[types.InstrumentKey]decimal.Decimal, len(in.Positions.Balances))
		for instrument, qty := range in.Positions.Balances {
			if qty.IsNegative() {
				targets[instrument] = qty.Div(decimal.NewFromInt(2))
			} else {
				targets[instrument] = qty
			}
		}
		return &types.Decision{
			Timestamp:       in.Timestamp,
			Trigger:         in.Trigger,
			Action:          types.ActionLeverageDown,
			TargetPositions: targets,
			Instructions:    s.toward(in, targets),
			RiskOverride:    true,
			Priority:        types.PriorityHigh,
			Reason:          "sustained warning: halving loan balances",
		}, nil
	}
	return s.maintain(in), nil
}

// basisCarryStrategy keeps a perp short equal and opposite to the spot
// holding, harvesting funding while staying delta-neutral.
type basisCarryStrategy struct{ base }

func (s *basisCarryStrategy) Mode() types.StrategyMode { return types.StrategyBasisCarry }

func (s *basisCarryStrategy) Decide(_ context.Context, in Inputs) (*types.Decision, error) {
	if in.Risk.Overall == types.RiskLevelCritical {
		return s.exit(in, "critical risk: closing carry"), nil
	}

	spot := in.Positions.Balance(s.cfg.Params.SourceInstrument)
	hedge := in.Positions.Balance(s.cfg.Params.HedgeInstrument)
	wantHedge := spot.Neg()

	if !s.drifted(hedge, wantHedge) {
		return s.maintain(in), nil
	}

	targets := map[types.InstrumentKey]decimal.Decimal{
		s.cfg.Params.SourceInstrument: spot,
		s.cfg.Params.HedgeInstrument:  wantHedge,
	}
	s.logger.Debug("Hedge drifted from spot",
		zap.String("hedge", hedge.String()),
		zap.String("target", wantHedge.String()),
	)
	return &types.Decision{
		Timestamp:       in.Timestamp,
		Trigger:         in.Trigger,
		Action:          types.ActionHedge,
		TargetPositions: targets,
		Instructions:    s.toward(in, targets),
		Priority:        types.PriorityMedium,
		Reason:          "re-pairing perp hedge with spot holding",
	}, nil
}

// stakingStrategy converts an idle source balance into its staked form and
// holds it there.
type stakingStrategy struct{ base }

func (s *stakingStrategy) Mode() types.StrategyMode { return types.StrategyStaking }

func (s *stakingStrategy) Decide(_ context.Context, in Inputs) (*types.Decision, error) {
	if in.Risk.Overall == types.RiskLevelCritical {
		return s.exit(in, "critical risk: unstaking"), nil
	}

	source := in.Positions.Balance(s.cfg.Params.SourceInstrument)
	if !source.IsPositive() || !s.drifted(source, decimal.Zero) {
		return s.maintain(in), nil
	}

	staked := in.Positions.Balance(s.cfg.Params.StakeInstrument)
	targets := map[types.InstrumentKey]decimal.Decimal{
		s.cfg.Params.SourceInstrument: decimal.Zero,
		s.cfg.Params.StakeInstrument:  staked.Add(source),
	}
	return &types.Decision{
		Timestamp:       in.Timestamp,
		Trigger:         in.Trigger,
		Action:          types.ActionRebalance,
		TargetPositions: targets,
		Instructions:    s.toward(in, targets),
		Priority:        types.PriorityLow,
		Reason:          "staking idle balance",
	}, nil
}

// leveragedStrategy steers the position in the hedge instrument so that
// aggregate exposure sits at TargetLeverage times collateral value.
type leveragedStrategy struct{ base }

func (s *leveragedStrategy) Mode() types.StrategyMode { return types.StrategyLeveraged }

func (s *leveragedStrategy) Decide(_ context.Context, in Inputs) (*types.Decision, error) {
	if in.Risk.Overall == types.RiskLevelCritical {
		return s.exit(in, "critical risk: cutting leverage to zero"), nil
	}

	lever := s.cfg.Params.HedgeInstrument
	price, ok := in.Market.Price(lever)
	if !ok || price.IsZero() {
		// No price for the levered leg this tick: hold.
		return s.maintain(in), nil
	}

	// Collateral is everything that is not the levered leg itself.
	collateral := decimal.Zero
	for instrument, exp := range in.Exposure.Exposures {
		if instrument == lever || exp.IsNegative() {
			continue
		}
		collateral = collateral.Add(exp)
	}
	if collateral.IsZero() {
		return s.maintain(in), nil
	}

	target := s.cfg.Params.TargetLeverage
	if in.Risk.Overall == types.RiskLevelWarning {
		target = target.Div(decimal.NewFromInt(2))
	}
	wantQty := collateral.Mul(target).Div(price)
	haveQty := in.Positions.Balance(lever)
	if !s.drifted(haveQty, wantQty) {
		return s.maintain(in), nil
	}

	action := types.ActionLeverageUp
	priority := types.PriorityMedium
	if wantQty.LessThan(haveQty) {
		action = types.ActionLeverageDown
		if in.Risk.Overall == types.RiskLevelWarning {
			priority = types.PriorityHigh
		}
	}
	targets := make(map[types.InstrumentKey]decimal.Decimal, len(in.Positions.Balances)+1)
	for k, v := range in.Positions.Balances {
		targets[k] = v
	}
	targets[lever] = wantQty
	return &types.Decision{
		Timestamp:       in.Timestamp,
		Trigger:         in.Trigger,
		Action:          action,
		TargetPositions: targets,
		Instructions:    s.toward(in, targets),
		RiskOverride:    in.Risk.Overall == types.RiskLevelWarning,
		Priority:        priority,
		Reason:          "steering exposure toward target leverage",
	}, nil
}

// marketNeutralStrategy offsets the portfolio's net exposure with the
// hedge instrument so total delta stays near zero.
type marketNeutralStrategy struct{ base }

func (s *marketNeutralStrategy) Mode() types.StrategyMode { return types.StrategyMarketNeutral }

func (s *marketNeutralStrategy) Decide(_ context.Context, in Inputs) (*types.Decision, error) {
	if in.Risk.Overall == types.RiskLevelCritical {
		return s.exit(in, "critical risk: flattening book"), nil
	}

	hedge := s.cfg.Params.HedgeInstrument
	price, ok := in.Market.Price(hedge)
	if !ok || price.IsZero() {
		return s.maintain(in), nil
	}

	// Net exposure excluding the hedge leg; the hedge target is its mirror.
	net := decimal.Zero
	for instrument, exp := range in.Exposure.Exposures {
		if instrument == hedge {
			continue
		}
		net = net.Add(exp)
	}
	wantQty := net.Neg().Div(price)
	haveQty := in.Positions.Balance(hedge)
	if !s.drifted(haveQty, wantQty) {
		return s.maintain(in), nil
	}

	targets := make(map[types.InstrumentKey]decimal.Decimal, len(in.Positions.Balances)+1)
	for k, v := range in.Positions.Balances {
		targets[k] = v
	}
	targets[hedge] = wantQty
	return &types.Decision{
		Timestamp:       in.Timestamp,
		Trigger:         in.Trigger,
		Action:          types.ActionHedge,
		TargetPositions: targets,
		Instructions:    s.toward(in, targets),
		Priority:        types.PriorityMedium,
		Reason:          "rebalancing hedge against net book delta",
	}, nil
}
