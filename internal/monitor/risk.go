package monitor

import (
	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskMonitor assesses exposure against the run's static thresholds.
// Thresholds are injected once at construction and never mutated mid-run.
type RiskMonitor struct {
	logger     *zap.Logger
	thresholds types.RiskThresholds
	venues     []string
}

// NewRiskMonitor creates a risk monitor for the configured venues.
func NewRiskMonitor(logger *zap.Logger, thresholds types.RiskThresholds, venues []string) *RiskMonitor {
	return &RiskMonitor{
		logger:     logger.Named("risk"),
		thresholds: thresholds,
		venues:     append([]string(nil), venues...),
	}
}

// Assess computes per-venue loan-to-value, margin ratio and
// distance-to-liquidation, and returns the worst-case level across venues
// as the overall level.
//
// Per venue: debt is the absolute exposure of loan-kind instruments,
// collateral the sum of positive exposures of everything else. Short
// derivative positions are not debt. LTV = debt/collateral; margin ratio
// is its inverse; distance-to-liquidation = (ltvCritical - ltv) /
// ltvCritical.
func (m *RiskMonitor) Assess(exposure *types.ExposureSnapshot, snap *types.MarketSnapshot) *types.RiskAssessment {
	metrics := make(map[string]decimal.Decimal)
	venueLevels := make(map[string]types.RiskLevel, len(m.venues))
	overall := types.RiskLevelOK

	metrics["aggregate_exposure"] = exposure.Aggregate
	if !m.thresholds.MaxAggregateExposure.IsZero() &&
		exposure.Aggregate.GreaterThan(m.thresholds.MaxAggregateExposure) {
		overall = types.RiskLevelWarning
	}

	for _, venue := range m.venues {
		collateral := decimal.Zero
		debt := decimal.Zero
		for instrument, exp := range exposure.Exposures {
			if instrument.Venue() != venue {
				continue
			}
			if instrument.Kind() == "loan" {
				debt = debt.Add(exp.Abs())
			} else if exp.IsPositive() {
				collateral = collateral.Add(exp)
			}
		}

		level := types.RiskLevelOK
		if !debt.IsZero() {
			if collateral.IsZero() {
				// Debt with no collateral on the venue: past liquidation.
				level = types.RiskLevelCritical
				metrics[venue+":ltv"] = decimal.NewFromInt(1)
				metrics[venue+":distance_to_liquidation"] = decimal.Zero
			} else {
				ltv := debt.Div(collateral)
				metrics[venue+":ltv"] = ltv
				metrics[venue+":margin_ratio"] = collateral.Div(debt)
				metrics[venue+":distance_to_liquidation"] = m.thresholds.LTVCritical.Sub(ltv).Div(m.thresholds.LTVCritical)
				switch {
				case ltv.GreaterThanOrEqual(m.thresholds.LTVCritical):
					level = types.RiskLevelCritical
				case ltv.GreaterThanOrEqual(m.thresholds.LTVWarning):
					level = types.RiskLevelWarning
				}
			}
		}
		venueLevels[venue] = level
		overall = types.WorstRiskLevel(overall, level)
	}

	if overall != types.RiskLevelOK {
		m.logger.Debug("Risk level elevated", zap.String("level", string(overall)))
	}

	return &types.RiskAssessment{
		Timestamp:   exposure.Timestamp,
		Metrics:     metrics,
		VenueLevels: venueLevels,
		Overall:     overall,
	}
}
