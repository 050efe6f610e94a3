// Package types: run configuration. A RunConfig is validated once before
// the run starts and is read-only afterwards; every component receives it
// (or the slice of it it needs) at construction.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunMode selects replay or live operation. The pipeline is identical in
// both; only the tick driver differs.
type RunMode string

const (
	ModeBacktest RunMode = "backtest"
	ModeLive     RunMode = "live"
)

// StrategyMode tags the strategy variant resolved at configuration time.
type StrategyMode string

const (
	StrategyLending       StrategyMode = "lending"
	StrategyBasisCarry    StrategyMode = "basis_carry"
	StrategyStaking       StrategyMode = "staking"
	StrategyLeveraged     StrategyMode = "leveraged"
	StrategyMarketNeutral StrategyMode = "market_neutral"
)

// RiskThresholds are static per run. Loan-to-value is borrowed value over
// collateral value per venue; distance-to-liquidation is derived from the
// critical bound.
type RiskThresholds struct {
	LTVWarning  decimal.Decimal `json:"ltvWarning"`
	LTVCritical decimal.Decimal `json:"ltvCritical"`
	// MaxAggregateExposure bounds Σ|exposure| across all instruments;
	// zero disables the check.
	MaxAggregateExposure decimal.Decimal `json:"maxAggregateExposure"`
}

// VenueConfig describes one execution venue.
type VenueConfig struct {
	Name string `json:"name"`
	// SubmitTimeout bounds each instruction submission; exceeding it marks
	// the instruction TIMED_OUT without touching the ledger.
	SubmitTimeout time.Duration `json:"submitTimeout"`
}

// StrategyParams are the mode-variant tuning knobs. Variants read only the
// fields they care about.
type StrategyParams struct {
	TargetLeverage decimal.Decimal `json:"targetLeverage"`
	// RebalanceBand is the relative drift from target beyond which a
	// REBALANCE is emitted instead of MAINTAIN.
	RebalanceBand decimal.Decimal `json:"rebalanceBand"`
	// HedgeInstrument is the perp used by hedging variants.
	HedgeInstrument InstrumentKey `json:"hedgeInstrument,omitempty"`
	// StakeInstrument / SourceInstrument pair used by the staking variant.
	StakeInstrument  InstrumentKey `json:"stakeInstrument,omitempty"`
	SourceInstrument InstrumentKey `json:"sourceInstrument,omitempty"`
}

// EventLogConfig sizes the audit trail.
type EventLogConfig struct {
	// RingCapacity is the in-memory window; older events overflow to
	// segment files under Dir. Zero means default.
	RingCapacity int    `json:"ringCapacity"`
	Dir          string `json:"dir"`
}

// RunConfig is the immutable configuration of one run.
type RunConfig struct {
	ID       string       `json:"id"`
	Mode     RunMode      `json:"mode"`
	Strategy StrategyMode `json:"strategy"`

	// Instruments is the subscribed universe; referencing any other key
	// anywhere in the run is an error.
	Instruments []InstrumentKey `json:"instruments"`

	// InitialBalances seed the ledger; CostBasis seeds PnL attribution.
	InitialBalances map[InstrumentKey]decimal.Decimal `json:"initialBalances,omitempty"`
	CostBasis       map[InstrumentKey]decimal.Decimal `json:"costBasis,omitempty"`

	Thresholds RiskThresholds `json:"thresholds"`
	Venues     []VenueConfig  `json:"venues"`
	Params     StrategyParams `json:"params"`

	// RebalanceInterval is the scheduled full-loop cadence.
	RebalanceInterval time.Duration `json:"rebalanceInterval"`
	// WarningTicks is the hysteresis: consecutive WARNING ticks before a
	// full loop is forced.
	WarningTicks int `json:"warningTicks"`
	// MaxConsecutiveDataGaps escalates DataUnavailableError to fatal.
	MaxConsecutiveDataGaps int `json:"maxConsecutiveDataGaps"`

	EventLog EventLogConfig `json:"eventLog"`
}

// DefaultRunConfig returns a config with the tunables that have sensible
// defaults filled in; universe, strategy and thresholds must still be set.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Mode: ModeBacktest,
		Thresholds: RiskThresholds{
			LTVWarning:  decimal.NewFromFloat(0.65),
			LTVCritical: decimal.NewFromFloat(0.80),
		},
		RebalanceInterval:      time.Hour,
		WarningTicks:           3,
		MaxConsecutiveDataGaps: 5,
		EventLog:               EventLogConfig{RingCapacity: 8192},
	}
}

// Subscribed reports whether the instrument is in the run's universe.
func (c *RunConfig) Subscribed(k InstrumentKey) bool {
	for _, ik := range c.Instruments {
		if ik == k {
			return true
		}
	}
	return false
}

// VenueNames returns the configured venue names in declaration order.
func (c *RunConfig) VenueNames() []string {
	names := make([]string, 0, len(c.Venues))
	for _, v := range c.Venues {
		names = append(names, v.Name)
	}
	return names
}

// Validate checks the configuration before run start. All failures are
// ConfigurationError: the run never starts on an invalid config.
func (c *RunConfig) Validate() error {
	if c.Mode != ModeBacktest && c.Mode != ModeLive {
		return &ConfigurationError{Field: "mode", Reason: "must be backtest or live"}
	}
	switch c.Strategy {
	case StrategyLending, StrategyBasisCarry, StrategyStaking, StrategyLeveraged, StrategyMarketNeutral:
	default:
		return &ConfigurationError{Field: "strategy", Reason: "unknown strategy mode " + string(c.Strategy)}
	}
	if len(c.Instruments) == 0 {
		return &ConfigurationError{Field: "instruments", Reason: "subscribed universe is empty"}
	}
	venues := make(map[string]bool, len(c.Venues))
	for _, v := range c.Venues {
		if v.Name == "" {
			return &ConfigurationError{Field: "venues", Reason: "venue with empty name"}
		}
		if venues[v.Name] {
			return &ConfigurationError{Field: "venues", Reason: "duplicate venue " + v.Name}
		}
		venues[v.Name] = true
	}
	seen := make(map[InstrumentKey]bool, len(c.Instruments))
	for _, ik := range c.Instruments {
		if _, err := ParseInstrumentKey(string(ik)); err != nil {
			return &ConfigurationError{Field: "instruments", Reason: err.Error()}
		}
		if seen[ik] {
			return &ConfigurationError{Field: "instruments", Reason: "duplicate instrument " + string(ik)}
		}
		seen[ik] = true
		if len(c.Venues) > 0 && ik.Venue() != "wallet" && !venues[ik.Venue()] {
			return &ConfigurationError{Field: "instruments", Reason: "instrument " + string(ik) + " references undeclared venue " + ik.Venue()}
		}
	}
	for ik := range c.InitialBalances {
		if !seen[ik] {
			return &ConfigurationError{Field: "initialBalances", Reason: "instrument " + string(ik) + " not in universe"}
		}
	}
	for ik := range c.CostBasis {
		if !seen[ik] {
			return &ConfigurationError{Field: "costBasis", Reason: "instrument " + string(ik) + " not in universe"}
		}
	}
	for _, ik := range []InstrumentKey{c.Params.HedgeInstrument, c.Params.StakeInstrument, c.Params.SourceInstrument} {
		if ik != "" && !seen[ik] {
			return &ConfigurationError{Field: "params", Reason: "instrument " + string(ik) + " not in universe"}
		}
	}
	if c.Thresholds.LTVWarning.LessThanOrEqual(decimal.Zero) ||
		c.Thresholds.LTVCritical.LessThanOrEqual(c.Thresholds.LTVWarning) {
		return &ConfigurationError{Field: "thresholds", Reason: "require 0 < ltvWarning < ltvCritical"}
	}
	if c.RebalanceInterval <= 0 {
		return &ConfigurationError{Field: "rebalanceInterval", Reason: "must be positive"}
	}
	if c.WarningTicks < 1 {
		return &ConfigurationError{Field: "warningTicks", Reason: "must be >= 1"}
	}
	if c.MaxConsecutiveDataGaps < 1 {
		return &ConfigurationError{Field: "maxConsecutiveDataGaps", Reason: "must be >= 1"}
	}
	return nil
}
