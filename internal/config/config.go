// Package config loads run configurations from yaml/json files.
package config

import (
	"fmt"
	"time"

	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// fileConfig mirrors RunConfig with file-friendly scalar types. Decimals
// are carried as strings so configured values round-trip exactly.
type fileConfig struct {
	ID       string `mapstructure:"id"`
	Mode     string `mapstructure:"mode"`
	Strategy string `mapstructure:"strategy"`

	Instruments []string `mapstructure:"instruments"`
	// Instrument-keyed values are lists, not maps: viper lowercases map
	// keys, which would mangle instrument keys.
	InitialBalances []balanceEntry `mapstructure:"initial_balances"`
	CostBasis       []balanceEntry `mapstructure:"cost_basis"`

	Thresholds struct {
		LTVWarning           string `mapstructure:"ltv_warning"`
		LTVCritical          string `mapstructure:"ltv_critical"`
		MaxAggregateExposure string `mapstructure:"max_aggregate_exposure"`
	} `mapstructure:"thresholds"`

	Venues []struct {
		Name          string        `mapstructure:"name"`
		SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	} `mapstructure:"venues"`

	Params struct {
		TargetLeverage   string `mapstructure:"target_leverage"`
		RebalanceBand    string `mapstructure:"rebalance_band"`
		HedgeInstrument  string `mapstructure:"hedge_instrument"`
		StakeInstrument  string `mapstructure:"stake_instrument"`
		SourceInstrument string `mapstructure:"source_instrument"`
	} `mapstructure:"params"`

	RebalanceInterval      time.Duration `mapstructure:"rebalance_interval"`
	WarningTicks           int           `mapstructure:"warning_ticks"`
	MaxConsecutiveDataGaps int           `mapstructure:"max_consecutive_data_gaps"`

	EventLog struct {
		RingCapacity int    `mapstructure:"ring_capacity"`
		Dir          string `mapstructure:"dir"`
	} `mapstructure:"event_log"`
}

type balanceEntry struct {
	Instrument string `mapstructure:"instrument"`
	Value      string `mapstructure:"value"`
}

// Load reads and validates a run configuration file. Defaults apply for
// any tunable the file omits; all failures surface as ConfigurationError.
func Load(path string) (*types.RunConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, &types.ConfigurationError{Field: "file", Reason: err.Error()}
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, &types.ConfigurationError{Field: "file", Reason: err.Error()}
	}
	return build(&fc)
}

func build(fc *fileConfig) (*types.RunConfig, error) {
	cfg := types.DefaultRunConfig()
	cfg.ID = fc.ID
	if fc.Mode != "" {
		cfg.Mode = types.RunMode(fc.Mode)
	}
	cfg.Strategy = types.StrategyMode(fc.Strategy)

	for _, s := range fc.Instruments {
		ik, err := types.ParseInstrumentKey(s)
		if err != nil {
			return nil, &types.ConfigurationError{Field: "instruments", Reason: err.Error()}
		}
		cfg.Instruments = append(cfg.Instruments, ik)
	}

	var err error
	if cfg.InitialBalances, err = decimalMap("initial_balances", fc.InitialBalances); err != nil {
		return nil, err
	}
	if cfg.CostBasis, err = decimalMap("cost_basis", fc.CostBasis); err != nil {
		return nil, err
	}

	if err := setDecimal(&cfg.Thresholds.LTVWarning, "thresholds.ltv_warning", fc.Thresholds.LTVWarning); err != nil {
		return nil, err
	}
	if err := setDecimal(&cfg.Thresholds.LTVCritical, "thresholds.ltv_critical", fc.Thresholds.LTVCritical); err != nil {
		return nil, err
	}
	if err := setDecimal(&cfg.Thresholds.MaxAggregateExposure, "thresholds.max_aggregate_exposure", fc.Thresholds.MaxAggregateExposure); err != nil {
		return nil, err
	}

	for _, vc := range fc.Venues {
		timeout := vc.SubmitTimeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		cfg.Venues = append(cfg.Venues, types.VenueConfig{Name: vc.Name, SubmitTimeout: timeout})
	}

	if err := setDecimal(&cfg.Params.TargetLeverage, "params.target_leverage", fc.Params.TargetLeverage); err != nil {
		return nil, err
	}
	if err := setDecimal(&cfg.Params.RebalanceBand, "params.rebalance_band", fc.Params.RebalanceBand); err != nil {
		return nil, err
	}
	cfg.Params.HedgeInstrument = types.InstrumentKey(fc.Params.HedgeInstrument)
	cfg.Params.StakeInstrument = types.InstrumentKey(fc.Params.StakeInstrument)
	cfg.Params.SourceInstrument = types.InstrumentKey(fc.Params.SourceInstrument)

	if fc.RebalanceInterval != 0 {
		cfg.RebalanceInterval = fc.RebalanceInterval
	}
	if fc.WarningTicks != 0 {
		cfg.WarningTicks = fc.WarningTicks
	}
	if fc.MaxConsecutiveDataGaps != 0 {
		cfg.MaxConsecutiveDataGaps = fc.MaxConsecutiveDataGaps
	}
	if fc.EventLog.RingCapacity != 0 {
		cfg.EventLog.RingCapacity = fc.EventLog.RingCapacity
	}
	cfg.EventLog.Dir = fc.EventLog.Dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDecimal(dst *decimal.Decimal, field, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return &types.ConfigurationError{Field: field, Reason: fmt.Sprintf("invalid decimal %q", raw)}
	}
	*dst = d
	return nil
}

func decimalMap(field string, entries []balanceEntry) (map[types.InstrumentKey]decimal.Decimal, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[types.InstrumentKey]decimal.Decimal, len(entries))
	for _, e := range entries {
		ik, err := types.ParseInstrumentKey(e.Instrument)
		if err != nil {
			return nil, &types.ConfigurationError{Field: field, Reason: err.Error()}
		}
		d, err := decimal.NewFromString(e.Value)
		if err != nil {
			return nil, &types.ConfigurationError{Field: field, Reason: fmt.Sprintf("invalid decimal %q for %s", e.Value, e.Instrument)}
		}
		out[ik] = d
	}
	return out, nil
}
