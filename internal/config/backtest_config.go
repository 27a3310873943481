package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/backteng/internal/domain"
)

// CommissionConfig is the IBKR-tiered commission breakdown (spec §4.6/§6).
type CommissionConfig struct {
	PerContract     float64 // default 0.65
	MinPerOrder     float64 // default 1.00
	PerShare        float64 // default 0.005 (stock leg, assignment/exercise)
	MinPerShareFlat float64 // default 1.00
}

// DefaultCommissionConfig returns the IBKR Tiered defaults from spec §4.6.
func DefaultCommissionConfig() CommissionConfig {
	return CommissionConfig{PerContract: 0.65, MinPerOrder: 1.00, PerShare: 0.005, MinPerShareFlat: 1.00}
}

// knownRiskOverrideKeys, knownScreeningOverrideKeys, knownMonitoringOverrideKeys
// are the declared sets of override keys BacktestConfig accepts (spec §9's
// "config objects with free-form overrides" design note: replace arbitrary
// string-keyed overrides with a declared set plus reject-unknown-keys
// validation).
var (
	knownRiskOverrideKeys = map[string]bool{
		"max_position_pct":       true,
		"max_positions":          true,
		"max_margin_utilization": true,
		"stop_loss_delta":        true,
		"stop_loss_otm_pct":      true,
		"profit_target_pct":      true,
	}
	knownScreeningOverrideKeys = map[string]bool{
		"max_dte":      true,
		"min_dte":      true,
		"strike_range": true,
		"min_volume":   true,
		"min_delta":    true,
		"max_delta":    true,
	}
	knownMonitoringOverrideKeys = map[string]bool{
		"time_exit_dte":    true,
		"delta_stop":       true,
		"otm_stop_pct":     true,
		"review_threshold": true,
	}
)

// BacktestConfig is the typed, validated configuration for one Executor run
// (spec §6). Free-form overrides are restricted to a declared key set;
// unknown keys are rejected at Validate() time rather than silently
// ignored or passed through to collaborators.
type BacktestConfig struct {
	Name        string
	Description string

	StartDate time.Time
	EndDate   time.Time

	Symbols []string
	Market  string

	InitialCapital       float64
	MaxMarginUtilization float64 // default 0.70
	MaxPositionPct       float64
	MaxPositions         int

	SlippagePct float64 // only used if the caller wants a flat override; tradesim's tiered model is the default
	Commission  CommissionConfig

	DataDir      string
	PriceMode    domain.PriceMode
	LotSize      int64 // default 100
	StrategyTypes []string

	RiskOverrides       map[string]string
	ScreeningOverrides  map[string]string
	MonitoringOverrides map[string]string
}

// DefaultBacktestConfig returns a BacktestConfig with spec-mandated defaults
// filled in; callers override fields before calling Validate.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		MaxMarginUtilization: 0.70,
		PriceMode:            domain.PriceClose,
		LotSize:              100,
		Commission:           DefaultCommissionConfig(),
		RiskOverrides:        map[string]string{},
		ScreeningOverrides:   map[string]string{},
		MonitoringOverrides:  map[string]string{},
	}
}

// Validate checks the invariants from spec §6: start_date <= end_date,
// capital > 0, 0 < margin_cap <= 1, non-negative fees, and that every
// override map key is in the declared known-keys set.
func (c *BacktestConfig) Validate() error {
	if c.StartDate.After(c.EndDate) {
		return fmt.Errorf("start_date %s is after end_date %s", c.StartDate.Format("2006-01-02"), c.EndDate.Format("2006-01-02"))
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be > 0, got %f", c.InitialCapital)
	}
	if c.MaxMarginUtilization <= 0 || c.MaxMarginUtilization > 1 {
		return fmt.Errorf("max_margin_utilization must be in (0, 1], got %f", c.MaxMarginUtilization)
	}
	if c.Commission.PerContract < 0 || c.Commission.MinPerOrder < 0 || c.Commission.PerShare < 0 || c.Commission.MinPerShareFlat < 0 {
		return fmt.Errorf("commission fields must be non-negative")
	}
	if c.SlippagePct < 0 {
		return fmt.Errorf("slippage_pct must be non-negative")
	}
	switch c.PriceMode {
	case domain.PriceOpen, domain.PriceClose, domain.PriceMid:
	default:
		return fmt.Errorf("price_mode must be one of open|close|mid, got %q", c.PriceMode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	if c.LotSize <= 0 {
		c.LotSize = 100
	}

	if err := validateKnownKeys("risk_overrides", c.RiskOverrides, knownRiskOverrideKeys); err != nil {
		return err
	}
	if err := validateKnownKeys("screening_overrides", c.ScreeningOverrides, knownScreeningOverrideKeys); err != nil {
		return err
	}
	if err := validateKnownKeys("monitoring_overrides", c.MonitoringOverrides, knownMonitoringOverrideKeys); err != nil {
		return err
	}
	return nil
}

func validateKnownKeys(mapName string, overrides map[string]string, known map[string]bool) error {
	for k := range overrides {
		if !known[k] {
			return fmt.Errorf("%s: unknown override key %q", mapName, k)
		}
	}
	return nil
}

// Clone returns a deep-enough copy of c for the parameter sweep (spec §4.12)
// to apply per-combination overrides without mutating the base config.
func (c *BacktestConfig) Clone() *BacktestConfig {
	clone := *c
	clone.Symbols = append([]string(nil), c.Symbols...)
	clone.StrategyTypes = append([]string(nil), c.StrategyTypes...)
	clone.RiskOverrides = copyStringMap(c.RiskOverrides)
	clone.ScreeningOverrides = copyStringMap(c.ScreeningOverrides)
	clone.MonitoringOverrides = copyStringMap(c.MonitoringOverrides)
	return &clone
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetParam applies one named parameter to the config, for the parameter
// sweep (spec §4.12): a handful of BacktestConfig's own numeric fields are
// settable directly by name, matching _create_config's setattr(config, key,
// value) over the base config's own attributes in the original; anything
// else must be a declared risk/screening/monitoring override key, routed
// into the matching override map as a string (the same path ordinary
// config loading uses) rather than reopened as a fourth free-form map.
func (c *BacktestConfig) SetParam(name string, value string) error {
	switch name {
	case "initial_capital":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("param %s: %w", name, err)
		}
		c.InitialCapital = v
	case "max_margin_utilization":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("param %s: %w", name, err)
		}
		c.MaxMarginUtilization = v
	case "max_position_pct":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("param %s: %w", name, err)
		}
		c.MaxPositionPct = v
	case "max_positions":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("param %s: %w", name, err)
		}
		c.MaxPositions = v
	case "slippage_pct":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("param %s: %w", name, err)
		}
		c.SlippagePct = v
	case "lot_size":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("param %s: %w", name, err)
		}
		c.LotSize = v
	default:
		switch {
		case knownRiskOverrideKeys[name]:
			c.RiskOverrides[name] = value
		case knownScreeningOverrideKeys[name]:
			c.ScreeningOverrides[name] = value
		case knownMonitoringOverrideKeys[name]:
			c.MonitoringOverrides[name] = value
		default:
			return fmt.Errorf("unknown sweep parameter %q", name)
		}
	}
	return nil
}
