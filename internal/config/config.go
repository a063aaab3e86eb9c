// Package config defines the immutable strategy parameters and the run
// configuration consumed by the backtest engine. Parameters are validated
// once, before stepping starts; the engine itself never mutates them.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Allocation policies for sizing the short basket.
const (
	AllocateByVolume = "volume"
	AllocateByScore  = "score"
	AllocateEqual    = "equal"
)

// Macro gate lookup timeframes.
const (
	GateTimeframeDaily  = "daily"
	GateTimeframeBucket = "bucket"
)

// weightSumTolerance bounds the accepted drift of the weight sum from 1.
const weightSumTolerance = 1e-6

// ScoreWeights is the convex combination applied to the four component
// scores. The four values must sum to 1.
type ScoreWeights struct {
	PriceChange float64 `yaml:"price_change" json:"price_change"`
	Volume      float64 `yaml:"volume" json:"volume"`
	Volatility  float64 `yaml:"volatility" json:"volatility"`
	FundingRate float64 `yaml:"funding_rate" json:"funding_rate"`
}

// Sum returns the total of the four weights.
func (w ScoreWeights) Sum() float64 {
	return w.PriceChange + w.Volume + w.Volatility + w.FundingRate
}

// IndicatorPoint is one time-indexed value of the macro gate's external
// indicator series.
type IndicatorPoint struct {
	Time  time.Time `yaml:"time" json:"time"`
	Value float64   `yaml:"value" json:"value"`
}

// MacroGateConfig controls the optional indicator-threshold gate that
// force-liquidates the short side for a period.
type MacroGateConfig struct {
	Enabled     bool             `yaml:"enabled" json:"enabled"`
	Symbol      string           `yaml:"symbol" json:"symbol"`
	Threshold   float64          `yaml:"threshold" json:"threshold"`
	Timeframe   string           `yaml:"timeframe" json:"timeframe"` // daily | bucket
	BucketHours float64          `yaml:"bucket_hours" json:"bucket_hours"`
	Series      []IndicatorPoint `yaml:"series" json:"series"`
}

// StrategyParameters is the complete, immutable configuration of one
// backtest run. It is read-only input to every step.
type StrategyParameters struct {
	Weights                ScoreWeights    `yaml:"weights" json:"weights"`
	MaxShortPositions      int             `yaml:"max_short_positions" json:"max_short_positions"`
	LongRatio              float64         `yaml:"long_ratio" json:"long_ratio"`
	AllocationPolicy       string          `yaml:"allocation_policy" json:"allocation_policy"`
	MaxSinglePositionRatio float64         `yaml:"max_single_position_ratio" json:"max_single_position_ratio"`
	SpotFeeRate            float64         `yaml:"spot_fee_rate" json:"spot_fee_rate"`
	FuturesFeeRate         float64         `yaml:"futures_fee_rate" json:"futures_fee_rate"`
	InitialCapital         float64         `yaml:"initial_capital" json:"initial_capital"`
	MacroGate              MacroGateConfig `yaml:"macro_gate" json:"macro_gate"`
	EnableLong             bool            `yaml:"enable_long" json:"enable_long"`
	EnableShort            bool            `yaml:"enable_short" json:"enable_short"`
	Verbose                bool            `yaml:"verbose" json:"verbose"`
}

// DefaultParameters returns a runnable parameter set: equal-ish weights,
// five shorts, half the book long the benchmark.
func DefaultParameters() StrategyParameters {
	return StrategyParameters{
		Weights: ScoreWeights{
			PriceChange: 0.40,
			Volume:      0.20,
			Volatility:  0.20,
			FundingRate: 0.20,
		},
		MaxShortPositions:      5,
		LongRatio:              0.5,
		AllocationPolicy:       AllocateByScore,
		MaxSinglePositionRatio: 0.5,
		SpotFeeRate:            0.001,
		FuturesFeeRate:         0.0005,
		InitialCapital:         100000,
		EnableLong:             true,
		EnableShort:            true,
	}
}

// ValidationError reports a single rejected parameter field. Validation
// failures surface before the simulation starts; they are the only errors
// the parameter layer produces.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// Validate checks the parameter set for internal consistency.
func (p StrategyParameters) Validate() error {
	if math.Abs(p.Weights.Sum()-1) > weightSumTolerance {
		return &ValidationError{Field: "weights", Reason: fmt.Sprintf("must sum to 1, got %.6f", p.Weights.Sum())}
	}
	for name, w := range map[string]float64{
		"weights.price_change": p.Weights.PriceChange,
		"weights.volume":       p.Weights.Volume,
		"weights.volatility":   p.Weights.Volatility,
		"weights.funding_rate": p.Weights.FundingRate,
	} {
		if w < 0 || math.IsNaN(w) {
			return &ValidationError{Field: name, Reason: "must be non-negative"}
		}
	}
	if p.MaxShortPositions <= 0 {
		return &ValidationError{Field: "max_short_positions", Reason: "must be a positive integer"}
	}
	if p.LongRatio < 0 || p.LongRatio > 1 {
		return &ValidationError{Field: "long_ratio", Reason: "must be within [0,1]"}
	}
	switch p.AllocationPolicy {
	case AllocateByVolume, AllocateByScore, AllocateEqual:
	default:
		return &ValidationError{Field: "allocation_policy", Reason: fmt.Sprintf("unknown policy %q", p.AllocationPolicy)}
	}
	if p.AllocationPolicy == AllocateByScore && p.MaxSinglePositionRatio < 0 {
		return &ValidationError{Field: "max_single_position_ratio", Reason: "must be non-negative"}
	}
	if p.SpotFeeRate < 0 || p.FuturesFeeRate < 0 {
		return &ValidationError{Field: "fee_rates", Reason: "must be non-negative"}
	}
	if p.InitialCapital <= 0 {
		return &ValidationError{Field: "initial_capital", Reason: "must be positive"}
	}
	if !p.EnableLong && !p.EnableShort {
		return &ValidationError{Field: "toggles", Reason: "at least one strategy side must be enabled"}
	}
	if p.MacroGate.Enabled {
		switch p.MacroGate.Timeframe {
		case GateTimeframeDaily:
		case GateTimeframeBucket:
			if p.MacroGate.BucketHours <= 0 {
				return &ValidationError{Field: "macro_gate.bucket_hours", Reason: "must be positive for bucket timeframe"}
			}
		default:
			return &ValidationError{Field: "macro_gate.timeframe", Reason: fmt.Sprintf("unknown timeframe %q", p.MacroGate.Timeframe)}
		}
	}
	return nil
}

// Signature returns a stable fingerprint of every parameter that can alter
// scoring or selection. Used as a memoization key component; two parameter
// sets with equal signatures select identically.
func (p StrategyParameters) Signature() string {
	return fmt.Sprintf("w=%.6f,%.6f,%.6f,%.6f|k=%d|lr=%.4f|pol=%s|cap=%.4f|gate=%t,%.4f,%s",
		p.Weights.PriceChange, p.Weights.Volume, p.Weights.Volatility, p.Weights.FundingRate,
		p.MaxShortPositions, p.LongRatio, p.AllocationPolicy, p.MaxSinglePositionRatio,
		p.MacroGate.Enabled, p.MacroGate.Threshold, p.MacroGate.Timeframe)
}

// SourceConfig selects and tunes the market data source. Exactly one of
// File or BaseURL is set; rate and breaker settings apply to the HTTP
// source only.
type SourceConfig struct {
	File    string  `yaml:"file,omitempty" json:"file,omitempty"`
	BaseURL string  `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	RPS     float64 `yaml:"rps" json:"rps"`
	Burst   int     `yaml:"burst" json:"burst"`
	Timeout int     `yaml:"timeout_secs" json:"timeout_secs"`
}

// SinkConfig selects where results are written.
type SinkConfig struct {
	Dir         string `yaml:"dir,omitempty" json:"dir,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty" json:"postgres_dsn,omitempty"`
}

// RunConfig is the full configuration of a CLI invocation: what range to
// replay, where data comes from, and where results go.
type RunConfig struct {
	From             time.Time          `yaml:"from" json:"from"`
	To               time.Time          `yaml:"to" json:"to"`
	GranularityHours float64            `yaml:"granularity_hours" json:"granularity_hours"`
	FastMode         bool               `yaml:"fast_mode" json:"fast_mode"`
	Source           SourceConfig       `yaml:"source" json:"source"`
	Sink             SinkConfig         `yaml:"sink" json:"sink"`
	RedisAddr        string             `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	MetricsAddr      string             `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
	Strategy         StrategyParameters `yaml:"strategy" json:"strategy"`
}

// Validate checks the run configuration, including the embedded strategy
// parameters.
func (c RunConfig) Validate() error {
	if c.From.IsZero() || c.To.IsZero() {
		return &ValidationError{Field: "range", Reason: "both from and to must be set"}
	}
	if !c.To.After(c.From) {
		return &ValidationError{Field: "range", Reason: "to must be after from"}
	}
	if c.GranularityHours <= 0 {
		return &ValidationError{Field: "granularity_hours", Reason: "must be positive"}
	}
	if c.Source.File == "" && c.Source.BaseURL == "" {
		return &ValidationError{Field: "source", Reason: "either file or base_url must be set"}
	}
	return c.Strategy.Validate()
}

// Load reads and validates a run configuration from a YAML file.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := RunConfig{Strategy: DefaultParameters()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
