package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParameters_Valid(t *testing.T) {
	require.NoError(t, DefaultParameters().Validate())
}

func TestValidate_RejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*StrategyParameters)
		field  string
	}{
		{"weights sum", func(p *StrategyParameters) { p.Weights.PriceChange = 0.9 }, "weights"},
		{"negative weight", func(p *StrategyParameters) {
			p.Weights = ScoreWeights{PriceChange: 1.2, Volume: -0.2}
		}, "weights.volume"},
		{"zero positions", func(p *StrategyParameters) { p.MaxShortPositions = 0 }, "max_short_positions"},
		{"long ratio above one", func(p *StrategyParameters) { p.LongRatio = 1.5 }, "long_ratio"},
		{"unknown policy", func(p *StrategyParameters) { p.AllocationPolicy = "martingale" }, "allocation_policy"},
		{"negative cap", func(p *StrategyParameters) { p.MaxSinglePositionRatio = -0.1 }, "max_single_position_ratio"},
		{"negative fee", func(p *StrategyParameters) { p.SpotFeeRate = -0.001 }, "fee_rates"},
		{"zero capital", func(p *StrategyParameters) { p.InitialCapital = 0 }, "initial_capital"},
		{"both sides off", func(p *StrategyParameters) {
			p.EnableLong = false
			p.EnableShort = false
		}, "toggles"},
		{"gate without timeframe", func(p *StrategyParameters) {
			p.MacroGate = MacroGateConfig{Enabled: true, Timeframe: "weekly"}
		}, "macro_gate.timeframe"},
		{"bucket without hours", func(p *StrategyParameters) {
			p.MacroGate = MacroGateConfig{Enabled: true, Timeframe: GateTimeframeBucket}
		}, "macro_gate.bucket_hours"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParameters()
			tc.mutate(&p)
			err := p.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidate_WeightSumTolerance(t *testing.T) {
	p := DefaultParameters()
	p.Weights = ScoreWeights{PriceChange: 0.1, Volume: 0.2, Volatility: 0.3, FundingRate: 0.4}
	assert.NoError(t, p.Validate(), "float drift within tolerance is accepted")
}

func TestSignature_TracksSelectionInputs(t *testing.T) {
	a := DefaultParameters()
	b := DefaultParameters()
	assert.Equal(t, a.Signature(), b.Signature())

	b.MaxShortPositions = 7
	assert.NotEqual(t, a.Signature(), b.Signature())

	c := DefaultParameters()
	c.InitialCapital = 999999
	assert.Equal(t, a.Signature(), c.Signature(), "capital does not alter selection")
}

func TestLoad_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backtest.yaml")
	doc := `
from: 2024-01-01T00:00:00Z
to: 2024-03-01T00:00:00Z
granularity_hours: 24
source:
  file: testdata/market.json
strategy:
  max_short_positions: 3
  allocation_policy: volume
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Strategy.MaxShortPositions)
	assert.Equal(t, AllocateByVolume, cfg.Strategy.AllocationPolicy)
	assert.InDelta(t, 0.40, cfg.Strategy.Weights.PriceChange, 1e-12, "omitted fields keep their defaults")
	assert.InDelta(t, 24, cfg.GranularityHours, 1e-12)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("from: [not a time"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	doc := `
from: 2024-01-01T00:00:00Z
to: 2023-01-01T00:00:00Z
granularity_hours: 24
source:
  file: testdata/market.json
`
	require.NoError(t, os.WriteFile(invalid, []byte(doc), 0o644))
	_, err = Load(invalid)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "range", verr.Field)
}

func TestRunConfigValidate_RequiresSource(t *testing.T) {
	cfg := RunConfig{
		From:             time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:               time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		GranularityHours: 24,
		Strategy:         DefaultParameters(),
	}

	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Equal(t, "source", verr.Field)

	cfg.Source.File = "testdata/market.json"
	assert.NoError(t, cfg.Validate())
}
