package engine

import (
	"time"

	"github.com/quantfade/altshort/internal/config"
)

// GateDecision records whether the macro gate fired for a period and the
// indicator value it resolved.
type GateDecision struct {
	Triggered bool    `json:"triggered"`
	Value     float64 `json:"value"`
	Resolved  bool    `json:"resolved"`
}

// evaluateGate resolves the most recent indicator value strictly before
// the current period and compares it to the threshold. With the daily
// timeframe the lookup window is the previous UTC calendar day; with the
// bucket timeframe it is the previous fixed-length bucket. An unresolvable
// value never triggers the gate.
func evaluateGate(cfg config.MacroGateConfig, at time.Time) GateDecision {
	if !cfg.Enabled || len(cfg.Series) == 0 {
		return GateDecision{}
	}

	var windowStart, windowEnd time.Time
	switch cfg.Timeframe {
	case config.GateTimeframeBucket:
		bucket := time.Duration(cfg.BucketHours * float64(time.Hour))
		windowEnd = at.UTC().Truncate(bucket)
		windowStart = windowEnd.Add(-bucket)
	default: // daily
		windowEnd = at.UTC().Truncate(24 * time.Hour)
		windowStart = windowEnd.Add(-24 * time.Hour)
	}

	// Series are time-indexed; take the latest sample inside the window.
	var latest *config.IndicatorPoint
	for i := range cfg.Series {
		p := &cfg.Series[i]
		t := p.Time.UTC()
		if t.Before(windowStart) || !t.Before(windowEnd) {
			continue
		}
		if latest == nil || t.After(latest.Time.UTC()) {
			latest = p
		}
	}
	if latest == nil {
		return GateDecision{}
	}
	return GateDecision{
		Triggered: latest.Value > cfg.Threshold,
		Value:     latest.Value,
		Resolved:  true,
	}
}
