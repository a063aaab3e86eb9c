package scoring

import (
	"math"

	"github.com/quantfade/altshort/internal/domain"
)

// BatchStats holds the per-period aggregates every component score is
// normalized against. Computed in a single pass over the ranking.
type BatchStats struct {
	N             int
	VolMin        float64
	VolMax        float64
	VolMean       float64
	ChangeMin     float64
	ChangeMax     float64
	MaxAbsDecline float64
	AnyDeclined   bool
}

// ComputeBatchStats aggregates the ranking in one pass. Non-finite inputs
// are treated as 0 so the aggregates are always well-defined.
func ComputeBatchStats(items []domain.RankingItem) BatchStats {
	stats := BatchStats{N: len(items)}
	if len(items) == 0 {
		return stats
	}

	var volSum float64
	for i, item := range items {
		vol := finiteOrZero(item.Volatility24h)
		change := finiteOrZero(item.Change24h)

		if i == 0 {
			stats.VolMin, stats.VolMax = vol, vol
			stats.ChangeMin, stats.ChangeMax = change, change
		} else {
			stats.VolMin = math.Min(stats.VolMin, vol)
			stats.VolMax = math.Max(stats.VolMax, vol)
			stats.ChangeMin = math.Min(stats.ChangeMin, change)
			stats.ChangeMax = math.Max(stats.ChangeMax, change)
		}
		volSum += vol

		if change < 0 {
			stats.AnyDeclined = true
			if -change > stats.MaxAbsDecline {
				stats.MaxAbsDecline = -change
			}
		}
	}
	stats.VolMean = volSum / float64(len(items))
	return stats
}

// VolSpread is the Gaussian spread for the volatility score: a quarter of
// the observed range, floored at 0.01.
func (s BatchStats) VolSpread() float64 {
	return math.Max((s.VolMax-s.VolMin)/4, 0.01)
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
