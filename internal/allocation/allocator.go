// Package allocation converts a selected candidate list and a capital pool
// into per-asset target allocations under one of three policies. Every
// policy is a total function: outputs are clamped non-negative and an
// empty candidate list yields an empty allocation list.
package allocation

import (
	"math"

	"github.com/quantfade/altshort/internal/config"
	"github.com/quantfade/altshort/internal/domain"
)

// Allocation is one asset's share of the capital pool, in quote notional.
type Allocation struct {
	Symbol   string  `json:"symbol"`
	Notional float64 `json:"notional"`
}

// Allocate sizes the selected candidates out of pool according to the
// configured policy.
func Allocate(candidates []domain.Candidate, pool float64, params config.StrategyParameters) []Allocation {
	if len(candidates) == 0 || pool <= 0 {
		return nil
	}
	switch params.AllocationPolicy {
	case config.AllocateByVolume:
		return byWeight(candidates, pool, func(c domain.Candidate) float64 { return c.MarketShare })
	case config.AllocateByScore:
		allocs := byWeight(candidates, pool, func(c domain.Candidate) float64 { return c.TotalScore })
		if params.MaxSinglePositionRatio > 0 {
			applyCap(allocs, pool*params.MaxSinglePositionRatio)
		}
		return allocs
	default:
		return equalSplit(candidates, pool)
	}
}

// byWeight allocates proportionally to a per-candidate weight, falling
// back to an equal split when the weights sum to zero.
func byWeight(candidates []domain.Candidate, pool float64, weight func(domain.Candidate) float64) []Allocation {
	var total float64
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		w := weight(c)
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return equalSplit(candidates, pool)
	}

	allocs := make([]Allocation, len(candidates))
	for i, c := range candidates {
		allocs[i] = Allocation{Symbol: c.Symbol, Notional: pool * weights[i] / total}
	}
	return allocs
}

// applyCap limits any single allocation to limit and redistributes the
// clipped excess proportionally among the assets still under their cap.
// One pass only; it is not iterated to convergence, so a redistribution
// may push a previously under-cap asset past the cap.
func applyCap(allocs []Allocation, limit float64) {
	var excess, underTotal float64
	capped := make([]bool, len(allocs))
	for i, a := range allocs {
		if a.Notional > limit {
			excess += a.Notional - limit
			allocs[i].Notional = limit
			capped[i] = true
		} else {
			underTotal += a.Notional
		}
	}
	if excess == 0 || underTotal <= 0 {
		return
	}
	for i := range allocs {
		if !capped[i] {
			allocs[i].Notional += excess * allocs[i].Notional / underTotal
		}
	}
}

func equalSplit(candidates []domain.Candidate, pool float64) []Allocation {
	share := pool / float64(len(candidates))
	allocs := make([]Allocation, len(candidates))
	for i, c := range candidates {
		allocs[i] = Allocation{Symbol: c.Symbol, Notional: share}
	}
	return allocs
}
