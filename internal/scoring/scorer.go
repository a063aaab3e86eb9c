// Package scoring computes weighted composite scores for short-sale
// candidates and partitions each period's ranking into selected and
// rejected sets. Scoring a candidate is independent of every other
// candidate, so the work may optionally be chunked across workers; the
// merge is positional and cannot reorder or change values.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantfade/altshort/internal/cache"
	"github.com/quantfade/altshort/internal/config"
	"github.com/quantfade/altshort/internal/domain"
)

// Rejection reasons attached to candidates that were not selected.
const (
	ReasonNotBelowBenchmark = "24h change not below benchmark"
	ReasonBelowCutoff       = "composite score below top-K cutoff"
)

// Funding rates map linearly from [-fundingScoreRange, +fundingScoreRange]
// onto [0,1].
const fundingScoreRange = 0.02

// neutralFundingScore is used when an asset has no funding history.
const neutralFundingScore = 0.5

// Selection is the outcome of scoring one period's ranking.
type Selection struct {
	Selected []domain.Candidate `json:"selected"`
	Rejected []domain.Candidate `json:"rejected"`
}

// All returns the full candidate list, selected first, for snapshot audit.
func (s Selection) All() []domain.Candidate {
	out := make([]domain.Candidate, 0, len(s.Selected)+len(s.Rejected))
	out = append(out, s.Selected...)
	out = append(out, s.Rejected...)
	return out
}

// Scorer computes composite scores under a fixed parameter set. Scores and
// Selections are optional memoization caches; Workers > 1 enables chunked
// scoring.
type Scorer struct {
	params     config.StrategyParameters
	Scores     cache.ScoreCache
	Selections *cache.Bounded
	Workers    int
}

// NewScorer creates a scorer for the given parameters with no caches
// attached and single-threaded scoring.
func NewScorer(params config.StrategyParameters) *Scorer {
	return &Scorer{params: params, Workers: 1}
}

// Select scores the period's ranking (benchmark excluded) against the
// benchmark's 24h change and returns the selected/rejected partition.
// Results are identical with or without caches and for any worker count.
func (s *Scorer) Select(ranking []domain.RankingItem, benchmarkChange float64) Selection {
	if len(ranking) == 0 {
		return Selection{}
	}

	var memoKey string
	if s.Selections != nil {
		memoKey = s.selectionKey(ranking, benchmarkChange)
		if v, ok := s.Selections.Get(memoKey); ok {
			if sel, ok := v.(Selection); ok {
				return sel
			}
		}
	}

	stats := ComputeBatchStats(ranking)
	candidates := s.scoreAll(ranking, stats, benchmarkChange)

	// Partition preserving input order, then stable-sort the eligible set
	// so ties keep their ranking order.
	var eligible, rejected []domain.Candidate
	for _, c := range candidates {
		if c.Eligible {
			eligible = append(eligible, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].TotalScore > eligible[j].TotalScore
	})

	sel := Selection{}
	for i, c := range eligible {
		if i < s.params.MaxShortPositions {
			sel.Selected = append(sel.Selected, c)
			continue
		}
		c.Reason = ReasonBelowCutoff
		sel.Rejected = append(sel.Rejected, c)
	}
	sel.Rejected = append(sel.Rejected, rejected...)

	if s.Selections != nil {
		s.Selections.Set(memoKey, sel)
	}
	return sel
}

// scoreAll scores every ranking item, optionally chunking across workers.
// Output is positional, so the chunked path is value-identical to the
// sequential one.
func (s *Scorer) scoreAll(items []domain.RankingItem, stats BatchStats, benchmarkChange float64) []domain.Candidate {
	out := make([]domain.Candidate, len(items))

	workers := s.Workers
	if workers <= 1 || len(items) <= workers {
		for i, item := range items {
			out[i] = s.scoreOne(item, stats, benchmarkChange)
		}
		return out
	}

	chunk := (len(items) + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < len(items); lo += chunk {
		hi := lo + chunk
		if hi > len(items) {
			hi = len(items)
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				out[i] = s.scoreOne(items[i], stats, benchmarkChange)
			}
		}(lo, hi)
	}
	wg.Wait()
	return out
}

// scoreOne applies the eligibility filter and, for eligible assets, the
// four component scores and the weighted total.
func (s *Scorer) scoreOne(item domain.RankingItem, stats BatchStats, benchmarkChange float64) domain.Candidate {
	c := domain.Candidate{RankingItem: item}

	// Only assets underperforming the benchmark are short candidates.
	if !(finiteOrZero(item.Change24h) < benchmarkChange) {
		c.Reason = ReasonNotBelowBenchmark
		return c
	}
	c.Eligible = true

	c.PriceChangeScore = s.sanitize("price_change", item.Symbol, priceChangeScore(finiteOrZero(item.Change24h), stats))
	c.VolumeScore = s.sanitize("volume", item.Symbol, volumeScore(item.Rank, stats.N))
	c.VolatilityScore = s.sanitize("volatility", item.Symbol, s.volatilityScore(finiteOrZero(item.Volatility24h), stats))
	c.FundingScore = s.sanitize("funding", item.Symbol, s.fundingScore(item))

	w := s.params.Weights
	c.TotalScore = w.PriceChange*c.PriceChangeScore +
		w.Volume*c.VolumeScore +
		w.Volatility*c.VolatilityScore +
		w.FundingRate*c.FundingScore
	return c
}

// priceChangeScore favors the steepest decliners. When any asset declined
// the score is the decline magnitude relative to the worst decline;
// otherwise it is a linear 0-1 normalization where smaller change scores
// higher. A flat batch scores 1 everywhere.
func priceChangeScore(change float64, stats BatchStats) float64 {
	if stats.AnyDeclined {
		if stats.MaxAbsDecline == 0 {
			return 1
		}
		return math.Abs(math.Min(change, 0)) / stats.MaxAbsDecline
	}
	span := stats.ChangeMax - stats.ChangeMin
	if span == 0 {
		return 1
	}
	return (stats.ChangeMax - change) / span
}

// volumeScore maps rank 1 (highest volume) to 1 and rank N to 1/N.
func volumeScore(rank, n int) float64 {
	if n == 0 || rank < 1 || rank > n {
		return 0
	}
	return float64(n-rank+1) / float64(n)
}

// volatilityScore is a Gaussian bell centered at the batch mean. Memoized
// on the (volatility, mean, spread) triple rounded to 4 decimals.
func (s *Scorer) volatilityScore(vol float64, stats BatchStats) float64 {
	spread := stats.VolSpread()
	if spread == 0 {
		return 1
	}

	var key string
	if s.Scores != nil {
		key = fmt.Sprintf("vol:%.4f:%.4f:%.4f", vol, stats.VolMean, spread)
		if v, ok := s.Scores.GetFloat(key); ok {
			return v
		}
	}

	d := vol - stats.VolMean
	score := math.Exp(-(d * d) / (2 * spread * spread))

	if s.Scores != nil {
		s.Scores.SetFloat(key, score)
	}
	return score
}

// fundingScore maps the most recent funding rate linearly from
// [-2%, +2%] onto [0,1], clamped. Missing history scores a neutral 0.5.
// Memoized on the rate rounded to 6 decimals.
func (s *Scorer) fundingScore(item domain.RankingItem) float64 {
	sample, ok := item.LatestFunding()
	if !ok {
		return neutralFundingScore
	}
	rate := finiteOrZero(sample.Rate)

	var key string
	if s.Scores != nil {
		key = fmt.Sprintf("funding:%.6f", rate)
		if v, ok := s.Scores.GetFloat(key); ok {
			return v
		}
	}

	score := (rate + fundingScoreRange) / (2 * fundingScoreRange)
	score = clamp01(score)

	if s.Scores != nil {
		s.Scores.SetFloat(key, score)
	}
	return score
}

// sanitize normalizes a non-finite component score to 0 and clamps the
// rest into [0,1], logging the anomaly without changing the fallback.
func (s *Scorer) sanitize(component, symbol string, score float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		log.Warn().Str("component", component).Str("symbol", symbol).
			Msg("non-finite component score, defaulting to 0")
		return 0
	}
	return clamp01(score)
}

// selectionKey fingerprints everything a memoized selection carries
// forward: the benchmark change, the parameter signature, and each ranked
// item's scoring- and sizing-relevant fields. Two periods share a key only
// when replaying the cached selection cannot change any downstream result.
func (s *Scorer) selectionKey(ranking []domain.RankingItem, benchmarkChange float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sel:%g|%s", benchmarkChange, s.params.Signature())
	for i := range ranking {
		item := &ranking[i]
		var rate float64
		if sample, ok := item.LatestFunding(); ok {
			rate = sample.Rate
		}
		fmt.Fprintf(&b, "|%s:%d:%g:%g:%g:%g:%g:%g", item.Symbol, item.Rank,
			item.Change24h, item.Volatility24h, item.MarketShare,
			item.SpotPrice, item.FuturesPrice, rate)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
