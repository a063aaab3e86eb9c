package scoring

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfade/altshort/internal/cache"
	"github.com/quantfade/altshort/internal/config"
	"github.com/quantfade/altshort/internal/domain"
)

func testParams() config.StrategyParameters {
	p := config.DefaultParameters()
	p.MaxShortPositions = 2
	return p
}

func rankingFixture() []domain.RankingItem {
	return []domain.RankingItem{
		{Symbol: "AAA", Rank: 1, Change24h: -10, Volume24h: 900, Volatility24h: 0.20, MarketShare: 0.4, SpotPrice: 10,
			FundingHistory: []domain.FundingSample{{Time: time.Unix(0, 0), Rate: 0.01, MarkPrice: 10}}},
		{Symbol: "BBB", Rank: 2, Change24h: -5, Volume24h: 700, Volatility24h: 0.10, MarketShare: 0.3, SpotPrice: 5},
		{Symbol: "CCC", Rank: 3, Change24h: 2, Volume24h: 500, Volatility24h: 0.30, MarketShare: 0.2, SpotPrice: 2},
		{Symbol: "DDD", Rank: 4, Change24h: 8, Volume24h: 300, Volatility24h: 0.25, MarketShare: 0.1, SpotPrice: 1},
	}
}

func TestSelect_EligibilityFilter(t *testing.T) {
	scorer := NewScorer(testParams())

	// Benchmark at +3%: only AAA, BBB and CCC underperform it.
	sel := scorer.Select(rankingFixture(), 3)

	require.Len(t, sel.Selected, 2, "top-K should be capped at maxShortPositions")
	for _, c := range sel.Selected {
		assert.True(t, c.Eligible)
		assert.Less(t, c.Change24h, 3.0)
	}

	var ineligible int
	for _, c := range sel.Rejected {
		if !c.Eligible {
			ineligible++
			assert.Equal(t, ReasonNotBelowBenchmark, c.Reason)
		} else {
			assert.Equal(t, ReasonBelowCutoff, c.Reason)
		}
	}
	assert.Equal(t, 1, ineligible, "only DDD outperforms the benchmark")
	assert.Len(t, sel.All(), len(rankingFixture()), "selected+rejected must cover the ranking")
}

func TestSelect_NoEligibleCandidates(t *testing.T) {
	scorer := NewScorer(testParams())

	// Benchmark below every asset's change: nothing is shortable.
	sel := scorer.Select(rankingFixture(), -50)

	assert.Empty(t, sel.Selected)
	require.Len(t, sel.Rejected, 4)
	for _, c := range sel.Rejected {
		assert.False(t, c.Eligible)
		assert.Equal(t, ReasonNotBelowBenchmark, c.Reason)
	}
}

func TestSelect_ScoreBounds(t *testing.T) {
	scorer := NewScorer(testParams())
	sel := scorer.Select(rankingFixture(), 50)

	for _, c := range sel.All() {
		assert.GreaterOrEqual(t, c.PriceChangeScore, 0.0)
		assert.LessOrEqual(t, c.PriceChangeScore, 1.0)
		assert.GreaterOrEqual(t, c.VolumeScore, 0.0)
		assert.LessOrEqual(t, c.VolumeScore, 1.0)
		assert.GreaterOrEqual(t, c.VolatilityScore, 0.0)
		assert.LessOrEqual(t, c.VolatilityScore, 1.0)
		assert.GreaterOrEqual(t, c.FundingScore, 0.0)
		assert.LessOrEqual(t, c.FundingScore, 1.0)
		if c.Eligible {
			// Convex combination when weights sum to 1.
			assert.GreaterOrEqual(t, c.TotalScore, 0.0)
			assert.LessOrEqual(t, c.TotalScore, 1.0)
		}
	}
}

func TestPriceChangeScore_WithDecliners(t *testing.T) {
	stats := BatchStats{AnyDeclined: true, MaxAbsDecline: 10}

	assert.InDelta(t, 1.0, priceChangeScore(-10, stats), 1e-12, "worst decliner scores 1")
	assert.InDelta(t, 0.5, priceChangeScore(-5, stats), 1e-12)
	assert.InDelta(t, 0.0, priceChangeScore(2, stats), 1e-12, "gainers score 0 when declines exist")
}

func TestPriceChangeScore_AllGainers(t *testing.T) {
	stats := BatchStats{ChangeMin: 1, ChangeMax: 3}

	assert.InDelta(t, 1.0, priceChangeScore(1, stats), 1e-12, "smallest gain scores highest")
	assert.InDelta(t, 0.5, priceChangeScore(2, stats), 1e-12)
	assert.InDelta(t, 0.0, priceChangeScore(3, stats), 1e-12)

	flat := BatchStats{ChangeMin: 2, ChangeMax: 2}
	assert.InDelta(t, 1.0, priceChangeScore(2, flat), 1e-12, "flat batch scores 1 everywhere")
}

func TestVolumeScore(t *testing.T) {
	assert.InDelta(t, 1.0, volumeScore(1, 4), 1e-12)
	assert.InDelta(t, 0.25, volumeScore(4, 4), 1e-12)
	assert.Equal(t, 0.0, volumeScore(5, 4), "out-of-range rank scores 0")
	assert.Equal(t, 0.0, volumeScore(1, 0))
}

func TestVolatilityScore_GaussianBell(t *testing.T) {
	scorer := NewScorer(testParams())
	stats := BatchStats{VolMin: 0.1, VolMax: 0.3, VolMean: 0.2}

	require.InDelta(t, 0.05, stats.VolSpread(), 1e-12)
	assert.InDelta(t, 1.0, scorer.volatilityScore(0.2, stats), 1e-12, "mean volatility scores 1")
	assert.InDelta(t, math.Exp(-2), scorer.volatilityScore(0.1, stats), 1e-12)

	// Degenerate batch: spread floors at 0.01, identical vols score 1.
	flat := BatchStats{VolMin: 0.2, VolMax: 0.2, VolMean: 0.2}
	assert.InDelta(t, 1.0, scorer.volatilityScore(0.2, flat), 1e-12)
}

func TestFundingScore(t *testing.T) {
	scorer := NewScorer(testParams())
	item := func(rate float64) domain.RankingItem {
		return domain.RankingItem{FundingHistory: []domain.FundingSample{{Rate: rate}}}
	}

	assert.InDelta(t, 0.5, scorer.fundingScore(item(0)), 1e-12)
	assert.InDelta(t, 1.0, scorer.fundingScore(item(0.02)), 1e-12)
	assert.InDelta(t, 0.0, scorer.fundingScore(item(-0.02)), 1e-12)
	assert.InDelta(t, 1.0, scorer.fundingScore(item(0.05)), 1e-12, "rates beyond the range clamp")
	assert.InDelta(t, 0.5, scorer.fundingScore(domain.RankingItem{}), 1e-12, "missing history is neutral")
}

func TestSelect_StableTieOrder(t *testing.T) {
	p := testParams()
	// All weight on funding so identical rates produce identical totals.
	p.Weights = config.ScoreWeights{FundingRate: 1}
	p.MaxShortPositions = 1
	scorer := NewScorer(p)

	items := []domain.RankingItem{
		{Symbol: "FIRST", Rank: 1, Change24h: -5, SpotPrice: 1},
		{Symbol: "SECOND", Rank: 2, Change24h: -5, SpotPrice: 1},
	}
	sel := scorer.Select(items, 0)

	require.Len(t, sel.Selected, 1)
	assert.Equal(t, "FIRST", sel.Selected[0].Symbol, "ties must preserve input order")
}

func TestSelect_ParallelMatchesSequential(t *testing.T) {
	items := make([]domain.RankingItem, 50)
	for i := range items {
		items[i] = domain.RankingItem{
			Symbol:        fmt.Sprintf("SYM%02d", i),
			Rank:          i + 1,
			Change24h:     float64(i%11) - 5,
			Volatility24h: 0.05 + float64(i%7)*0.03,
			MarketShare:   1 / float64(i+1),
			SpotPrice:     float64(i + 1),
			FundingHistory: []domain.FundingSample{
				{Rate: (float64(i%9) - 4) * 0.005, MarkPrice: float64(i + 1)},
			},
		}
	}

	sequential := NewScorer(testParams())
	parallel := NewScorer(testParams())
	parallel.Workers = 4

	want := sequential.Select(items, 1.5)
	got := parallel.Select(items, 1.5)

	require.Equal(t, want, got, "worker chunking must not change selections")
}

func TestSelect_CachingNeverChangesResults(t *testing.T) {
	clock := cache.RealClock{}
	cached := NewScorer(testParams())
	cached.Scores = cache.NewBounded(1000, time.Minute, clock)
	cached.Selections = cache.NewBounded(100, time.Minute, clock)
	uncached := NewScorer(testParams())

	items := rankingFixture()
	want := uncached.Select(items, 3)

	first := cached.Select(items, 3)
	second := cached.Select(items, 3) // selection memo hit

	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
}

func TestSelect_MemoHonorsChangedInputs(t *testing.T) {
	p := testParams()
	p.MaxShortPositions = 1
	cached := NewScorer(p)
	cached.Selections = cache.NewBounded(100, time.Minute, cache.RealClock{})

	// Same symbols two periods running, but the decliners swap places.
	first := []domain.RankingItem{
		{Symbol: "AAA", Rank: 1, Change24h: -10, SpotPrice: 10, MarketShare: 0.6},
		{Symbol: "BBB", Rank: 2, Change24h: -1, SpotPrice: 5, MarketShare: 0.4},
	}
	second := []domain.RankingItem{
		{Symbol: "AAA", Rank: 1, Change24h: -1, SpotPrice: 10, MarketShare: 0.6},
		{Symbol: "BBB", Rank: 2, Change24h: -10, SpotPrice: 5, MarketShare: 0.4},
	}

	got1 := cached.Select(first, 0)
	got2 := cached.Select(second, 0)

	want1 := NewScorer(p).Select(first, 0)
	want2 := NewScorer(p).Select(second, 0)
	require.Equal(t, want1, got1)
	require.Equal(t, want2, got2, "memo must not replay a selection for changed inputs")

	require.Len(t, got1.Selected, 1)
	require.Len(t, got2.Selected, 1)
	assert.Equal(t, "AAA", got1.Selected[0].Symbol)
	assert.NotEqual(t, got1.Selected[0].Symbol, got2.Selected[0].Symbol,
		"swapped decliners flip the selection")
}

func TestComputeBatchStats(t *testing.T) {
	stats := ComputeBatchStats(rankingFixture())

	assert.Equal(t, 4, stats.N)
	assert.InDelta(t, 0.10, stats.VolMin, 1e-12)
	assert.InDelta(t, 0.30, stats.VolMax, 1e-12)
	assert.InDelta(t, 0.2125, stats.VolMean, 1e-12)
	assert.InDelta(t, -10, stats.ChangeMin, 1e-12)
	assert.InDelta(t, 8, stats.ChangeMax, 1e-12)
	assert.InDelta(t, 10, stats.MaxAbsDecline, 1e-12)
	assert.True(t, stats.AnyDeclined)
}

func TestComputeBatchStats_NonFiniteInputs(t *testing.T) {
	items := []domain.RankingItem{
		{Symbol: "NAN", Rank: 1, Change24h: math.NaN(), Volatility24h: math.Inf(1)},
		{Symbol: "OK", Rank: 2, Change24h: -4, Volatility24h: 0.2},
	}
	stats := ComputeBatchStats(items)

	assert.InDelta(t, -4, stats.ChangeMin, 1e-12, "NaN change treated as 0")
	assert.InDelta(t, 0.2, stats.VolMax, 1e-12, "Inf volatility treated as 0")
	assert.True(t, stats.AnyDeclined)
}
