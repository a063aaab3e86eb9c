// Package analytics derives aggregate performance statistics from a
// completed snapshot sequence. The analyzer is a pure consumer: it never
// mutates the snapshots it reads.
package analytics

import (
	"math"
	"time"

	"github.com/quantfade/altshort/internal/domain"
)

const hoursPerYear = 365 * 24

// PeriodRef annotates an extreme period with its 1-based index, timestamp
// and the value that made it extreme.
type PeriodRef struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// PnLBreakdown splits the run's profit into realized/unrealized by side,
// plus cumulative fees, each also expressed as a fraction of initial
// capital. The short side partitions cleanly. The long leg settles
// mark-to-market every period, so LongRealized already carries the full
// settled move while LongUnrealized reports the final leg's open gain
// against its weighted-average entry: for a held position the two overlap
// and must not be summed.
type PnLBreakdown struct {
	LongRealized     float64 `json:"long_realized"`
	LongUnrealized   float64 `json:"long_unrealized"`
	ShortRealized    float64 `json:"short_realized"`
	ShortUnrealized  float64 `json:"short_unrealized"`
	Fees             float64 `json:"fees"`
	LongRealizedPct  float64 `json:"long_realized_pct"`
	LongUnrealPct    float64 `json:"long_unrealized_pct"`
	ShortRealizedPct float64 `json:"short_realized_pct"`
	ShortUnrealPct   float64 `json:"short_unrealized_pct"`
	FeesPct          float64 `json:"fees_pct"`
}

// Report is the complete statistical summary of one backtest run.
type Report struct {
	Periods          int          `json:"periods"`
	TotalReturn      float64      `json:"total_return"`
	AnnualizedReturn float64      `json:"annualized_return"`
	Volatility       float64      `json:"volatility"`
	Sharpe           float64      `json:"sharpe"`
	MaxDrawdown      float64      `json:"max_drawdown"`
	DrawdownPeak     int          `json:"drawdown_peak_period"`
	DrawdownTrough   int          `json:"drawdown_trough_period"`
	Calmar           float64      `json:"calmar"`
	WinRate          float64      `json:"win_rate"`
	BestPeriod       PeriodRef    `json:"best_period"`
	WorstPeriod      PeriodRef    `json:"worst_period"`
	BestFunding      PeriodRef    `json:"best_funding_period"`
	WorstFunding     PeriodRef    `json:"worst_funding_period"`
	Breakdown        PnLBreakdown `json:"breakdown"`
}

// Analyze computes the performance report for an ordered snapshot
// sequence. granularityHours is the spacing between snapshots.
func Analyze(snapshots []domain.PortfolioSnapshot, initialCapital, granularityHours float64) *Report {
	report := &Report{Periods: len(snapshots)}
	if len(snapshots) == 0 || initialCapital <= 0 || granularityHours <= 0 {
		return report
	}

	periodsPerYear := hoursPerYear / granularityHours
	n := len(snapshots)

	// Period returns, seeded against initial capital for the first period.
	returns := make([]float64, n)
	prevValue := initialCapital
	for i, snap := range snapshots {
		if prevValue != 0 {
			returns[i] = (snap.TotalValue - prevValue) / prevValue
		}
		prevValue = snap.TotalValue
	}

	final := snapshots[n-1].TotalValue
	report.TotalReturn = (final - initialCapital) / initialCapital
	if n > 1 {
		base := 1 + report.TotalReturn
		if base > 0 {
			report.AnnualizedReturn = math.Pow(base, periodsPerYear/float64(n)) - 1
		} else {
			report.AnnualizedReturn = -1
		}
	}

	report.Volatility = stdev(returns) * math.Sqrt(periodsPerYear)
	if report.Volatility > 0 {
		report.Sharpe = report.AnnualizedReturn / report.Volatility
	}

	// Max drawdown from a running peak seeded with initial capital. Peak
	// period 0 means the peak is still the initial capital.
	peak := initialCapital
	peakPeriod := 0
	for i, snap := range snapshots {
		if snap.TotalValue > peak {
			peak = snap.TotalValue
			peakPeriod = i + 1
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - snap.TotalValue) / peak
		if dd > report.MaxDrawdown {
			report.MaxDrawdown = dd
			report.DrawdownPeak = peakPeriod
			report.DrawdownTrough = i + 1
		}
	}
	if report.MaxDrawdown > 0 {
		report.Calmar = report.AnnualizedReturn / report.MaxDrawdown
	}

	wins := 0
	for i, r := range returns {
		if r > 0 {
			wins++
		}
		ref := PeriodRef{Index: i + 1, Timestamp: snapshots[i].Timestamp, Value: r}
		if i == 0 || r > report.BestPeriod.Value {
			report.BestPeriod = ref
		}
		if i == 0 || r < report.WorstPeriod.Value {
			report.WorstPeriod = ref
		}
	}
	report.WinRate = float64(wins) / float64(n)

	for i, snap := range snapshots {
		f := periodFunding(snap)
		ref := PeriodRef{Index: i + 1, Timestamp: snap.Timestamp, Value: f}
		if i == 0 || f > report.BestFunding.Value {
			report.BestFunding = ref
		}
		if i == 0 || f < report.WorstFunding.Value {
			report.WorstFunding = ref
		}
	}

	report.Breakdown = breakdown(snapshots, initialCapital)
	return report
}

// periodFunding sums the funding settled during one period, across held
// and closed legs.
func periodFunding(snap domain.PortfolioSnapshot) float64 {
	var sum float64
	for _, leg := range snap.Shorts {
		sum += leg.FundingFee
	}
	for _, leg := range snap.Closed {
		sum += leg.FundingFee
	}
	return sum
}

// breakdown accumulates per-period realized PnL by side and reads the
// unrealized figures off the final snapshot. See the PnLBreakdown doc for
// the long-side overlap convention.
func breakdown(snapshots []domain.PortfolioSnapshot, initialCapital float64) PnLBreakdown {
	var b PnLBreakdown
	for _, snap := range snapshots {
		if snap.Long != nil {
			b.LongRealized += snap.Long.RealizedPnL
		}
		for _, leg := range snap.Shorts {
			b.ShortRealized += leg.RealizedPnL
		}
		for _, leg := range snap.Closed {
			if leg.Side == domain.SideLong {
				b.LongRealized += leg.RealizedPnL
			} else {
				b.ShortRealized += leg.RealizedPnL
			}
		}
	}
	last := snapshots[len(snapshots)-1]
	if last.Long != nil {
		b.LongUnrealized = last.Long.UnrealizedPnL
	}
	b.ShortUnrealized = last.ShortUnrealized()
	b.Fees = last.CumulativeFees

	b.LongRealizedPct = b.LongRealized / initialCapital
	b.LongUnrealPct = b.LongUnrealized / initialCapital
	b.ShortRealizedPct = b.ShortRealized / initialCapital
	b.ShortUnrealPct = b.ShortUnrealized / initialCapital
	b.FeesPct = b.Fees / initialCapital
	return b
}

// stdev is the sample standard deviation; a series shorter than two
// returns 0.
func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}
