package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfade/altshort/internal/analytics"
	"github.com/quantfade/altshort/internal/cache"
	"github.com/quantfade/altshort/internal/config"
	"github.com/quantfade/altshort/internal/domain"
	"github.com/quantfade/altshort/internal/scoring"
	"github.com/quantfade/altshort/internal/telemetry"
)

// ErrNoMarketData reports an empty upstream series, surfaced before
// stepping starts.
var ErrNoMarketData = errors.New("market data series is empty")

// progressLogEvery throttles the runner's progress logging.
const progressLogEvery = 100

// Runner drives one backtest: per data point it scores candidates, sizes
// allocations, steps the portfolio, and finally summarizes the snapshot
// sequence. Stepping is strictly sequential; cancellation is honored
// between periods and leaves completed snapshots valid.
type Runner struct {
	params  config.StrategyParameters
	scorer  *scoring.Scorer
	stepper *Stepper

	// Metrics is optional; nil disables instrumentation.
	Metrics *telemetry.Metrics
	// FastMode omits the chart-ready derived series.
	FastMode bool
	// MaxPeriods aborts the run after this many periods when positive.
	MaxPeriods int
}

// NewRunner creates a runner with the given scorer. The scorer's caches
// and worker settings are respected as configured.
func NewRunner(params config.StrategyParameters, scorer *scoring.Scorer) *Runner {
	return &Runner{
		params:  params,
		scorer:  scorer,
		stepper: NewStepper(params),
	}
}

// Run replays the ordered market data series. Parameters are validated
// before the first step; mid-run numeric faults are absorbed by the
// stepper and never surface here. When ctx is canceled mid-run, the
// partial result covering the completed snapshots is returned together
// with the context error.
func (r *Runner) Run(ctx context.Context, series []domain.MarketDataPoint) (*BacktestResult, error) {
	if err := r.params.Validate(); err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, ErrNoMarketData
	}

	runID := uuid.NewString()
	started := time.Now().UTC()
	if r.Metrics != nil {
		r.Metrics.ActiveRuns.Inc()
		defer r.Metrics.ActiveRuns.Dec()
	}
	log.Info().Str("run_id", runID).Int("periods", len(series)).
		Time("from", series[0].Timestamp).Time("to", series[len(series)-1].Timestamp).
		Msg("starting backtest")

	snapshots := make([]domain.PortfolioSnapshot, 0, len(series))
	var prev *domain.PortfolioSnapshot
	var prevData *domain.MarketDataPoint
	var scoreStats, selectionStats cache.Stats
	var runErr error

	for i := range series {
		if err := ctx.Err(); err != nil {
			log.Warn().Str("run_id", runID).Int("completed", len(snapshots)).
				Msg("backtest canceled, returning partial result")
			runErr = err
			break
		}
		if r.MaxPeriods > 0 && i >= r.MaxPeriods {
			log.Info().Str("run_id", runID).Int("budget", r.MaxPeriods).Msg("period budget reached")
			break
		}

		data := series[i]
		scoreStart := time.Now()
		sel := r.scorer.Select(data.Ranking, data.BenchmarkChange24h)
		if r.Metrics != nil {
			r.Metrics.ObserveScoring(time.Since(scoreStart))
			r.publishCacheStats(&scoreStats, &selectionStats)
		}

		snap := r.stepper.Step(prev, data, prevData, sel)
		snapshots = append(snapshots, snap)
		prev = &snapshots[len(snapshots)-1]
		prevData = &series[i]

		if r.Metrics != nil {
			r.Metrics.PeriodsStepped.Inc()
		}
		if r.params.Verbose && (i+1)%progressLogEvery == 0 {
			log.Debug().Str("run_id", runID).Int("period", i+1).
				Float64("total_value", snap.TotalValue).Msg("backtest progress")
		}
	}

	if len(snapshots) == 0 {
		return nil, runErr
	}

	granularity := series[0].GranularityHours
	result := &BacktestResult{
		RunID:      runID,
		Parameters: r.params,
		Snapshots:  snapshots,
		Report:     analytics.Analyze(snapshots, r.params.InitialCapital, granularity),
		Summary:    summarize(snapshots, granularity),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if !r.FastMode {
		result.Chart = buildChart(snapshots, r.params.InitialCapital)
	}

	log.Info().Str("run_id", runID).Int("periods", len(snapshots)).
		Float64("total_return", result.Report.TotalReturn).
		Float64("max_drawdown", result.Report.MaxDrawdown).
		Msg("backtest finished")
	return result, runErr
}

// statsReporter is satisfied by caches that expose hit/miss counters.
type statsReporter interface {
	Stats() cache.Stats
}

// publishCacheStats moves the scorer caches' counters into the Prometheus
// collectors as deltas against the last published values.
func (r *Runner) publishCacheStats(scores, selections *cache.Stats) {
	if c, ok := r.scorer.Scores.(statsReporter); ok {
		s := c.Stats()
		r.Metrics.CacheHits.WithLabelValues("score").Add(float64(s.Hits - scores.Hits))
		r.Metrics.CacheMisses.WithLabelValues("score").Add(float64(s.Misses - scores.Misses))
		*scores = s
	}
	if r.scorer.Selections != nil {
		s := r.scorer.Selections.Stats()
		r.Metrics.CacheHits.WithLabelValues("selection").Add(float64(s.Hits - selections.Hits))
		r.Metrics.CacheMisses.WithLabelValues("selection").Add(float64(s.Misses - selections.Misses))
		*selections = s
	}
}

func summarize(snapshots []domain.PortfolioSnapshot, granularity float64) Summary {
	s := Summary{TotalPeriods: len(snapshots), GranularityHours: granularity}
	var shortTotal int
	for _, snap := range snapshots {
		if snap.Active {
			s.ActivePeriods++
		}
		shortTotal += len(snap.Shorts)
	}
	s.InactivePeriods = s.TotalPeriods - s.ActivePeriods
	if s.TotalPeriods > 0 {
		s.AvgShortCount = float64(shortTotal) / float64(s.TotalPeriods)
	}
	return s
}

func buildChart(snapshots []domain.PortfolioSnapshot, initialCapital float64) []ChartPoint {
	points := make([]ChartPoint, len(snapshots))
	peak := initialCapital
	for i, snap := range snapshots {
		if snap.TotalValue > peak {
			peak = snap.TotalValue
		}
		var dd float64
		if peak > 0 {
			dd = (peak - snap.TotalValue) / peak
		}
		points[i] = ChartPoint{
			Timestamp:      snap.Timestamp,
			TotalValue:     snap.TotalValue,
			CashBalance:    snap.CashBalance,
			CumulativePnL:  snap.CumulativePnL,
			Drawdown:       dd,
			BenchmarkPrice: snap.BenchmarkPrice,
			ShortCount:     len(snap.Shorts),
		}
	}
	return points
}
