package engine

import (
	"time"

	"github.com/quantfade/altshort/internal/analytics"
	"github.com/quantfade/altshort/internal/config"
	"github.com/quantfade/altshort/internal/domain"
)

// Summary aggregates run-level counts over the snapshot sequence.
type Summary struct {
	TotalPeriods     int     `json:"total_periods"`
	ActivePeriods    int     `json:"active_periods"`
	InactivePeriods  int     `json:"inactive_periods"`
	AvgShortCount    float64 `json:"avg_short_count"`
	GranularityHours float64 `json:"granularity_hours"`
}

// ChartPoint is one chart-ready sample of the equity curve.
type ChartPoint struct {
	Timestamp      time.Time `json:"timestamp"`
	TotalValue     float64   `json:"total_value"`
	CashBalance    float64   `json:"cash_balance"`
	CumulativePnL  float64   `json:"cumulative_pnl"`
	Drawdown       float64   `json:"drawdown"`
	BenchmarkPrice float64   `json:"benchmark_price"`
	ShortCount     int       `json:"short_count"`
}

// BacktestResult is the complete output of one run: echoed parameters, the
// full snapshot sequence, the performance report, an optional chart series
// (omitted in fast mode), and the summary.
type BacktestResult struct {
	RunID      string                     `json:"run_id"`
	Parameters config.StrategyParameters  `json:"parameters"`
	Snapshots  []domain.PortfolioSnapshot `json:"snapshots"`
	Report     *analytics.Report          `json:"report"`
	Chart      []ChartPoint               `json:"chart,omitempty"`
	Summary    Summary                    `json:"summary"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
}
