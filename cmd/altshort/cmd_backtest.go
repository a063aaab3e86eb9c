package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfade/altshort/internal/cache"
	"github.com/quantfade/altshort/internal/config"
	"github.com/quantfade/altshort/internal/datasource"
	"github.com/quantfade/altshort/internal/engine"
	"github.com/quantfade/altshort/internal/scoring"
	"github.com/quantfade/altshort/internal/sink"
	"github.com/quantfade/altshort/internal/telemetry"
)

var (
	backtestConfigPath string
	backtestFormat     string
	backtestWorkers    int
	backtestMaxPeriods int
)

// Score cache sizing: generous enough for a multi-year hourly run, trimmed
// every minute.
const (
	scoreCacheEntries  = 50000
	scoreCacheInterval = time.Minute
	selectionCacheSize = 2000
	sinkTimeout        = 30 * time.Second
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a backtest over a historical range",
	Long: `Run the rotation backtest described by a YAML configuration file:
the market data source, the strategy parameters, and where results go.

Example usage:
  altshort backtest --config backtest.yaml
  altshort backtest --config backtest.yaml --format=json
  altshort backtest --config backtest.yaml --workers=4`,
	RunE: runBacktest,
}

func init() {
	backtestCmd.Flags().StringVar(&backtestConfigPath, "config", "backtest.yaml", "Path to the run configuration file")
	backtestCmd.Flags().StringVar(&backtestFormat, "format", "table", "Output format: table, json")
	backtestCmd.Flags().IntVar(&backtestWorkers, "workers", 1, "Scoring worker count (1 = sequential)")
	backtestCmd.Flags().IntVar(&backtestMaxPeriods, "max-periods", 0, "Abort after this many periods (0 = unlimited)")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(backtestConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics()
	if cfg.MetricsAddr != "" {
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	scorer := scoring.NewScorer(cfg.Strategy)
	scorer.Workers = backtestWorkers
	scorer.Selections = cache.NewBounded(selectionCacheSize, scoreCacheInterval, cache.RealClock{})
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		scorer.Scores = cache.NewRedis(client, "altshort:", time.Hour)
	} else {
		scorer.Scores = cache.NewBounded(scoreCacheEntries, scoreCacheInterval, cache.RealClock{})
	}

	source, err := buildSource(cfg)
	if err != nil {
		return err
	}
	series, err := source.Fetch(ctx, cfg.From, cfg.To)
	if err != nil {
		return fmt.Errorf("failed to fetch market data: %w", err)
	}

	runner := engine.NewRunner(cfg.Strategy, scorer)
	runner.Metrics = metrics
	runner.FastMode = cfg.FastMode
	runner.MaxPeriods = backtestMaxPeriods

	result, runErr := runner.Run(ctx, series)
	if result == nil {
		return runErr
	}

	resultSink, closeSink, err := buildSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()
	if err := resultSink.Write(context.Background(), result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	switch backtestFormat {
	case "json":
		if err := outputJSON(result); err != nil {
			return err
		}
	default:
		outputTable(result)
	}
	return runErr
}

func buildSource(cfg *config.RunConfig) (datasource.MarketSnapshotSource, error) {
	switch {
	case cfg.Source.File != "":
		return datasource.NewFileSource(cfg.Source.File), nil
	case cfg.Source.BaseURL != "":
		return datasource.NewHTTPSource(cfg.Source.BaseURL, cfg.Source.RPS,
			cfg.Source.Burst, time.Duration(cfg.Source.Timeout)*time.Second), nil
	default:
		return nil, fmt.Errorf("no market data source configured")
	}
}

func buildSink(cfg *config.RunConfig) (sink.ResultSink, func(), error) {
	switch {
	case cfg.Sink.PostgresDSN != "":
		pg, err := sink.Open(cfg.Sink.PostgresDSN, sinkTimeout)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	case cfg.Sink.Dir != "":
		return sink.NewFileSink(cfg.Sink.Dir), func() {}, nil
	default:
		return sink.Discard{}, func() {}, nil
	}
}

func outputJSON(result *engine.BacktestResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func outputTable(result *engine.BacktestResult) {
	r := result.Report
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Run\t%s\n", result.RunID)
	fmt.Fprintf(w, "Periods\t%d (%d active, %d inactive)\n",
		result.Summary.TotalPeriods, result.Summary.ActivePeriods, result.Summary.InactivePeriods)
	fmt.Fprintf(w, "Avg shorts\t%.2f\n", result.Summary.AvgShortCount)
	fmt.Fprintf(w, "Total return\t%.2f%%\n", r.TotalReturn*100)
	fmt.Fprintf(w, "Annualized\t%.2f%%\n", r.AnnualizedReturn*100)
	fmt.Fprintf(w, "Volatility\t%.2f%%\n", r.Volatility*100)
	fmt.Fprintf(w, "Sharpe\t%.2f\n", r.Sharpe)
	fmt.Fprintf(w, "Max drawdown\t%.2f%% (period %d to %d)\n",
		r.MaxDrawdown*100, r.DrawdownPeak, r.DrawdownTrough)
	fmt.Fprintf(w, "Calmar\t%.2f\n", r.Calmar)
	fmt.Fprintf(w, "Win rate\t%.2f%%\n", r.WinRate*100)
	fmt.Fprintf(w, "Best period\t#%d %s (%.2f%%)\n",
		r.BestPeriod.Index, r.BestPeriod.Timestamp.Format(time.RFC3339), r.BestPeriod.Value*100)
	fmt.Fprintf(w, "Worst period\t#%d %s (%.2f%%)\n",
		r.WorstPeriod.Index, r.WorstPeriod.Timestamp.Format(time.RFC3339), r.WorstPeriod.Value*100)
	fmt.Fprintf(w, "Fees\t%.2f (%.2f%% of capital)\n", r.Breakdown.Fees, r.Breakdown.FeesPct*100)
	w.Flush()
}
