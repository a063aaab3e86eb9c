// Package sink delivers computed backtest results to storage. The engine
// only ever sees the ResultSink interface; what a sink does with the
// result (files, Postgres, nothing) is its own business.
package sink

import (
	"context"

	"github.com/quantfade/altshort/internal/engine"
)

// ResultSink receives a completed backtest result.
type ResultSink interface {
	Write(ctx context.Context, result *engine.BacktestResult) error
}

// Discard is a no-op sink for runs whose caller consumes the result
// directly.
type Discard struct{}

func (Discard) Write(context.Context, *engine.BacktestResult) error { return nil }
