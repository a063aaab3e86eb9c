// Package datasource provides the MarketSnapshotSource collaborators the
// engine replays data from. The engine fetches once, up front; any retry
// policy on a flaky upstream belongs to the source implementation, never
// to the stepping loop.
package datasource

import (
	"context"
	"sort"
	"time"

	"github.com/quantfade/altshort/internal/domain"
)

// MarketSnapshotSource yields an ordered sequence of per-period market
// data points for a time range.
type MarketSnapshotSource interface {
	Fetch(ctx context.Context, from, to time.Time) ([]domain.MarketDataPoint, error)
}

// MemorySource serves a pre-materialized series; the fixture source for
// tests and replays.
type MemorySource struct {
	Points []domain.MarketDataPoint
}

// Fetch returns the points inside [from, to], in time order.
func (s *MemorySource) Fetch(_ context.Context, from, to time.Time) ([]domain.MarketDataPoint, error) {
	var out []domain.MarketDataPoint
	for _, p := range s.Points {
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
