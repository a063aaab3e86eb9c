package datasource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfade/altshort/internal/domain"
)

var base = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

func pointAt(i int) domain.MarketDataPoint {
	return domain.MarketDataPoint{
		Timestamp:        base.Add(time.Duration(i) * 24 * time.Hour),
		GranularityHours: 24,
		BenchmarkPrice:   50000 + float64(i),
	}
}

func TestMemorySource_FiltersAndSorts(t *testing.T) {
	src := &MemorySource{Points: []domain.MarketDataPoint{
		pointAt(3), pointAt(0), pointAt(2), pointAt(5),
	}}

	got, err := src.Fetch(context.Background(), base, base.Add(3*24*time.Hour))
	require.NoError(t, err)

	require.Len(t, got, 3, "range bounds are inclusive")
	assert.Equal(t, pointAt(0), got[0])
	assert.Equal(t, pointAt(2), got[1])
	assert.Equal(t, pointAt(3), got[2])
}

func TestMemorySource_EmptyRange(t *testing.T) {
	src := &MemorySource{Points: []domain.MarketDataPoint{pointAt(0)}}

	got, err := src.Fetch(context.Background(), base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileSource_RoundTrip(t *testing.T) {
	points := []domain.MarketDataPoint{pointAt(0), pointAt(1)}
	data, err := json.Marshal(points)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "market.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := NewFileSource(path).Fetch(context.Background(), base, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, points, got)
}

func TestFileSource_Errors(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.json")).
		Fetch(context.Background(), base, base.Add(time.Hour))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = NewFileSource(bad).Fetch(context.Background(), base, base.Add(time.Hour))
	assert.Error(t, err)
}

func TestHTTPSource_FetchesAndParses(t *testing.T) {
	points := []domain.MarketDataPoint{pointAt(0), pointAt(1)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/market-data", r.URL.Path)
		assert.Equal(t, base.Format(time.RFC3339), r.URL.Query().Get("from"))
		require.NoError(t, json.NewEncoder(w).Encode(points))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, 10, 1, time.Second)
	got, err := src.Fetch(context.Background(), base, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, points, got)
}

func TestHTTPSource_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, 10, 1, time.Second)
	_, err := src.Fetch(context.Background(), base, base.Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestHTTPSource_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, 1000, 1000, time.Second)
	for i := 0; i < 6; i++ {
		_, err := src.Fetch(context.Background(), base, base.Add(time.Hour))
		require.Error(t, err)
	}
	assert.Equal(t, 5, calls, "open breaker fails fast without hitting the upstream")
}
