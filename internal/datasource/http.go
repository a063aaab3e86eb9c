package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantfade/altshort/internal/domain"
)

// HTTPSource fetches the market data series from an upstream service.
// Requests are token-bucket rate limited and run through a circuit
// breaker; the breaker fails fast instead of hammering a dead upstream.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPSource creates a source against baseURL, limited to rps requests
// per second with the given burst.
func NewHTTPSource(baseURL string, rps float64, burst int, timeout time.Duration) *HTTPSource {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "market-data",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).
					Str("to", to.String()).Msg("circuit breaker state change")
			},
		}),
	}
}

// Fetch requests the series for [from, to] from the upstream.
func (s *HTTPSource) Fetch(ctx context.Context, from, to time.Time) ([]domain.MarketDataPoint, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/market-data?%s", s.baseURL, url.Values{
		"from": {from.UTC().Format(time.RFC3339)},
		"to":   {to.UTC().Format(time.RFC3339)},
	}.Encode())

	body, err := s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market data: %w", err)
	}

	var points []domain.MarketDataPoint
	if err := json.Unmarshal(body.([]byte), &points); err != nil {
		return nil, fmt.Errorf("failed to parse upstream response: %w", err)
	}
	return points, nil
}
