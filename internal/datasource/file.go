package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/quantfade/altshort/internal/domain"
)

// FileSource reads a JSON array of market data points from disk, the
// format the file sink's artifacts and recorded upstream dumps share.
type FileSource struct {
	Path string
}

// NewFileSource creates a source reading from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Fetch loads the file and returns the points inside [from, to] in time
// order.
func (s *FileSource) Fetch(ctx context.Context, from, to time.Time) ([]domain.MarketDataPoint, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read market data file: %w", err)
	}
	var points []domain.MarketDataPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("failed to parse market data file: %w", err)
	}
	mem := MemorySource{Points: points}
	return mem.Fetch(ctx, from, to)
}
