package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/quantfade/altshort/internal/engine"
)

// FileSink writes each result as a pretty-printed JSON artifact named by
// run ID under a base directory.
type FileSink struct {
	Dir string
}

// NewFileSink creates a sink writing under dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{Dir: dir}
}

// Write persists the result to <dir>/<run_id>.json.
func (s *FileSink) Write(_ context.Context, result *engine.BacktestResult) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create sink directory: %w", err)
	}
	path := filepath.Join(s.Dir, result.RunID+".json")
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result artifact: %w", err)
	}
	log.Info().Str("run_id", result.RunID).Str("path", path).Msg("backtest result written")
	return nil
}
