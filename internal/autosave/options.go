package autosave

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vaultgate/vaultgate/internal/settings"
	"github.com/vaultgate/vaultgate/internal/settingsmeta"
)

const (
	// DefaultDebounce is the quiet period after the last edit before a flush
	DefaultDebounce = 800 * time.Millisecond
	// DefaultSavedHold is how long the Saved status is shown before reverting to Idle
	DefaultSavedHold = 2000 * time.Millisecond
	// DefaultRequestTimeout bounds a single persistence call
	DefaultRequestTimeout = 30 * time.Second
)

// Store is the persistence boundary used by the engine
type Store interface {
	// Fetch returns the full catalog grouped by category
	Fetch(ctx context.Context) (settings.Catalog, error)
	// Update persists a batch atomically; any error means nothing was saved
	Update(ctx context.Context, batch []settings.Change) ([]settings.Setting, error)
}

// Recorder receives engine telemetry
type Recorder interface {
	ObserveFlush(batchSize int, duration time.Duration, err error)
	ObserveStatus(status Status)
}

// Option configures an Engine
type Option func(*Engine)

// WithDebounce sets the quiet period before a flush
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.debounce = d
		}
	}
}

// WithSavedHold sets how long Saved is displayed
func WithSavedHold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.savedHold = d
		}
	}
}

// WithRequestTimeout bounds each Update call
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.requestTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder attaches a telemetry recorder
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithMeta sets the metadata table used for warnings
func WithMeta(table *settingsmeta.Table) Option {
	return func(e *Engine) {
		e.evaluator = NewEvaluator(table)
	}
}
