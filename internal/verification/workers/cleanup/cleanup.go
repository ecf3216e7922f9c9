// Package cleanup periodically purges terminal credentials and lapsed
// issuance windows from durable storage.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"proz/internal/verification/metrics"
	"proz/internal/verification/service"
)

// Purger removes terminal credentials; *service.Service satisfies it.
type Purger interface {
	Purge(ctx context.Context, req service.PurgeRequest) (int, error)
}

// WindowStore drops issuance windows that started at or before cutoff.
type WindowStore interface {
	DeleteLapsed(ctx context.Context, cutoff time.Time) (int, error)
}

type Result struct {
	PurgedCredentials int
	LapsedWindows     int
	Duration          time.Duration
}

type Worker struct {
	purger    Purger
	windows   WindowStore
	interval  time.Duration
	retention time.Duration
	window    time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Worker)

func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithRetention keeps terminal credentials for d after issuance.
func WithRetention(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.retention = d
		}
	}
}

// WithWindowStore enables lapsed window cleanup. length is the issuance
// window, so windows older than it are gone from the limiter's view.
func WithWindowStore(store WindowStore, length time.Duration) Option {
	return func(w *Worker) {
		w.windows = store
		if length > 0 {
			w.window = length
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func New(purger Purger, opts ...Option) (*Worker, error) {
	if purger == nil {
		return nil, errors.New("purger is required")
	}
	w := &Worker{
		purger:    purger,
		interval:  15 * time.Minute,
		retention: 24 * time.Hour,
		window:    time.Hour,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Start runs cleanup on every tick until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.ErrorContext(ctx, "verification_cleanup_failed",
					"error", err,
					"duration_ms", res.Duration.Milliseconds(),
				)
				continue
			}
			w.logger.InfoContext(ctx, "verification_cleanup_completed",
				"purged_credentials", res.PurgedCredentials,
				"lapsed_windows", res.LapsedWindows,
				"duration_ms", res.Duration.Milliseconds(),
			)
		case <-ctx.Done():
			w.logger.Info("verification cleanup worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce performs one pass. Both steps run even if the first fails; errors
// are joined.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	start := w.now()
	var res Result
	var errs []error

	purged, err := w.purger.Purge(ctx, service.PurgeRequest{OlderThan: w.retention})
	if err != nil {
		errs = append(errs, fmt.Errorf("purge credentials: %w", err))
	} else {
		res.PurgedCredentials = purged
	}

	if w.windows != nil {
		lapsed, err := w.windows.DeleteLapsed(ctx, start.Add(-w.window))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete lapsed windows: %w", err))
		} else {
			res.LapsedWindows = lapsed
		}
	}

	res.Duration = w.now().Sub(start)
	status := "success"
	if len(errs) > 0 {
		status = "error"
	}
	if w.metrics != nil {
		w.metrics.ObserveCleanup(status, res.Duration)
	}
	return res, errors.Join(errs...)
}
