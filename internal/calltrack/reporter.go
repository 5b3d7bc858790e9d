package calltrack

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aiphone/aiphone/internal/observe"
	"github.com/aiphone/aiphone/internal/resilience"
)

// DefaultTimeout bounds each tracker request issued by a [Reporter].
const DefaultTimeout = 5 * time.Second

// Reporter is the call loop's view of a [Tracker]. Its methods never return
// errors: failures are logged, counted, and dropped. After repeated failures
// a circuit breaker stops further attempts for a while so a dead backend costs
// nothing per turn.
type Reporter struct {
	tracker Tracker
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	metrics *observe.Metrics
	logger  *slog.Logger
}

// ReporterOption is a functional option for [NewReporter].
type ReporterOption func(*Reporter)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker configuration.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ReporterOption {
	return func(r *Reporter) { r.breaker = resilience.NewCircuitBreaker(cfg) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ReporterOption {
	return func(r *Reporter) { r.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) ReporterOption {
	return func(r *Reporter) { r.logger = l }
}

// NewReporter wraps t.
func NewReporter(t Tracker, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		tracker: t,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "calltrack",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
			Logger:       r.logger,
		})
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Start opens a call record and returns its ID, or "" when tracking failed.
func (r *Reporter) Start(ctx context.Context) string {
	var id string
	r.run(ctx, "create_call", "", func(ctx context.Context) error {
		var err error
		id, err = r.tracker.CreateCall(ctx)
		return err
	})
	if id != "" {
		r.logger.Info("call record created", "call_id", id)
	}
	return id
}

// Update reports status for call id. It is a no-op when id is empty.
func (r *Reporter) Update(ctx context.Context, id string, status Status) {
	if id == "" {
		return
	}
	r.run(ctx, "update_status", id, func(ctx context.Context) error {
		return r.tracker.UpdateStatus(ctx, id, status)
	})
}

// Complete stores payload with call id and marks it completed. When that
// fails it still tries to mark the call completed without the payload. It is
// a no-op when id is empty.
func (r *Reporter) Complete(ctx context.Context, id string, payload any) {
	if id == "" {
		return
	}
	ok := r.run(ctx, "complete_call", id, func(ctx context.Context) error {
		return r.tracker.CompleteCall(ctx, id, payload)
	})
	if !ok {
		r.Update(ctx, id, StatusCompleted)
	}
}

// run executes op through the breaker with a bounded deadline and reports
// whether it succeeded. The deadline survives cancellation of ctx so that
// final bookkeeping still goes out while the process is shutting down.
func (r *Reporter) run(ctx context.Context, op, id string, fn func(context.Context) error) bool {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	err := r.breaker.Execute(func() error { return fn(opCtx) })
	if err == nil {
		return true
	}
	r.metrics.RecordCallTrackingError(ctx, op)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		r.logger.Debug("call tracking skipped, backend unavailable", "op", op, "call_id", id)
		return false
	}
	r.logger.Warn("call tracking failed, continuing without it", "op", op, "call_id", id, "err", err)
	return false
}
