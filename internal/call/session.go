// Package call runs one phone call: open a call record, greet the caller,
// then run turns until the caller falls silent, the assistant hangs up, or
// something fatal happens. The call record is closed exactly once, whichever
// way the call ends.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aiphone/aiphone/internal/calltrack"
	"github.com/aiphone/aiphone/internal/dialogue"
	"github.com/aiphone/aiphone/internal/observe"
	"github.com/aiphone/aiphone/internal/turn"
)

// DefaultGreeting opens every call.
const DefaultGreeting = "Hello! How can I help you today?"

// Tracker is the call record as seen by a session. It never fails; see
// [calltrack.Reporter].
type Tracker interface {
	Start(ctx context.Context) string
	Update(ctx context.Context, id string, status calltrack.Status)
	Complete(ctx context.Context, id string, payload any)
}

var _ Tracker = (*calltrack.Reporter)(nil)

// Config holds the settings of a call.
type Config struct {
	// Turn configures the turn controller. Its Greeting is set to Greeting.
	Turn turn.Config

	// Greeting is spoken first. Default: [DefaultGreeting].
	Greeting string
}

// Session is one call. Run it once; Interrupt may be called from any
// goroutine at any time.
type Session struct {
	deps     turn.Deps
	tracker  Tracker
	cfg      Config
	turnOpts []turn.Option
	metrics  *observe.Metrics
	logger   *slog.Logger
	history  *dialogue.History

	mu      sync.Mutex
	id      string
	started atomic.Bool
	once    sync.Once
}

// Option is a functional option for [New].
type Option func(*Session)

// WithTurnOptions is passed to the turn controller.
func WithTurnOptions(opts ...turn.Option) Option {
	return func(s *Session) { s.turnOpts = append(s.turnOpts, opts...) }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New returns a session using deps for its turns and reporting to tracker.
// deps.Metrics defaults to [observe.DefaultMetrics].
func New(deps turn.Deps, tracker Tracker, cfg Config, opts ...Option) *Session {
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	cfg.Turn.Greeting = cfg.Greeting
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Reporter == nil {
		if r, ok := tracker.(turn.StatusReporter); ok {
			deps.Reporter = r
		}
	}
	s := &Session{
		deps:    deps,
		tracker: tracker,
		cfg:     cfg,
		metrics: deps.Metrics,
		logger:  slog.Default(),
		history: &dialogue.History{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ID returns the call record ID, or "" before the record exists or when
// tracking failed.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// History returns the conversation of the call.
func (s *Session) History() *dialogue.History { return s.history }

// Run runs the call to its end. It returns nil when the call ended normally,
// ctx.Err() when it was interrupted, and the fatal error otherwise. In every
// case the call record has been closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.started.Store(true)
	s.metrics.CallStarted(ctx)

	id := s.tracker.Start(ctx)
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "call")
	log := observe.Logger(ctx, s.logger).With("call_id", id)
	log.Info("call started")

	ctrl := turn.New(s.deps, s.cfg.Turn, append([]turn.Option{
		turn.WithCall(id, s.history),
		turn.WithLogger(s.logger),
	}, s.turnOpts...)...)

	err := s.converse(ctx, log, id, ctrl)
	observe.EndSpan(span, err)
	return err
}

func (s *Session) converse(ctx context.Context, log *slog.Logger, id string, ctrl *turn.Controller) error {
	s.tracker.Update(ctx, id, calltrack.StatusGreeting)
	if err := ctrl.Speak(ctx, s.cfg.Greeting); err != nil && ctx.Err() == nil {
		log.Warn("greeting not played", "err", err)
		s.tracker.Update(ctx, id, calltrack.StatusError)
	}
	s.history.AddGreeting(s.cfg.Greeting)

	for n := 1; ; n++ {
		out, err := ctrl.RunTurn(ctx)
		if ctx.Err() != nil {
			s.Interrupt(ctx)
			return ctx.Err()
		}
		if err != nil {
			log.Error("call aborted", "turns", n, "err", err)
			s.finish(ctx, calltrack.StatusError, nil)
			return fmt.Errorf("call: %w", err)
		}
		if !out.ShouldContinueLoop {
			if out.TriagePayload != nil {
				log.Info("submitting triage", "turns", n)
			}
			s.finish(ctx, calltrack.StatusCompleted, out.TriagePayload)
			log.Info("call ended", "turns", n, "end_call_requested", out.EndCallRequested)
			return nil
		}
	}
}

// Interrupt marks the call completed, for example when the process receives
// SIGINT. It is safe to call repeatedly and concurrently with Run: the call
// record is closed once, by whichever of Interrupt and the normal end of the
// call comes first.
func (s *Session) Interrupt(ctx context.Context) {
	if s.finish(ctx, calltrack.StatusCompleted, nil) {
		s.logger.Info("call interrupted", "call_id", s.ID())
	}
}

// finish closes the call record and reports whether this call did it.
func (s *Session) finish(ctx context.Context, status calltrack.Status, payload map[string]any) bool {
	first := false
	s.once.Do(func() {
		first = true
		id := s.ID()
		if status == calltrack.StatusCompleted && payload != nil {
			s.tracker.Complete(ctx, id, payload)
		} else {
			s.tracker.Update(ctx, id, status)
		}
		if s.started.Load() {
			s.metrics.CallEnded(ctx, string(status))
		}
	})
	return first
}
