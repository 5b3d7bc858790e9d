package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aiphone/aiphone/internal/call"
	"github.com/aiphone/aiphone/internal/turn"
)

// ErrCallActive is returned by [SessionManager.Run] while another call is in
// progress.
var ErrCallActive = errors.New("app: a call is already active")

// SessionInfo holds metadata about the active call.
type SessionInfo struct {
	// CallID is the call record ID. It is empty until the record exists and
	// stays empty when call tracking is unavailable.
	CallID string

	// StartedAt is when the call started.
	StartedAt time.Time
}

// SessionManager runs calls one at a time and lets other goroutines
// interrupt the active one. All exported methods are safe for concurrent use.
type SessionManager struct {
	deps     turn.Deps
	tracker  call.Tracker
	cfg      call.Config
	turnOpts []turn.Option
	logger   *slog.Logger

	mu        sync.Mutex
	active    *call.Session
	startedAt time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Deps        turn.Deps
	Tracker     call.Tracker
	Call        call.Config
	TurnOptions []turn.Option
	Logger      *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		deps:     cfg.Deps,
		tracker:  cfg.Tracker,
		cfg:      cfg.Call,
		turnOpts: cfg.TurnOptions,
		logger:   logger,
	}
}

// Run runs one call to its end; see [call.Session.Run] for the returned
// error. It returns [ErrCallActive] if another call is running.
func (sm *SessionManager) Run(ctx context.Context) error {
	sess := call.New(sm.deps, sm.tracker, sm.cfg,
		call.WithLogger(sm.logger),
		call.WithTurnOptions(sm.turnOpts...),
	)

	sm.mu.Lock()
	if sm.active != nil {
		sm.mu.Unlock()
		return ErrCallActive
	}
	sm.active = sess
	sm.startedAt = time.Now()
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		sm.active = nil
		sm.startedAt = time.Time{}
		sm.mu.Unlock()
	}()

	return sess.Run(ctx)
}

// Interrupt marks the active call completed. It reports whether a call was
// active. Interrupting the same call again is a no-op on the call record.
func (sm *SessionManager) Interrupt(ctx context.Context) bool {
	sm.mu.Lock()
	sess := sm.active
	sm.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.Interrupt(ctx)
	return true
}

// IsActive reports whether a call is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Info returns metadata about the active call.
// Returns zero value if no call is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return SessionInfo{}
	}
	return SessionInfo{CallID: sm.active.ID(), StartedAt: sm.startedAt}
}
