package relock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// AppState is the foreground state reported by the host.
type AppState string

const (
	Active     AppState = "active"
	Inactive   AppState = "inactive"
	Background AppState = "background"
)

// ErrorCode is the reason a biometric challenge did not succeed.
type ErrorCode string

const (
	CodeUserCancel   ErrorCode = "user_cancel"
	CodeLockout      ErrorCode = "lockout"
	CodeUserFallback ErrorCode = "user_fallback"
	CodeOther        ErrorCode = "other"
)

// User-facing challenge errors.
const (
	MsgCancelled = "Authentication cancelled"
	MsgLockout   = "Too many attempts. Try again later."
	MsgFailed    = "Authentication failed. Try again."
)

// ChallengeResult is the outcome of one biometric prompt.
type ChallengeResult struct {
	Success bool
	Code    ErrorCode
}

// Biometric is the platform capability used to re-authenticate the user.
type Biometric interface {
	HasHardware(ctx context.Context) (bool, error)
	IsEnrolled(ctx context.Context) (bool, error)
	Challenge(ctx context.Context, prompt string) (ChallengeResult, error)
}

// Options tunes the gate timings.
type Options struct {
	// MinBackground is the shortest background stay that re-locks. Shorter stays are treated as flicker.
	MinBackground time.Duration
	RelockDelay   time.Duration
	InitialDelay  time.Duration
	Prompt        string
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

// Status is the observable gate state.
type Status struct {
	Authenticated  bool
	Authenticating bool
	Supported      bool
	Error          string
}

type capability int

const (
	uninitialized capability = iota
	capable
	incapable
)

// Gate blocks content after genuine backgrounding until the user passes a biometric challenge.
type Gate struct {
	bio    Biometric
	clock  clockwork.Clock
	log    *zap.Logger
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	support   capability
	state     AppState
	closed    bool
	listeners []func(Status)

	hasAuthenticatedOnce bool
	wasInTrueBackground  bool
	backgroundEnteredAt  time.Time
	inFlight             bool

	authenticated  bool
	authenticating bool
	errMsg         string

	timer clockwork.Timer
	gen   uint64
}

// NewGate creates an unmounted gate.
func NewGate(bio Biometric, opts Options) *Gate {
	if opts.MinBackground == 0 {
		opts.MinBackground = 3 * time.Second
	}
	if opts.RelockDelay == 0 {
		opts.RelockDelay = 500 * time.Millisecond
	}
	if opts.InitialDelay == 0 {
		opts.InitialDelay = 800 * time.Millisecond
	}
	if opts.Prompt == "" {
		opts.Prompt = "Unlock SignalDesk"
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		bio:    bio,
		clock:  opts.Clock,
		log:    opts.Logger.Named("relock"),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		state:  Active,
	}
}

// Mount probes the capability. An incapable device is authenticated for good;
// a capable one gets its first challenge after InitialDelay.
func (g *Gate) Mount(ctx context.Context) Status {
	supported := g.probe(ctx)

	g.mu.Lock()
	if g.support != uninitialized || g.closed {
		g.mu.Unlock()
		return g.Status()
	}
	if !supported {
		g.support = incapable
		g.authenticated = true
	} else {
		g.support = capable
		if !g.hasAuthenticatedOnce {
			g.scheduleLocked(g.opts.InitialDelay)
		}
	}
	st := g.snapshotLocked()
	g.mu.Unlock()

	g.log.Info("gate mounted", zap.Bool("supported", supported))
	g.emit(st)
	return st
}

func (g *Gate) probe(ctx context.Context) bool {
	hw, err := g.bio.HasHardware(ctx)
	if err != nil {
		g.log.Warn("biometric hardware probe failed", zap.Error(err))
		return false
	}
	if !hw {
		return false
	}
	enrolled, err := g.bio.IsEnrolled(ctx)
	if err != nil {
		g.log.Warn("biometric enrollment probe failed", zap.Error(err))
		return false
	}
	return enrolled
}

// Transition feeds the next lifecycle state into the machine.
func (g *Gate) Transition(next AppState) {
	g.mu.Lock()
	prev := g.state
	g.state = next
	if g.support != capable || g.closed {
		g.mu.Unlock()
		return
	}

	changed := false
	switch next {
	case Background:
		if !g.wasInTrueBackground {
			g.wasInTrueBackground = true
			g.backgroundEnteredAt = g.clock.Now()
		}
		// A challenge scheduled before leaving is stale by the time we return.
		g.cancelTimerLocked()

	case Active:
		if !g.wasInTrueBackground {
			// Overlay dismissal (prompt, dialog, keyboard).
			break
		}
		elapsed := g.clock.Since(g.backgroundEnteredAt)
		switch {
		case g.inFlight:
		case !g.hasAuthenticatedOnce:
			if !g.authenticated && g.timer == nil {
				g.scheduleLocked(g.opts.RelockDelay)
			}
		case elapsed >= g.opts.MinBackground:
			g.authenticated = false
			g.errMsg = ""
			g.scheduleLocked(g.opts.RelockDelay)
			changed = true
			g.log.Info("re-locking after background", zap.Duration("elapsed", elapsed))
		default:
			g.log.Debug("background flicker, re-lock suppressed",
				zap.Duration("elapsed", elapsed), zap.String("from", string(prev)))
			// Still locked from an earlier re-lock whose challenge was cancelled on leaving.
			if !g.authenticated && g.timer == nil {
				g.scheduleLocked(g.opts.RelockDelay)
			}
		}
		g.wasInTrueBackground = false
		g.backgroundEnteredAt = time.Time{}
	}

	var st Status
	if changed {
		st = g.snapshotLocked()
	}
	g.mu.Unlock()

	if changed {
		g.emit(st)
	}
}

// Authenticate runs one challenge. It does nothing when the device is
// incapable or a challenge is already running.
func (g *Gate) Authenticate(ctx context.Context) Status {
	g.mu.Lock()
	if g.support != capable || g.inFlight || g.closed {
		st := g.snapshotLocked()
		g.mu.Unlock()
		return st
	}
	g.inFlight = true
	g.authenticating = true
	g.errMsg = ""
	st := g.snapshotLocked()
	g.mu.Unlock()
	g.emit(st)

	res, err := g.bio.Challenge(ctx, g.opts.Prompt)

	g.mu.Lock()
	g.inFlight = false
	g.authenticating = false
	switch {
	case err != nil:
		g.log.Warn("biometric challenge error", zap.Error(err))
		g.errMsg = MsgFailed
	case res.Success, res.Code == CodeUserFallback:
		g.hasAuthenticatedOnce = true
		g.authenticated = true
		g.errMsg = ""
	case res.Code == CodeUserCancel:
		g.errMsg = MsgCancelled
	case res.Code == CodeLockout:
		g.errMsg = MsgLockout
	default:
		g.errMsg = MsgFailed
	}
	st = g.snapshotLocked()
	g.mu.Unlock()

	g.log.Info("challenge finished", zap.Bool("authenticated", st.Authenticated), zap.String("error", st.Error))
	g.emit(st)
	return st
}

// Status returns the current observable state.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// OnChange registers fn to receive every observable state change.
func (g *Gate) OnChange(fn func(Status)) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// Close cancels any scheduled challenge. The gate ignores input afterwards.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.cancelTimerLocked()
	g.mu.Unlock()
	g.cancel()
}

func (g *Gate) scheduleLocked(d time.Duration) {
	g.cancelTimerLocked()
	gen := g.gen
	g.timer = g.clock.AfterFunc(d, func() { g.fire(gen) })
}

func (g *Gate) cancelTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
}

func (g *Gate) fire(gen uint64) {
	g.mu.Lock()
	if gen != g.gen || g.closed || g.authenticated {
		g.mu.Unlock()
		return
	}
	g.timer = nil
	g.mu.Unlock()

	g.Authenticate(g.ctx)
}

func (g *Gate) snapshotLocked() Status {
	return Status{
		Authenticated:  g.authenticated,
		Authenticating: g.authenticating,
		Supported:      g.support == capable,
		Error:          g.errMsg,
	}
}

func (g *Gate) emit(st Status) {
	g.mu.Lock()
	listeners := append([]func(Status){}, g.listeners...)
	g.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}
