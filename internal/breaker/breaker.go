// Package breaker gates order placement after repeated failures.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/core"
)

// Mode is the breaker state.
type Mode string

const (
	ModeRunning Mode = "RUNNING"
	ModePaused  Mode = "PAUSED"
	// ModeAlert needs an operator; it never clears on its own.
	ModeAlert Mode = "ALERT"
)

// historySize bounds the error history.
const historySize = 50

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// DefaultConfig trips after 3 failures and retries after 5 minutes.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, Timeout: 300 * time.Second}
}

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	Time     time.Time      `json:"time"`
	Kind     core.ErrorKind `json:"kind"`
	Message  string         `json:"message"`
	Critical bool           `json:"critical"`
}

// Snapshot is the persisted part of the breaker.
type Snapshot struct {
	Mode        Mode      `json:"mode"`
	Failures    int       `json:"failures"`
	TrippedAt   time.Time `json:"tripped_at,omitempty"`
	AlertReason string    `json:"alert_reason,omitempty"`
}

// Status is the operator view of the breaker.
type Status struct {
	Snapshot
	Threshold int          `json:"threshold"`
	Timeout   string       `json:"timeout"`
	Available bool         `json:"available"`
	Errors    []ErrorEntry `json:"errors"`
}

// Breaker is a RUNNING/PAUSED/ALERT state machine. PAUSED opens again
// speculatively once the timeout has elapsed; the first failure after that
// trips it immediately.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	mode        Mode
	failures    int
	trippedAt   time.Time
	halfOpen    bool
	alertReason string
	history     []ErrorEntry

	now      func() time.Time
	onChange func(from, to Mode, reason string)
	logger   *zap.Logger
}

// New creates a running breaker.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Breaker{
		cfg:    cfg,
		mode:   ModeRunning,
		now:    time.Now,
		logger: logger.Named("breaker"),
	}
}

// SetNow replaces the clock.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnChange registers a callback for mode transitions. It runs outside the
// breaker lock.
func (b *Breaker) OnChange(fn func(from, to Mode, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Reconfigure swaps thresholds without touching the current mode.
func (b *Breaker) Reconfigure(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.FailureThreshold > 0 {
		b.cfg.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.Timeout > 0 {
		b.cfg.Timeout = cfg.Timeout
	}
}

// Available reports whether orders may be placed.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.mode {
	case ModeRunning:
		return true
	case ModePaused:
		if b.now().Sub(b.trippedAt) > b.cfg.Timeout {
			b.halfOpen = true
			return true
		}
	}
	return false
}

// Mode returns the current mode.
func (b *Breaker) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// RecordSuccess resets the failure count and leaves PAUSED. ALERT stays.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.halfOpen = false
	if b.mode != ModePaused {
		b.mu.Unlock()
		return
	}
	notify := b.transition(ModeRunning, "success")
	b.mu.Unlock()
	notify()
}

// RecordFailure records err. Critical kinds enter ALERT; anything else
// counts toward PAUSED.
func (b *Breaker) RecordFailure(err error) {
	if err == nil {
		return
	}
	kind := core.KindOf(err)

	b.mu.Lock()
	b.remember(kind, err.Error())
	if kind.Critical() {
		notify := b.alert(err.Error())
		b.mu.Unlock()
		notify()
		return
	}

	b.failures++
	notify := func() {}
	if b.mode == ModeRunning && b.failures >= b.cfg.FailureThreshold || b.mode == ModePaused && b.halfOpen {
		b.trippedAt = b.now()
		b.halfOpen = false
		notify = b.transition(ModePaused, err.Error())
	}
	b.mu.Unlock()
	notify()
}

// Alert enters ALERT with reason.
func (b *Breaker) Alert(reason string) {
	b.mu.Lock()
	b.remember(core.KindGuard, reason)
	notify := b.alert(reason)
	b.mu.Unlock()
	notify()
}

// Clear is the operator reset out of ALERT.
func (b *Breaker) Clear() {
	b.mu.Lock()
	b.failures = 0
	b.halfOpen = false
	b.alertReason = ""
	notify := b.transition(ModeRunning, "cleared by operator")
	b.mu.Unlock()
	notify()
}

// Guard runs fn only when the breaker is available and records its
// outcome. It returns ErrBreakerOpen without calling fn otherwise.
func (b *Breaker) Guard(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !b.Available() {
		return core.Errorf(core.ErrBreakerOpen, "%s skipped in mode %s", name, b.Mode())
	}
	if err := fn(ctx); err != nil {
		b.logger.Warn("guarded call failed", zap.String("call", name), zap.Error(err))
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Snapshot returns the state to persist.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Mode: b.mode, Failures: b.failures, TrippedAt: b.trippedAt, AlertReason: b.alertReason}
}

// Restore loads persisted state, typically at start-up.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch s.Mode {
	case ModeRunning, ModePaused, ModeAlert:
		b.mode = s.Mode
	default:
		b.mode = ModeRunning
	}
	b.failures = s.Failures
	b.trippedAt = s.TrippedAt
	b.alertReason = s.AlertReason
	b.halfOpen = false
}

// Status returns the operator view, newest error last.
func (b *Breaker) Status() Status {
	available := b.Available()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Snapshot:  Snapshot{Mode: b.mode, Failures: b.failures, TrippedAt: b.trippedAt, AlertReason: b.alertReason},
		Threshold: b.cfg.FailureThreshold,
		Timeout:   b.cfg.Timeout.String(),
		Available: available,
		Errors:    append([]ErrorEntry(nil), b.history...),
	}
}

func (b *Breaker) remember(kind core.ErrorKind, msg string) {
	b.history = append(b.history, ErrorEntry{Time: b.now(), Kind: kind, Message: msg, Critical: kind.Critical()})
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
}

func (b *Breaker) alert(reason string) func() {
	b.alertReason = reason
	return b.transition(ModeAlert, reason)
}

// transition must be called with the lock held. The returned func fires
// the change callback and must be called after unlocking.
func (b *Breaker) transition(to Mode, reason string) func() {
	from := b.mode
	if from == to {
		return func() {}
	}
	b.mode = to
	b.logger.Warn("breaker mode change",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("failures", b.failures),
		zap.Int("threshold", b.cfg.FailureThreshold),
		zap.String("reason", reason),
	)
	fn := b.onChange
	return func() {
		if fn != nil {
			fn(from, to, reason)
		}
	}
}
