// Package alert fires notifications when the bot's own metrics cross
// configured thresholds.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/notifier"
)

// Evaluator evaluates alert rules and sends notifications.
type Evaluator struct {
	sink     notifier.Sink
	logger   *zap.Logger
	metrics  map[string]float64
	cooldown time.Duration

	// Track pending alerts (waiting for "for" duration)
	pending map[string]time.Time
	// Track last fired time for cooldown
	lastFired map[string]time.Time

	now func() time.Time

	mu sync.Mutex
}

// NewEvaluator creates a new alert evaluator.
func NewEvaluator(sink notifier.Sink, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		sink:      sink,
		logger:    logger.Named("alert"),
		metrics:   make(map[string]float64),
		cooldown:  5 * time.Minute,
		pending:   make(map[string]time.Time),
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetMetrics updates the current metrics.
func (e *Evaluator) SetMetrics(metrics map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = metrics
}

// SetCooldown sets the minimum time between two notifications of a rule.
func (e *Evaluator) SetCooldown(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldown = d
}

// Evaluate evaluates a single rule and fires notification if triggered.
func (e *Evaluator) Evaluate(ctx context.Context, rule Rule) {
	e.mu.Lock()
	now := e.now()

	if !rule.Evaluate(e.metrics) {
		delete(e.pending, rule.Name)
		e.mu.Unlock()
		return
	}

	if rule.For > 0 {
		pendingSince, isPending := e.pending[rule.Name]
		if !isPending {
			e.pending[rule.Name] = now
			e.mu.Unlock()
			return
		}
		if now.Sub(pendingSince) < rule.For {
			e.mu.Unlock()
			return
		}
	}

	lastFired, hasFired := e.lastFired[rule.Name]
	if hasFired && now.Sub(lastFired) < e.cooldown {
		e.mu.Unlock()
		return
	}

	a := rule.Alert(e.metrics, now)
	e.lastFired[rule.Name] = now
	delete(e.pending, rule.Name)
	e.mu.Unlock()

	e.logger.Info("alert rule fired", zap.String("rule", rule.Name), zap.String("value", a.Fields["value"]))
	e.sink.Notify(ctx, a)
}

// EvaluateAll evaluates all rules.
func (e *Evaluator) EvaluateAll(ctx context.Context, rules []Rule) {
	for _, rule := range rules {
		e.Evaluate(ctx, rule)
	}
}

// Run samples g and evaluates rules every interval until ctx is done.
func (e *Evaluator) Run(ctx context.Context, g prometheus.Gatherer, rules []Rule, interval time.Duration) {
	if len(rules) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			values, err := Sample(g)
			if err != nil {
				e.logger.Warn("metrics sample failed", zap.Error(err))
				continue
			}
			e.SetMetrics(values)
			e.EvaluateAll(ctx, rules)
		}
	}
}

// advanceTime is for testing - advances the internal clock.
func (e *Evaluator) advanceTime(d time.Duration) {
	oldNow := e.now
	e.now = func() time.Time {
		return oldNow().Add(d)
	}
}
