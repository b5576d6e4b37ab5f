package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newthinker/spotbot/internal/notifier"
)

type mockSink struct {
	mu   sync.Mutex
	sent []notifier.Alert
}

func (m *mockSink) Notify(_ context.Context, a notifier.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, a)
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

var ctx = context.Background()

func TestEvaluator_EvaluateRule(t *testing.T) {
	sink := &mockSink{}
	eval := NewEvaluator(sink, nil)

	rule := Rule{
		Name:     "clock_drift",
		Expr:     "spotbot_clock_offset_ms > 1000",
		For:      time.Minute,
		Severity: "warning",
		Message:  "Local clock drifts from the exchange",
	}

	eval.SetMetrics(map[string]float64{"spotbot_clock_offset_ms": 2500})
	eval.Evaluate(ctx, rule)

	// First evaluation starts the pending timer, doesn't fire
	if sink.count() != 0 {
		t.Errorf("expected no notification on first eval, got %d", sink.count())
	}

	eval.advanceTime(2 * time.Minute)
	eval.Evaluate(ctx, rule)

	if sink.count() != 1 {
		t.Fatalf("expected 1 notification after duration, got %d", sink.count())
	}
	a := sink.sent[0]
	if a.Severity != notifier.SeverityWarning || a.Title != "clock_drift" || a.Fields["value"] != "2500" {
		t.Errorf("unexpected alert: %+v", a)
	}
}

func TestEvaluator_Cooldown(t *testing.T) {
	sink := &mockSink{}
	eval := NewEvaluator(sink, nil)
	eval.SetCooldown(5 * time.Minute)

	rule := Rule{
		Name:     "state_saves_failing",
		Expr:     `spotbot_state_saves_total{status="error"} > 0`,
		Severity: "critical",
		Message:  "State blob cannot be written",
	}

	eval.SetMetrics(map[string]float64{`spotbot_state_saves_total{status="error"}`: 1})

	eval.Evaluate(ctx, rule)
	eval.Evaluate(ctx, rule)
	eval.Evaluate(ctx, rule)

	if sink.count() != 1 {
		t.Errorf("expected 1 notification due to cooldown, got %d", sink.count())
	}

	eval.advanceTime(6 * time.Minute)
	eval.Evaluate(ctx, rule)
	if sink.count() != 2 {
		t.Errorf("expected a second notification after cooldown, got %d", sink.count())
	}
}

func TestEvaluator_RuleNotTriggered(t *testing.T) {
	sink := &mockSink{}
	eval := NewEvaluator(sink, nil)

	rule := Rule{Name: "clock_drift", Expr: "spotbot_clock_offset_ms > 1000", Severity: "warning"}
	eval.SetMetrics(map[string]float64{"spotbot_clock_offset_ms": 12})
	eval.Evaluate(ctx, rule)

	if sink.count() != 0 {
		t.Errorf("expected no notification, got %d", sink.count())
	}
}

func TestEvaluator_EvaluateAll(t *testing.T) {
	sink := &mockSink{}
	eval := NewEvaluator(sink, nil)

	rules := []Rule{
		{Name: "rule1", Expr: "up == 0", Severity: "critical", Message: "Down"},
		{Name: "rule2", Expr: "error_rate > 0.5", Severity: "warning", Message: "Errors"},
	}

	// Only rule1 triggers
	eval.SetMetrics(map[string]float64{"up": 0, "error_rate": 0.1})
	eval.EvaluateAll(ctx, rules)

	if sink.count() != 1 {
		t.Errorf("expected 1 notification, got %d", sink.count())
	}
}

func TestEvaluator_PendingClearsWhenRuleNoLongerTriggers(t *testing.T) {
	sink := &mockSink{}
	eval := NewEvaluator(sink, nil)

	rule := Rule{
		Name:     "breaker_paused",
		Expr:     `spotbot_breaker_mode{mode="PAUSED"} == 1`,
		For:      time.Minute,
		Severity: "warning",
	}

	eval.SetMetrics(map[string]float64{`spotbot_breaker_mode{mode="PAUSED"}`: 1})
	eval.Evaluate(ctx, rule)

	eval.SetMetrics(map[string]float64{`spotbot_breaker_mode{mode="PAUSED"}`: 0})
	eval.Evaluate(ctx, rule)

	eval.advanceTime(2 * time.Minute)
	eval.SetMetrics(map[string]float64{`spotbot_breaker_mode{mode="PAUSED"}`: 1})
	eval.Evaluate(ctx, rule)

	// Should not fire yet because pending was cleared
	if sink.count() != 0 {
		t.Errorf("expected no notification (pending cleared), got %d", sink.count())
	}
}

func TestEvaluator_Run(t *testing.T) {
	sink := &mockSink{}
	eval := NewEvaluator(sink, nil)

	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "spotbot_clock_offset_ms"})
	reg.MustRegister(g)
	g.Set(-3000)

	rules := []Rule{{Name: "clock_behind", Expr: "spotbot_clock_offset_ms < -1000", Severity: "warning"}}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		eval.Run(runCtx, reg, rules, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if sink.count() != 1 {
		t.Errorf("expected 1 notification, got %d", sink.count())
	}
}
