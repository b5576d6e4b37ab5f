package alert

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/notifier"
)

// exprPattern matches "series op value". A series is a metric name with an
// optional label set, as produced by Sample.
var exprPattern = regexp.MustCompile(`^([a-zA-Z_:][\w:]*(?:\{[^}]*\})?)\s*(>=|<=|==|!=|>|<)\s*(-?[\d.]+)$`)

// Rule defines an alert rule.
type Rule struct {
	Name     string        `mapstructure:"name"`
	Expr     string        `mapstructure:"expr"`
	For      time.Duration `mapstructure:"for"`
	Severity string        `mapstructure:"severity"`
	Message  string        `mapstructure:"message"`
}

type parsed struct {
	series    string
	op        string
	threshold float64
}

func (r *Rule) parse() (parsed, error) {
	m := exprPattern.FindStringSubmatch(strings.TrimSpace(r.Expr))
	if len(m) != 4 {
		return parsed{}, core.Errorf(core.ErrConfigInvalid, "alert rule %q: cannot parse %q", r.Name, r.Expr)
	}
	threshold, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return parsed{}, core.Errorf(core.ErrConfigInvalid, "alert rule %q: %v", r.Name, err)
	}
	return parsed{series: m[1], op: m[2], threshold: threshold}, nil
}

// Validate checks the expression and severity.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return core.Errorf(core.ErrConfigInvalid, "alert rule without a name")
	}
	if _, err := r.parse(); err != nil {
		return err
	}
	switch notifier.Severity(r.Severity) {
	case notifier.SeverityInfo, notifier.SeverityWarning, notifier.SeverityCritical:
		return nil
	}
	return core.Errorf(core.ErrConfigInvalid, "alert rule %q: unknown severity %q", r.Name, r.Severity)
}

// Evaluate evaluates the rule expression against metrics. A series that is
// absent never triggers.
func (r *Rule) Evaluate(metrics map[string]float64) bool {
	p, err := r.parse()
	if err != nil {
		return false
	}
	value, exists := metrics[p.series]
	if !exists {
		return false
	}

	switch p.op {
	case ">":
		return value > p.threshold
	case "<":
		return value < p.threshold
	case ">=":
		return value >= p.threshold
	case "<=":
		return value <= p.threshold
	case "==":
		return value == p.threshold
	case "!=":
		return value != p.threshold
	default:
		return false
	}
}

// Alert builds the notification for a firing rule.
func (r *Rule) Alert(metrics map[string]float64, at time.Time) notifier.Alert {
	p, _ := r.parse()
	return notifier.Alert{
		Time:     at,
		Severity: notifier.Severity(r.Severity),
		Source:   "alert_rule",
		Title:    r.Name,
		Message:  r.Message,
		Fields: map[string]string{
			"expr":  r.Expr,
			"value": strconv.FormatFloat(metrics[p.series], 'g', -1, 64),
		},
	}
}

// FormatMessage formats the alert as one line.
func (r *Rule) FormatMessage(metrics map[string]float64) string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(r.Severity), r.Name, r.Message)
}
