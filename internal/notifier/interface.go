// Package notifier fans operator alerts out to the configured sinks.
package notifier

import (
	"context"
	"sort"
	"time"
)

// Config holds notifier configuration
type Config struct {
	Type   string         `mapstructure:"type"`
	Params map[string]any `mapstructure:"params"`
}

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	// Source is the symbol or component raising the alert.
	Source  string            `json:"source"`
	Title   string            `json:"title"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// FieldKeys returns the field names in sorted order.
func (a Alert) FieldKeys() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Notifier defines the interface for alert delivery
type Notifier interface {
	// Name returns the unique identifier for this notifier
	Name() string

	// Init initializes the notifier with configuration
	Init(cfg Config) error

	// Send delivers one alert
	Send(ctx context.Context, alert Alert) error
}

// Sink is what alert producers depend on.
type Sink interface {
	Notify(ctx context.Context, alert Alert)
}

// Discard drops every alert.
var Discard Sink = discard{}

type discard struct{}

func (discard) Notify(context.Context, Alert) {}
