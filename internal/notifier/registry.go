package notifier

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry manages notifier instances and implements Sink by sending to
// all of them.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	logger    *zap.Logger
}

// NewRegistry creates a new notifier registry
func NewRegistry(logger ...*zap.Logger) *Registry {
	l := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		l = logger[0]
	}
	return &Registry{
		notifiers: make(map[string]Notifier),
		logger:    l,
	}
}

// Register adds a notifier to the registry
func (r *Registry) Register(n Notifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := n.Name()
	if _, exists := r.notifiers[name]; exists {
		return fmt.Errorf("notifier %s already registered", name)
	}

	r.notifiers[name] = n
	return nil
}

// Replace swaps the registered notifiers for the ones in other, as one
// step. Alerts in flight finish on the old set.
func (r *Registry) Replace(other *Registry) {
	notifiers := make(map[string]Notifier)
	for _, n := range other.GetAll() {
		notifiers[n.Name()] = n
	}
	r.mu.Lock()
	r.notifiers = notifiers
	r.mu.Unlock()
}

// Get retrieves a notifier by name
func (r *Registry) Get(name string) (Notifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, exists := r.notifiers[name]
	if !exists {
		return nil, fmt.Errorf("notifier %s not found", name)
	}
	return n, nil
}

// GetAll returns all registered notifiers sorted by name
func (r *Registry) GetAll() []Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Notifier, 0, len(r.notifiers))
	for _, n := range r.notifiers {
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// NotifyAll sends an alert to all registered notifiers
func (r *Registry) NotifyAll(ctx context.Context, alert Alert) map[string]error {
	errors := make(map[string]error)
	for _, n := range r.GetAll() {
		if err := n.Send(ctx, alert); err != nil {
			errors[n.Name()] = err
		}
	}
	return errors
}

// Notify implements Sink. Delivery failures are logged, not returned.
func (r *Registry) Notify(ctx context.Context, alert Alert) {
	for name, err := range r.NotifyAll(ctx, alert) {
		r.logger.Warn("alert delivery failed",
			zap.String("notifier", name),
			zap.String("title", alert.Title),
			zap.Error(err),
		)
	}
}
