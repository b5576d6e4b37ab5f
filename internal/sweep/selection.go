package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/strategy"
)

// Binding assigns a strategy to a pair for live trading.
type Binding struct {
	Pair      string          `json:"pair"`
	Timeframe string          `json:"timeframe"`
	Params    strategy.Params `json:"params"`
}

// Selection is the file the live loop reads its bindings from.
type Selection struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Bindings    []Binding `json:"bindings"`
}

// Binding returns the binding for pair.
func (s *Selection) Binding(pair string) (Binding, bool) {
	for _, b := range s.Bindings {
		if b.Pair == pair {
			return b, true
		}
	}
	return Binding{}, false
}

// Selection converts the best outcomes into live bindings.
func (r *Report) Selection() *Selection {
	sel := &Selection{RunID: r.RunID, GeneratedAt: r.FinishedAt}
	for _, pair := range sortedPairs(r.Best) {
		o := r.Best[pair]
		sel.Bindings = append(sel.Bindings, Binding{Pair: pair, Timeframe: o.Tuple.Timeframe, Params: o.Tuple.Params})
	}
	return sel
}

// WriteSelection replaces the selection file atomically.
func WriteSelection(path string, sel *Selection) error {
	data, err := json.MarshalIndent(sel, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".selection-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadSelection loads and validates a selection file.
func ReadSelection(path string) (*Selection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sel Selection
	if err := json.Unmarshal(data, &sel); err != nil {
		return nil, fmt.Errorf("parse selection %s: %w", path, err)
	}
	for _, b := range sel.Bindings {
		if err := b.Params.Validate(); err != nil {
			return nil, fmt.Errorf("binding %s: %w", b.Pair, err)
		}
	}
	return &sel, nil
}

// WatchSelection calls fn with the new selection whenever the file at path
// is replaced, until ctx is done. The directory is watched so atomic
// renames are seen.
func WatchSelection(ctx context.Context, path string, logger *zap.Logger, fn func(*Selection)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("selection watch error", zap.Error(err))
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			sel, err := ReadSelection(path)
			if err != nil {
				logger.Warn("ignoring unreadable selection", zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("selection reloaded", zap.String("run_id", sel.RunID), zap.Int("bindings", len(sel.Bindings)))
			fn(sel)
		}
	}
}
