// Package state persists per-symbol trading state as one versioned blob.
package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/breaker"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/strategy"
)

// Version is the blob schema version. Loaders refuse anything else.
const Version = 1

const (
	magic      = "SBST"
	headerSize = 4 + 2 + 4 + 4
	tempGlob   = ".state-*.tmp"
)

// PairState is the live state of one traded symbol.
type PairState struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	// RunID binds the state to the parameters it was authorized under.
	RunID            string `json:"run_id"`
	StrategySnapshot string `json:"strategy_snapshot"`

	Position      *strategy.Position `json:"position,omitempty"`
	LastOrderSide core.Side          `json:"last_order_side,omitempty"`
	// ProtectiveOrderID is the client id of the resting stop, if any.
	ProtectiveOrderID string `json:"protective_order_id,omitempty"`

	ExecutionCount         int       `json:"execution_count"`
	LastExecutionTimestamp time.Time `json:"last_execution_timestamp"`
	// LastOrderID is the highest exchange order id already applied.
	LastOrderID int64 `json:"last_order_id"`
	// LastBar is the open time of the last evaluated closed bar.
	LastBar time.Time `json:"last_bar"`
	// LastATR is the ATR of LastBar, used to freeze stops on adopted fills.
	LastATR float64 `json:"last_atr"`
}

// Long reports whether a position is open.
func (p PairState) Long() bool { return p.Position != nil }

// Clone returns a copy that shares no pointers with p.
func (p PairState) Clone() PairState {
	if p.Position != nil {
		pos := *p.Position
		p.Position = &pos
	}
	return p
}

// Snapshot is the full persisted state of a process.
type Snapshot struct {
	Version int                  `json:"version"`
	SavedAt time.Time            `json:"saved_at"`
	Breaker breaker.Snapshot     `json:"breaker"`
	Pairs   map[string]PairState `json:"pairs"`
}

// Empty returns a snapshot with no pairs and a running breaker.
func Empty() Snapshot {
	return Snapshot{
		Version: Version,
		Breaker: breaker.Snapshot{Mode: breaker.ModeRunning},
		Pairs:   make(map[string]PairState),
	}
}

// Symbols returns the pair keys in sorted order.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Pairs))
	for k := range s.Pairs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Pairs = make(map[string]PairState, len(s.Pairs))
	for k, v := range s.Pairs {
		out.Pairs[k] = v.Clone()
	}
	return out
}

// Encode frames a snapshot as magic, version, crc32 and length followed by
// the JSON payload.
func Encode(s Snapshot) ([]byte, error) {
	s.Version = Version
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize, headerSize+len(payload))
	copy(buf, magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint32(buf[6:10], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(payload)))
	return append(buf, payload...), nil
}

// Decode parses a framed blob. A blob from another schema version fails
// with ErrUnknownStateVersion; any framing or checksum damage fails with
// ErrCorruptState.
func Decode(data []byte) (Snapshot, error) {
	if len(data) < headerSize || string(data[:4]) != magic {
		return Snapshot{}, core.Errorf(core.ErrCorruptState, "bad header")
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != Version {
		return Snapshot{}, core.Errorf(core.ErrUnknownStateVersion, "blob version %d, supported %d", v, Version)
	}
	sum := binary.BigEndian.Uint32(data[6:10])
	n := binary.BigEndian.Uint32(data[10:14])
	payload := data[headerSize:]
	if uint32(len(payload)) != n {
		return Snapshot{}, core.Errorf(core.ErrCorruptState, "payload is %d bytes, header says %d", len(payload), n)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return Snapshot{}, core.Errorf(core.ErrCorruptState, "checksum mismatch")
	}
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return Snapshot{}, core.WrapError(core.ErrCorruptState, err)
	}
	if s.Pairs == nil {
		s.Pairs = make(map[string]PairState)
	}
	if s.Breaker.Mode == "" {
		s.Breaker.Mode = breaker.ModeRunning
	}
	return s, nil
}

// Load reads the blob at path. A missing file is an empty snapshot.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return Snapshot{}, core.WrapError(core.ErrPersistence, err)
	}
	return Decode(data)
}

// Store keeps the state in memory and writes the whole snapshot through to
// disk on every change. Writes go to a temp file in the same directory,
// are fsynced and then renamed over the blob, so a crash at any point
// leaves either the previous or the new snapshot on disk.
type Store struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex // guards snap and seq
	snap Snapshot
	seq  uint64

	// writeMu is the global write lock. Only the rename happens under it;
	// a snapshot older than the one on disk is dropped.
	writeMu sync.Mutex
	written uint64

	crash    func(step string) error
	observer func(err error)
}

// Open loads the blob at path. A corrupt blob is moved aside and the store
// starts empty; an unknown version is refused.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, core.Errorf(core.ErrConfigMissing, "state file path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.WrapError(core.ErrPersistence, err)
	}
	removeTemps(dir, logger)

	snap, err := Load(path)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrCorruptState):
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			logger.Error("failed to move corrupt state aside", zap.Error(rerr))
		}
		logger.Warn("state blob is corrupt, starting empty",
			zap.String("path", path),
			zap.String("moved_to", aside),
			zap.Error(err),
		)
		snap = Empty()
	default:
		return nil, err
	}

	logger.Info("state loaded",
		zap.String("path", path),
		zap.Int("pairs", len(snap.Pairs)),
		zap.String("breaker", string(snap.Breaker.Mode)),
	)
	return &Store{path: path, logger: logger, snap: snap}, nil
}

func removeTemps(dir string, logger *zap.Logger) {
	stale, _ := filepath.Glob(filepath.Join(dir, tempGlob))
	for _, f := range stale {
		if err := os.Remove(f); err == nil {
			logger.Debug("removed stale state temp file", zap.String("path", f))
		}
	}
}

// Path returns the blob location.
func (s *Store) Path() string { return s.path }

// SetCrashHook installs a hook called at each write step ("write", "sync",
// "rename", "dirsync"). A non-nil return stops the write right there, as a
// crash would.
func (s *Store) SetCrashHook(fn func(step string) error) {
	s.mu.Lock()
	s.crash = fn
	s.mu.Unlock()
}

// SetObserver registers a callback invoked after every save attempt.
func (s *Store) SetObserver(fn func(err error)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the in-memory state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// Pair returns the state of symbol.
func (s *Store) Pair(symbol string) (PairState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.snap.Pairs[symbol]
	return ps.Clone(), ok
}

// Breaker returns the persisted breaker state.
func (s *Store) Breaker() breaker.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Breaker
}

// Put replaces the state of ps.Symbol and persists. On a write failure the
// in-memory state keeps the new value and ErrPersistence is returned.
func (s *Store) Put(ps PairState) error {
	return s.update(func(snap *Snapshot) {
		snap.Pairs[ps.Symbol] = ps.Clone()
	})
}

// PutBreaker records the breaker state and persists.
func (s *Store) PutBreaker(b breaker.Snapshot) error {
	return s.update(func(snap *Snapshot) {
		snap.Breaker = b
	})
}

// Delete drops symbol and persists.
func (s *Store) Delete(symbol string) error {
	return s.update(func(snap *Snapshot) {
		delete(snap.Pairs, symbol)
	})
}

// Flush writes the current state again.
func (s *Store) Flush() error {
	return s.update(func(*Snapshot) {})
}

func (s *Store) update(fn func(*Snapshot)) error {
	s.mu.Lock()
	fn(&s.snap)
	s.seq++
	seq := s.seq
	s.snap.SavedAt = time.Now().UTC()
	data, err := Encode(s.snap)
	crash, observer := s.crash, s.observer
	s.mu.Unlock()

	if err == nil {
		err = s.write(seq, data, crash)
	}
	if err != nil {
		err = core.WrapError(core.ErrPersistence, err)
		s.logger.Error("state save failed", zap.String("path", s.path), zap.Error(err))
	}
	if observer != nil {
		observer(err)
	}
	return err
}

func (s *Store) write(seq uint64, data []byte, crash func(string) error) error {
	step := func(name string) error {
		if crash == nil {
			return nil
		}
		return crash(name)
	}

	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, tempGlob)
	if err != nil {
		return err
	}
	tmp := f.Name()

	// a crash mid-write leaves a torn temp file and the old blob in place
	if err := step("write"); err != nil {
		_, _ = f.Write(data[:len(data)/2])
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := step("sync"); err != nil {
		return err
	}

	if err := step("rename"); err != nil {
		return err
	}
	s.writeMu.Lock()
	if seq < s.written {
		s.writeMu.Unlock()
		os.Remove(tmp)
		return nil
	}
	err = os.Rename(tmp, s.path)
	if err == nil {
		s.written = seq
	}
	s.writeMu.Unlock()
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := step("dirsync"); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
