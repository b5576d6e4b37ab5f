package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/newthinker/spotbot/internal/breaker"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var bar = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func longState(symbol string, count int) PairState {
	return PairState{
		Symbol:           symbol,
		Timeframe:        "1h",
		RunID:            "run-1",
		StrategySnapshot: `{"ema1":5}`,
		Position: &strategy.Position{
			EntryPrice:         d("100"),
			Quantity:           d("1.5"),
			EntryTime:          bar,
			ATRAtEntry:         d("2"),
			StopMult:           d("3"),
			TrailMult:          d("5"),
			StopLoss:           d("94"),
			TrailingActivation: d("110"),
			MaxPrice:           d("104"),
		},
		LastOrderSide:          core.SideBuy,
		ProtectiveOrderID:      "sbL-stop",
		ExecutionCount:         count,
		LastExecutionTimestamp: bar,
		LastBar:                bar,
		LastATR:                2,
	}
}

func flatState(symbol string, count int) PairState {
	return PairState{
		Symbol:                 symbol,
		Timeframe:              "1h",
		RunID:                  "run-1",
		StrategySnapshot:       `{"ema1":5}`,
		LastOrderSide:          core.SideSell,
		ExecutionCount:         count,
		LastExecutionTimestamp: bar.Add(time.Hour),
	}
}

func assertPair(t *testing.T, want, got PairState) {
	t.Helper()
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.Equal(t, want.RunID, got.RunID)
	assert.Equal(t, want.StrategySnapshot, got.StrategySnapshot)
	assert.Equal(t, want.LastOrderSide, got.LastOrderSide)
	assert.Equal(t, want.ExecutionCount, got.ExecutionCount)
	assert.True(t, want.LastExecutionTimestamp.Equal(got.LastExecutionTimestamp))
	assert.Equal(t, want.ProtectiveOrderID, got.ProtectiveOrderID)
	require.Equal(t, want.Long(), got.Long())
	if want.Long() {
		assert.True(t, want.Position.StopLoss.Equal(got.Position.StopLoss))
		assert.True(t, want.Position.Quantity.Equal(got.Position.Quantity))
		assert.True(t, want.Position.MaxPrice.Equal(got.Position.MaxPrice))
	}
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.bin")
	s, err := Open(path, nil)
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().Pairs)

	require.NoError(t, s.Put(longState("BTCUSDC", 1)))
	require.NoError(t, s.Put(flatState("ETHUSDC", 4)))
	require.NoError(t, s.PutBreaker(breaker.Snapshot{Mode: breaker.ModeAlert, AlertReason: "snapshot mismatch"}))

	re, err := Open(path, nil)
	require.NoError(t, err)
	snap := re.Snapshot()
	assert.Equal(t, []string{"BTCUSDC", "ETHUSDC"}, snap.Symbols())
	assertPair(t, longState("BTCUSDC", 1), snap.Pairs["BTCUSDC"])
	assertPair(t, flatState("ETHUSDC", 4), snap.Pairs["ETHUSDC"])
	assert.Equal(t, breaker.ModeAlert, re.Breaker().Mode)
	assert.Equal(t, "snapshot mismatch", re.Breaker().AlertReason)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.bin"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(longState("BTCUSDC", 1)))

	ps, _ := s.Pair("BTCUSDC")
	ps.Position.MaxPrice = d("999")

	again, _ := s.Pair("BTCUSDC")
	assert.True(t, again.Position.MaxPrice.Equal(d("104")))
}

func TestStore_CorruptBlobStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a state blob"), 0o644))

	obs, logs := observer.New(zapcore.WarnLevel)
	s, err := Open(path, zap.New(obs))
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().Pairs)
	assert.Equal(t, 1, logs.FilterMessage("state blob is corrupt, starting empty").Len())

	aside, _ := filepath.Glob(path + ".corrupt-*")
	assert.Len(t, aside, 1)
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	snap := Empty()
	snap.Pairs["BTCUSDC"] = flatState("BTCUSDC", 2)
	data, err := Encode(snap)
	require.NoError(t, err)

	data[len(data)-3] ^= 0xff
	_, err = Decode(data)
	assert.True(t, errors.Is(err, core.ErrCorruptState))

	_, err = Decode(data[:headerSize-1])
	assert.True(t, errors.Is(err, core.ErrCorruptState))
}

func TestStore_UnknownVersionRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.bin")
	data, err := Encode(Empty())
	require.NoError(t, err)
	data[5] = 99
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnknownStateVersion))
	assert.Equal(t, core.KindPersistence, core.KindOf(err))

	// the blob is left untouched for an operator
	onDisk, _ := os.ReadFile(path)
	assert.Equal(t, data, onDisk)
}

func TestStore_CrashLeavesPreOrPostState(t *testing.T) {
	errCrash := errors.New("killed")
	tests := []struct {
		step     string
		wantPost bool
	}{
		{"write", false},
		{"sync", false},
		{"rename", false},
		{"dirsync", true},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.bin")
			s, err := Open(path, nil)
			require.NoError(t, err)

			pre := longState("BTCUSDC", 1)
			post := flatState("BTCUSDC", 2)
			require.NoError(t, s.Put(pre))

			s.SetCrashHook(func(step string) error {
				if step == tt.step {
					return errCrash
				}
				return nil
			})
			err = s.Put(post)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrPersistence))

			// memory keeps the new state for salvage
			mem, _ := s.Pair("BTCUSDC")
			assertPair(t, post, mem)

			re, err := Open(path, nil)
			require.NoError(t, err)
			got := re.Snapshot().Pairs["BTCUSDC"]
			if tt.wantPost {
				assertPair(t, post, got)
			} else {
				assertPair(t, pre, got)
			}

			temps, _ := filepath.Glob(filepath.Join(filepath.Dir(path), tempGlob))
			assert.Empty(t, temps)
		})
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.bin")
	s, err := Open(path, nil)
	require.NoError(t, err)

	var saves, failures int
	var mu sync.Mutex
	s.SetObserver(func(err error) {
		mu.Lock()
		saves++
		if err != nil {
			failures++
		}
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		symbol := fmt.Sprintf("SYM%dUSDC", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 1; n <= 20; n++ {
				assert.NoError(t, s.Put(flatState(symbol, n)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 160, saves)
	assert.Zero(t, failures)

	re, err := Open(path, nil)
	require.NoError(t, err)
	snap := re.Snapshot()
	require.Len(t, snap.Pairs, 8)
	for _, ps := range snap.Pairs {
		assert.Equal(t, 20, ps.ExecutionCount, ps.Symbol)
	}
}

func TestStore_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.bin")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(flatState("BTCUSDC", 1)))
	require.NoError(t, s.Delete("BTCUSDC"))

	snap, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, snap.Pairs)
	assert.Equal(t, breaker.ModeRunning, snap.Breaker.Mode)
}
