// Package ledger persists trade records as an append-only CSV file.
package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/spotbot/internal/core"
)

// Header lists the ledger columns in file order.
var Header = []string{
	"timestamp", "pair", "timeframe", "scenario", "ema1", "ema2",
	"side", "type", "price", "quantity", "fee", "profit", "reason", "run_id",
}

// Ledger appends trade rows to a CSV file. The header is written once,
// when the file is created.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// Open creates the ledger file with its header if it does not exist.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	switch {
	case errors.Is(err, os.ErrExist):
	case err != nil:
		return nil, fmt.Errorf("ledger: %w", err)
	default:
		w := csv.NewWriter(f)
		if err := w.Write(Header); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	}
	return &Ledger{path: path}, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// Append writes records at the end of the file and syncs it.
func (l *Ledger) Append(records ...core.TradeRecord) error {
	if len(records) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, r := range records {
		if err := w.Write(row(r)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadAll loads every record of the ledger.
func (l *Ledger) ReadAll() ([]core.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Encode renders records as a complete CSV document including the header.
func Encode(records []core.TradeRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := w.Write(row(r)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// Decode parses a CSV document produced by Encode or Append.
func Decode(r io.Reader) ([]core.TradeRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	out := make([]core.TradeRecord, 0, len(rows)-1)
	for i, fields := range rows[1:] {
		rec, err := parseRow(fields)
		if err != nil {
			return nil, fmt.Errorf("ledger: row %d: %w", i+2, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func row(r core.TradeRecord) []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Pair,
		r.Timeframe,
		r.Scenario,
		strconv.Itoa(r.EMA1),
		strconv.Itoa(r.EMA2),
		string(r.Side),
		r.OrderType,
		r.Price.String(),
		r.Quantity.String(),
		r.Fee.String(),
		r.RealizedPnL.String(),
		string(r.Reason),
		r.RunID,
	}
}

func parseRow(f []string) (core.TradeRecord, error) {
	ts, err := time.Parse(time.RFC3339, f[0])
	if err != nil {
		return core.TradeRecord{}, err
	}
	ema1, err := strconv.Atoi(f[4])
	if err != nil {
		return core.TradeRecord{}, err
	}
	ema2, err := strconv.Atoi(f[5])
	if err != nil {
		return core.TradeRecord{}, err
	}
	nums := make([]decimal.Decimal, 4)
	for i, s := range f[8:12] {
		if nums[i], err = decimal.NewFromString(s); err != nil {
			return core.TradeRecord{}, err
		}
	}
	return core.TradeRecord{
		Timestamp:   ts,
		Pair:        f[1],
		Timeframe:   f[2],
		Scenario:    f[3],
		EMA1:        ema1,
		EMA2:        ema2,
		Side:        core.Side(f[6]),
		OrderType:   f[7],
		Price:       nums[0],
		Quantity:    nums[1],
		Fee:         nums[2],
		RealizedPnL: nums[3],
		Reason:      core.ExitReason(f[12]),
		RunID:       f[13],
	}, nil
}
