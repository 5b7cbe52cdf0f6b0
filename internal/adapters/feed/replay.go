// Package feed holds market-data adapters. Replay walks recorded price
// series forward one step per read, which gives paper sessions a moving
// market without a live connection.
package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

// historyWindow bounds the snapshot's price history.
const historyWindow = 30

type series struct {
	prices []decimal.Decimal
	pos    int
}

// Replay implements ports.DataFeed over recorded per-symbol price series.
// Every CurrentPrice call advances the series by one step; the last price
// repeats once the series is exhausted.
type Replay struct {
	mu     sync.Mutex
	series map[string]*series
	subs   map[string]bool
}

// NewReplay creates an empty feed; series are added with Add or LoadCSV.
func NewReplay() *Replay {
	return &Replay{
		series: make(map[string]*series),
		subs:   make(map[string]bool),
	}
}

// Add registers a price series for a symbol, replacing any existing one.
func (f *Replay) Add(symbol string, prices []decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.series[strings.ToUpper(symbol)] = &series{prices: prices}
}

// LoadCSV reads "symbol,price" rows, appending each price to its symbol's
// series in file order.
func (f *Replay) LoadCSV(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("feed.LoadCSV: open %q: %w", path, err)
	}
	defer file.Close()

	cr := csv.NewReader(file)
	cr.FieldsPerRecord = -1
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("feed.LoadCSV: %w", err)
		}
		if len(record) < 2 {
			continue
		}
		symbol := strings.ToUpper(strings.TrimSpace(record[0]))
		price, err := decimal.NewFromString(strings.TrimSpace(record[1]))
		if err != nil {
			continue
		}
		s, ok := f.series[symbol]
		if !ok {
			s = &series{}
			f.series[symbol] = s
		}
		s.prices = append(s.prices, price)
	}
}

func (f *Replay) IsConnected() bool { return true }

func (f *Replay) Subscribe(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	if _, ok := f.series[symbol]; !ok {
		return fmt.Errorf("feed.Subscribe %s: %w", symbol, ports.ErrNoData)
	}
	f.subs[symbol] = true
	return nil
}

func (f *Replay) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, strings.ToUpper(symbol))
	return nil
}

// CurrentPrice returns the next snapshot in the series.
func (f *Replay) CurrentPrice(ctx context.Context, symbol string) (*ports.PriceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.series[strings.ToUpper(symbol)]
	if !ok || len(s.prices) == 0 {
		return nil, fmt.Errorf("feed.CurrentPrice %s: %w", symbol, ports.ErrNoData)
	}

	price := s.prices[s.pos]
	if s.pos < len(s.prices)-1 {
		s.pos++
	}

	start := s.pos - historyWindow
	if start < 0 {
		start = 0
	}
	history := append([]decimal.Decimal(nil), s.prices[start:s.pos]...)

	// A synthetic one-tick spread around the replayed price.
	tick := price.Mul(decimal.NewFromFloat(0.0005))
	return &ports.PriceSnapshot{
		Symbol:    strings.ToUpper(symbol),
		Price:     price,
		Bid:       price.Sub(tick),
		Ask:       price.Add(tick),
		BidSize:   100,
		AskSize:   100,
		Last:      price,
		Volume:    int64(s.pos) * 100,
		History:   history,
		Timestamp: time.Now().UTC(),
		DataType:  "replay",
	}, nil
}

// Static implements ports.DataFeed over fixed snapshots set by hand. Used
// by tests and as a pinned-price fallback.
type Static struct {
	mu    sync.RWMutex
	snaps map[string]ports.PriceSnapshot
}

// NewStatic creates an empty static feed.
func NewStatic() *Static {
	return &Static{snaps: make(map[string]ports.PriceSnapshot)}
}

// SetPrice pins a symbol to a single price with a zero-width book.
func (f *Static) SetPrice(symbol string, price decimal.Decimal) {
	f.SetSnapshot(ports.PriceSnapshot{
		Symbol: strings.ToUpper(symbol),
		Price:  price,
		Bid:    price,
		Ask:    price,
		Last:   price,
	})
}

// SetSnapshot pins a full snapshot.
func (f *Static) SetSnapshot(snap ports.PriceSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap.Symbol = strings.ToUpper(snap.Symbol)
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	f.snaps[snap.Symbol] = snap
}

func (f *Static) IsConnected() bool { return true }

func (f *Static) Subscribe(ctx context.Context, symbol string) error { return nil }

func (f *Static) Unsubscribe(symbol string) error { return nil }

func (f *Static) CurrentPrice(ctx context.Context, symbol string) (*ports.PriceSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.snaps[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("feed.CurrentPrice %s: %w", symbol, ports.ErrNoData)
	}
	return &snap, nil
}
