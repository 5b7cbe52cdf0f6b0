package ports

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoData indicates the feed has no snapshot for the symbol.
var ErrNoData = errors.New("feed: no data for symbol")

// PriceSnapshot is the most recent market state for a symbol. Updates are
// never queued; the engine reads the latest snapshot at tick time.
type PriceSnapshot struct {
	Symbol    string
	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	BidSize   int64
	AskSize   int64
	Last      decimal.Decimal
	Volume    int64
	History   []decimal.Decimal // recent prices, oldest first
	Timestamp time.Time
	DataType  string // "realtime" | "delayed" | "replay"
}

// Spread is ask − bid, zero when either side is missing.
func (s *PriceSnapshot) Spread() decimal.Decimal {
	if s.Bid.IsZero() || s.Ask.IsZero() {
		return decimal.Zero
	}
	return s.Ask.Sub(s.Bid)
}

// DataFeed is the market-data source.
type DataFeed interface {
	IsConnected() bool
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(symbol string) error

	// CurrentPrice returns the latest snapshot, or ErrNoData.
	CurrentPrice(ctx context.Context, symbol string) (*PriceSnapshot, error)
}
