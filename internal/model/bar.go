package model

import (
	"fmt"
	"time"
)

// Bar is a closed fixed-interval OHLCV aggregate. Timestamp is the
// bar-open instant, aligned to the interval. A Bar is immutable once
// emitted; consumers key it by (Symbol, Timestamp).
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Interval  time.Duration
}

// BarKey identifies a bar for dedup purposes.
type BarKey struct {
	Symbol    string
	Timestamp int64
}

// Key returns the bar's identity key.
func (b Bar) Key() BarKey {
	return BarKey{Symbol: b.Symbol, Timestamp: b.Timestamp.UnixNano()}
}

func (b Bar) String() string {
	return fmt.Sprintf("%s %s O=%.2f H=%.2f L=%.2f C=%.2f V=%.0f",
		b.Symbol, b.Timestamp.Format("2006-01-02 15:04"), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// FeedStatus reports a connectivity change on the market-data feed.
// Status messages are advisory and never block the pipeline; Fatal marks
// a startup failure that should terminate the session.
type FeedStatus struct {
	Connected bool
	Fatal     bool
	Message   string
	At        time.Time
}
