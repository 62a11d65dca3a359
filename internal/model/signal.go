package model

import (
	"fmt"
	"time"
)

// SignalType is a discrete trading condition produced by rule evaluation.
type SignalType uint8

const (
	SignalUnknown SignalType = iota
	SignalBuy
	SignalSell
	SignalShort
	SignalCover
)

var signalNames = map[SignalType]string{
	SignalBuy:   "Buy",
	SignalSell:  "Sell",
	SignalShort: "Short",
	SignalCover: "Cover",
}

func (t SignalType) String() string {
	if name, ok := signalNames[t]; ok {
		return name
	}
	return "Unknown"
}

// OrderSide is the broker-facing direction of an order.
type OrderSide uint8

const (
	SideUnknown OrderSide = iota
	SideBuy
	SideSell
)

func (s OrderSide) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Side maps the signal to an order side: Buy and Cover open or close
// long exposure with a buy, Sell and Short with a sell.
func (t SignalType) Side() OrderSide {
	switch t {
	case SignalBuy, SignalCover:
		return SideBuy
	case SignalSell, SignalShort:
		return SideSell
	default:
		return SideUnknown
	}
}

// Signal is one detected trading condition, immutable once parsed.
// Identity key is (Type, Timestamp).
type Signal struct {
	Type       SignalType
	Symbol     string
	Timestamp  time.Time
	Price      float64
	Strategy   string
	Indicators map[string]float64
}

// SignalKey identifies a signal for scan-level dedup.
type SignalKey struct {
	Type      SignalType
	Timestamp int64
}

// Key returns the signal's identity key.
func (s Signal) Key() SignalKey {
	return SignalKey{Type: s.Type, Timestamp: s.Timestamp.UnixNano()}
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s @ %.2f (%s)",
		s.Type, s.Symbol, s.Price, s.Timestamp.Format("2006-01-02 15:04:05"))
}
