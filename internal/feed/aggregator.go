package feed

import (
	"time"

	"signalbridge/internal/model"
)

// Tick is one observed trade.
type Tick struct {
	Symbol string
	Price  float64
	Volume float64
	At     time.Time
}

// Aggregator folds ticks into interval-aligned bars, one building bar
// per symbol. Not safe for concurrent use; each source goroutine owns
// its own.
type Aggregator struct {
	interval time.Duration
	building map[string]*model.Bar
}

func NewAggregator(interval time.Duration) *Aggregator {
	return &Aggregator{
		interval: NormalizeInterval(interval),
		building: make(map[string]*model.Bar),
	}
}

// Add folds a tick in and returns the previous bar if the tick crossed
// an interval boundary. Ticks older than the building bar are folded
// into it rather than reopening history.
func (a *Aggregator) Add(tick Tick) (closed *model.Bar) {
	start := tick.At.Truncate(a.interval)
	bar := a.building[tick.Symbol]

	if bar != nil && start.After(bar.Timestamp) {
		done := *bar
		closed = &done
		bar = nil
	}

	if bar == nil {
		a.building[tick.Symbol] = &model.Bar{
			Symbol:    tick.Symbol,
			Timestamp: start,
			Interval:  a.interval,
			Open:      tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Close:     tick.Price,
			Volume:    tick.Volume,
		}
		return closed
	}

	if tick.Price > bar.High {
		bar.High = tick.Price
	}
	if tick.Price < bar.Low {
		bar.Low = tick.Price
	}
	bar.Close = tick.Price
	bar.Volume += tick.Volume
	return closed
}

// Flush closes and returns every building bar. Used on shutdown so the
// last partial bar is not lost.
func (a *Aggregator) Flush() []model.Bar {
	if len(a.building) == 0 {
		return nil
	}
	out := make([]model.Bar, 0, len(a.building))
	for _, bar := range a.building {
		out = append(out, *bar)
	}
	a.building = make(map[string]*model.Bar)
	return out
}
