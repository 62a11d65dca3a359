package session

import (
	"sync"
	"sync/atomic"
	"time"

	"signalbridge/internal/model"
)

// FaultCategory classifies a reported fault.
type FaultCategory string

const (
	FaultTransient FaultCategory = "transient"
	FaultTimeout   FaultCategory = "timeout"
	FaultData      FaultCategory = "data"
	FaultFatal     FaultCategory = "fatal"
)

// Fault is a human-readable fault entry.
type Fault struct {
	Category FaultCategory `json:"category"`
	Message  string        `json:"message"`
	At       time.Time     `json:"at"`
}

// AlertRecord is one dispatched alert kept in the bounded history.
type AlertRecord struct {
	Signal    string    `json:"signal"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Strategy  string    `json:"strategy"`
	BarTime   time.Time `json:"barTime"`
	AlertedAt time.Time `json:"alertedAt"`
}

// TradeRecord is one completed trade kept in the bounded history.
type TradeRecord struct {
	Signal     string            `json:"signal"`
	Symbol     string            `json:"symbol"`
	Size       int64             `json:"size"`
	Status     model.TradeStatus `json:"status"`
	OrderID    string            `json:"orderId,omitempty"`
	FillPrice  float64           `json:"fillPrice,omitempty"`
	Err        string            `json:"error,omitempty"`
	Elapsed    float64           `json:"elapsedSeconds"`
	ExecutedAt time.Time         `json:"executedAt"`
}

// Snapshot is the immutable observer view of a session. Readers never
// see a partially-updated snapshot.
type Snapshot struct {
	StartedAt        time.Time          `json:"startedAt"`
	Running          bool               `json:"running"`
	FeedConnected    bool               `json:"feedConnected"`
	FeedMessage      string             `json:"feedMessage"`
	BarsInjected     uint64             `json:"barsInjected"`
	BarsDuplicate    uint64             `json:"barsDuplicate"`
	ScansRun         uint64             `json:"scansRun"`
	SignalsFound     uint64             `json:"signalsFound"`
	AlertsDispatched uint64             `json:"alertsDispatched"`
	TradesSubmitted  uint64             `json:"tradesSubmitted"`
	TradingEnabled   bool               `json:"tradingEnabled"`
	LastScanAt       time.Time          `json:"lastScanAt"`
	LastBarAt        time.Time          `json:"lastBarAt"`
	Indicators       map[string]float64 `json:"indicators,omitempty"`
	IndicatorTime    time.Time          `json:"indicatorTime"`
	RecentAlerts     []AlertRecord      `json:"recentAlerts"`
	RecentTrades     []TradeRecord      `json:"recentTrades"`
	LastFault        *Fault             `json:"lastFault,omitempty"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

const historyLimit = 50

// State accumulates session counters and bounded histories. The
// orchestrator is the main writer; the HTTP surface flips the trading
// flag, so mutation is mutex-guarded. Observers read published
// snapshots without taking the lock.
type State struct {
	mu        sync.Mutex
	snap      Snapshot
	published atomic.Value
}

// NewState creates session state for a freshly started session.
func NewState(tradingEnabled bool) *State {
	s := &State{
		snap: Snapshot{
			StartedAt:      time.Now(),
			Running:        true,
			TradingEnabled: tradingEnabled,
		},
	}
	s.Publish()
	return s
}

// FeedStatus folds a feed connectivity change into the state.
func (s *State) FeedStatus(status model.FeedStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.FeedConnected = status.Connected
	s.snap.FeedMessage = status.Message
}

// BarInjected counts one applied bar.
func (s *State) BarInjected(bar model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.BarsInjected++
	if bar.Timestamp.After(s.snap.LastBarAt) {
		s.snap.LastBarAt = bar.Timestamp
	}
}

// BarDuplicate counts one dropped duplicate bar.
func (s *State) BarDuplicate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.BarsDuplicate++
}

// ScanRun records one completed scan cycle.
func (s *State) ScanRun(signals int, indicators map[string]float64, indicatorTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.ScansRun++
	s.snap.SignalsFound += uint64(signals)
	s.snap.LastScanAt = time.Now()
	if indicators != nil {
		s.snap.Indicators = indicators
		s.snap.IndicatorTime = indicatorTime
	}
}

// AlertDispatched appends to the bounded alert history.
func (s *State) AlertDispatched(sig model.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.AlertsDispatched++
	s.snap.RecentAlerts = appendBounded(s.snap.RecentAlerts, AlertRecord{
		Signal:    sig.Type.String(),
		Symbol:    sig.Symbol,
		Price:     sig.Price,
		Strategy:  sig.Strategy,
		BarTime:   sig.Timestamp,
		AlertedAt: time.Now(),
	})
}

// TradeSubmitted counts one trade request handed to the executor.
func (s *State) TradeSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.TradesSubmitted++
}

// TradeCompleted appends to the bounded trade history.
func (s *State) TradeCompleted(res model.TradeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.RecentTrades = appendBounded(s.snap.RecentTrades, TradeRecord{
		Signal:     res.Request.Signal.String(),
		Symbol:     res.Request.Symbol,
		Size:       res.Request.Size,
		Status:     res.Status,
		OrderID:    res.OrderID,
		FillPrice:  res.FillPrice,
		Err:        res.Err,
		Elapsed:    res.Elapsed.Seconds(),
		ExecutedAt: res.ExecutedAt,
	})
}

// TradingEnabled flips the published trading flag.
func (s *State) TradingEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.TradingEnabled = enabled
}

// ReportFault records a fault entry.
func (s *State) ReportFault(category FaultCategory, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastFault = &Fault{Category: category, Message: message, At: time.Now()}
}

// Stopped marks the session as no longer running.
func (s *State) Stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Running = false
}

// Publish atomically replaces the observer snapshot.
func (s *State) Publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.UpdatedAt = time.Now()
	snap.RecentAlerts = append([]AlertRecord(nil), s.snap.RecentAlerts...)
	snap.RecentTrades = append([]TradeRecord(nil), s.snap.RecentTrades...)
	if s.snap.Indicators != nil {
		ind := make(map[string]float64, len(s.snap.Indicators))
		for k, v := range s.snap.Indicators {
			ind[k] = v
		}
		snap.Indicators = ind
	}
	if s.snap.LastFault != nil {
		fault := *s.snap.LastFault
		snap.LastFault = &fault
	}
	s.published.Store(snap)
}

// Latest returns the most recently published snapshot. Safe for
// concurrent readers.
func (s *State) Latest() Snapshot {
	snap, _ := s.published.Load().(Snapshot)
	return snap
}

func appendBounded[T any](history []T, entry T) []T {
	history = append(history, entry)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}
