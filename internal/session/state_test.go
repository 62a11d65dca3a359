package session

import (
	"testing"
	"time"

	"signalbridge/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatePublishSnapshot(t *testing.T) {
	state := NewState(true)

	first := state.Latest()
	assert.True(t, first.Running)
	assert.True(t, first.TradingEnabled)
	assert.Zero(t, first.BarsInjected)

	bar := model.Bar{Symbol: "BTCUSDT", Timestamp: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC), Close: 100}
	state.BarInjected(bar)
	state.BarDuplicate()
	state.ScanRun(2, map[string]float64{"rsi": 61.5}, bar.Timestamp)
	state.FeedStatus(model.FeedStatus{Connected: true})

	// Mutations are invisible until published.
	assert.Zero(t, state.Latest().BarsInjected)

	state.Publish()
	snap := state.Latest()
	assert.Equal(t, uint64(1), snap.BarsInjected)
	assert.Equal(t, uint64(1), snap.BarsDuplicate)
	assert.Equal(t, uint64(1), snap.ScansRun)
	assert.Equal(t, uint64(2), snap.SignalsFound)
	assert.Equal(t, bar.Timestamp, snap.LastBarAt)
	assert.Equal(t, 61.5, snap.Indicators["rsi"])
	assert.True(t, snap.FeedConnected)
}

func TestStateSnapshotIsolation(t *testing.T) {
	state := NewState(false)
	state.ScanRun(0, map[string]float64{"rsi": 50}, time.Now())
	state.AlertDispatched(model.Signal{Type: model.SignalBuy, Symbol: "BTCUSDT", Price: 100})
	state.ReportFault(FaultTransient, "scan failed")
	state.Publish()

	snap := state.Latest()
	snap.Indicators["rsi"] = 99
	snap.RecentAlerts[0].Symbol = "mutated"
	snap.LastFault.Message = "mutated"

	// Published data is a deep copy; a reader cannot corrupt it.
	again := state.Latest()
	assert.Equal(t, 50.0, again.Indicators["rsi"])
	assert.Equal(t, "BTCUSDT", again.RecentAlerts[0].Symbol)
	assert.Equal(t, "scan failed", again.LastFault.Message)
}

func TestStateHistoryBounded(t *testing.T) {
	state := NewState(false)
	for i := 0; i < historyLimit+20; i++ {
		state.AlertDispatched(model.Signal{Type: model.SignalBuy, Symbol: "BTCUSDT", Price: float64(i)})
		state.TradeCompleted(model.TradeResult{
			Request:   model.TradeRequest{Signal: model.SignalBuy, Symbol: "BTCUSDT", Size: 1},
			Status:    model.TradeFilled,
			FillPrice: float64(i),
		})
	}
	state.Publish()

	snap := state.Latest()
	require.Len(t, snap.RecentAlerts, historyLimit)
	require.Len(t, snap.RecentTrades, historyLimit)
	// Oldest entries roll off the front.
	assert.Equal(t, 20.0, snap.RecentAlerts[0].Price)
	assert.Equal(t, uint64(historyLimit+20), snap.AlertsDispatched)
}

func TestStateFaultAndStop(t *testing.T) {
	state := NewState(true)
	state.ReportFault(FaultFatal, "feed never came up")
	state.Stopped()
	state.TradingEnabled(false)
	state.Publish()

	snap := state.Latest()
	assert.False(t, snap.Running)
	assert.False(t, snap.TradingEnabled)
	require.NotNil(t, snap.LastFault)
	assert.Equal(t, FaultFatal, snap.LastFault.Category)
}
