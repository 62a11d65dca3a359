package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"signalbridge/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookChannelSend(t *testing.T) {
	var received webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sig := model.Signal{
		Type:       model.SignalBuy,
		Symbol:     "BTCUSDT",
		Price:      43123.5,
		Timestamp:  time.Date(2026, 8, 28, 10, 5, 0, 0, time.UTC),
		Strategy:   "breakout",
		Indicators: map[string]float64{"rsi": 61.5},
	}

	channel := NewWebhookChannel(server.URL)
	require.NoError(t, channel.Send(t.Context(), sig))

	assert.Equal(t, "Buy", received.Type)
	assert.Equal(t, "BTCUSDT", received.Symbol)
	assert.Equal(t, 43123.5, received.Price)
	assert.Equal(t, "2026-08-28T10:05:00Z", received.Timestamp)
	assert.Equal(t, 61.5, received.Indicators["rsi"])
}

func TestWebhookChannelErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookChannel(server.URL).Send(t.Context(), model.Signal{Type: model.SignalBuy})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookChannelUnreachable(t *testing.T) {
	err := NewWebhookChannel("http://127.0.0.1:1/hook").Send(t.Context(), model.Signal{Type: model.SignalBuy})
	require.Error(t, err)
}

func TestCommandChannelAppendsSignal(t *testing.T) {
	sig := model.Signal{
		Type:      model.SignalBuy,
		Symbol:    "BTCUSDT",
		Price:     100,
		Timestamp: time.Date(2026, 8, 28, 10, 5, 0, 0, time.UTC),
	}

	channel := CommandChannel{Label: "desktop", Cmd: "true", AppendSignal: true}
	assert.Equal(t, "desktop", channel.Name())
	require.NoError(t, channel.Send(t.Context(), sig))

	failing := CommandChannel{Label: "sound", Cmd: "false"}
	require.Error(t, failing.Send(t.Context(), sig))
}
