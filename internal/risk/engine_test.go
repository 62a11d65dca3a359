package risk

import (
	"testing"
	"time"

	"signalbridge/internal/model"
)

func request(signal model.SignalType, size int64, price float64) model.TradeRequest {
	return model.TradeRequest{Signal: signal, Symbol: "BTCUSDT", Size: size, Price: price}
}

func TestEvaluateLimits(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		desc     string
		cfg      Config
		req      model.TradeRequest
		position int64
		expected Reason
	}{
		{
			"allow within limits",
			Config{MaxOrderSize: 10, MaxPosition: 100, MaxOrderNotional: 10000},
			request(model.SignalBuy, 5, 100),
			0,
			ReasonNone,
		},
		{
			"kill switch denies everything",
			Config{KillSwitch: true},
			request(model.SignalBuy, 1, 1),
			0,
			ReasonKillSwitch,
		},
		{
			"order size cap",
			Config{MaxOrderSize: 10},
			request(model.SignalBuy, 11, 100),
			0,
			ReasonMaxOrderSize,
		},
		{
			"notional cap",
			Config{MaxOrderNotional: 500},
			request(model.SignalBuy, 10, 100),
			0,
			ReasonMaxNotional,
		},
		{
			"position limit on longs",
			Config{MaxPosition: 10},
			request(model.SignalBuy, 5, 100),
			8,
			ReasonPositionLimit,
		},
		{
			"position limit on shorts",
			Config{MaxPosition: 10},
			request(model.SignalShort, 5, 100),
			-8,
			ReasonPositionLimit,
		},
		{
			"sell reducing a long passes",
			Config{MaxPosition: 10},
			request(model.SignalSell, 5, 100),
			8,
			ReasonNone,
		},
		{
			"zero config disables checks",
			Config{},
			request(model.SignalBuy, 1000000, 99999),
			50,
			ReasonNone,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			engine := NewEngine(tc.cfg)
			decision := engine.Evaluate(tc.req, StateView{Position: tc.position, Now: now})
			if decision.Reason != tc.expected {
				t.Fatalf("reason mismatch! should be %q but got %q", tc.expected, decision.Reason)
			}
			if decision.Allowed() != (tc.expected == ReasonNone) {
				t.Fatalf("allowed mismatch for %q", tc.desc)
			}
		})
	}
}

func TestEvaluateRateLimit(t *testing.T) {
	engine := NewEngine(Config{OrderRateLimit: 2, OrderRateWindow: time.Minute})
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	req := request(model.SignalBuy, 1, 100)
	for i := 0; i < 2; i++ {
		if d := engine.Evaluate(req, StateView{Now: now}); !d.Allowed() {
			t.Fatalf("request %d should pass, denied with %q", i, d.Reason)
		}
	}

	if d := engine.Evaluate(req, StateView{Now: now.Add(time.Second)}); d.Reason != ReasonRateLimit {
		t.Fatalf("third request in window should be rate limited, got %q", d.Reason)
	}

	// A fresh window resets the counter.
	if d := engine.Evaluate(req, StateView{Now: now.Add(2 * time.Minute)}); !d.Allowed() {
		t.Fatalf("new window should pass, denied with %q", d.Reason)
	}
}
