package execute

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"signalbridge/internal/bus"
	"signalbridge/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferFillPrice(t *testing.T) {
	testCases := []struct {
		desc     string
		before   Position
		after    Position
		expected float64
	}{
		{
			"open from flat",
			Position{Size: 0, AvgPrice: 0},
			Position{Size: 10, AvgPrice: 105},
			105,
		},
		{
			"fully closed keeps prior average",
			Position{Size: 10, AvgPrice: 100},
			Position{Size: 0, AvgPrice: 0},
			100,
		},
		{
			"extend long is the weighted delta",
			Position{Size: 10, AvgPrice: 100},
			Position{Size: 20, AvgPrice: 105},
			110,
		},
		{
			"open short from flat",
			Position{Size: 0, AvgPrice: 0},
			Position{Size: -5, AvgPrice: 98},
			98,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := inferFillPrice(tc.before, tc.after)
			if got != tc.expected {
				t.Fatalf("mismatch! should be %.2f but got %.2f", tc.expected, got)
			}
		})
	}
}

type countingBroker struct {
	*PaperBroker
	calls int
}

func (b *countingBroker) SubmitMarketOrder(ctx context.Context, symbol string, side model.OrderSide, size int64) (string, error) {
	b.calls++
	return b.PaperBroker.SubmitMarketOrder(ctx, symbol, side, size)
}

func (b *countingBroker) Position(ctx context.Context, symbol string) (Position, error) {
	b.calls++
	return b.PaperBroker.Position(ctx, symbol)
}

func (b *countingBroker) OrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	b.calls++
	return b.PaperBroker.OrderStatus(ctx, orderID)
}

func newTestExecutor(broker Broker) (*Executor, *bus.Queue[model.TradeRequest], *bus.Queue[model.TradeResult]) {
	requests := bus.NewQueue[model.TradeRequest](4)
	results := bus.NewQueue[model.TradeResult](4)
	return NewExecutor(broker, requests, results), requests, results
}

func fixedPrice(price float64) PriceFunc {
	return func(string) (float64, bool) { return price, true }
}

func buyRequest(size int64) model.TradeRequest {
	return model.TradeRequest{
		Signal:      model.SignalBuy,
		Symbol:      "BTCUSDT",
		Size:        size,
		Price:       100,
		Strategy:    "cross",
		SubmittedAt: time.Now(),
		Timeout:     5 * time.Second,
	}
}

func TestExecutorFillsAgainstPaperBroker(t *testing.T) {
	broker := NewPaperBroker(fixedPrice(105))
	exec, _, _ := newTestExecutor(broker)

	res := exec.process(t.Context(), buyRequest(10))

	require.Equal(t, model.TradeFilled, res.Status)
	assert.True(t, res.Success)
	assert.Equal(t, 105.0, res.FillPrice)
	assert.NotEmpty(t, res.OrderID)

	pos, err := broker.Position(t.Context(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos.Size)
	assert.Equal(t, 105.0, pos.AvgPrice)
}

func TestExecutorKillSwitchSkipsBroker(t *testing.T) {
	broker := &countingBroker{PaperBroker: NewPaperBroker(fixedPrice(100))}
	exec, _, _ := newTestExecutor(broker)
	exec.Disable()

	res := exec.process(t.Context(), buyRequest(1))

	assert.Equal(t, model.TradeDisabled, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, 0, broker.calls, "disabled executor must not touch the broker")

	exec.Enable()
	res = exec.process(t.Context(), buyRequest(1))
	assert.Equal(t, model.TradeFilled, res.Status)
}

func TestExecutorRejectedOrder(t *testing.T) {
	broker := NewPaperBroker(func(string) (float64, bool) { return 0, false })
	exec, _, _ := newTestExecutor(broker)

	res := exec.process(t.Context(), buyRequest(1))
	assert.Equal(t, model.TradeRejected, res.Status)
	assert.NotEmpty(t, res.Err)
}

func TestExecutorTimeoutCancelsOnce(t *testing.T) {
	broker := NewPaperBroker(fixedPrice(100))
	// Fill far beyond the request timeout so the deadline always wins.
	broker.FillDelay = time.Hour
	exec, _, _ := newTestExecutor(broker)

	req := buyRequest(1)
	req.Timeout = 600 * time.Millisecond
	res := exec.process(t.Context(), req)

	assert.Equal(t, model.TradeTimeout, res.Status)
	assert.False(t, res.Success)

	state, err := broker.OrderStatus(t.Context(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, state)

	pos, err := broker.Position(t.Context(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos.Size, "cancelled order must not move the position")
}

func TestExecutorRunEmitsResults(t *testing.T) {
	broker := NewPaperBroker(fixedPrice(100))
	exec, requests, results := newTestExecutor(broker)

	require.NoError(t, requests.TryPublish(buyRequest(2)))
	requests.Close()

	exec.Run(t.Context())

	out := results.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, model.TradeFilled, out[0].Status)
	assert.Equal(t, int64(2), out[0].Request.Size)
}

func TestFlattenAllClosesEverything(t *testing.T) {
	broker := NewPaperBroker(fixedPrice(100))
	exec, requests, results := newTestExecutor(broker)

	require.Equal(t, model.TradeFilled, exec.process(t.Context(), buyRequest(5)).Status)

	short := buyRequest(3)
	short.Signal = model.SignalShort
	short.Symbol = "ETHUSDT"
	require.Equal(t, model.TradeFilled, exec.process(t.Context(), short).Status)

	// Flatten works even with the kill switch tripped.
	exec.Disable()
	require.NoError(t, exec.FlattenAll())
	requests.Close()
	exec.Run(t.Context())

	out := results.Drain()
	require.Len(t, out, 2)
	for _, res := range out {
		assert.Equal(t, model.TradeFilled, res.Status)
		assert.True(t, res.Request.Flatten)
	}

	positions, err := broker.Positions(t.Context())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

// stallBroker leaves buys pending forever while a sell moves the
// position at submit, so only a sell can ever confirm.
type stallBroker struct {
	mu     sync.Mutex
	events []string
	size   int64
}

func (b *stallBroker) SubmitMarketOrder(ctx context.Context, symbol string, side model.OrderSide, size int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "submit "+side.String())
	if side == model.SideSell {
		b.size -= size
	}
	return fmt.Sprintf("stall-%d", len(b.events)), nil
}

func (b *stallBroker) OrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	return OrderPending, nil
}

func (b *stallBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "cancel "+orderID)
	return nil
}

func (b *stallBroker) Position(ctx context.Context, symbol string) (Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Position{Symbol: symbol, Size: b.size, AvgPrice: 100}, nil
}

func (b *stallBroker) Positions(ctx context.Context) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil, nil
	}
	return []Position{{Symbol: "BTCUSDT", Size: b.size, AvgPrice: 100}}, nil
}

func TestRunSerializesFlattenBehindPendingOrder(t *testing.T) {
	broker := &stallBroker{size: 5}
	exec, requests, results := newTestExecutor(broker)

	req := buyRequest(3)
	req.Timeout = 600 * time.Millisecond
	require.NoError(t, requests.TryPublish(req))
	require.NoError(t, exec.FlattenAll())
	requests.Close()

	exec.Run(t.Context())

	out := results.Drain()
	require.Len(t, out, 2)

	// The stalled buy must resolve on its own terms; the flatten's
	// position change lands after it and is never taken as its fill.
	assert.Equal(t, model.TradeTimeout, out[0].Status)
	assert.False(t, out[0].Success)
	assert.False(t, out[0].Request.Flatten)

	assert.Equal(t, model.TradeFilled, out[1].Status)
	assert.True(t, out[1].Request.Flatten)
	assert.Equal(t, model.SignalSell, out[1].Request.Signal)
	assert.Equal(t, 100.0, out[1].FillPrice)

	require.Len(t, broker.events, 3)
	assert.Equal(t, "cancel stall-1", broker.events[1],
		"the pending buy must be cancelled before the flatten submits")
	assert.Equal(t, "submit SELL", broker.events[2])
}

func TestPaperBrokerAveraging(t *testing.T) {
	broker := NewPaperBroker(fixedPrice(100))
	ctx := t.Context()

	submit := func(side model.OrderSide, size int64, mark float64) {
		t.Helper()
		broker.price = fixedPrice(mark)
		id, err := broker.SubmitMarketOrder(ctx, "X", side, size)
		require.NoError(t, err)
		_, err = broker.OrderStatus(ctx, id)
		require.NoError(t, err)
	}

	submit(model.SideBuy, 10, 100)
	submit(model.SideBuy, 10, 110)
	pos, err := broker.Position(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, int64(20), pos.Size)
	assert.Equal(t, 105.0, pos.AvgPrice)

	// Reducing keeps the average.
	submit(model.SideSell, 5, 120)
	pos, err = broker.Position(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, int64(15), pos.Size)
	assert.Equal(t, 105.0, pos.AvgPrice)

	// Crossing through flat restarts it at the fill.
	submit(model.SideSell, 20, 90)
	pos, err = broker.Position(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), pos.Size)
	assert.Equal(t, 90.0, pos.AvgPrice)
}
