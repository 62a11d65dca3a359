package execute

import (
	"context"
	"sync/atomic"
	"time"

	"signalbridge/internal/bus"
	"signalbridge/internal/model"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	// pollInterval spaces out order-status and position polls while a
	// fill is confirmed.
	pollInterval = 500 * time.Millisecond
	// defaultOrderTimeout applies when a request carries no timeout.
	defaultOrderTimeout = 30 * time.Second
)

// Executor turns trade requests into broker orders, one at a time, and
// emits exactly one result per request. It owns the kill switch: while
// trading is disabled no broker call is made at all.
type Executor struct {
	broker   Broker
	requests *bus.Queue[model.TradeRequest]
	results  *bus.Queue[model.TradeResult]

	enabled atomic.Bool
	now     func() time.Time
}

func NewExecutor(broker Broker, requests *bus.Queue[model.TradeRequest], results *bus.Queue[model.TradeResult]) *Executor {
	e := &Executor{
		broker:   broker,
		requests: requests,
		results:  results,
		now:      time.Now,
	}
	e.enabled.Store(true)
	return e
}

// Run consumes requests until ctx is cancelled or the request queue is
// closed. Requests are processed strictly serially; a flatten sentinel
// waits its turn like any other request, so it can never interleave
// with an in-flight confirmation.
func (e *Executor) Run(ctx context.Context) {
	e.requests.Run(ctx, func(req model.TradeRequest) {
		if req.Flatten {
			e.flattenAll(ctx)
			return
		}
		e.emit(e.process(ctx, req))
	})
}

// Enable arms the executor.
func (e *Executor) Enable() { e.enabled.Store(true) }

// Disable trips the kill switch. In-flight confirmation still finishes;
// queued and future requests resolve as disabled without touching the
// broker.
func (e *Executor) Disable() { e.enabled.Store(false) }

// Enabled reports the kill switch state.
func (e *Executor) Enabled() bool { return e.enabled.Load() }

func (e *Executor) emit(res model.TradeResult) {
	if err := e.results.TryPublish(res); err != nil {
		logs.Errorf("drop trade result %s %s, err: %+v", res.Request.Signal, res.Request.Symbol, err)
	}
}

func (e *Executor) process(ctx context.Context, req model.TradeRequest) model.TradeResult {
	started := e.now()
	res := model.TradeResult{Request: req, ExecutedAt: started}
	finish := func(status model.TradeStatus, err error) model.TradeResult {
		res.Status = status
		res.Success = status == model.TradeFilled
		res.Elapsed = e.now().Sub(started)
		if err != nil {
			res.Err = err.Error()
		}
		return res
	}

	if !e.enabled.Load() {
		logs.Warnf("trading disabled; drop %s %s x%d", req.Signal, req.Symbol, req.Size)
		return finish(model.TradeDisabled, nil)
	}

	before, err := e.broker.Position(ctx, req.Symbol)
	if err != nil {
		return finish(model.TradeError, errors.Wrap(err, "snapshot position"))
	}

	orderID, err := e.broker.SubmitMarketOrder(ctx, req.Symbol, req.Signal.Side(), req.Size)
	if err != nil {
		return finish(model.TradeRejected, errors.Wrap(err, "submit order"))
	}
	res.OrderID = orderID
	logs.Infof("submitted %s %s x%d, order %s", req.Signal, req.Symbol, req.Size, orderID)

	status, fill, err := e.confirm(ctx, req, orderID, before)
	if err != nil {
		return finish(status, err)
	}
	res.FillPrice = fill
	return finish(status, nil)
}

// confirm polls the order and the position until the fill shows up in
// the position, the broker reports a terminal state, or the timeout
// expires. The position delta is the source of truth for the fill;
// order status alone is advisory.
func (e *Executor) confirm(ctx context.Context, req model.TradeRequest, orderID string, before Position) (model.TradeStatus, float64, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultOrderTimeout
	}
	deadline := e.now().Add(timeout)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.cancel(ctx, orderID)
			return model.TradeCancelled, 0, ctx.Err()
		case <-ticker.C:
		}

		state, err := e.broker.OrderStatus(ctx, orderID)
		if err != nil && !errors.Is(err, ErrOrderNotFound) {
			return model.TradeError, 0, errors.Wrap(err, "poll order").With("order", orderID)
		}

		after, err := e.broker.Position(ctx, req.Symbol)
		if err != nil {
			return model.TradeError, 0, errors.Wrap(err, "poll position").With("order", orderID)
		}
		if after.Size != before.Size {
			return model.TradeFilled, inferFillPrice(before, after), nil
		}

		switch state {
		case OrderRejected:
			return model.TradeRejected, 0, errors.New("broker rejected order")
		case OrderCancelled:
			return model.TradeCancelled, 0, errors.New("order cancelled at broker")
		}

		if e.now().After(deadline) {
			e.cancel(ctx, orderID)
			return model.TradeTimeout, 0, errors.Errorf("no fill within %s", timeout)
		}
	}
}

func (e *Executor) cancel(ctx context.Context, orderID string) {
	if err := e.broker.CancelOrder(ctx, orderID); err != nil && !errors.Is(err, ErrOrderNotFound) {
		logs.Errorf("cancel order %s, err: %+v", orderID, err)
	}
}

// inferFillPrice derives the average fill from the position change.
// Opening from flat, the new average is the fill. Closing out fully,
// the broker keeps no average, so the prior one stands in. Otherwise
// the fill is the volume-weighted delta between the two snapshots.
func inferFillPrice(before, after Position) float64 {
	switch {
	case before.Size == 0:
		return after.AvgPrice
	case after.Size == 0:
		return before.AvgPrice
	default:
		delta := after.Size - before.Size
		return (float64(after.Size)*after.AvgPrice - float64(before.Size)*before.AvgPrice) / float64(delta)
	}
}

// FlattenAll enqueues a flatten sentinel behind whatever the run loop
// is working on. The results arrive on the result queue, one per open
// position. Flattening works regardless of the kill switch so an
// operator can always get flat.
func (e *Executor) FlattenAll() error {
	return e.requests.TryPublish(model.TradeRequest{
		Flatten:     true,
		Strategy:    "flatten",
		SubmittedAt: e.now(),
	})
}

// flattenAll closes every open position with opposing market orders.
// Confirmation uses the same protocol as normal trades.
func (e *Executor) flattenAll(ctx context.Context) {
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		logs.Errorf("list positions, err: %+v", err)
		return
	}

	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}
		signal := model.SignalSell
		size := pos.Size
		if pos.Size < 0 {
			signal = model.SignalCover
			size = -pos.Size
		}
		req := model.TradeRequest{
			Signal:      signal,
			Symbol:      pos.Symbol,
			Size:        size,
			Strategy:    "flatten",
			SubmittedAt: e.now(),
			Timeout:     defaultOrderTimeout,
			Flatten:     true,
		}
		e.emit(e.processFlatten(ctx, req))
	}
}

// processFlatten mirrors process but skips the kill switch check.
func (e *Executor) processFlatten(ctx context.Context, req model.TradeRequest) model.TradeResult {
	started := e.now()
	res := model.TradeResult{Request: req, ExecutedAt: started}

	before, err := e.broker.Position(ctx, req.Symbol)
	if err == nil {
		var orderID string
		orderID, err = e.broker.SubmitMarketOrder(ctx, req.Symbol, req.Signal.Side(), req.Size)
		if err == nil {
			res.OrderID = orderID
			var fill float64
			res.Status, fill, err = e.confirm(ctx, req, orderID, before)
			res.FillPrice = fill
		} else {
			res.Status = model.TradeRejected
		}
	} else {
		res.Status = model.TradeError
	}

	res.Success = res.Status == model.TradeFilled
	res.Elapsed = e.now().Sub(started)
	if err != nil {
		res.Err = err.Error()
	}
	return res
}
