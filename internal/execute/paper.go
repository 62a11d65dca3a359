package execute

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signalbridge/internal/model"

	"github.com/yanun0323/errors"
)

// PriceFunc supplies the current mark for a symbol. The paper broker
// fills at this price.
type PriceFunc func(symbol string) (float64, bool)

type paperOrder struct {
	symbol    string
	side      model.OrderSide
	size      int64
	state     OrderState
	fillAfter time.Time
}

// PaperBroker simulates immediate-ish market fills against a supplied
// mark price. Orders sit pending for FillDelay so the executor's
// confirmation loop actually exercises its polling path.
type PaperBroker struct {
	// FillDelay postpones the fill; zero fills on the first poll.
	FillDelay time.Duration

	price PriceFunc
	now   func() time.Time

	mu        sync.Mutex
	seq       int
	orders    map[string]*paperOrder
	positions map[string]Position
}

func NewPaperBroker(price PriceFunc) *PaperBroker {
	return &PaperBroker{
		price:     price,
		now:       time.Now,
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]Position),
	}
}

func (b *PaperBroker) SubmitMarketOrder(_ context.Context, symbol string, side model.OrderSide, size int64) (string, error) {
	if size <= 0 {
		return "", errors.Errorf("invalid order size %d", size)
	}
	if side != model.SideBuy && side != model.SideSell {
		return "", errors.Errorf("invalid order side %s", side)
	}
	if _, ok := b.price(symbol); !ok {
		return "", errors.Wrap(ErrMarketClosed, "no mark price").With("symbol", symbol)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("paper-%d", b.seq)
	b.orders[id] = &paperOrder{
		symbol:    symbol,
		side:      side,
		size:      size,
		state:     OrderPending,
		fillAfter: b.now().Add(b.FillDelay),
	}
	return id, nil
}

func (b *PaperBroker) OrderStatus(_ context.Context, orderID string) (OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return "", ErrOrderNotFound
	}
	b.settle(orderID, order)
	return order.state, nil
}

func (b *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.state == OrderPending {
		order.state = OrderCancelled
	}
	return nil
}

func (b *PaperBroker) Position(_ context.Context, symbol string) (Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settleAll()
	pos, ok := b.positions[symbol]
	if !ok {
		return Position{Symbol: symbol}, nil
	}
	return pos, nil
}

func (b *PaperBroker) Positions(_ context.Context) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settleAll()
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		if pos.Size != 0 {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (b *PaperBroker) settleAll() {
	for id, order := range b.orders {
		b.settle(id, order)
	}
}

// settle fills a pending order once its delay has elapsed. Caller holds
// the lock.
func (b *PaperBroker) settle(_ string, order *paperOrder) {
	if order.state != OrderPending || b.now().Before(order.fillAfter) {
		return
	}
	mark, ok := b.price(order.symbol)
	if !ok {
		return
	}

	delta := order.size
	if order.side == model.SideSell {
		delta = -delta
	}
	b.apply(order.symbol, delta, mark)
	order.state = OrderFilled
}

// apply folds a fill into the position. Extending averages in the fill
// price, reducing keeps the average, crossing through flat restarts it
// at the fill.
func (b *PaperBroker) apply(symbol string, delta int64, price float64) {
	pos := b.positions[symbol]
	pos.Symbol = symbol
	newSize := pos.Size + delta

	switch {
	case newSize == 0:
		pos.AvgPrice = 0
	case pos.Size == 0 || (pos.Size > 0) != (newSize > 0):
		pos.AvgPrice = price
	case (pos.Size > 0) == (delta > 0):
		pos.AvgPrice = (float64(pos.Size)*pos.AvgPrice + float64(delta)*price) / float64(newSize)
	}
	// Reducing without crossing keeps the prior average.

	pos.Size = newSize
	b.positions[symbol] = pos
}
