package execute

import (
	"context"

	"signalbridge/internal/model"

	"github.com/yanun0323/errors"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrMarketClosed  = errors.New("market closed")
)

// OrderState is the broker-side lifecycle of a submitted order.
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
)

// Terminal reports whether the order can no longer change state.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// Position is a broker-side holding snapshot. Size is signed: negative
// for short exposure.
type Position struct {
	Symbol   string
	Size     int64
	AvgPrice float64
}

// Broker is the order gateway. Implementations must tolerate polling:
// OrderStatus and Position are called repeatedly while an order fills.
type Broker interface {
	SubmitMarketOrder(ctx context.Context, symbol string, side model.OrderSide, size int64) (orderID string, err error)
	OrderStatus(ctx context.Context, orderID string) (OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
	Position(ctx context.Context, symbol string) (Position, error)
	Positions(ctx context.Context) ([]Position, error)
}
