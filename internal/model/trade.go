package model

import "time"

// TradeRequest asks the executor to place exactly one market order for a
// signal. The orchestrator creates at most one per scan cycle.
//
// A request with Flatten set is a sentinel: it carries no order of its
// own and tells the executor to close every open position once it
// reaches the front of the queue.
type TradeRequest struct {
	Signal      SignalType
	Symbol      string
	Size        int64
	Price       float64 // signal reference price, not a limit
	Strategy    string
	SignalTime  time.Time
	SubmittedAt time.Time
	Timeout     time.Duration
	Flatten     bool
}

// TradeStatus is the terminal outcome of a trade request.
type TradeStatus string

const (
	TradeFilled    TradeStatus = "filled"
	TradeRejected  TradeStatus = "rejected"
	TradeCancelled TradeStatus = "cancelled"
	TradeTimeout   TradeStatus = "timeout"
	TradeDisabled  TradeStatus = "disabled"
	TradeError     TradeStatus = "error"
)

// TradeResult is produced exactly once per TradeRequest and never
// mutated after emission.
type TradeResult struct {
	Request    TradeRequest
	Success    bool
	OrderID    string
	FillPrice  float64
	Status     TradeStatus
	Err        string
	Elapsed    time.Duration
	ExecutedAt time.Time
}
