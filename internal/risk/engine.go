package risk

import (
	"time"

	"signalbridge/internal/model"
)

// Action is the outcome of a risk evaluation.
type Action uint8

const (
	ActionAllow Action = iota
	ActionDeny
)

// Reason explains a deny.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonKillSwitch    Reason = "kill_switch"
	ReasonRateLimit     Reason = "order_rate_limit"
	ReasonMaxOrderSize  Reason = "max_order_size"
	ReasonMaxNotional   Reason = "max_order_notional"
	ReasonPositionLimit Reason = "position_limit"
)

// Config defines simple risk limits. Zero values disable a check.
type Config struct {
	KillSwitch       bool          `json:"killSwitch"`
	MaxOrderSize     int64         `json:"maxOrderSize"`
	MaxOrderNotional float64       `json:"maxOrderNotional"`
	MaxPosition      int64         `json:"maxPosition"`
	OrderRateLimit   int           `json:"orderRateLimit"`
	OrderRateWindow  time.Duration `json:"orderRateWindow"`
}

// StateView provides the current position snapshot for a symbol.
type StateView struct {
	Position int64
	Now      time.Time
}

// Decision is the evaluation result.
type Decision struct {
	Action Action
	Reason Reason
}

func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// Engine evaluates risk decisions. Not safe for concurrent use; the
// orchestrator is its single caller.
type Engine struct {
	cfg             Config
	rateWindowStart time.Time
	rateCount       int
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate applies simple checks to a trade request before it reaches
// the executor.
func (e *Engine) Evaluate(req model.TradeRequest, state StateView) Decision {
	now := state.Now
	if now.IsZero() {
		now = time.Now()
	}

	if e.cfg.KillSwitch {
		return Decision{Action: ActionDeny, Reason: ReasonKillSwitch}
	}

	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		if e.rateWindowStart.IsZero() || now.Sub(e.rateWindowStart) >= e.cfg.OrderRateWindow {
			e.rateWindowStart = now
			e.rateCount = 0
		}
		e.rateCount++
		if e.rateCount > e.cfg.OrderRateLimit {
			return Decision{Action: ActionDeny, Reason: ReasonRateLimit}
		}
	}

	if e.cfg.MaxOrderSize > 0 && req.Size > e.cfg.MaxOrderSize {
		return Decision{Action: ActionDeny, Reason: ReasonMaxOrderSize}
	}

	if e.cfg.MaxOrderNotional > 0 && req.Price > 0 {
		if req.Price*float64(req.Size) > e.cfg.MaxOrderNotional {
			return Decision{Action: ActionDeny, Reason: ReasonMaxNotional}
		}
	}

	next := applySide(state.Position, req.Signal.Side(), req.Size)
	if e.cfg.MaxPosition > 0 && abs(next) > e.cfg.MaxPosition {
		return Decision{Action: ActionDeny, Reason: ReasonPositionLimit}
	}

	return Decision{Action: ActionAllow}
}

func applySide(pos int64, side model.OrderSide, size int64) int64 {
	switch side {
	case model.SideBuy:
		return pos + size
	case model.SideSell:
		return pos - size
	default:
		return pos
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
