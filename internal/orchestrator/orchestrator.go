package orchestrator

import (
	"context"
	"time"

	"signalbridge/internal/alert"
	"signalbridge/internal/bus"
	"signalbridge/internal/execute"
	"signalbridge/internal/feed"
	"signalbridge/internal/inject"
	"signalbridge/internal/model"
	"signalbridge/internal/obs"
	"signalbridge/internal/risk"
	"signalbridge/internal/scan"
	"signalbridge/internal/session"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	// tickInterval drives the main loop.
	tickInterval = 500 * time.Millisecond
	// defaultScanCooldown spaces out evaluations even when bars arrive
	// faster.
	defaultScanCooldown = 5 * time.Second
	// positionCheckTimeout bounds the pre-trade position snapshot.
	positionCheckTimeout = 2 * time.Second
)

// Config tunes the orchestration loop.
type Config struct {
	ScanCooldown time.Duration
	// TradeSize is the fixed order quantity; zero disables submission.
	TradeSize    int64
	OrderTimeout time.Duration
	Strategy     string
}

// Orchestrator is the single consumer of the bar and status queues and
// the only caller of the injector, scanner and risk engine. All
// pipeline state lives on its goroutine; other components interact
// through queues or atomics.
type Orchestrator struct {
	cfg Config

	bars     *bus.Queue[model.Bar]
	statuses *bus.Queue[model.FeedStatus]
	requests *bus.Queue[model.TradeRequest]
	results  *bus.Queue[model.TradeResult]

	injector   *inject.Injector
	scanner    *scan.Scanner
	dispatcher *alert.Dispatcher
	riskEngine *risk.Engine
	executor   *execute.Executor
	broker     execute.Broker
	state      *session.State

	prices *feed.PriceCache

	lastScan   time.Time
	newBars    bool
	tradeInAir bool
	feedFatal  bool
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Bars     *bus.Queue[model.Bar]
	Statuses *bus.Queue[model.FeedStatus]
	Requests *bus.Queue[model.TradeRequest]
	Results  *bus.Queue[model.TradeResult]

	Injector   *inject.Injector
	Scanner    *scan.Scanner
	Dispatcher *alert.Dispatcher
	Risk       *risk.Engine
	Executor   *execute.Executor
	Broker     execute.Broker
	State      *session.State
	Prices     *feed.PriceCache
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ScanCooldown <= 0 {
		cfg.ScanCooldown = defaultScanCooldown
	}
	return &Orchestrator{
		cfg:        cfg,
		bars:       deps.Bars,
		statuses:   deps.Statuses,
		requests:   deps.Requests,
		results:    deps.Results,
		injector:   deps.Injector,
		scanner:    deps.Scanner,
		dispatcher: deps.Dispatcher,
		riskEngine: deps.Risk,
		executor:   deps.Executor,
		broker:     deps.Broker,
		state:      deps.State,
		prices:     deps.Prices,
	}
}

// Run drives the loop until ctx ends or the feed reports a fatal
// condition. One pass per tick: drain bars, drain statuses, maybe
// scan, dispatch, maybe trade, drain results, publish.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	logs.Info("pipeline started")
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-ticker.C:
		}

		o.drainBars(ctx)
		o.drainStatuses()
		if o.feedFatal {
			o.shutdown()
			return
		}
		o.maybeScan(ctx)
		o.drainResults()
		o.state.Publish()
	}
}

func (o *Orchestrator) shutdown() {
	o.drainBars(context.Background())
	o.scanner.Close()
	o.dispatcher.Close()
	o.state.Stopped()
	o.state.Publish()
	logs.Info("pipeline stopped")
}

// drainBars injects every queued bar, then refreshes the store once if
// anything landed.
func (o *Orchestrator) drainBars(ctx context.Context) {
	for _, bar := range o.bars.Drain() {
		applied, err := o.injector.Inject(ctx, bar)
		if err != nil {
			o.state.ReportFault(session.FaultTransient, err.Error())
			logs.Errorf("inject bar %s, err: %+v", bar, err)
			continue
		}
		if !applied {
			o.state.BarDuplicate()
			obs.BarsDuplicateTotal.Inc()
			continue
		}
		o.state.BarInjected(bar)
		obs.BarsInjectedTotal.Inc()
		o.prices.Set(bar.Symbol, bar.Close)
		o.newBars = true
	}

	if err := o.injector.Flush(ctx); err != nil {
		o.state.ReportFault(session.FaultTransient, err.Error())
		logs.Errorf("refresh store, err: %+v", err)
	}
}

func (o *Orchestrator) drainStatuses() {
	for _, status := range o.statuses.Drain() {
		o.state.FeedStatus(status)
		if !status.Connected {
			obs.FeedReconnectsTotal.Inc()
		}
		if status.Fatal {
			o.state.ReportFault(session.FaultFatal, status.Message)
			logs.Errorf("feed fatal: %s", status.Message)
			o.feedFatal = true
		}
	}
}

func (o *Orchestrator) maybeScan(ctx context.Context) {
	if !o.newBars || time.Since(o.lastScan) < o.cfg.ScanCooldown {
		return
	}
	o.lastScan = time.Now()
	o.newBars = false

	started := time.Now()
	signals, err := o.scanner.Scan(ctx)
	obs.ScanDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		obs.ScansTotal.WithLabelValues("error").Inc()
		o.state.ReportFault(scanFaultCategory(err), err.Error())
		logs.Errorf("scan, err: %+v", err)
		return
	}
	obs.ScansTotal.WithLabelValues("ok").Inc()

	var indicators map[string]float64
	var indicatorTime time.Time
	if len(signals) > 0 {
		last := signals[len(signals)-1]
		indicators = last.Indicators
		indicatorTime = last.Timestamp
	}
	o.state.ScanRun(len(signals), indicators, indicatorTime)

	o.dispatch(signals)
	o.maybeTrade(ctx, signals)
}

// scanFaultCategory classifies a failed scan: a deadline overrun is a
// timeout, unreadable engine output is a data fault, everything else
// is transient.
func scanFaultCategory(err error) session.FaultCategory {
	switch {
	case errors.Is(err, scan.ErrScanTimeout):
		return session.FaultTimeout
	case errors.Is(err, scan.ErrMalformedResults):
		return session.FaultData
	default:
		return session.FaultTransient
	}
}

// dispatch reports every new signal. A signal counts as reported even
// when the alert window suppresses it; suppression is delivery policy,
// not detection failure.
func (o *Orchestrator) dispatch(signals []model.Signal) {
	for _, sig := range signals {
		obs.SignalsTotal.WithLabelValues(sig.Type.String()).Inc()
		if o.dispatcher.Dispatch(sig) {
			o.state.AlertDispatched(sig)
		}
		o.scanner.MarkReported(sig)
	}
}

// maybeTrade submits at most one order per scan: the signal with the
// latest bar timestamp wins, arrival order breaking ties in favor of
// the later row.
func (o *Orchestrator) maybeTrade(ctx context.Context, signals []model.Signal) {
	if len(signals) == 0 || o.cfg.TradeSize <= 0 {
		return
	}
	if o.tradeInAir {
		logs.Warnf("trade in flight; skip %d signals", len(signals))
		return
	}

	chosen := latestSignal(signals)

	req := model.TradeRequest{
		Signal:      chosen.Type,
		Symbol:      chosen.Symbol,
		Size:        o.cfg.TradeSize,
		Price:       o.referencePrice(chosen),
		Strategy:    o.cfg.Strategy,
		SignalTime:  chosen.Timestamp,
		SubmittedAt: time.Now(),
		Timeout:     o.cfg.OrderTimeout,
	}

	// The position snapshot rides the loop's goroutine, so it must not
	// stall the loop on a slow broker.
	posCtx, cancel := context.WithTimeout(ctx, positionCheckTimeout)
	position, err := o.broker.Position(posCtx, req.Symbol)
	cancel()
	if err != nil {
		o.state.ReportFault(session.FaultTransient, err.Error())
		logs.Errorf("position for risk check, err: %+v", err)
		return
	}
	decision := o.riskEngine.Evaluate(req, risk.StateView{Position: position.Size, Now: time.Now()})
	if !decision.Allowed() {
		logs.Warnf("risk denied %s %s x%d: %s", req.Signal, req.Symbol, req.Size, decision.Reason)
		return
	}

	if err := o.requests.TryPublish(req); err != nil {
		o.state.ReportFault(session.FaultTransient, err.Error())
		logs.Errorf("enqueue trade, err: %+v", err)
		return
	}
	o.tradeInAir = true
	o.state.TradeSubmitted()
}

// latestSignal picks the newest bar timestamp; on a tie the later
// arrival wins.
func latestSignal(signals []model.Signal) model.Signal {
	chosen := signals[0]
	for _, sig := range signals[1:] {
		if !sig.Timestamp.Before(chosen.Timestamp) {
			chosen = sig
		}
	}
	return chosen
}

func (o *Orchestrator) referencePrice(sig model.Signal) float64 {
	if sig.Price > 0 {
		return sig.Price
	}
	price, _ := o.prices.Get(sig.Symbol)
	return price
}

func (o *Orchestrator) drainResults() {
	for _, res := range o.results.Drain() {
		if !res.Request.Flatten {
			o.tradeInAir = false
		}
		o.state.TradeCompleted(res)
		obs.TradesTotal.WithLabelValues(string(res.Status)).Inc()
		if res.Success {
			logs.Infof("trade filled %s %s x%d @ %.2f",
				res.Request.Signal, res.Request.Symbol, res.Request.Size, res.FillPrice)
		} else {
			logs.Warnf("trade %s %s: %s, err: %s",
				res.Request.Signal, res.Request.Symbol, res.Status, res.Err)
		}
	}
}

// SetTradingEnabled flips the kill switch and mirrors it into the
// snapshot. Safe to call from the HTTP server's goroutines.
func (o *Orchestrator) SetTradingEnabled(enabled bool) {
	if enabled {
		o.executor.Enable()
	} else {
		o.executor.Disable()
	}
	o.state.TradingEnabled(enabled)
	o.state.Publish()
}

// FlattenAll trips the kill switch and queues a flatten sentinel. The
// executor's run loop picks it up after any in-flight order resolves;
// per-position results come back through the result queue.
func (o *Orchestrator) FlattenAll() {
	o.SetTradingEnabled(false)
	if err := o.executor.FlattenAll(); err != nil {
		o.state.ReportFault(session.FaultTransient, err.Error())
		logs.Errorf("enqueue flatten, err: %+v", err)
	}
}
