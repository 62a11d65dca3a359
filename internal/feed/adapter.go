package feed

import (
	"context"
	"time"

	"signalbridge/internal/bus"
	"signalbridge/internal/model"
	"signalbridge/pkg/backoff"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	// maxBackfill caps how deep a session will reach back on startup.
	maxBackfill = 5000
	// startupAttempts bounds the initial connect before the session is
	// declared dead; once connected, reconnects retry forever.
	startupAttempts = 5
)

// Adapter owns the feed lifecycle: connect, backfill, stream, and
// reconnect with backoff. Closed bars land on the bar queue, connection
// transitions on the status queue. Per-symbol timestamp dedup runs here
// so a reconnect replaying recent bars never double-feeds downstream.
type Adapter struct {
	source Source
	bars   *bus.Queue[model.Bar]
	status *bus.Queue[model.FeedStatus]

	retry    backoff.Backoff
	backfill int

	lastSeen map[string]time.Time
}

func NewAdapter(source Source, bars *bus.Queue[model.Bar], status *bus.Queue[model.FeedStatus]) *Adapter {
	return &Adapter{
		source:   source,
		bars:     bars,
		status:   status,
		retry:    backoff.Feed(),
		backfill: maxBackfill,
		lastSeen: make(map[string]time.Time),
	}
}

// SetBackfill adjusts the startup backfill depth; values above the cap
// are clamped.
func (a *Adapter) SetBackfill(n int) {
	if n < 0 {
		n = 0
	}
	if n > maxBackfill {
		n = maxBackfill
	}
	a.backfill = n
}

// Run drives the feed until ctx ends or startup fails for good. It is
// the adapter's only goroutine; no other code touches the source.
func (a *Adapter) Run(ctx context.Context) {
	defer a.source.Close()

	connectedOnce := false
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := a.connectAndStream(ctx, !connectedOnce)
		if connected {
			connectedOnce = true
			attempt = 0
		}
		if err == nil {
			// Stream only returns cleanly when ctx ended.
			return
		}

		attempt++
		if errors.Is(err, ErrAuthRejected) {
			a.report(model.FeedStatus{Fatal: true, Message: err.Error(), At: time.Now()})
			return
		}
		if !connectedOnce && attempt >= startupAttempts {
			a.report(model.FeedStatus{Fatal: true,
				Message: errors.Wrap(err, "feed never came up").Error(), At: time.Now()})
			return
		}

		a.report(model.FeedStatus{Message: err.Error(), At: time.Now()})
		logs.Warnf("feed down (attempt %d), retrying in %s, err: %+v", attempt, a.retry.Next(attempt), err)
		if !a.retry.Sleep(ctx, attempt) {
			return
		}
	}
}

func (a *Adapter) connectAndStream(ctx context.Context, first bool) (connected bool, err error) {
	if err := a.source.Connect(ctx); err != nil {
		return false, errors.Wrap(err, "connect")
	}
	a.report(model.FeedStatus{Connected: true, At: time.Now()})

	if first && a.backfill > 0 {
		bars, err := a.source.Backfill(ctx, a.backfill)
		if err != nil {
			return false, errors.Wrap(err, "backfill")
		}
		logs.Infof("backfilled %d bars", len(bars))
		for _, bar := range bars {
			a.deliver(bar)
		}
	}

	if err := a.source.Run(ctx, a.deliver); err != nil {
		return true, errors.Wrap(err, "stream")
	}
	return true, nil
}

// deliver drops bars at or before the symbol's last seen timestamp, so
// reconnect replays and backfill overlap are invisible downstream.
func (a *Adapter) deliver(bar model.Bar) {
	if last, ok := a.lastSeen[bar.Symbol]; ok && !bar.Timestamp.After(last) {
		return
	}
	a.lastSeen[bar.Symbol] = bar.Timestamp

	if err := a.bars.TryPublish(bar); err != nil {
		logs.Warnf("drop bar %s, err: %+v", bar, err)
	}
}

func (a *Adapter) report(status model.FeedStatus) {
	if err := a.status.TryPublish(status); err != nil {
		logs.Warnf("drop feed status, err: %+v", err)
	}
}
