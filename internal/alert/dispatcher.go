package alert

import (
	"context"
	"sync"
	"time"

	"signalbridge/internal/model"

	"github.com/yanun0323/logs"
)

const (
	// defaultWindow suppresses repeats of the same (type, symbol) pair.
	defaultWindow = 5 * time.Minute
	// sendTimeout bounds a single channel delivery.
	sendTimeout = 15 * time.Second
)

// Dispatcher fans one signal out to every configured channel. Channel
// failures are isolated: a dead webhook never blocks the log line.
type Dispatcher struct {
	channels []Channel
	window   time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[dedupKey]time.Time

	wg sync.WaitGroup

	// OnResult, when set, observes each delivery attempt. Used for
	// metrics; must not block.
	OnResult func(channel string, err error)
}

type dedupKey struct {
	Type   model.SignalType
	Symbol string
}

func NewDispatcher(channels []Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		window:   defaultWindow,
		now:      time.Now,
		last:     make(map[dedupKey]time.Time),
	}
}

// Dispatch delivers the signal on every channel unless an alert for
// the same (type, symbol) fired inside the dedup window. It returns
// whether the alert was sent; delivery itself is fire-and-forget.
func (d *Dispatcher) Dispatch(sig model.Signal) bool {
	key := dedupKey{Type: sig.Type, Symbol: sig.Symbol}
	now := d.now()

	d.mu.Lock()
	if at, ok := d.last[key]; ok && now.Sub(at) < d.window {
		d.mu.Unlock()
		logs.Debugf("suppress duplicate alert %s %s (last %s ago)",
			sig.Type, sig.Symbol, now.Sub(at).Truncate(time.Second))
		return false
	}
	d.last[key] = now
	d.mu.Unlock()

	for _, ch := range d.channels {
		d.wg.Add(1)
		go func(ch Channel) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			err := ch.Send(ctx, sig)
			if err != nil {
				logs.Errorf("alert channel %s, err: %+v", ch.Name(), err)
			}
			if d.OnResult != nil {
				d.OnResult(ch.Name(), err)
			}
		}(ch)
	}
	return true
}

// Close waits for in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}
