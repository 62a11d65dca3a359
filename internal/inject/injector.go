package inject

import (
	"context"
	goerrors "errors"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"signalbridge/internal/model"
	"signalbridge/pkg/backoff"
)

// ErrTransient marks a store fault worth retrying. Store
// implementations wrap it around recoverable automation failures;
// anything else fails the injection immediately.
var ErrTransient = goerrors.New("transient store fault")

// Store is the rule-evaluation engine's quote store. It is only safely
// callable from the affinity context; the injector inherits that
// restriction from its caller.
type Store interface {
	// Upsert applies one bar keyed by (symbol, timestamp). Re-applying
	// the same key must overwrite, not duplicate.
	Upsert(ctx context.Context, bar model.Bar) error
	// Refresh triggers a recompute over everything upserted so far.
	Refresh(ctx context.Context) error
}

// Injector applies bars to the quote store exactly once per identity
// key and batches recomputes.
type Injector struct {
	store    Store
	retry    backoff.Backoff
	attempts int

	applied map[model.BarKey]struct{}
	dirty   bool
}

// New creates an injector over the given store.
func New(store Store) *Injector {
	return &Injector{
		store:    store,
		retry:    backoff.Store(),
		attempts: 3,
		applied:  make(map[model.BarKey]struct{}),
	}
}

// Inject applies a bar to the store. Bars already applied (same
// symbol+timestamp) are silently skipped; it reports whether the bar
// was newly applied.
func (inj *Injector) Inject(ctx context.Context, bar model.Bar) (bool, error) {
	key := bar.Key()
	if _, ok := inj.applied[key]; ok {
		logs.Debugf("skip duplicate bar: %s", bar)
		return false, nil
	}

	if err := inj.upsertWithRetry(ctx, bar); err != nil {
		return false, errors.Wrap(err, "inject bar").With("bar", bar.String())
	}

	inj.applied[key] = struct{}{}
	inj.dirty = true
	return true, nil
}

// Flush triggers one recompute covering every bar injected since the
// previous flush. It is a no-op when nothing new was applied.
func (inj *Injector) Flush(ctx context.Context) error {
	if !inj.dirty {
		return nil
	}
	if err := inj.store.Refresh(ctx); err != nil {
		return errors.Wrap(err, "refresh store")
	}
	inj.dirty = false
	return nil
}

// Applied reports how many distinct bars have been applied.
func (inj *Injector) Applied() int {
	return len(inj.applied)
}

func (inj *Injector) upsertWithRetry(ctx context.Context, bar model.Bar) error {
	var last error
	for attempt := 1; attempt <= inj.attempts; attempt++ {
		err := inj.store.Upsert(ctx, bar)
		if err == nil {
			return nil
		}
		if !goerrors.Is(err, ErrTransient) {
			return err
		}
		last = err
		logs.Warnf("transient store fault (attempt %d/%d), err: %+v", attempt, inj.attempts, err)
		if attempt < inj.attempts && !inj.retry.Sleep(ctx, attempt) {
			return ctx.Err()
		}
	}
	return errors.Wrap(last, "store upsert retries exhausted")
}
