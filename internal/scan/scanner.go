package scan

import (
	"context"
	"time"

	"signalbridge/internal/model"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrScanTimeout      = errors.New("scan timed out")
	ErrEngineBusy       = errors.New("engine is busy with a previous run")
	ErrMalformedResults = errors.New("malformed result output")
)

// Engine drives one exploration run over a packaged project. The
// evaluation is asynchronous: Start kicks it off, Busy reports whether
// it is still running, Abort cancels it.
type Engine interface {
	Start(project *Project) error
	Busy() (bool, error)
	Abort() error
}

// Config describes the strategy a Scanner evaluates.
type Config struct {
	// Strategy names the formula for signal attribution.
	Strategy string
	// Formula is the raw strategy definition before transformation.
	Formula string
	Symbol  string
	// Interval is the bar interval the strategy runs on.
	Interval time.Duration
	// Lookback restricts signal detection to the most recent K bars.
	Lookback int
	// Params overrides parameter defaults by label.
	Params map[string]float64
	// Include resolves #include_once directives in the formula.
	Include IncludeResolver

	// Timeout bounds a single evaluation run; zero means 30s.
	Timeout time.Duration
	// Poll is the busy-poll interval; zero means 300ms.
	Poll time.Duration
}

const (
	defaultScanTimeout = 30 * time.Second
	defaultScanPoll    = 300 * time.Millisecond
)

// Scanner turns a strategy definition into engine runs and engine runs
// into signals. It is not safe for concurrent use; the orchestrator is
// its single caller.
type Scanner struct {
	engine Engine
	pack   *packager
	cfg    Config

	formula string

	// reported holds signal keys already handed upstream; a key is only
	// added once its signal has actually been delivered, so a failed
	// dispatch gets another chance on the next scan.
	reported map[model.SignalKey]struct{}
}

// NewScanner builds a scanner writing project artifacts under dir using
// the given project template.
func NewScanner(engine Engine, dir, template string, cfg Config) (*Scanner, error) {
	if cfg.Formula == "" {
		return nil, errors.New("strategy formula is empty")
	}
	if cfg.Symbol == "" {
		return nil, errors.New("strategy symbol is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultScanTimeout
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultScanPoll
	}

	pack, err := newPackager(dir, template)
	if err != nil {
		return nil, errors.Wrap(err, "init packager")
	}

	formula, err := Transform(cfg.Formula, TransformOptions{
		Include:  cfg.Include,
		Params:   cfg.Params,
		Lookback: cfg.Lookback,
		Symbol:   cfg.Symbol,
	})
	if err != nil {
		return nil, errors.Wrap(err, "transform strategy")
	}

	return &Scanner{
		engine:   engine,
		pack:     pack,
		cfg:      cfg,
		formula:  formula,
		reported: make(map[model.SignalKey]struct{}),
	}, nil
}

// Scan runs one evaluation and returns the signals not yet reported.
// Callers must MarkReported each signal they deliver; Scan never
// retries a failed run on its own.
func (s *Scanner) Scan(ctx context.Context) ([]model.Signal, error) {
	project, err := s.pack.Package(s.formula, s.cfg.Symbol, PeriodicityFor(s.cfg.Interval))
	if err != nil {
		return nil, errors.Wrap(err, "package strategy")
	}

	if err := s.run(ctx, project); err != nil {
		// A half-finished run can leave stale artifacts behind; force a
		// fresh package next time.
		s.pack.Invalidate()
		return nil, err
	}

	rows, err := ParseResults(project.ResultPath)
	if err != nil {
		s.pack.Invalidate()
		return nil, errors.Wrap(ErrMalformedResults, err.Error())
	}
	return s.collect(rows), nil
}

func (s *Scanner) run(ctx context.Context, project *Project) error {
	if busy, err := s.engine.Busy(); err != nil {
		return errors.Wrap(err, "query engine")
	} else if busy {
		return ErrEngineBusy
	}

	started := time.Now()
	if err := s.engine.Start(project); err != nil {
		return errors.Wrap(err, "start evaluation").With("project", project.ID)
	}

	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()
	deadline := started.Add(s.cfg.Timeout)
	for {
		select {
		case <-ctx.Done():
			s.abort(project)
			return ctx.Err()
		case <-ticker.C:
		}

		busy, err := s.engine.Busy()
		if err != nil {
			return errors.Wrap(err, "poll engine").With("project", project.ID)
		}
		if !busy {
			logs.Debugf("scan %s finished in %s", project.ID, time.Since(started).Truncate(time.Millisecond))
			return nil
		}
		if time.Now().After(deadline) {
			s.abort(project)
			return errors.Wrap(ErrScanTimeout, "evaluation exceeded deadline").
				With("project", project.ID).
				With("timeout", s.cfg.Timeout.String())
		}
	}
}

func (s *Scanner) abort(project *Project) {
	if err := s.engine.Abort(); err != nil {
		logs.Errorf("abort scan %s, err: %+v", project.ID, err)
	}
}

// collect turns result rows into unreported signals. Indicator values
// always come from the latest bar so alerts show the current market
// state, not the state at signal time.
func (s *Scanner) collect(rows []Row) []model.Signal {
	if len(rows) == 0 {
		return nil
	}

	latest := rows[len(rows)-1].Indicators
	var signals []model.Signal
	for _, row := range rows {
		for _, t := range []struct {
			set   bool
			which model.SignalType
		}{
			{row.Buy, model.SignalBuy},
			{row.Sell, model.SignalSell},
			{row.Short, model.SignalShort},
			{row.Cover, model.SignalCover},
		} {
			if !t.set {
				continue
			}
			sig := model.Signal{
				Type:       t.which,
				Symbol:     row.Symbol,
				Timestamp:  row.Timestamp,
				Price:      row.Close,
				Strategy:   s.cfg.Strategy,
				Indicators: copyIndicators(latest),
			}
			if _, seen := s.reported[sig.Key()]; seen {
				continue
			}
			signals = append(signals, sig)
		}
	}
	return signals
}

// MarkReported records a signal as delivered, suppressing it on future
// scans.
func (s *Scanner) MarkReported(sig model.Signal) {
	s.reported[sig.Key()] = struct{}{}
}

// Close removes the scanner's project artifacts.
func (s *Scanner) Close() {
	s.pack.Cleanup()
}

func copyIndicators(src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
