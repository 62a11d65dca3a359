package feed

import (
	"context"
	"net/http"
	"strings"
	"time"

	"signalbridge/internal/model"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/time/rate"
)

// PollSource serves venues without a streaming endpoint: it polls the
// kline REST API and emits bars it has not seen yet. It reuses the
// websocket source's REST path, so the wire format is identical.
type PollSource struct {
	cfg  SourceConfig
	rest *WSSource
	// Every is the poll period; zero derives a quarter of the bar
	// interval, floored at one second.
	Every time.Duration

	lastOpen map[string]time.Time
}

func NewPollSource(cfg SourceConfig, apiURL string) *PollSource {
	return &PollSource{
		cfg: cfg,
		rest: &WSSource{
			cfg:     cfg,
			apiURL:  strings.TrimRight(apiURL, "/"),
			client:  &http.Client{Timeout: 15 * time.Second},
			limiter: rate.NewLimiter(backfillRate, 1),
		},
		lastOpen: make(map[string]time.Time),
	}
}

// Connect probes the REST endpoint with a single-bar fetch so a bad
// URL or rejected key fails fast instead of on the first poll.
func (s *PollSource) Connect(ctx context.Context) error {
	for _, symbol := range s.cfg.Symbols {
		if _, err := s.rest.fetchKlines(ctx, symbol, NormalizeInterval(s.cfg.Interval), time.Now(), 1); err != nil {
			return errors.Wrap(err, "probe klines").With("symbol", symbol)
		}
	}
	return nil
}

func (s *PollSource) Backfill(ctx context.Context, limit int) ([]model.Bar, error) {
	return s.rest.Backfill(ctx, limit)
}

func (s *PollSource) Run(ctx context.Context, onBar func(model.Bar)) error {
	every := s.Every
	if every <= 0 {
		every = NormalizeInterval(s.cfg.Interval) / 4
		if every < time.Second {
			every = time.Second
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-sys.Shutdown():
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, symbol := range s.cfg.Symbols {
			bars, err := s.rest.fetchKlines(ctx, symbol, NormalizeInterval(s.cfg.Interval), time.Now(), 2)
			if err != nil {
				if errors.Is(err, ErrAuthRejected) {
					return err
				}
				logs.Warnf("poll %s, err: %+v", symbol, err)
				continue
			}
			// The newest row is the still-forming bar; only rows before
			// it are closed.
			for _, bar := range bars[:max(len(bars)-1, 0)] {
				if !bar.Timestamp.After(s.lastOpen[bar.Symbol]) {
					continue
				}
				s.lastOpen[bar.Symbol] = bar.Timestamp
				onBar(bar)
			}
		}
	}
}

func (s *PollSource) Close() {}
