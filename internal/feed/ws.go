package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"signalbridge/internal/model"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
	"golang.org/x/time/rate"
)

const (
	// backfillChunk is the largest kline batch one REST call returns.
	backfillChunk = 1000
	// backfillRate paces REST backfill requests.
	backfillRate = rate.Limit(5)
)

// WSSource streams trades over a websocket and aggregates them into
// bars locally. Backfill goes through the venue's kline REST endpoint.
type WSSource struct {
	cfg    SourceConfig
	wsURL  string
	apiURL string

	wss     *ws.WebSocket
	agg     *Aggregator
	client  *http.Client
	limiter *rate.Limiter
}

func NewWSSource(cfg SourceConfig, wsURL, apiURL string) *WSSource {
	return &WSSource{
		cfg:     cfg,
		wsURL:   wsURL,
		apiURL:  strings.TrimRight(apiURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(backfillRate, 1),
	}
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

func (s *WSSource) Connect(ctx context.Context) error {
	s.wss = ws.New(ctx, s.wsURL)
	s.agg = NewAggregator(s.cfg.Interval)

	if err := s.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	params := make([]string, 0, len(s.cfg.Symbols))
	for _, symbol := range s.cfg.Symbols {
		params = append(params, fmt.Sprintf("%s@trade", strings.ToLower(symbol)))
	}

	if err := s.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			payload := subscribeRequest{
				Method: "SUBSCRIBE",
				Params: params,
				ID:     1,
			}
			if err := client.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp subscribeResponse
			if err := m.Unmarshal(&resp); err != nil || resp.ID != 1 {
				return false, nil
			}
			if resp.Result != nil {
				return false, errors.Errorf("subscribe rejected: %+v", resp.Result)
			}
			return true, nil
		},
	}, true); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

type tradeEvent struct {
	EventType string          `json:"e"`
	Symbol    string          `json:"s"`
	Price     decimal.Decimal `json:"p"`
	Quantity  decimal.Decimal `json:"q"`
	TradeTime int64           `json:"T"`
}

func (s *WSSource) Run(ctx context.Context, onBar func(model.Bar)) error {
	ch, cancel := s.wss.Subscribe()
	defer cancel()

	flush := func() {
		for _, bar := range s.agg.Flush() {
			onBar(bar)
		}
	}

	for {
		select {
		case <-sys.Shutdown():
			flush()
			return nil
		case <-ctx.Done():
			flush()
			return nil
		case m, ok := <-ch:
			if !ok {
				return ErrDisconnected
			}

			event, ok := ws.ReadMessage[tradeEvent](m)
			if !ok || event.EventType != "trade" {
				continue
			}

			tick, err := event.tick()
			if err != nil {
				logs.Warnf("drop malformed trade, err: %+v", err)
				continue
			}
			if closed := s.agg.Add(tick); closed != nil {
				onBar(*closed)
			}
		}
	}
}

func (e tradeEvent) tick() (Tick, error) {
	price, err := strconv.ParseFloat(e.Price.String(), 64)
	if err != nil {
		return Tick{}, errors.Wrap(err, "parse price")
	}
	volume, err := strconv.ParseFloat(e.Quantity.String(), 64)
	if err != nil {
		return Tick{}, errors.Wrap(err, "parse quantity")
	}
	return Tick{
		Symbol: e.Symbol,
		Price:  price,
		Volume: volume,
		At:     time.UnixMilli(e.TradeTime),
	}, nil
}

// Backfill pages through the kline endpoint, newest chunk last, rate
// limited so a deep backfill does not trip the venue's request cap.
func (s *WSSource) Backfill(ctx context.Context, limit int) ([]model.Bar, error) {
	interval := NormalizeInterval(s.cfg.Interval)
	var bars []model.Bar
	for _, symbol := range s.cfg.Symbols {
		remaining := limit
		end := time.Now()
		var chunkedBars []model.Bar
		for remaining > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, errors.Wrap(err, "backfill rate limit")
			}
			take := remaining
			if take > backfillChunk {
				take = backfillChunk
			}
			chunk, err := s.fetchKlines(ctx, symbol, interval, end, take)
			if err != nil {
				return nil, errors.Wrap(err, "fetch klines").With("symbol", symbol)
			}
			if len(chunk) == 0 {
				break
			}
			chunkedBars = append(chunkedBars, chunk...)
			remaining -= len(chunk)
			end = chunk[0].Timestamp.Add(-time.Millisecond)
			if len(chunk) < take {
				break
			}
		}
		bars = append(bars, chunkedBars...)
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	return bars, nil
}

func (s *WSSource) fetchKlines(ctx context.Context, symbol string, interval time.Duration, end time.Time, limit int) ([]model.Bar, error) {
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&endTime=%d&limit=%d",
		s.apiURL, strings.ToUpper(symbol), IntervalName(interval), end.UnixMilli(), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request klines")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errors.Wrap(ErrAuthRejected, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("klines returned %s: %s", resp.Status, body)
	}

	// Rows come back as mixed arrays:
	// [openTime, "open", "high", "low", "close", "volume", ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(err, "unmarshal klines")
	}

	bars := make([]model.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		fields := make([]float64, 5)
		ok := true
		for i := 0; i < 5; i++ {
			var str string
			if err := json.Unmarshal(row[i+1], &str); err != nil {
				ok = false
				break
			}
			v, err := strconv.ParseFloat(str, 64)
			if err != nil {
				ok = false
				break
			}
			fields[i] = v
		}
		if !ok {
			continue
		}
		bars = append(bars, model.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: time.UnixMilli(openTime),
			Interval:  interval,
			Open:      fields[0],
			High:      fields[1],
			Low:       fields[2],
			Close:     fields[3],
			Volume:    fields[4],
		})
	}
	return bars, nil
}

func (s *WSSource) Close() {
	if s.wss != nil {
		s.wss.Close()
	}
}
