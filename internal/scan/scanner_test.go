package scan

import (
	"context"
	"os"
	"testing"
	"time"

	"signalbridge/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

const testTemplate = `<Project><FormulaContent></FormulaContent></Project>`

type fakeEngine struct {
	result string
	// busy keeps the engine running forever after Start, forcing the
	// caller's deadline to fire.
	busy    bool
	started int
	aborted int
}

func (e *fakeEngine) Start(project *Project) error {
	e.started++
	if e.busy {
		return nil
	}
	return os.WriteFile(project.ResultPath, []byte(e.result), 0o644)
}

func (e *fakeEngine) Busy() (bool, error) { return e.busy && e.started > 0, nil }

func (e *fakeEngine) Abort() error {
	e.aborted++
	return nil
}

func newTestScanner(t *testing.T, engine Engine) *Scanner {
	t.Helper()
	s, err := NewScanner(engine, t.TempDir(), testTemplate, Config{
		Strategy: "cross",
		Formula:  "m = MA(C, 20);\nBuy = Cross(C, m);\nSell = 0; Short = 0; Cover = 0;",
		Symbol:   "BTCUSDT",
		Interval: time.Minute,
		Lookback: 5,
		Timeout:  time.Second,
		Poll:     time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestScannerReportsSignals(t *testing.T) {
	engine := &fakeEngine{result: `Ticker,Date/Time,Buy,Sell,Short,Cover,Close,ind_m
BTCUSDT,2026-08-28 10:30:00,1,0,0,0,50100,50050
BTCUSDT,2026-08-28 10:31:00,0,0,0,0,50000,50060
`}
	s := newTestScanner(t, engine)
	defer s.Close()

	signals, err := s.Scan(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, model.SignalBuy, sig.Type)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, 50100.0, sig.Price)
	assert.Equal(t, "cross", sig.Strategy)
	assert.Equal(t, 50060.0, sig.Indicators["m"], "indicators should come from the latest row")
}

func TestScannerDedupOnlyAfterReported(t *testing.T) {
	engine := &fakeEngine{result: `Ticker,Date/Time,Buy,Sell,Short,Cover,Close
BTCUSDT,2026-08-28 10:30:00,1,0,0,0,50100
`}
	s := newTestScanner(t, engine)
	defer s.Close()

	ctx := t.Context()
	first, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Not yet reported upstream: the same signal must come back so a
	// failed dispatch gets another chance.
	second, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)

	s.MarkReported(first[0])
	third, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestScannerMultipleFlagsOneRow(t *testing.T) {
	engine := &fakeEngine{result: `Ticker,Date/Time,Buy,Sell,Short,Cover,Close
BTCUSDT,2026-08-28 10:30:00,1,0,0,1,50100
`}
	s := newTestScanner(t, engine)
	defer s.Close()

	signals, err := s.Scan(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, model.SignalBuy, signals[0].Type)
	assert.Equal(t, model.SignalCover, signals[1].Type)
}

func TestScannerMalformedOutput(t *testing.T) {
	engine := &fakeEngine{result: `Ticker,Date/Time,Buy
BTCUSDT,2026-08-28 10:30:00,1
`}
	s := newTestScanner(t, engine)
	defer s.Close()

	_, err := s.Scan(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedResults), "expected malformed output, got: %+v", err)
}

func TestScannerTimeoutAborts(t *testing.T) {
	engine := &fakeEngine{busy: true}
	s, err := NewScanner(engine, t.TempDir(), testTemplate, Config{
		Strategy: "cross",
		Formula:  "Buy = 1;",
		Symbol:   "BTCUSDT",
		Timeout:  20 * time.Millisecond,
		Poll:     2 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Scan(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScanTimeout), "expected timeout, got: %+v", err)
	assert.Equal(t, 1, engine.aborted, "abort should fire exactly once")
}

func TestScannerContextCancel(t *testing.T) {
	engine := &fakeEngine{busy: true}
	s, err := NewScanner(engine, t.TempDir(), testTemplate, Config{
		Strategy: "cross",
		Formula:  "Buy = 1;",
		Symbol:   "BTCUSDT",
		Poll:     2 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = s.Scan(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, engine.aborted)
}

func TestPackagerCachesByHash(t *testing.T) {
	pack, err := newPackager(t.TempDir(), testTemplate)
	require.NoError(t, err)
	defer pack.Cleanup()

	a, err := pack.Package("Buy = 1;", "BTCUSDT", Periodicity1Min)
	require.NoError(t, err)
	b, err := pack.Package("Buy = 1;", "BTCUSDT", Periodicity1Min)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "identical formula should reuse the cached project")

	pack.Invalidate()
	c, err := pack.Package("Buy = 1;", "BTCUSDT", Periodicity1Min)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestPackagerWritesFormulaIntoProject(t *testing.T) {
	pack, err := newPackager(t.TempDir(), testTemplate)
	require.NoError(t, err)
	defer pack.Cleanup()

	project, err := pack.Package("Buy = C > $1.00;", "BTCUSDT", Periodicity5Min)
	require.NoError(t, err)

	content, err := os.ReadFile(project.ProjectPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "<FormulaContent>Buy = C > $1.00;</FormulaContent>")
}

func TestPackagerRejectsBadTemplate(t *testing.T) {
	_, err := newPackager(t.TempDir(), "<Project></Project>")
	require.Error(t, err)
}

func TestPeriodicityFor(t *testing.T) {
	testCases := []struct {
		interval time.Duration
		expected Periodicity
	}{
		{time.Minute, Periodicity1Min},
		{5 * time.Minute, Periodicity5Min},
		{15 * time.Minute, Periodicity15Min},
		{time.Hour, PeriodicityHour},
		{24 * time.Hour, PeriodicityDaily},
		{7 * time.Minute, Periodicity1Min},
		{0, Periodicity1Min},
	}
	for _, tc := range testCases {
		if got := PeriodicityFor(tc.interval); got != tc.expected {
			t.Fatalf("%s mismatch! should be %d but got %d", tc.interval, tc.expected, got)
		}
	}
}
