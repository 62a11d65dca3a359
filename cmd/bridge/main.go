package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"signalbridge/internal/alert"
	"signalbridge/internal/bus"
	"signalbridge/internal/execute"
	"signalbridge/internal/feed"
	"signalbridge/internal/inject"
	"signalbridge/internal/model"
	"signalbridge/internal/obs"
	"signalbridge/internal/ops"
	"signalbridge/internal/orchestrator"
	"signalbridge/internal/risk"
	"signalbridge/internal/scan"
	"signalbridge/internal/session"
	"signalbridge/internal/web"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
)

const (
	barQueueCap     = 8192
	statusQueueCap  = 64
	requestQueueCap = 16
	resultQueueCap  = 16
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	backfillOnly := flag.Bool("backfill-only", false, "Load history into the quote store and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ops.LoadEnv()
	loaded, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("load config, err: %+v", err)
		os.Exit(1)
	}

	if loaded.Profile.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "signalbridge",
			ServerAddress:   loaded.Profile.URL,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("start profiler, err: %+v", err)
			os.Exit(1)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	store, err := inject.NewCSVStore(loaded.Store.Dir)
	if err != nil {
		logs.Errorf("open quote store, err: %+v", err)
		os.Exit(1)
	}
	defer store.Close()
	injector := inject.New(store)

	source := buildSource(loaded)
	if *backfillOnly || loaded.Feed.BackfillOnly {
		if err := runBackfillOnly(ctx, loaded, source, injector); err != nil {
			logs.Errorf("backfill, err: %+v", err)
			os.Exit(1)
		}
		return
	}

	scanner, err := scan.NewScanner(
		scan.NewCommandEngine(loaded.Strategy.RunnerPath),
		loaded.Strategy.ArtifactDir,
		loaded.Template,
		scan.Config{
			Strategy: loaded.Strategy.Name,
			Formula:  loaded.Formula,
			Symbol:   loaded.Strategy.Symbol,
			Interval: loaded.Feed.Interval,
			Lookback: loaded.Strategy.Lookback,
			Params:   loaded.Strategy.Params,
			Include:  loaded.Include,
			Timeout:  loaded.Strategy.ScanTimeout,
		},
	)
	if err != nil {
		logs.Errorf("init scanner, err: %+v", err)
		os.Exit(1)
	}

	bars := bus.NewQueue[model.Bar](barQueueCap)
	statuses := bus.NewQueue[model.FeedStatus](statusQueueCap)
	requests := bus.NewQueue[model.TradeRequest](requestQueueCap)
	results := bus.NewQueue[model.TradeResult](resultQueueCap)

	prices := feed.NewPriceCache()
	adapter := feed.NewAdapter(source, bars, statuses)
	adapter.SetBackfill(loaded.Feed.Backfill)

	dispatcher := alert.NewDispatcher(buildChannels(loaded))
	dispatcher.OnResult = func(channel string, err error) {
		obs.AlertsDispatchedTotal.WithLabelValues(channel, obs.Outcome(err)).Inc()
	}

	broker := execute.NewPaperBroker(prices.Get)
	broker.FillDelay = loaded.Trade.FillDelay
	executor := execute.NewExecutor(broker, requests, results)
	if !loaded.Trade.Enabled {
		executor.Disable()
	}

	state := session.NewState(loaded.Trade.Enabled)

	orch := orchestrator.New(orchestrator.Config{
		ScanCooldown: loaded.Strategy.ScanCooldown,
		TradeSize:    loaded.Trade.Size,
		OrderTimeout: loaded.Trade.OrderTimeout,
		Strategy:     loaded.Strategy.Name,
	}, orchestrator.Deps{
		Bars:       bars,
		Statuses:   statuses,
		Requests:   requests,
		Results:    results,
		Injector:   injector,
		Scanner:    scanner,
		Dispatcher: dispatcher,
		Risk:       buildRisk(loaded),
		Executor:   executor,
		Broker:     broker,
		State:      state,
		Prices:     prices,
	})

	server := web.NewServer(loaded.Server.Addr, state, orch)
	server.Start()

	runCtx, cancelRun := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		adapter.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		executor.Run(runCtx)
	}()

	orch.Run(runCtx)

	// Producers and consumers must be parked before the queues close.
	cancelRun()
	wg.Wait()

	bars.Close()
	statuses.Close()
	requests.Close()
	results.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logs.Warnf("shutdown status server, err: %+v", err)
	}
}

func buildSource(loaded ops.Loaded) feed.Source {
	cfg := feed.SourceConfig{
		Symbols:  loaded.Feed.Symbols,
		Interval: loaded.Feed.Interval,
	}
	if loaded.Feed.Mode == "poll" {
		return feed.NewPollSource(cfg, loaded.Feed.ApiURL)
	}
	return feed.NewWSSource(cfg, loaded.Feed.WsURL, loaded.Feed.ApiURL)
}

func buildChannels(loaded ops.Loaded) []alert.Channel {
	channels := []alert.Channel{alert.LogChannel{}}
	if cmd := loaded.Alert.Desktop.Cmd; cmd != "" {
		channels = append(channels, alert.CommandChannel{
			Label:        "desktop",
			Cmd:          cmd,
			Args:         loaded.Alert.Desktop.Args,
			AppendSignal: true,
		})
	}
	if cmd := loaded.Alert.Sound.Cmd; cmd != "" {
		channels = append(channels, alert.CommandChannel{
			Label: "sound",
			Cmd:   cmd,
			Args:  loaded.Alert.Sound.Args,
		})
	}
	url := loaded.Alert.WebhookURL
	if env := os.Getenv("SIGNALBRIDGE_WEBHOOK_URL"); env != "" {
		url = env
	}
	if url != "" {
		channels = append(channels, alert.NewWebhookChannel(url))
	}
	return channels
}

func buildRisk(loaded ops.Loaded) *risk.Engine {
	return risk.NewEngine(loaded.Risk)
}

// runBackfillOnly loads history into the quote store without starting
// the pipeline. The feed never streams; this mode exists to seed a new
// store before going live.
func runBackfillOnly(ctx context.Context, loaded ops.Loaded, source feed.Source, injector *inject.Injector) error {
	if err := source.Connect(ctx); err != nil {
		return err
	}
	defer source.Close()

	limit := loaded.Feed.Backfill
	if limit <= 0 {
		limit = 5000
	}
	bars, err := source.Backfill(ctx, limit)
	if err != nil {
		return err
	}

	applied := 0
	for _, bar := range bars {
		ok, err := injector.Inject(ctx, bar)
		if err != nil {
			return err
		}
		if ok {
			applied++
		}
	}
	if err := injector.Flush(ctx); err != nil {
		return err
	}
	logs.Infof("backfill complete: %d bars applied, %d skipped", applied, len(bars)-applied)
	return nil
}
