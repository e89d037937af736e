package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/engine"
	"papertrade/internal/feed"
	"papertrade/internal/httpapi"
	"papertrade/internal/sim"
	"papertrade/internal/store"
	"papertrade/internal/util"
)

func main() {
	cfgPath := "config/papertrade.yaml"
	if p := os.Getenv("PAPERTRADE_CONFIG"); p != "" {
		cfgPath = p
	}

	var cfg *config.Config
	if _, err := os.Stat(cfgPath); err == nil {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	} else {
		cfg = config.Default()
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath, cfg.Simulation.StartingCash)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var b broker.Broker
	var stoppers []func()

	switch cfg.Broker {
	case config.BrokerLive:
		b = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, logger)

	case config.BrokerSim:
		cal, err := util.NewTradingCalendar()
		if err != nil {
			log.Fatalf("failed to build trading calendar: %v", err)
		}
		b = broker.NewSimulatorBroker(st, cal, logger)

		matcher := sim.NewMatcher(st, logger, cfg.Simulation.MatchInterval)
		matcher.Start(ctx)
		stoppers = append(stoppers, func() { matcher.Stop() })

		tracker := sim.NewTrailingTracker(st, logger, cfg.Simulation.MatchInterval)
		tracker.Start(ctx)
		stoppers = append(stoppers, func() { tracker.Stop() })

		equity, err := sim.NewEquityJob(st, logger, cfg.Simulation.EquityCron)
		if err != nil {
			log.Fatalf("failed to schedule equity job: %v", err)
		}
		equity.Start()
		stoppers = append(stoppers, equity.Stop)

		if cfg.Alpaca.APIKey != "" {
			archive := store.NewParquetArchive(cfg.Storage.DataDir)
			fetcher := feed.NewAlpacaFetcher(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
			priceFeed := feed.New(st, archive, fetcher, cfg.Simulation.FeedRatePerMin, cfg.Simulation.FeedInterval, logger)
			priceFeed.Start(ctx)
			stoppers = append(stoppers, func() { priceFeed.Stop() })
		} else {
			logger.Warn("no alpaca credentials configured, price feed disabled")
		}

	default:
		log.Fatalf("unknown broker mode %q, want sim or live", cfg.Broker)
	}

	eng := engine.New(b, logger, engine.Options{
		PollAttempts:   cfg.Engine.PollAttempts,
		PollBackoff:    cfg.Engine.PollBackoff,
		CancelDeadline: cfg.Engine.CancelDeadline,
	})

	api := httpapi.NewServer(eng, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("server starting", "addr", srv.Addr, "broker", b.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	for i := len(stoppers) - 1; i >= 0; i-- {
		stoppers[i]()
	}
}
