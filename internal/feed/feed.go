// Package feed periodically pulls the latest bar for every symbol the
// simulation cares about and lands it in storage. It is the only path price
// data takes into the simulated engine.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	tomb "gopkg.in/tomb.v2"

	"papertrade/internal/domain"
	"papertrade/internal/store"
	"papertrade/internal/util"
)

// PriceFetcher retrieves the most recent bar per symbol. Symbols the source
// cannot serve are simply absent from the result, not an error.
type PriceFetcher interface {
	LatestBars(ctx context.Context, symbols []string) (map[string]domain.Bar, error)
}

// Transient upstream failures are retried within a tick before giving up
// until the next one.
const (
	fetchRetries    = 3
	fetchRetryDelay = 200 * time.Millisecond
)

// trackedStatuses are the order statuses whose symbols still need prices.
var trackedStatuses = []domain.OrderStatus{
	domain.OrderStatusPendingNew,
	domain.OrderStatusAccepted,
	domain.OrderStatusAcceptedForBidding,
	domain.OrderStatusNew,
	domain.OrderStatusHeld,
	domain.OrderStatusPartiallyFilled,
	domain.OrderStatusPendingCancel,
	domain.OrderStatusPendingReplace,
}

// Feed is the market-data ingestion loop. Each tick it collects the symbols
// referenced by open orders and positions, fetches their latest bars, and
// upserts them into the store (and the parquet archive when configured).
type Feed struct {
	store   *store.SQLiteStore
	archive *store.ParquetArchive
	fetcher PriceFetcher
	limiter *util.RateLimiter
	logger  *slog.Logger

	interval time.Duration
	t        *tomb.Tomb
}

// New creates a feed. archive may be nil to skip parquet mirroring.
func New(st *store.SQLiteStore, archive *store.ParquetArchive, fetcher PriceFetcher, ratePerMin int, interval time.Duration, logger *slog.Logger) *Feed {
	return &Feed{
		store:    st,
		archive:  archive,
		fetcher:  fetcher,
		limiter:  util.NewRateLimiter(ratePerMin),
		logger:   logger,
		interval: interval,
	}
}

// Start launches the ingestion loop.
func (f *Feed) Start(ctx context.Context) {
	f.t, ctx = tomb.WithContext(ctx)
	f.t.Go(func() error {
		return f.loop(ctx)
	})
	f.logger.Info("feed started", "interval", f.interval)
}

// Stop terminates the loop and waits for the in-flight tick.
func (f *Feed) Stop() error {
	if f.t == nil {
		return nil
	}
	f.t.Kill(nil)
	return f.t.Wait()
}

func (f *Feed) loop(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.t.Dying():
			return nil
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				f.logger.Error("feed tick failed", "error", err)
			}
		}
	}
}

// Tick runs one ingestion pass. A failure for one symbol never aborts the
// pass for the others.
func (f *Feed) Tick(ctx context.Context) error {
	symbols, err := f.symbols(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}

	var latest map[string]domain.Bar
	err = util.Retry(ctx, fetchRetries, fetchRetryDelay, func() error {
		var err error
		latest, err = f.fetcher.LatestBars(ctx, symbols)
		return err
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var bars []domain.Bar
	for _, symbol := range symbols {
		bar, ok := latest[symbol]
		if !ok {
			f.logger.Warn("no bar for symbol", "symbol", symbol)
			continue
		}
		bars = append(bars, bar)

		// Keep position marks in step with the price the matcher will see.
		// Symbols tracked only for an open order have no position row yet.
		if err := f.store.MarkPrice(ctx, symbol, bar.Close, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			f.logger.Warn("mark price failed", "symbol", symbol, "error", err)
		}

		// First sighting of a symbol registers it as a tradable asset.
		if _, err := f.store.GetAsset(ctx, symbol); err != nil {
			asset := &domain.Asset{
				ID:       symbol,
				Symbol:   symbol,
				Exchange: "SIM",
				Class:    "us_equity",
				Status:   "active",
				Tradable: true,
			}
			if err := f.store.UpsertAsset(ctx, asset); err != nil {
				f.logger.Warn("asset upsert failed", "symbol", symbol, "error", err)
			}
		}
	}
	if len(bars) == 0 {
		return nil
	}

	if err := f.store.UpsertBars(ctx, bars); err != nil {
		return err
	}
	if f.archive != nil {
		if err := f.archive.WriteBars(ctx, bars); err != nil {
			f.logger.Warn("parquet mirror failed", "error", err)
		}
	}

	f.logger.Debug("feed tick complete", "symbols", len(symbols), "bars", len(bars))
	return nil
}

// symbols returns the union of symbols referenced by open orders and open
// positions, sorted for deterministic fetches.
func (f *Feed) symbols(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})

	orders, err := f.store.ListOrders(ctx, store.OrderFilter{Statuses: trackedStatuses})
	if err != nil {
		return nil, err
	}
	for i := range orders {
		set[orders[i].Symbol] = struct{}{}
	}

	positions, err := f.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		set[positions[i].Symbol] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Live fetcher
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ PriceFetcher = (*AlpacaFetcher)(nil)

// AlpacaFetcher pulls latest minute bars from the Alpaca market-data API.
type AlpacaFetcher struct {
	client *marketdata.Client
}

// NewAlpacaFetcher creates a fetcher with the given credentials. dataURL may
// be empty for the default endpoint.
func NewAlpacaFetcher(apiKey, apiSecret, dataURL string) *AlpacaFetcher {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaFetcher{client: marketdata.NewClient(opts)}
}

// LatestBars fetches the latest minute bar for each symbol in one call.
func (a *AlpacaFetcher) LatestBars(_ context.Context, symbols []string) (map[string]domain.Bar, error) {
	latest, err := a.client.GetLatestBars(symbols, marketdata.GetLatestBarRequest{})
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.Bar, len(latest))
	for symbol, bar := range latest {
		out[symbol] = domain.Bar{
			Symbol:     symbol,
			Timestamp:  bar.Timestamp,
			Timeframe:  domain.TimeframeMinute,
			Open:       bar.Open,
			High:       bar.High,
			Low:        bar.Low,
			Close:      bar.Close,
			Volume:     int64(bar.Volume),
			TradeCount: int64(bar.TradeCount),
			VWAP:       bar.VWAP,
		}
	}
	return out, nil
}
