package feed

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/domain"
	"papertrade/internal/store"
)

type fakeFetcher struct {
	bars      map[string]domain.Bar
	err       error
	failTimes int
	calls     [][]string
}

func (f *fakeFetcher) LatestBars(_ context.Context, symbols []string) (map[string]domain.Bar, error) {
	f.calls = append(f.calls, symbols)
	if f.failTimes > 0 {
		f.failTimes--
		return nil, errors.New("upstream unavailable")
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]domain.Bar)
	for _, s := range symbols {
		if bar, ok := f.bars[s]; ok {
			out[s] = bar
		}
	}
	return out, nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 100000)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bar(symbol string, close float64) domain.Bar {
	return domain.Bar{
		Symbol:    symbol,
		Timestamp: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		Timeframe: domain.TimeframeMinute,
		Open:      close, High: close, Low: close, Close: close,
		Volume: 100,
	}
}

func openOrder(t *testing.T, st *store.SQLiteStore, symbol string) *domain.Order {
	t.Helper()
	o := &domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeMarket,
		Class:         domain.OrderClassSimple,
		TimeInForce:   domain.TimeInForceDay,
		Qty:           10,
		Status:        domain.OrderStatusNew,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.CreateOrder(context.Background(), o))
	return o
}

func TestTickCollectsOpenOrderAndPositionSymbols(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// One open order plus one position (via a filled order).
	openOrder(t, st, "AAPL")
	entry := openOrder(t, st, "TSLA")
	require.NoError(t, st.ApplyFill(ctx, entry.ID, 200, 10, time.Now().UTC()))

	fetcher := &fakeFetcher{bars: map[string]domain.Bar{
		"AAPL": bar("AAPL", 150),
		"TSLA": bar("TSLA", 210),
	}}
	f := New(st, nil, fetcher, 200, time.Minute, discardLogger())

	require.NoError(t, f.Tick(ctx))

	require.Len(t, fetcher.calls, 1)
	assert.Equal(t, []string{"AAPL", "TSLA"}, fetcher.calls[0])

	latest, err := st.LatestClose(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 150.0, latest)

	// The position mark follows the ingested price.
	pos, err := st.GetPosition(ctx, "TSLA")
	require.NoError(t, err)
	assert.Equal(t, 210.0, pos.CurrentPrice)
}

func TestTickSkipsMissingSymbols(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	openOrder(t, st, "AAPL")
	openOrder(t, st, "NOPX")

	fetcher := &fakeFetcher{bars: map[string]domain.Bar{
		"AAPL": bar("AAPL", 150),
	}}
	f := New(st, nil, fetcher, 200, time.Minute, discardLogger())

	// The unknown symbol is skipped, not fatal.
	require.NoError(t, f.Tick(ctx))

	_, err := st.LatestClose(ctx, "NOPX")
	assert.ErrorIs(t, err, store.ErrNotFound)

	latest, err := st.LatestClose(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 150.0, latest)
}

func TestTickNoSymbolsNoFetch(t *testing.T) {
	st := newTestStore(t)
	fetcher := &fakeFetcher{}
	f := New(st, nil, fetcher, 200, time.Minute, discardLogger())

	require.NoError(t, f.Tick(context.Background()))
	assert.Empty(t, fetcher.calls)
}

func TestTickPropagatesFetchError(t *testing.T) {
	st := newTestStore(t)
	openOrder(t, st, "AAPL")

	fetchErr := errors.New("upstream down")
	fetcher := &fakeFetcher{err: fetchErr}
	f := New(st, nil, fetcher, 200, time.Minute, discardLogger())

	err := f.Tick(context.Background())
	assert.ErrorIs(t, err, fetchErr)
}

func TestTickMirrorsToArchive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	openOrder(t, st, "AAPL")
	archive := store.NewParquetArchive(t.TempDir())
	fetcher := &fakeFetcher{bars: map[string]domain.Bar{
		"AAPL": bar("AAPL", 150),
	}}
	f := New(st, archive, fetcher, 200, time.Minute, discardLogger())

	require.NoError(t, f.Tick(ctx))

	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	bars, err := archive.ReadBars(ctx, "AAPL", domain.TimeframeMinute, ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 150.0, bars[0].Close)
}

func TestTickRegistersAssets(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	openOrder(t, st, "AAPL")
	fetcher := &fakeFetcher{bars: map[string]domain.Bar{"AAPL": bar("AAPL", 150)}}
	f := New(st, nil, fetcher, 200, time.Minute, discardLogger())

	require.NoError(t, f.Tick(ctx))

	asset, err := st.GetAsset(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, asset.Tradable)
	assert.Equal(t, "us_equity", asset.Class)

	// A later tick must not clobber an operator-set halt.
	asset.Tradable = false
	require.NoError(t, st.UpsertAsset(ctx, asset))
	require.NoError(t, f.Tick(ctx))

	asset, err = st.GetAsset(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, asset.Tradable)
}

func TestTickRetriesTransientFetchFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	openOrder(t, st, "AAPL")
	fetcher := &fakeFetcher{
		bars:      map[string]domain.Bar{"AAPL": bar("AAPL", 150)},
		failTimes: 2,
	}
	f := New(st, nil, fetcher, 200, time.Minute, discardLogger())

	require.NoError(t, f.Tick(ctx))
	assert.Len(t, fetcher.calls, 3)

	latest, err := st.LatestClose(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 150.0, latest)
}

func TestTickQuietForOrderOnlySymbols(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// AAPL is tracked for an open order only, so it has no position row to
	// mark; that must not produce a warning every tick.
	openOrder(t, st, "AAPL")
	fetcher := &fakeFetcher{bars: map[string]domain.Bar{"AAPL": bar("AAPL", 150)}}

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	f := New(st, nil, fetcher, 200, time.Minute, logger)

	require.NoError(t, f.Tick(ctx))
	assert.NotContains(t, logBuf.String(), "mark price failed")
}
