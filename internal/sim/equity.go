package sim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"papertrade/internal/domain"
	"papertrade/internal/store"
)

// EquityJob periodically re-marks positions at their latest price and
// recomputes account equity as cash plus the signed market value of every
// open position.
type EquityJob struct {
	store  *store.SQLiteStore
	logger *slog.Logger
	cron   *cron.Cron
}

// NewEquityJob schedules the recompute on the given cron spec.
func NewEquityJob(st *store.SQLiteStore, logger *slog.Logger, spec string) (*EquityJob, error) {
	job := &EquityJob{
		store:  st,
		logger: logger,
		cron:   cron.New(),
	}
	if _, err := job.cron.AddFunc(spec, func() {
		if err := job.Run(context.Background()); err != nil {
			logger.Error("equity recompute failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}
	return job, nil
}

// Start begins the cron schedule.
func (j *EquityJob) Start() {
	j.cron.Start()
	j.logger.Info("equity job started")
}

// Stop halts the schedule and waits for a running recompute to finish.
func (j *EquityJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Run performs one recompute pass. Positions without a known price keep
// their previous mark.
func (j *EquityJob) Run(ctx context.Context) error {
	positions, err := j.store.ListPositions(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	equity := 0.0
	for i := range positions {
		pos := &positions[i]

		price, err := j.store.LatestClose(ctx, pos.Symbol)
		if err == nil && price != pos.CurrentPrice {
			if err := j.store.MarkPrice(ctx, pos.Symbol, price, now); err != nil {
				j.logger.Warn("mark price failed", "symbol", pos.Symbol, "error", err)
			} else {
				pos.CurrentPrice = price
			}
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			j.logger.Warn("price lookup failed", "symbol", pos.Symbol, "error", err)
		}

		mv := pos.MarketValue()
		if pos.Side == domain.PositionSideShort {
			mv = -mv
		}
		equity += mv
	}

	acct, err := j.store.GetAccount(ctx)
	if err != nil {
		return err
	}
	equity += acct.Cash

	if err := j.store.UpdateEquity(ctx, equity); err != nil {
		return err
	}

	j.logger.Info("equity recomputed", "equity", equity, "positions", len(positions))
	return nil
}
