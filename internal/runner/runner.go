// Package runner wires configuration, upstream clients and storage into
// pipeline runs. Every run opens its own database handle and closes it on
// exit.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/powerman/structlog"

	"github.com/gridcast/gridcast/internal/config"
	"github.com/gridcast/gridcast/internal/store"
	"github.com/gridcast/gridcast/pkg/demand"
	"github.com/gridcast/gridcast/pkg/forecast"
	"github.com/gridcast/gridcast/pkg/pipeline"
	"github.com/gridcast/gridcast/pkg/source"
)

// Runner executes ingestion and forecast runs for the configured region.
type Runner struct {
	cfg      *config.Config
	loc      *time.Location
	source   pipeline.Fetcher
	holidays pipeline.HolidayOracle
	metrics  *pipeline.Metrics
	log      *structlog.Logger
	now      func() time.Time

	openStore func() (store.Store, error)
	loadModel func() (forecast.Model, error)
}

// New migrates the schema and builds the upstream clients.
func New(cfg *config.Config, metrics *pipeline.Metrics) (*Runner, error) {
	loc, err := cfg.Region.Location()
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(cfg.Database.Driver, cfg.Database.DSN()); err != nil {
		return nil, fmt.Errorf("%w: %w", demand.ErrStorage, err)
	}

	demandCfg, holidayCfg := cfg.Sources.Demand, cfg.Sources.Holidays
	demandClient := source.NewClient("demand", nil, demandCfg.ParseTimeout(), source.BreakerSettings{
		MaxFailures: demandCfg.Breaker.MaxFailures,
		OpenTimeout: demandCfg.Breaker.ParseOpenTimeout(),
	})
	holidayClient := source.NewClient("holidays", nil, holidayCfg.ParseTimeout(), source.BreakerSettings{
		MaxFailures: holidayCfg.Breaker.MaxFailures,
		OpenTimeout: holidayCfg.Breaker.ParseOpenTimeout(),
	})

	r := &Runner{
		cfg:      cfg,
		loc:      loc,
		source:   source.NewCammesa(demandClient, demandCfg.BaseURL, cfg.Region.Code),
		holidays: source.NewHolidays(holidayClient, holidayCfg.BaseURL),
		metrics:  metrics,
		log:      structlog.New(structlog.KeyUnit, "runner"),
		now:      time.Now,
	}
	r.openStore = func() (store.Store, error) {
		s, err := store.Open(cfg.Database.Driver, cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	r.loadModel = func() (forecast.Model, error) {
		m, err := forecast.LoadModel(cfg.Forecast.ModelPath)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return r, nil
}

// Region returns the configured region code.
func (r *Runner) Region() int { return r.cfg.Region.Code }

// Location returns the region time zone.
func (r *Runner) Location() *time.Location { return r.loc }

// Today returns the current calendar day in the region.
func (r *Runner) Today() time.Time { return demand.Date(r.now(), r.loc) }

func (r *Runner) withStore(fn func(store.Store) error) (err error) {
	s, err := r.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: close: %w", demand.ErrStorage, cerr))
		}
	}()
	return fn(s)
}

// Ingest runs the ingestion pipeline for one calendar day.
func (r *Runner) Ingest(ctx context.Context, date time.Time) (res pipeline.IngestResult, err error) {
	err = r.withStore(func(s store.Store) error {
		p := &pipeline.Ingestion{
			Source:   r.source,
			Holidays: r.holidays,
			Store:    s,
			Region:   r.cfg.Region.Code,
			Location: r.loc,
			User:     r.cfg.Audit.User,
			Now:      r.now,
			Metrics:  r.metrics,
			Log:      structlog.New(structlog.KeyUnit, "ingest"),
		}
		res, err = p.Run(ctx, date)
		return err
	})
	return res, err
}

// Forecast runs the forecast pipeline from the latest stored hour.
func (r *Runner) Forecast(ctx context.Context) (res pipeline.ForecastResult, err error) {
	err = r.withStore(func(s store.Store) error {
		p := &pipeline.Forecasting{
			LoadModel:     r.loadModel,
			Store:         s,
			Holidays:      r.holidays,
			Region:        r.cfg.Region.Code,
			Location:      r.loc,
			LookbackHours: r.cfg.Forecast.LookbackHours,
			Horizon:       r.cfg.Forecast.Horizon,
			User:          r.cfg.Audit.User,
			Now:           r.now,
			Metrics:       r.metrics,
			Log:           structlog.New(structlog.KeyUnit, "forecast"),
		}
		res, err = p.Run(ctx)
		return err
	})
	return res, err
}

// Backfill ingests every day in [from, to], oldest first, stopping at the
// first failure. Results of the completed days are returned either way.
func (r *Runner) Backfill(ctx context.Context, from, to time.Time) ([]pipeline.IngestResult, error) {
	from, to = demand.Date(from, r.loc), demand.Date(to, r.loc)
	if to.Before(from) {
		return nil, fmt.Errorf("backfill: end %s before start %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	var results []pipeline.IngestResult
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.Ingest(ctx, day)
		if err != nil {
			return results, fmt.Errorf("backfill %s: %w", day.Format(time.DateOnly), err)
		}
		results = append(results, res)
	}
	r.log.Info("backfill done", "from", from.Format(time.DateOnly), "to", to.Format(time.DateOnly), "days", len(results))
	return results, nil
}

// IngestCurrent ingests the current region-local day. In the first hour of
// a day the previous day is ingested first so its final hour is not missed.
// On failure the last result is the failed run.
func (r *Runner) IngestCurrent(ctx context.Context) ([]pipeline.IngestResult, error) {
	now := r.now().In(r.loc)
	today := demand.Date(now, r.loc)
	days := []time.Time{today}
	if now.Hour() == 0 {
		days = []time.Time{today.AddDate(0, 0, -1), today}
	}

	var results []pipeline.IngestResult
	for _, day := range days {
		res, err := r.Ingest(ctx, day)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// ListDemand returns stored demand for the region in [from, to].
func (r *Runner) ListDemand(ctx context.Context, from, to time.Time) (rows []demand.HourlyDemand, err error) {
	err = r.withStore(func(s store.Store) error {
		rows, err = s.ListDemand(ctx, r.cfg.Region.Code, from, to)
		return err
	})
	return rows, err
}

// ListForecast returns stored forecasts for the region in [from, to].
func (r *Runner) ListForecast(ctx context.Context, from, to time.Time) (rows []demand.HourlyForecast, err error) {
	err = r.withStore(func(s store.Store) error {
		rows, err = s.ListForecast(ctx, r.cfg.Region.Code, from, to)
		return err
	})
	return rows, err
}
