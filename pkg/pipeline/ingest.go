package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/powerman/structlog"

	"github.com/gridcast/gridcast/pkg/demand"
)

// Fetcher returns the raw demand samples for a calendar day.
type Fetcher interface {
	Fetch(ctx context.Context, date time.Time) ([]demand.RawObservation, error)
}

// HolidayOracle reports whether a calendar day is a public holiday.
type HolidayOracle interface {
	IsHoliday(ctx context.Context, date time.Time) (bool, error)
}

// DemandWriter persists hourly demand rows.
type DemandWriter interface {
	UpsertDemand(ctx context.Context, rows []demand.HourlyDemand) (int, error)
}

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	RunID     string    `json:"run_id"`
	Region    int       `json:"region"`
	Date      time.Time `json:"date"`
	Fetched   int       `json:"fetched"`
	Rows      int       `json:"rows"`
	IsHoliday bool      `json:"is_holiday"`
}

// Ingestion pulls one day of demand for a region into the store.
type Ingestion struct {
	Source   Fetcher
	Holidays HolidayOracle
	Store    DemandWriter

	Region   int
	Location *time.Location
	User     string
	Now      func() time.Time
	Metrics  *Metrics
	Log      *structlog.Logger
}

// Run fetches, normalizes, flags and upserts the demand for date. A day with
// no top-of-hour samples succeeds with zero rows and never touches the
// holiday API or the store. Any failure aborts before the single write.
func (p *Ingestion) Run(ctx context.Context, date time.Time) (res IngestResult, err error) {
	start := time.Now()
	loc := p.location()
	day := demand.Date(date, loc)
	res = IngestResult{RunID: uuid.NewString(), Region: p.Region, Date: day}
	log := p.logger().New("run_id", res.RunID, "region", p.Region, "date", day.Format(time.DateOnly))
	defer func() {
		p.Metrics.observeRun(NameIngest, start, res.Rows, err)
		if err != nil {
			log.PrintErr("ingestion failed", "err", err)
		}
	}()

	raw, err := p.Source.Fetch(ctx, day)
	if err != nil {
		return res, err
	}
	res.Fetched = len(raw)

	obs, err := demand.Normalize(raw, loc)
	if err != nil {
		return res, err
	}
	if len(obs) == 0 {
		log.Info("no hourly samples", "fetched", len(raw))
		return res, nil
	}

	holiday, err := p.Holidays.IsHoliday(ctx, day)
	if err != nil {
		return res, err
	}
	res.IsHoliday = holiday

	rows := demand.ToHourlyDemand(p.Region, obs, holiday, demand.Stamp(p.User, p.now()))
	n, err := p.Store.UpsertDemand(ctx, rows)
	if err != nil {
		return res, fmt.Errorf("ingest %s: %w", day.Format(time.DateOnly), err)
	}
	res.Rows = n
	log.Info("ingested", "fetched", len(raw), "rows", n, "holiday", holiday)
	return res, nil
}

func (p *Ingestion) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func (p *Ingestion) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Ingestion) logger() *structlog.Logger {
	if p.Log == nil {
		return structlog.New(structlog.KeyUnit, "ingest")
	}
	return p.Log
}
