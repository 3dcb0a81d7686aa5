package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/powerman/structlog"

	"github.com/gridcast/gridcast/pkg/demand"
	"github.com/gridcast/gridcast/pkg/forecast"
)

// ForecastStore reads the demand history and writes forecasts.
type ForecastStore interface {
	LatestDemandTimestamp(ctx context.Context, region int) (time.Time, bool, error)
	DemandWindow(ctx context.Context, region int, end time.Time, lookbackHours int) ([]demand.HourlyDemand, error)
	UpsertForecast(ctx context.Context, rows []demand.HourlyForecast) (int, error)
}

// ForecastResult summarizes one forecast run.
type ForecastResult struct {
	RunID  string    `json:"run_id"`
	Region int       `json:"region"`
	Latest time.Time `json:"latest"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Rows   int       `json:"rows"`
	Model  string    `json:"model"`
}

// Forecasting predicts the next Horizon hours of demand for a region from
// the most recent stored history.
type Forecasting struct {
	LoadModel func() (forecast.Model, error)
	Store     ForecastStore
	Holidays  HolidayOracle

	Region        int
	Location      *time.Location
	LookbackHours int
	Horizon       int
	User          string
	Now           func() time.Time
	Metrics       *Metrics
	Log           *structlog.Logger
}

// Run loads the model, reads the window ending at the latest ingested hour,
// predicts and upserts Horizon forecast rows starting one hour later. Every
// forecast hour gets its own holiday lookup; any failure aborts the whole
// batch before it is written.
func (p *Forecasting) Run(ctx context.Context) (res ForecastResult, err error) {
	start := time.Now()
	res = ForecastResult{RunID: uuid.NewString(), Region: p.Region}
	log := p.logger().New("run_id", res.RunID, "region", p.Region)
	defer func() {
		p.Metrics.observeRun(NameForecast, start, res.Rows, err)
		if err != nil {
			log.PrintErr("forecast failed", "err", err)
		}
	}()

	model, err := p.LoadModel()
	if err != nil {
		return res, err
	}
	if n, ok := model.(interface{ Name() string }); ok {
		res.Model = n.Name()
	}
	lookback := p.LookbackHours
	if lookback == 0 {
		lookback = model.Lookback()
	}
	horizon := p.Horizon
	if horizon == 0 {
		horizon = model.Horizon()
	}
	if lookback != model.Lookback() {
		return res, fmt.Errorf("%w: configured lookback %d, model expects %d",
			demand.ErrModelLoad, lookback, model.Lookback())
	}

	latest, ok, err := p.Store.LatestDemandTimestamp(ctx, p.Region)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, fmt.Errorf("%w: region %d", demand.ErrNoHistory, p.Region)
	}
	res.Latest = latest

	window, err := p.Store.DemandWindow(ctx, p.Region, latest, lookback)
	if err != nil {
		return res, err
	}
	values, err := forecast.NewEngine(model).Predict(ctx, window, horizon)
	if err != nil {
		return res, fmt.Errorf("forecast after %s: %w", latest.Format(time.RFC3339), err)
	}

	rows, err := p.forecastRows(ctx, latest, values)
	if err != nil {
		return res, err
	}
	n, err := p.Store.UpsertForecast(ctx, rows)
	if err != nil {
		return res, err
	}
	res.Rows = n
	res.From = rows[0].Timestamp
	res.To = rows[len(rows)-1].Timestamp
	log.Info("forecast written", "latest", latest.Format(time.RFC3339), "rows", n, "model", res.Model)
	return res, nil
}

func (p *Forecasting) forecastRows(ctx context.Context, latest time.Time, values []float64) ([]demand.HourlyForecast, error) {
	loc := p.location()
	audit := demand.Stamp(p.User, p.now())
	rows := make([]demand.HourlyForecast, len(values))
	for i, v := range values {
		ts := latest.Add(time.Duration(i+1) * time.Hour).UTC()
		local := ts.In(loc)
		holiday, err := p.Holidays.IsHoliday(ctx, demand.Date(local, loc))
		if err != nil {
			return nil, fmt.Errorf("forecast hour %s: %w", ts.Format(time.RFC3339), err)
		}
		rows[i] = demand.HourlyForecast{
			RegionCode:     p.Region,
			Timestamp:      ts,
			DemandForecast: int64(math.Trunc(v)),
			DayOfWeek:      demand.DayOfWeek(local),
			IsHoliday:      holiday,
			Audit:          audit,
		}
	}
	return rows, nil
}

func (p *Forecasting) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func (p *Forecasting) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Forecasting) logger() *structlog.Logger {
	if p.Log == nil {
		return structlog.New(structlog.KeyUnit, "forecast")
	}
	return p.Log
}
