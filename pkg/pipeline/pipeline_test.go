package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridcast/gridcast/pkg/demand"
	"github.com/gridcast/gridcast/pkg/forecast"
)

var art = time.FixedZone("ART", -3*60*60)

type fakeSource struct {
	rows []demand.RawObservation
	err  error
	got  []time.Time
}

func (f *fakeSource) Fetch(_ context.Context, date time.Time) ([]demand.RawObservation, error) {
	f.got = append(f.got, date)
	return f.rows, f.err
}

type fakeHolidays struct {
	days      map[string]bool
	err       error
	failAfter int
	calls     int
}

func (f *fakeHolidays) IsHoliday(_ context.Context, date time.Time) (bool, error) {
	f.calls++
	if f.err != nil && f.calls > f.failAfter {
		return false, f.err
	}
	return f.days[date.Format(time.DateOnly)], nil
}

type memStore struct {
	demand    map[time.Time]demand.HourlyDemand
	forecasts []demand.HourlyForecast
	writes    int
	err       error
}

func newMemStore() *memStore {
	return &memStore{demand: make(map[time.Time]demand.HourlyDemand)}
}

func (s *memStore) UpsertDemand(_ context.Context, rows []demand.HourlyDemand) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.writes++
	for _, r := range rows {
		s.demand[r.Timestamp] = r
	}
	return len(rows), nil
}

func (s *memStore) UpsertForecast(_ context.Context, rows []demand.HourlyForecast) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.writes++
	s.forecasts = append(s.forecasts, rows...)
	return len(rows), nil
}

func (s *memStore) LatestDemandTimestamp(_ context.Context, _ int) (time.Time, bool, error) {
	var latest time.Time
	for ts := range s.demand {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest, !latest.IsZero(), nil
}

func (s *memStore) DemandWindow(_ context.Context, _ int, end time.Time, lookbackHours int) ([]demand.HourlyDemand, error) {
	start := end.Add(-time.Duration(lookbackHours) * time.Hour)
	var rows []demand.HourlyDemand
	for ts, r := range s.demand {
		if ts.After(start) && !ts.After(end) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
	return rows, nil
}

func (s *memStore) seed(start time.Time, demands ...int64) {
	for i, d := range demands {
		ts := start.Add(time.Duration(i) * time.Hour)
		s.demand[ts] = demand.HourlyDemand{RegionCode: 1002, Timestamp: ts, Demand: d, DayOfWeek: demand.DayOfWeek(ts)}
	}
}

func f64(v float64) *float64 { return &v }

var fixedNow = time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)

func TestIngestionRun(t *testing.T) {
	src := &fakeSource{rows: []demand.RawObservation{
		{Fecha: "2024-03-01T00:00:00.000-0300", Dem: f64(14123.9), Temp: f64(24.1)},
		{Fecha: "2024-03-01T00:05:00.000-0300", Dem: f64(14100), Temp: f64(24.0)},
		{Fecha: "2024-03-01T01:00:00.000-0300", Dem: nil, Temp: f64(23.5)},
		{Fecha: "2024-03-01T02:00:00.000-0300", Dem: f64(13000.2), Temp: nil},
	}}
	hol := &fakeHolidays{days: map[string]bool{"2024-03-01": true}}
	st := newMemStore()
	p := &Ingestion{
		Source: src, Holidays: hol, Store: st,
		Region: 1002, Location: art, User: "etl", Now: func() time.Time { return fixedNow },
	}

	res, err := p.Run(context.Background(), time.Date(2024, 3, 1, 15, 0, 0, 0, art))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Fetched)
	assert.Equal(t, 2, res.Rows)
	assert.True(t, res.IsHoliday)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, hol.calls)
	require.Len(t, src.got, 1)
	assert.Equal(t, "2024-03-01", src.got[0].Format(time.DateOnly))

	first := st.demand[time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)]
	assert.Equal(t, int64(14123), first.Demand)
	assert.Equal(t, 1002, first.RegionCode)
	assert.Equal(t, 4, first.DayOfWeek)
	assert.True(t, first.IsHoliday)
	assert.Equal(t, "etl", first.CreateUser)
	assert.Equal(t, fixedNow, first.UpdateDate)

	second := st.demand[time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)]
	assert.Equal(t, int64(13000), second.Demand)
	assert.Nil(t, second.Temperature)
}

func TestIngestionEmptyFetch(t *testing.T) {
	for _, rows := range [][]demand.RawObservation{
		nil,
		{{Fecha: "2024-03-01T00:05:00", Dem: f64(1)}, {Fecha: "2024-03-01T00:10:00", Dem: f64(2)}},
	} {
		hol := &fakeHolidays{}
		st := newMemStore()
		p := &Ingestion{Source: &fakeSource{rows: rows}, Holidays: hol, Store: st, Region: 1002}

		res, err := p.Run(context.Background(), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Zero(t, res.Rows)
		assert.Zero(t, hol.calls, "holiday API is not consulted for an empty day")
		assert.Zero(t, st.writes)
	}
}

func TestIngestionFailuresWriteNothing(t *testing.T) {
	raw := []demand.RawObservation{{Fecha: "2024-03-01T00:00:00", Dem: f64(100)}}
	tests := []struct {
		name     string
		src      *fakeSource
		hol      *fakeHolidays
		storeErr error
		want     error
	}{
		{"fetch", &fakeSource{err: fmt.Errorf("%w: timeout", demand.ErrFetch)}, &fakeHolidays{}, nil, demand.ErrFetch},
		{"bad payload", &fakeSource{rows: []demand.RawObservation{{Fecha: "garbage", Dem: f64(1)}}}, &fakeHolidays{}, nil, demand.ErrFetch},
		{"holiday", &fakeSource{rows: raw}, &fakeHolidays{err: fmt.Errorf("%w: 503", demand.ErrLookup)}, nil, demand.ErrLookup},
		{"storage", &fakeSource{rows: raw}, &fakeHolidays{}, fmt.Errorf("%w: disk full", demand.ErrStorage), demand.ErrStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			st.err = tt.storeErr
			p := &Ingestion{Source: tt.src, Holidays: tt.hol, Store: st, Region: 1002}

			res, err := p.Run(context.Background(), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, res.Rows)
			assert.Empty(t, st.demand)
		})
	}
}

func constantModel(lookback, horizon int, value float64) forecast.Model {
	zeros := func(rows, cols int) [][]float64 {
		m := make([][]float64, rows)
		for i := range m {
			m[i] = make([]float64, cols)
		}
		return m
	}
	bias := make([]float64, horizon)
	for i := range bias {
		bias[i] = value
	}
	m, err := forecast.NewSequential(forecast.Artifact{
		Name:     "constant",
		Lookback: lookback,
		Horizon:  horizon,
		Layers: []forecast.Layer{
			{Type: "lstm", Units: 2, Kernel: zeros(1, 8), RecurrentKernel: zeros(2, 8), Bias: make([]float64, 8)},
			{Type: "dense", Units: horizon, Kernel: zeros(2, horizon), Bias: bias},
		},
	})
	if err != nil {
		panic(err)
	}
	return m
}

func forecasting(st *memStore, hol *fakeHolidays) *Forecasting {
	return &Forecasting{
		LoadModel:     func() (forecast.Model, error) { return constantModel(48, 24, 0.5), nil },
		Store:         st,
		Holidays:      hol,
		Region:        1002,
		Location:      time.UTC,
		LookbackHours: 48,
		Horizon:       24,
		User:          "etl",
		Now:           func() time.Time { return fixedNow },
	}
}

func ramp(n int, base, step int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = base + int64(i)*step
	}
	return out
}

func TestForecastMidpointScenario(t *testing.T) {
	st := newMemStore()
	st.seed(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ramp(48, 10000, 10)...)
	hol := &fakeHolidays{days: map[string]bool{"2024-03-03": true}}

	res, err := forecasting(st, hol).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24, res.Rows)
	assert.Equal(t, "constant", res.Model)
	assert.Equal(t, time.Date(2024, 3, 2, 23, 0, 0, 0, time.UTC), res.Latest)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), res.From)
	assert.Equal(t, time.Date(2024, 3, 3, 23, 0, 0, 0, time.UTC), res.To)
	assert.Equal(t, 24, hol.calls, "one holiday lookup per forecast hour")

	require.Len(t, st.forecasts, 24)
	for i, r := range st.forecasts {
		assert.Equal(t, time.Date(2024, 3, 3, i, 0, 0, 0, time.UTC), r.Timestamp)
		assert.Equal(t, int64(10235), r.DemandForecast)
		assert.Nil(t, r.TemperatureForecast)
		assert.Equal(t, 6, r.DayOfWeek)
		assert.True(t, r.IsHoliday)
		assert.Equal(t, 1002, r.RegionCode)
		assert.Equal(t, "etl", r.UpdateUser)
	}
}

func TestForecastRegionLocalCalendar(t *testing.T) {
	st := newMemStore()
	// Latest hour is 2024-03-03T00:00Z, i.e. 21:00 on Saturday 2024-03-02 in ART.
	st.seed(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC), ramp(48, 10000, 10)...)
	hol := &fakeHolidays{days: map[string]bool{"2024-03-02": true}}
	p := forecasting(st, hol)
	p.Location = art

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, st.forecasts, 24)

	for _, r := range st.forecasts[:2] {
		assert.Equal(t, 5, r.DayOfWeek, r.Timestamp)
		assert.True(t, r.IsHoliday, r.Timestamp)
	}
	// 2024-03-03T03:00Z is midnight Sunday in ART.
	sunday := st.forecasts[2]
	assert.Equal(t, time.Date(2024, 3, 3, 3, 0, 0, 0, time.UTC), sunday.Timestamp)
	assert.Equal(t, 6, sunday.DayOfWeek)
	assert.False(t, sunday.IsHoliday)
}

func TestForecastInsufficientHistory(t *testing.T) {
	st := newMemStore()
	st.seed(time.Date(2024, 3, 2, 14, 0, 0, 0, time.UTC), ramp(10, 10000, 10)...)
	hol := &fakeHolidays{}

	_, err := forecasting(st, hol).Run(context.Background())
	assert.ErrorIs(t, err, demand.ErrInsufficientHistory)
	assert.Empty(t, st.forecasts)
	assert.Zero(t, hol.calls)
}

func TestForecastGapInWindow(t *testing.T) {
	st := newMemStore()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	st.seed(start, ramp(48, 10000, 10)...)
	delete(st.demand, start.Add(20*time.Hour))

	_, err := forecasting(st, &fakeHolidays{}).Run(context.Background())
	assert.ErrorIs(t, err, demand.ErrInsufficientHistory)
	assert.Empty(t, st.forecasts)
}

func TestForecastNoHistory(t *testing.T) {
	st := newMemStore()
	_, err := forecasting(st, &fakeHolidays{}).Run(context.Background())
	assert.ErrorIs(t, err, demand.ErrNoHistory)
	assert.Zero(t, st.writes)
}

func TestForecastModelLoadFailure(t *testing.T) {
	st := newMemStore()
	st.seed(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ramp(48, 10000, 10)...)
	p := forecasting(st, &fakeHolidays{})
	p.LoadModel = func() (forecast.Model, error) {
		return nil, fmt.Errorf("%w: missing file", demand.ErrModelLoad)
	}

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, demand.ErrModelLoad)
	assert.Zero(t, st.writes)
}

func TestForecastLookbackMismatch(t *testing.T) {
	st := newMemStore()
	p := forecasting(st, &fakeHolidays{})
	p.LookbackHours = 24

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, demand.ErrModelLoad)
}

func TestForecastHolidayFailureAbortsBatch(t *testing.T) {
	st := newMemStore()
	st.seed(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ramp(48, 10000, 10)...)
	hol := &fakeHolidays{err: fmt.Errorf("%w: 503", demand.ErrLookup), failAfter: 10}

	_, err := forecasting(st, hol).Run(context.Background())
	assert.ErrorIs(t, err, demand.ErrLookup)
	assert.Equal(t, 11, hol.calls)
	assert.Empty(t, st.forecasts)
}

func TestMetricsObserveRuns(t *testing.T) {
	m := NewMetrics()
	st := newMemStore()
	st.seed(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ramp(48, 10000, 10)...)

	p := forecasting(st, &fakeHolidays{})
	p.Metrics = m
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	p.Store = newMemStore()
	_, err = p.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runStatusCounter.WithLabelValues(NameForecast, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runStatusCounter.WithLabelValues(NameForecast, "failure")))
	assert.Equal(t, 24.0, testutil.ToFloat64(m.rowsWritten.WithLabelValues(NameForecast)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() { m.observeRun(NameIngest, time.Now(), 3, errors.New("x")) })
}
