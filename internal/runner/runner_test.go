package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridcast/gridcast/internal/config"
	"github.com/gridcast/gridcast/internal/store"
	"github.com/gridcast/gridcast/pkg/demand"
	"github.com/gridcast/gridcast/pkg/forecast"
)

// demandAPI serves 5-minute samples for the requested day, with demand
// 10000 + 10*hour at each top of the hour.
func demandAPI(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		date := r.URL.Query().Get("fecha")
		if r.URL.Query().Get("id_region") != "1002" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var rows []string
		for h := 0; h < 24; h++ {
			rows = append(rows,
				fmt.Sprintf(`{"fecha":"%sT%02d:00:00.000-0300","dem":%d,"temp":20.5}`, date, h, 10000+10*h),
				fmt.Sprintf(`{"fecha":"%sT%02d:05:00.000-0300","dem":1,"temp":20.5}`, date, h))
		}
		w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func holidayAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"motivo":"Carnaval","tipo":"inamovible","dia":3,"mes":3}]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeModel(t *testing.T, dir string, value float64) string {
	t.Helper()
	zeros := func(rows, cols int) [][]float64 {
		m := make([][]float64, rows)
		for i := range m {
			m[i] = make([]float64, cols)
		}
		return m
	}
	bias := make([]float64, 24)
	for i := range bias {
		bias[i] = value
	}
	data, err := json.Marshal(forecast.Artifact{
		Name: "lstm_24", Lookback: 48, Horizon: 24,
		Layers: []forecast.Layer{
			{Type: "lstm", Units: 2, Kernel: zeros(1, 8), RecurrentKernel: zeros(2, 8), Bias: make([]float64, 8)},
			{Type: "dense", Units: 24, Kernel: zeros(2, 24), Bias: bias},
		},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testRunner(t *testing.T) (*Runner, *int32) {
	t.Helper()
	dir := t.TempDir()
	var calls int32

	cfg := config.Default()
	cfg.Database.Driver = store.DriverSQLite
	cfg.Database.Path = filepath.Join(dir, "gridcast.db")
	cfg.Region.Timezone = "UTC"
	cfg.Sources.Demand.BaseURL = demandAPI(t, &calls).URL
	cfg.Sources.Holidays.BaseURL = holidayAPI(t).URL
	cfg.Forecast.ModelPath = writeModel(t, dir, 0.5)
	cfg.Audit.User = "etl"
	require.NoError(t, cfg.Validate())

	r, err := New(cfg, nil)
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC) }
	return r, &calls
}

func TestBackfillThenForecast(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	results, err := r.Backfill(ctx, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 24, results[0].Rows)
	assert.Equal(t, 24, results[1].Rows)

	res, err := r.Forecast(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24, res.Rows)
	assert.Equal(t, "lstm_24", res.Model)

	from := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	rows, err := r.ListForecast(ctx, from, from.Add(23*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 24)
	for _, row := range rows {
		assert.Equal(t, int64(10115), row.DemandForecast)
		assert.True(t, row.IsHoliday)
		assert.Equal(t, 6, row.DayOfWeek)
		assert.Equal(t, "etl", row.CreateUser)
	}

	history, err := r.ListDemand(ctx, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 2, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, history, 48)
}

func TestIngestTwiceIsIdempotent(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := r.Ingest(ctx, day)
	require.NoError(t, err)
	_, err = r.Ingest(ctx, day)
	require.NoError(t, err)

	rows, err := r.ListDemand(ctx, day, day.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 24)
}

func TestForecastWithoutHistory(t *testing.T) {
	r, _ := testRunner(t)
	_, err := r.Forecast(context.Background())
	assert.ErrorIs(t, err, demand.ErrNoHistory)
}

func TestForecastMissingModel(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()
	_, err := r.Backfill(ctx, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	r.cfg.Forecast.ModelPath = filepath.Join(t.TempDir(), "absent.json")
	_, err = r.Forecast(ctx)
	assert.ErrorIs(t, err, demand.ErrModelLoad)

	rows, err := r.ListForecast(ctx, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIngestCurrentAtMidnightIngestsPreviousDay(t *testing.T) {
	r, calls := testRunner(t)
	ctx := context.Background()
	_, err := r.Ingest(ctx, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	atomic.StoreInt32(calls, 0)

	r.now = func() time.Time { return time.Date(2024, 3, 3, 0, 5, 0, 0, time.UTC) }
	results, err := r.IngestCurrent(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "2024-03-02", results[0].Date.Format(time.DateOnly))
	assert.Equal(t, "2024-03-03", results[1].Date.Format(time.DateOnly))
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))

	_, err = r.Forecast(ctx)
	require.NoError(t, err)

	// 2024-03-03 is ingested in full by the fake API, so the latest hour is
	// 2024-03-03T23:00 and the forecast starts a day later.
	rows, err := r.ListForecast(ctx, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, rows, 24)
}

func TestIngestCurrentMidday(t *testing.T) {
	r, calls := testRunner(t)
	results, err := r.IngestCurrent(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "2024-03-03", results[0].Date.Format(time.DateOnly))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestBackfillRejectsReversedRange(t *testing.T) {
	r, _ := testRunner(t)
	_, err := r.Backfill(context.Background(), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorContains(t, err, "before start")
}

func TestOpenStoreFailure(t *testing.T) {
	r, _ := testRunner(t)
	r.openStore = func() (store.Store, error) {
		return nil, fmt.Errorf("%w: connection refused", demand.ErrStorage)
	}
	_, err := r.Ingest(context.Background(), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, demand.ErrStorage)
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, time.Time) ([]demand.RawObservation, error) {
	return nil, fmt.Errorf("%w: status 503", demand.ErrFetch)
}

func TestIngestCurrentFailureReportsRunID(t *testing.T) {
	r, _ := testRunner(t)
	r.source = failingFetcher{}

	results, err := r.IngestCurrent(context.Background())
	assert.ErrorIs(t, err, demand.ErrFetch)
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].RunID)
	assert.Zero(t, results[0].Rows)
}
