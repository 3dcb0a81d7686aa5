package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/gridcast/gridcast/pkg/demand"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// chunkRows bounds the rows per INSERT statement so the bind-parameter
// count stays under SQLite's limit. All chunks share one transaction.
const chunkRows = 500

// DemandStore persists canonical hourly demand.
type DemandStore interface {
	UpsertDemand(ctx context.Context, rows []demand.HourlyDemand) (int, error)
	LatestDemandTimestamp(ctx context.Context, region int) (time.Time, bool, error)
	DemandWindow(ctx context.Context, region int, end time.Time, lookbackHours int) ([]demand.HourlyDemand, error)
	ListDemand(ctx context.Context, region int, from, to time.Time) ([]demand.HourlyDemand, error)
}

// ForecastStore persists hourly demand forecasts.
type ForecastStore interface {
	UpsertForecast(ctx context.Context, rows []demand.HourlyForecast) (int, error)
	ListForecast(ctx context.Context, region int, from, to time.Time) ([]demand.HourlyForecast, error)
}

// Store is the persistence interface.
type Store interface {
	DemandStore
	ForecastStore
	Close() error
}

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db *sqlx.DB
}

// New applies migrations and opens a connection pool.
func New(driver, dsn string) (*SQLStore, error) {
	if err := Migrate(driver, dsn); err != nil {
		return nil, fmt.Errorf("%w: %w", demand.ErrStorage, err)
	}
	return Open(driver, dsn)
}

// Open connects to a database whose schema is already migrated.
func Open(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", demand.ErrStorage, driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", demand.ErrStorage, driver, err)
	}
	return NewFromDB(db), nil
}

// NewFromDB wraps an already-open handle whose schema is in place.
func NewFromDB(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var demandColumns = []string{
	"region_code", "timestamp", "hourly_demand", "hourly_temp", "day_of_week", "is_holiday",
	"create_user", "create_date", "update_user", "update_date",
}

var forecastColumns = []string{
	"region_code", "timestamp", "hourly_demand_forecast", "hourly_temp_forecast", "day_of_week", "is_holiday",
	"create_user", "create_date", "update_user", "update_date",
}

// UpsertDemand writes rows in one transaction. On a (region_code, timestamp)
// collision the measurement and update-audit columns are overwritten; the
// create-audit columns keep their original values.
func (s *SQLStore) UpsertDemand(ctx context.Context, rows []demand.HourlyDemand) (int, error) {
	return s.upsert(ctx, "hourly_demand", demandColumns, len(rows), func(i int) []any {
		r := rows[i]
		return []any{
			r.RegionCode, r.Timestamp.UTC(), r.Demand, nullFloat(r.Temperature), r.DayOfWeek, r.IsHoliday,
			r.CreateUser, r.CreateDate.UTC(), r.UpdateUser, r.UpdateDate.UTC(),
		}
	})
}

// UpsertForecast is UpsertDemand for the forecast table.
func (s *SQLStore) UpsertForecast(ctx context.Context, rows []demand.HourlyForecast) (int, error) {
	return s.upsert(ctx, "hourly_demand_forecast", forecastColumns, len(rows), func(i int) []any {
		r := rows[i]
		return []any{
			r.RegionCode, r.Timestamp.UTC(), r.DemandForecast, nullFloat(r.TemperatureForecast), r.DayOfWeek, r.IsHoliday,
			r.CreateUser, r.CreateDate.UTC(), r.UpdateUser, r.UpdateDate.UTC(),
		}
	})
}

func (s *SQLStore) upsert(ctx context.Context, table string, columns []string, n int, row func(int) []any) (_ int, err error) {
	if n == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin %s upsert: %w", demand.ErrStorage, table, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for start := 0; start < n; start += chunkRows {
		end := min(start+chunkRows, n)
		args := make([]any, 0, (end-start)*len(columns))
		for i := start; i < end; i++ {
			args = append(args, row(i)...)
		}
		query := s.db.Rebind(upsertQuery(table, columns, end-start))
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("%w: upsert %s rows %d-%d: %w", demand.ErrStorage, table, start, end-1, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit %s upsert: %w", demand.ErrStorage, table, err)
	}
	return n, nil
}

// upsertQuery builds a multi-row INSERT .. ON CONFLICT DO UPDATE that leaves
// the key and create_* columns untouched.
func upsertQuery(table string, columns []string, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
	}

	b.WriteString(" ON CONFLICT (region_code, timestamp) DO UPDATE SET ")
	var sets []string
	for _, c := range columns {
		if c == "region_code" || c == "timestamp" || strings.HasPrefix(c, "create_") {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}

func (s *SQLStore) LatestDemandTimestamp(ctx context.Context, region int) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.GetContext(ctx, &ts, s.db.Rebind(
		"SELECT timestamp FROM hourly_demand WHERE region_code = ? ORDER BY timestamp DESC LIMIT 1"), region)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: latest demand timestamp: %w", demand.ErrStorage, err)
	}
	return ts.UTC(), true, nil
}

// DemandWindow returns the rows in (end - lookbackHours, end], ascending.
// A short result is returned as-is.
func (s *SQLStore) DemandWindow(ctx context.Context, region int, end time.Time, lookbackHours int) ([]demand.HourlyDemand, error) {
	start := end.Add(-time.Duration(lookbackHours) * time.Hour)
	var rows []demand.HourlyDemand
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM hourly_demand
		WHERE region_code = ? AND timestamp > ? AND timestamp <= ?
		ORDER BY timestamp`), region, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: demand window: %w", demand.ErrStorage, err)
	}
	normalizeDemand(rows)
	return rows, nil
}

// ListDemand returns the rows in [from, to], ascending.
func (s *SQLStore) ListDemand(ctx context.Context, region int, from, to time.Time) ([]demand.HourlyDemand, error) {
	var rows []demand.HourlyDemand
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM hourly_demand
		WHERE region_code = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`), region, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: list demand: %w", demand.ErrStorage, err)
	}
	normalizeDemand(rows)
	return rows, nil
}

// ListForecast returns forecast rows in [from, to], ascending.
func (s *SQLStore) ListForecast(ctx context.Context, region int, from, to time.Time) ([]demand.HourlyForecast, error) {
	var rows []demand.HourlyForecast
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM hourly_demand_forecast
		WHERE region_code = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`), region, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: list forecast: %w", demand.ErrStorage, err)
	}
	for i := range rows {
		rows[i].Timestamp = rows[i].Timestamp.UTC()
		rows[i].CreateDate = rows[i].CreateDate.UTC()
		rows[i].UpdateDate = rows[i].UpdateDate.UTC()
	}
	return rows, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Postgres returns timestamptz in the session zone; keep everything in UTC.
func normalizeDemand(rows []demand.HourlyDemand) {
	for i := range rows {
		rows[i].Timestamp = rows[i].Timestamp.UTC()
		rows[i].CreateDate = rows[i].CreateDate.UTC()
		rows[i].UpdateDate = rows[i].UpdateDate.UTC()
	}
}
