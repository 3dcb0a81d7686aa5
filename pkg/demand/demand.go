package demand

import (
	"time"
)

// RawObservation is one row of the demand API payload, before any cleaning.
type RawObservation struct {
	Fecha string   `json:"fecha"`
	Dem   *float64 `json:"dem"`
	Temp  *float64 `json:"temp"`
}

// Observation is a normalized top-of-hour reading. It carries no holiday flag
// yet; that is attached by the ingestion pipeline.
type Observation struct {
	Timestamp   time.Time
	Demand      int64
	Temperature *float64
	DayOfWeek   int
}

// Audit holds the create/update audit columns shared by both tables.
type Audit struct {
	CreateUser string    `db:"create_user" json:"create_user"`
	CreateDate time.Time `db:"create_date" json:"create_date"`
	UpdateUser string    `db:"update_user" json:"update_user"`
	UpdateDate time.Time `db:"update_date" json:"update_date"`
}

// Stamp returns audit fields for a row written by user at now. On conflict
// the store only applies the update half.
func Stamp(user string, now time.Time) Audit {
	now = now.UTC()
	return Audit{CreateUser: user, CreateDate: now, UpdateUser: user, UpdateDate: now}
}

// HourlyDemand is a stored row of the hourly_demand table.
type HourlyDemand struct {
	RegionCode  int       `db:"region_code" json:"region_code"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
	Demand      int64     `db:"hourly_demand" json:"hourly_demand"`
	Temperature *float64  `db:"hourly_temp" json:"hourly_temp"`
	DayOfWeek   int       `db:"day_of_week" json:"day_of_week"`
	IsHoliday   bool      `db:"is_holiday" json:"is_holiday"`
	Audit
}

// HourlyForecast is a stored row of the hourly_demand_forecast table.
// TemperatureForecast is always nil: there is no temperature model.
type HourlyForecast struct {
	RegionCode          int       `db:"region_code" json:"region_code"`
	Timestamp           time.Time `db:"timestamp" json:"timestamp"`
	DemandForecast      int64     `db:"hourly_demand_forecast" json:"hourly_demand_forecast"`
	TemperatureForecast *float64  `db:"hourly_temp_forecast" json:"hourly_temp_forecast"`
	DayOfWeek           int       `db:"day_of_week" json:"day_of_week"`
	IsHoliday           bool      `db:"is_holiday" json:"is_holiday"`
	Audit
}

// ToHourlyDemand converts normalized observations into storable rows for a
// region, all sharing the same holiday flag and audit stamp.
func ToHourlyDemand(region int, obs []Observation, holiday bool, audit Audit) []HourlyDemand {
	rows := make([]HourlyDemand, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, HourlyDemand{
			RegionCode:  region,
			Timestamp:   o.Timestamp.UTC(),
			Demand:      o.Demand,
			Temperature: o.Temperature,
			DayOfWeek:   o.DayOfWeek,
			IsHoliday:   holiday,
			Audit:       audit,
		})
	}
	return rows
}

// DayOfWeek returns the ISO weekday of t with Monday as 0 and Sunday as 6.
func DayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Date truncates t to midnight of its calendar day in loc.
func Date(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
