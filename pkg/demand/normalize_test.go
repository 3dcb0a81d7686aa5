package demand

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestNormalizeKeepsTopOfHourOnly(t *testing.T) {
	raw := []RawObservation{
		{Fecha: "2024-03-01T10:00:00.000-0300", Dem: f(14000), Temp: f(21.5)},
		{Fecha: "2024-03-01T10:15:00.000-0300", Dem: f(14100)},
		{Fecha: "2024-03-01T10:30:00.000-0300", Dem: f(14200)},
		{Fecha: "2024-03-01T10:45:00.000-0300", Dem: f(14300)},
		{Fecha: "2024-03-01T11:00:30.000-0300", Dem: f(14400)},
	}

	got, err := Normalize(raw, time.UTC)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, int64(14000), got[0].Demand)
	require.NotNil(t, got[0].Temperature)
	assert.InDelta(t, 21.5, *got[0].Temperature, 1e-9)
	for _, o := range got {
		assert.Equal(t, o.Timestamp, o.Timestamp.Truncate(time.Hour), "timestamps are hour-aligned")
	}
}

func TestNormalizeDropsNullDemand(t *testing.T) {
	raw := []RawObservation{
		{Fecha: "2024-03-01 01:00:00", Dem: nil, Temp: f(18)},
		{Fecha: "2024-03-01 02:00:00", Dem: f(12000.9)},
		{Fecha: "2024-03-01 03:00:00", Dem: f(-1)},
	}

	got, err := Normalize(raw, time.UTC)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Timestamp.Hour())
	assert.Equal(t, int64(12000), got[0].Demand, "demand is truncated to an integer")
	assert.Nil(t, got[0].Temperature)
}

func TestNormalizeUsesRegionWallClock(t *testing.T) {
	loc := time.FixedZone("ART", -3*60*60)
	raw := []RawObservation{{Fecha: "2024-03-03T23:00:00.000-0300", Dem: f(10000)}}

	got, err := Normalize(raw, loc)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, 6, got[0].DayOfWeek, "2024-03-03 is a Sunday locally")
}

func TestNormalizeEmpty(t *testing.T) {
	got, err := Normalize(nil, time.UTC)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNormalizeRejectsBadTimestamp(t *testing.T) {
	_, err := Normalize([]RawObservation{{Fecha: "yesterday", Dem: f(1)}}, time.UTC)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)
}

func TestDayOfWeek(t *testing.T) {
	monday := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		assert.Equal(t, i, DayOfWeek(monday.AddDate(0, 0, i)))
	}
}

func TestToHourlyDemand(t *testing.T) {
	now := time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC)
	obs := []Observation{{Timestamp: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), Demand: 9000, DayOfWeek: 0}}

	rows := ToHourlyDemand(1002, obs, true, Stamp("etl", now))
	require.Len(t, rows, 1)
	assert.Equal(t, 1002, rows[0].RegionCode)
	assert.True(t, rows[0].IsHoliday)
	assert.Equal(t, "etl", rows[0].CreateUser)
	assert.Equal(t, now, rows[0].UpdateDate)
}
