package demand

import (
	"fmt"
	"strings"
	"time"
)

const fechaLayout = "2006-01-02T15:04:05"

// Normalize cleans raw API rows into top-of-hour observations.
//
// Timestamps are read as wall-clock time in loc (only the first 19
// characters are significant, which discards fractional seconds and the
// offset suffix), then stored in UTC. Rows off the exact top of the hour and rows
// without a demand value are dropped. An empty result is not an error.
func Normalize(raw []RawObservation, loc *time.Location) ([]Observation, error) {
	if loc == nil {
		loc = time.UTC
	}

	out := make([]Observation, 0, len(raw)/4+1)
	for i, r := range raw {
		ts, err := parseFecha(r.Fecha, loc)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w: %w", i, ErrFetch, err)
		}
		if ts.Minute() != 0 || ts.Second() != 0 {
			continue
		}
		if r.Dem == nil || *r.Dem < 0 {
			continue
		}

		out = append(out, Observation{
			Timestamp:   ts.UTC(),
			Demand:      int64(*r.Dem),
			Temperature: r.Temp,
			DayOfWeek:   DayOfWeek(ts),
		})
	}
	return out, nil
}

func parseFecha(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) < len(fechaLayout) {
		return time.Time{}, fmt.Errorf("parse fecha %q: too short", s)
	}
	s = strings.Replace(s[:len(fechaLayout)], " ", "T", 1)
	ts, err := time.ParseInLocation(fechaLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse fecha %q: %w", s, err)
	}
	return ts, nil
}
