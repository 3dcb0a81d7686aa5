package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gridcast/gridcast/pkg/demand"
)

// DefaultHolidayURL serves the Argentine public holiday calendar per year.
const DefaultHolidayURL = "http://nolaborables.com.ar/api/v2/feriados"

type holidayEntry struct {
	Dia    int    `json:"dia"`
	Mes    int    `json:"mes"`
	Motivo string `json:"motivo"`
	Tipo   string `json:"tipo"`
}

type monthDay struct {
	month time.Month
	day   int
}

// Holidays answers whether a date is a public holiday. Calendars are cached
// per year once fetched; failed lookups are not cached.
type Holidays struct {
	client  *Client
	baseURL string

	mu    sync.Mutex
	years map[int]map[monthDay]string
}

// NewHolidays creates a holiday oracle backed by the calendar API.
func NewHolidays(client *Client, baseURL string) *Holidays {
	if baseURL == "" {
		baseURL = DefaultHolidayURL
	}
	return &Holidays{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		years:   make(map[int]map[monthDay]string),
	}
}

// IsHoliday reports whether date's calendar day is a holiday. A failed
// lookup wraps demand.ErrLookup and never resolves to false.
func (h *Holidays) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	cal, err := h.calendar(ctx, date.Year())
	if err != nil {
		return false, err
	}
	_, ok := cal[monthDay{date.Month(), date.Day()}]
	return ok, nil
}

func (h *Holidays) calendar(ctx context.Context, year int) (map[monthDay]string, error) {
	h.mu.Lock()
	cal, ok := h.years[year]
	h.mu.Unlock()
	if ok {
		return cal, nil
	}

	var entries []holidayEntry
	if err := h.client.GetJSON(ctx, h.baseURL+"/"+strconv.Itoa(year), &entries); err != nil {
		return nil, fmt.Errorf("%w: year %d: %w", demand.ErrLookup, year, err)
	}

	cal = make(map[monthDay]string, len(entries))
	for _, e := range entries {
		if e.Mes < 1 || e.Mes > 12 || e.Dia < 1 || e.Dia > 31 {
			return nil, fmt.Errorf("%w: year %d: invalid entry %d/%d", demand.ErrLookup, year, e.Dia, e.Mes)
		}
		cal[monthDay{time.Month(e.Mes), e.Dia}] = e.Motivo
	}

	h.mu.Lock()
	h.years[year] = cal
	h.mu.Unlock()
	return cal, nil
}
