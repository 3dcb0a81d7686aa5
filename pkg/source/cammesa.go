package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gridcast/gridcast/pkg/demand"
)

// DefaultCammesaURL is the CAMMESA regional demand and temperature endpoint.
const DefaultCammesaURL = "https://api.cammesa.com/demanda-svc/demanda/ObtieneDemandaYTemperaturaRegionByFecha"

// Cammesa fetches sub-hourly demand and temperature samples for one region.
type Cammesa struct {
	client  *Client
	baseURL string
	region  int
}

// NewCammesa creates a demand source for region.
func NewCammesa(client *Client, baseURL string, region int) *Cammesa {
	if baseURL == "" {
		baseURL = DefaultCammesaURL
	}
	return &Cammesa{client: client, baseURL: strings.TrimRight(baseURL, "/"), region: region}
}

// Fetch returns every sample the API holds for the calendar day of date.
// Any network or decoding failure wraps demand.ErrFetch.
func (c *Cammesa) Fetch(ctx context.Context, date time.Time) ([]demand.RawObservation, error) {
	params := url.Values{}
	params.Set("fecha", date.Format("2006-01-02"))
	params.Set("id_region", strconv.Itoa(c.region))

	var rows []demand.RawObservation
	if err := c.client.GetJSON(ctx, c.baseURL+"?"+params.Encode(), &rows); err != nil {
		return nil, fmt.Errorf("%w: region %d on %s: %w", demand.ErrFetch, c.region, date.Format("2006-01-02"), err)
	}
	return rows, nil
}
