package eonnext

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/types"
)

// Consumption groupings accepted by the REST endpoint.
const (
	GroupByHalfHour = "half_hour"
	GroupByHour     = "hour"
	GroupByDay      = "day"
)

const (
	fetchPageSize = 25000
	// maxFetchPages guards against a "next" link that never ends
	maxFetchPages = 20
)

type consumptionPage struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []struct {
		Consumption   *float64 `json:"consumption"`
		IntervalStart string   `json:"interval_start"`
		IntervalEnd   string   `json:"interval_end"`
	} `json:"results"`
}

func (p consumptionPage) samples() []types.ConsumptionSample {
	samples := make([]types.ConsumptionSample, 0, len(p.Results))
	for _, r := range p.Results {
		if r.Consumption == nil || r.IntervalStart == "" {
			continue
		}
		samples = append(samples, types.ConsumptionSample{
			IntervalStart: r.IntervalStart,
			IntervalEnd:   r.IntervalEnd,
			Consumption:   *r.Consumption,
		})
	}
	return samples
}

func consumptionEndpoint(meter types.Meter) (string, error) {
	if meter.SupplyPointID == "" || meter.Serial == "" {
		return "", fmt.Errorf("meter %q is missing a supply point or serial", meter.Serial)
	}
	switch meter.Kind {
	case types.MeterKindElectric:
		return fmt.Sprintf("electricity-meter-points/%s/meters/%s/consumption", meter.SupplyPointID, meter.Serial), nil
	case types.MeterKindGas:
		return fmt.Sprintf("gas-meter-points/%s/meters/%s/consumption", meter.SupplyPointID, meter.Serial), nil
	}
	return "", fmt.Errorf("unknown meter kind %q", meter.Kind)
}

// Consumption fetches a single page of consumption for a meter. Zero from
// or to leave that bound open.
func (c *Client) Consumption(ctx context.Context, meter types.Meter, groupBy string, pageSize int, from, to time.Time) ([]types.ConsumptionSample, error) {
	endpoint, err := consumptionEndpoint(meter)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("group_by", groupBy)
	params.Set("page_size", strconv.Itoa(pageSize))
	if !from.IsZero() {
		params.Set("period_from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		params.Set("period_to", to.UTC().Format(time.RFC3339))
	}

	var page consumptionPage
	if err := c.doGet(ctx, endpoint, params, &page); err != nil {
		return nil, fmt.Errorf("failed to fetch consumption for %s: %w", meter.Serial, err)
	}
	return page.samples(), nil
}

// FetchRange returns half hourly consumption for the whole days start
// through end inclusive. Days are taken in start's location, so a day
// across a DST change is 23 or 25 hours long. An empty result means no data
// exists for the range.
func (c *Client) FetchRange(ctx context.Context, meter types.Meter, start, end time.Time) ([]types.ConsumptionSample, error) {
	endpoint, err := consumptionEndpoint(meter)
	if err != nil {
		return nil, err
	}
	loc := start.Location()
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	params := url.Values{}
	params.Set("group_by", GroupByHalfHour)
	params.Set("page_size", strconv.Itoa(fetchPageSize))
	params.Set("period_from", from.UTC().Format(time.RFC3339))
	params.Set("period_to", to.UTC().Format(time.RFC3339))
	params.Set("order_by", "period")

	var samples []types.ConsumptionSample
	var page consumptionPage
	if err := c.doGet(ctx, endpoint, params, &page); err != nil {
		return nil, fmt.Errorf("failed to fetch consumption range for %s: %w", meter.Serial, err)
	}
	samples = append(samples, page.samples()...)

	for pages := 1; page.Next != nil && *page.Next != ""; pages++ {
		if pages >= maxFetchPages {
			log.Ctx(ctx).WarnContext(ctx, "consumption range truncated", slog.String("serial", meter.Serial), slog.Int("pages", pages))
			break
		}
		next := *page.Next
		page = consumptionPage{}
		err := c.getJSON(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		}, &page)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch consumption page for %s: %w", meter.Serial, err)
		}
		samples = append(samples, page.samples()...)
	}
	return samples, nil
}
