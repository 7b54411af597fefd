// Package rates converts between USD and rail base units through an
// external exchange-rate source.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/cascadepay/railcore/models/orders"
)

// ErrNonPositiveAmount means a conversion was attempted on a zero or
// negative value
var ErrNonPositiveAmount = errors.New("cannot convert a non-positive amount")

// Client converts between USD and a rail's base unit
type Client interface {
	UsdToRailUnits(ctx context.Context, usd decimal.Decimal, rail orders.Rail) (int64, error)
	RailUnitsToUsd(ctx context.Context, units int64, rail orders.Rail) (decimal.Decimal, error)
}

// Config for the HTTP rate client
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPClient implements Client against the rate source's REST API
type HTTPClient struct {
	conf Config
	http *http.Client
}

var _ Client = &HTTPClient{}

// NewHTTPClient creates a rate client with a finite timeout
func NewHTTPClient(conf Config) *HTTPClient {
	if conf.Timeout == 0 {
		conf.Timeout = 10 * time.Second
	}
	return &HTTPClient{
		conf: conf,
		http: &http.Client{Timeout: conf.Timeout},
	}
}

// UsdToRailUnits converts a USD amount to the rail's base unit, rounding
// down
func (c *HTTPClient) UsdToRailUnits(ctx context.Context, usd decimal.Decimal,
	rail orders.Rail) (int64, error) {

	if !usd.IsPositive() {
		return 0, ErrNonPositiveAmount
	}

	unitsPerUsd, err := c.unitsPerUsd(ctx, rail)
	if err != nil {
		return 0, err
	}

	return usd.Mul(unitsPerUsd).IntPart(), nil
}

// RailUnitsToUsd converts a base-unit amount to USD, rounded to cents
func (c *HTTPClient) RailUnitsToUsd(ctx context.Context, units int64,
	rail orders.Rail) (decimal.Decimal, error) {

	if units <= 0 {
		return decimal.Zero, ErrNonPositiveAmount
	}

	unitsPerUsd, err := c.unitsPerUsd(ctx, rail)
	if err != nil {
		return decimal.Zero, err
	}
	if !unitsPerUsd.IsPositive() {
		return decimal.Zero, errors.New("rate source returned a non-positive rate")
	}

	return decimal.NewFromInt(units).Div(unitsPerUsd).Round(2), nil
}

func (c *HTTPClient) unitsPerUsd(ctx context.Context, rail orders.Rail) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/rate?rail=%s", c.conf.BaseURL, url.QueryEscape(string(rail)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "could not reach rate source")
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate source returned status %d", res.StatusCode)
	}

	var payload struct {
		UnitsPerUsd decimal.Decimal `json:"unitsPerUsd"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return decimal.Zero, errors.Wrap(err, "could not decode rate response")
	}

	return payload.UnitsPerUsd, nil
}
