package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// AddressParams is what an address' well-known endpoint declares
type AddressParams struct {
	// Callback is where the amount-specific invoice is requested from
	Callback string `json:"callback"`
	// MinSendable and MaxSendable bound the amount, in millisatoshi
	MinSendable int64 `json:"minSendable"`
	MaxSendable int64 `json:"maxSendable"`
	// Tag identifies the protocol flavor, we only accept payRequest
	Tag string `json:"tag"`
}

// AddressParamsFetcher performs the two network steps of resolving a
// payment address. Split out as an interface so tests can stub the remote
// server.
type AddressParamsFetcher interface {
	FetchParams(ctx context.Context, address string) (AddressParams, error)
	FetchInvoice(ctx context.Context, params AddressParams, msat int64) (string, error)
}

// FetcherConfig for the HTTPS fetcher
type FetcherConfig struct {
	Timeout time.Duration
	// BaseScheme exists for tests against httptest servers, defaults to
	// https
	BaseScheme string
}

// HTTPFetcher implements AddressParamsFetcher over HTTPS
type HTTPFetcher struct {
	conf FetcherConfig
	http *http.Client
}

var _ AddressParamsFetcher = &HTTPFetcher{}

// NewHTTPFetcher creates a fetcher with a finite timeout
func NewHTTPFetcher(conf FetcherConfig) *HTTPFetcher {
	if conf.Timeout == 0 {
		conf.Timeout = 10 * time.Second
	}
	if conf.BaseScheme == "" {
		conf.BaseScheme = "https"
	}
	return &HTTPFetcher{
		conf: conf,
		http: &http.Client{Timeout: conf.Timeout},
	}
}

// FetchParams looks up the address' declared payment parameters
func (f *HTTPFetcher) FetchParams(ctx context.Context, address string) (AddressParams, error) {
	parts := strings.Split(strings.ToLower(address), "@")
	if len(parts) != 2 {
		return AddressParams{}, ErrInvalidDestination
	}
	name, domain := parts[0], parts[1]

	endpoint := fmt.Sprintf("%s://%s/.well-known/lnurlp/%s",
		f.conf.BaseScheme, domain, url.PathEscape(name))

	var params AddressParams
	if err := f.get(ctx, endpoint, &params); err != nil {
		return AddressParams{}, errors.Wrapf(err, "could not look up address %s", address)
	}

	if params.Tag != "payRequest" {
		return AddressParams{}, errors.Errorf("address %s does not accept payments", address)
	}
	if params.Callback == "" || params.MinSendable <= 0 ||
		params.MaxSendable < params.MinSendable {
		return AddressParams{}, errors.Errorf("address %s returned bad parameters", address)
	}

	return params, nil
}

// FetchInvoice asks the address' callback for an invoice of the given amount
func (f *HTTPFetcher) FetchInvoice(ctx context.Context, params AddressParams,
	msat int64) (string, error) {

	separator := "?"
	if strings.Contains(params.Callback, "?") {
		separator = "&"
	}
	endpoint := fmt.Sprintf("%s%samount=%d", params.Callback, separator, msat)

	var payload struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
		Pr     string `json:"pr"`
	}
	if err := f.get(ctx, endpoint, &payload); err != nil {
		return "", errors.Wrap(err, "address callback failed")
	}

	if strings.EqualFold(payload.Status, "ERROR") {
		return "", errors.Errorf("address callback rejected the request: %s", payload.Reason)
	}
	if payload.Pr == "" {
		return "", errors.New("address callback returned no invoice")
	}

	return payload.Pr, nil
}

func (f *HTTPFetcher) get(ctx context.Context, endpoint string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	res, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned status %d", res.StatusCode)
	}

	return json.NewDecoder(res.Body).Decode(dest)
}
