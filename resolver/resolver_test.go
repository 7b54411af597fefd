package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadepay/railcore/testutil/lntest"
	"github.com/cascadepay/railcore/testutil/mock"
)

func usd(amount int64) *decimal.Decimal {
	d := decimal.NewFromInt(amount)
	return &d
}

// stubFetcher serves canned address parameters and invoices without a network
type stubFetcher struct {
	params        AddressParams
	invoiceMsat   int64
	paramsErr     error
	fetchedParams int
}

func (s *stubFetcher) FetchParams(ctx context.Context, address string) (AddressParams, error) {
	s.fetchedParams++
	if s.paramsErr != nil {
		return AddressParams{}, s.paramsErr
	}
	return s.params, nil
}

func (s *stubFetcher) FetchInvoice(ctx context.Context, params AddressParams,
	msat int64) (string, error) {
	amount := s.invoiceMsat
	if amount == 0 {
		amount = msat
	}
	return lntest.MockPaymentRequest(amount, "address invoice"), nil
}

func newTestResolver(fetcher AddressParamsFetcher) *Resolver {
	return New(Config{
		Network: lntest.Network,
		Rates:   mock.NewRatesClient(),
		Fetcher: fetcher,
	})
}

func TestResolveFixedAmountInvoice(t *testing.T) {
	t.Parallel()
	resolver := newTestResolver(&stubFetcher{})

	invoice := lntest.MockPaymentRequest(250_000, "coffee")

	res, err := resolver.Resolve(context.Background(), invoice, nil)
	require.NoError(t, err)
	assert.Equal(t, invoice, res.Invoice)
	assert.Equal(t, int64(250_000), res.MilliSat)
	assert.Equal(t, "coffee", res.Description)
}

func TestResolveFixedAmountWinsOverUsd(t *testing.T) {
	t.Parallel()
	resolver := newTestResolver(&stubFetcher{})

	invoice := lntest.MockPaymentRequest(250_000, "coffee")

	// the embedded amount must win over the advisory USD amount
	res, err := resolver.Resolve(context.Background(), invoice, usd(100))
	require.NoError(t, err)
	assert.Equal(t, int64(250_000), res.MilliSat)
}

func TestResolveAmountlessInvoice(t *testing.T) {
	t.Parallel()
	resolver := newTestResolver(&stubFetcher{})

	invoice := lntest.MockAmountlessPaymentRequest("tip jar")

	t.Run("converts USD through the rate source", func(t *testing.T) {
		res, err := resolver.Resolve(context.Background(), invoice, usd(5))
		require.NoError(t, err)
		// mock rate is 1000 units per USD
		assert.Equal(t, int64(5000), res.MilliSat)
	})

	t.Run("rejects when no USD amount is given", func(t *testing.T) {
		_, err := resolver.Resolve(context.Background(), invoice, nil)
		require.ErrorIs(t, err, ErrAmountMissing)
	})
}

func TestResolveRejectsBadDestinations(t *testing.T) {
	t.Parallel()
	resolver := newTestResolver(&stubFetcher{})

	t.Run("garbage", func(t *testing.T) {
		_, err := resolver.Resolve(context.Background(), "not-a-destination", usd(5))
		assert.ErrorIs(t, err, ErrInvalidDestination)
	})

	t.Run("malformed invoice", func(t *testing.T) {
		_, err := resolver.Resolve(context.Background(), "lnbcrt1garbagegarbage", usd(5))
		assert.ErrorIs(t, err, ErrMalformedInvoice)
	})

	t.Run("wrong network", func(t *testing.T) {
		// a mainnet-prefixed string can't decode against regtest
		mainnet := "lnbc10u1pwdh735pp5e3p5phcdzjhwc39yvm7jr3w2hvtnwpvdjmptm8829cjcqwvy5clqdqlxycrqvpqwdshgueqvfjhggr0dcsry7qcqzpgyrtvetq6044dtj7x9gf0stpp8c9nrvy2ac22eshyqarnkgv654ts7t3kc09yyjgcw05jeeu8syns5nh5fvc8y7w2aj0a548q6efa55cqy50lfx"
		_, err := resolver.Resolve(context.Background(), mainnet, usd(5))
		assert.ErrorIs(t, err, ErrCurrencyMismatch)
	})
}

func TestResolvePaymentAddress(t *testing.T) {
	t.Parallel()

	params := AddressParams{
		Callback:    "https://pay.example.com/cb",
		MinSendable: 1000,
		MaxSendable: 100_000_000,
		Tag:         "payRequest",
	}

	t.Run("resolves within bounds", func(t *testing.T) {
		resolver := newTestResolver(&stubFetcher{params: params})

		res, err := resolver.Resolve(context.Background(), "alice@example.com", usd(5))
		require.NoError(t, err)
		assert.Equal(t, int64(5000), res.MilliSat)
		assert.True(t, IsInvoice(res.Invoice))
	})

	t.Run("requires an amount before any lookup", func(t *testing.T) {
		fetcher := &stubFetcher{params: params}
		resolver := newTestResolver(fetcher)

		_, err := resolver.Resolve(context.Background(), "alice@example.com", nil)
		require.ErrorIs(t, err, ErrAmountMissing)
		assert.Zero(t, fetcher.fetchedParams)
	})

	t.Run("rejects amounts outside bounds", func(t *testing.T) {
		tight := params
		tight.MinSendable = 10_000_000
		resolver := newTestResolver(&stubFetcher{params: tight})

		_, err := resolver.Resolve(context.Background(), "alice@example.com", usd(5))
		assert.ErrorIs(t, err, ErrAmountOutOfBounds)
	})

	t.Run("rejects a callback invoice with the wrong amount", func(t *testing.T) {
		resolver := newTestResolver(&stubFetcher{
			params:      params,
			invoiceMsat: 4999,
		})

		_, err := resolver.Resolve(context.Background(), "alice@example.com", usd(5))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match")
	})
}

func TestIsPaymentAddress(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPaymentAddress("alice@example.com"))
	assert.True(t, IsPaymentAddress("alice.bob+tips@pay.example.co"))
	assert.False(t, IsPaymentAddress("alice@localhost"))
	assert.False(t, IsPaymentAddress("alice"))
	assert.False(t, IsPaymentAddress("@example.com"))
}

func TestHTTPFetcher(t *testing.T) {
	t.Parallel()

	invoice := lntest.MockPaymentRequest(5000, "address invoice")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/.well-known/lnurlp/"):
			host := r.Host
			_ = json.NewEncoder(w).Encode(AddressParams{
				Callback:    fmt.Sprintf("http://%s/cb", host),
				MinSendable: 1000,
				MaxSendable: 100_000_000,
				Tag:         "payRequest",
			})
		case r.URL.Path == "/cb":
			if r.URL.Query().Get("amount") != "5000" {
				_ = json.NewEncoder(w).Encode(map[string]string{
					"status": "ERROR", "reason": "bad amount",
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"pr": invoice})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	fetcher := NewHTTPFetcher(FetcherConfig{BaseScheme: "http"})
	address := "alice@" + server.Listener.Addr().String()

	params, err := fetcher.FetchParams(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), params.MinSendable)

	got, err := fetcher.FetchInvoice(context.Background(), params, 5000)
	require.NoError(t, err)
	assert.Equal(t, invoice, got)

	_, err = fetcher.FetchInvoice(context.Background(), params, 123)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad amount")
}
