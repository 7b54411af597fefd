// Package resolver turns a payout destination, either a raw lightning
// invoice or a human-readable payment address, into a concrete invoice with
// a fixed rail amount.
package resolver

import (
	"context"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/rates"
)

var log = build.Log

// Resolution failures carry a specific reason so callers can show
// actionable feedback.
var (
	// ErrInvalidDestination means the destination is neither an invoice
	// nor a payment address. Nothing was sent over the network.
	ErrInvalidDestination = errors.New("destination is not an invoice or payment address")
	// ErrMalformedInvoice means the destination looked like an invoice but
	// didn't decode
	ErrMalformedInvoice = errors.New("could not decode invoice")
	// ErrCurrencyMismatch means the invoice is for a different network
	// than we pay on
	ErrCurrencyMismatch = errors.New("invoice is for a different network")
	// ErrAmountMissing means an amountless destination was given without a
	// USD amount to resolve it with
	ErrAmountMissing = errors.New("destination carries no amount and no USD amount was supplied")
	// ErrAmountOutOfBounds means the requested amount is outside the
	// address' declared minimum/maximum
	ErrAmountOutOfBounds = errors.New("amount is outside the address' accepted bounds")
)

// addressPattern matches the email-like shape of a human-readable payment
// address
var addressPattern = regexp.MustCompile(`^[a-z0-9\-_.+]+@[a-z0-9\-.]+\.[a-z]{2,}$`)

// Resolution is a destination resolved down to a payable invoice with a
// fixed amount
type Resolution struct {
	// Invoice is what gets handed to the payment gateway
	Invoice string
	// MilliSat is the final fixed rail amount
	MilliSat int64
	// Description is the invoice memo, if any
	Description string
}

// Config for a Resolver
type Config struct {
	// Network decides which invoice prefix we accept
	Network *chaincfg.Params
	Rates   rates.Client
	// Fetcher performs the two address-protocol lookups. Defaults to the
	// HTTPS fetcher.
	Fetcher AddressParamsFetcher
}

// Resolver resolves payout destinations
type Resolver struct {
	network *chaincfg.Params
	rates   rates.Client
	fetcher AddressParamsFetcher
}

// New creates a Resolver
func New(conf Config) *Resolver {
	network := conf.Network
	if network == nil {
		network = &chaincfg.MainNetParams
	}
	fetcher := conf.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(FetcherConfig{})
	}
	return &Resolver{
		network: network,
		rates:   conf.Rates,
		fetcher: fetcher,
	}
}

// IsInvoice reports whether the destination has the shape of a lightning
// invoice
func IsInvoice(destination string) bool {
	return strings.HasPrefix(strings.ToLower(destination), "ln")
}

// IsPaymentAddress reports whether the destination has the shape of a
// human-readable payment address
func IsPaymentAddress(destination string) bool {
	return addressPattern.MatchString(strings.ToLower(destination))
}

// Resolve turns a destination plus an optional USD amount into a payable
// invoice with a fixed rail amount. For a fixed-amount invoice the embedded
// amount always wins and usd is advisory only. An amountless invoice
// without usd is rejected. Validation happens before any network call.
func (r *Resolver) Resolve(ctx context.Context, destination string,
	usd *decimal.Decimal) (Resolution, error) {

	destination = strings.TrimSpace(destination)

	switch {
	case IsInvoice(destination):
		return r.resolveInvoice(ctx, destination, usd)
	case IsPaymentAddress(destination):
		return r.resolveAddress(ctx, destination, usd)
	default:
		return Resolution{}, ErrInvalidDestination
	}
}

func (r *Resolver) resolveInvoice(ctx context.Context, destination string,
	usd *decimal.Decimal) (Resolution, error) {

	decoded, err := r.decode(destination)
	if err != nil {
		return Resolution{}, err
	}

	var description string
	if decoded.Description != nil {
		description = *decoded.Description
	}

	// a fixed amount embedded in the invoice always wins
	if decoded.MilliSat != nil && *decoded.MilliSat > 0 {
		return Resolution{
			Invoice:     destination,
			MilliSat:    int64(*decoded.MilliSat),
			Description: description,
		}, nil
	}

	if usd == nil {
		return Resolution{}, ErrAmountMissing
	}

	msat, err := r.rates.UsdToRailUnits(ctx, *usd, orders.Lightning)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "could not convert USD amount")
	}

	return Resolution{
		Invoice:     destination,
		MilliSat:    msat,
		Description: description,
	}, nil
}

func (r *Resolver) resolveAddress(ctx context.Context, destination string,
	usd *decimal.Decimal) (Resolution, error) {

	// an address invoice is parameterized by amount, so an amount is
	// required before we touch the network
	if usd == nil {
		return Resolution{}, ErrAmountMissing
	}

	msat, err := r.rates.UsdToRailUnits(ctx, *usd, orders.Lightning)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "could not convert USD amount")
	}

	params, err := r.fetcher.FetchParams(ctx, destination)
	if err != nil {
		return Resolution{}, err
	}

	if msat < params.MinSendable || msat > params.MaxSendable {
		log.WithField("destination", destination).
			Infof("amount %d msat outside bounds [%d, %d]",
				msat, params.MinSendable, params.MaxSendable)
		return Resolution{}, ErrAmountOutOfBounds
	}

	invoice, err := r.fetcher.FetchInvoice(ctx, params, msat)
	if err != nil {
		return Resolution{}, err
	}

	decoded, err := r.decode(invoice)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "address callback returned a bad invoice")
	}
	if decoded.MilliSat == nil || int64(*decoded.MilliSat) != msat {
		return Resolution{}, errors.Errorf(
			"address callback invoice amount does not match requested %d msat", msat)
	}

	var description string
	if decoded.Description != nil {
		description = *decoded.Description
	}

	return Resolution{
		Invoice:     invoice,
		MilliSat:    msat,
		Description: description,
	}, nil
}

func (r *Resolver) decode(invoice string) (*zpay32.Invoice, error) {
	decoded, err := zpay32.Decode(invoice, r.network)
	if err != nil {
		if strings.Contains(err.Error(), "active network") {
			return nil, ErrCurrencyMismatch
		}
		log.WithError(err).Debug("Invoice decoding failed")
		return nil, ErrMalformedInvoice
	}
	return decoded, nil
}
