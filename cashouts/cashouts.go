// Package cashouts executes customer payouts under the rolling 24 hour
// ceiling. A payout first resolves its destination down to a concrete
// invoice and amount, then reserves capacity against the limit ledger, and
// only then asks the gateway to pay. A rejected payment releases the
// reservation, a settled one keeps it consumed.
package cashouts

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/gateway"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/models/payouts"
	"github.com/cascadepay/railcore/rates"
	"github.com/cascadepay/railcore/resolver"
)

var log = build.Log

// Service executes payouts
type Service struct {
	DB       *db.DB
	Gateway  gateway.Client
	Rates    rates.Client
	Resolver *resolver.Resolver
}

// AttemptPayoutArgs is everything needed to attempt a payout
type AttemptPayoutArgs struct {
	CustomerID  int
	Destination string
	// AmountUsd is required when the destination doesn't carry a fixed
	// amount, and advisory when it does
	AmountUsd *decimal.Decimal
}

// AttemptPayout runs one payout attempt end to end. The limit reservation
// is taken for the USD value of what will actually be sent, so a
// fixed-amount invoice consumes its real value regardless of what the
// customer typed.
func (s *Service) AttemptPayout(ctx context.Context, args AttemptPayoutArgs) (payouts.Payout, error) {
	resolution, err := s.Resolver.Resolve(ctx, args.Destination, args.AmountUsd)
	if err != nil {
		return payouts.Payout{}, err
	}

	amountUsd, err := s.Rates.RailUnitsToUsd(ctx, resolution.MilliSat, orders.Lightning)
	if err != nil {
		return payouts.Payout{}, errors.Wrap(err, "could not value payout in USD")
	}

	payout, err := payouts.Reserve(s.DB, args.CustomerID, args.Destination,
		amountUsd, args.AmountUsd)
	if err != nil {
		return payouts.Payout{}, err
	}

	result, err := s.Gateway.PayInvoice(ctx, resolution.Invoice)
	if err != nil {
		log.WithError(err).WithField("payoutId", payout.ID).
			Info("Payout rejected by gateway, releasing reservation")

		reason := "gateway rejected the payment"
		if !errors.Is(err, gateway.ErrPaymentRejected) {
			reason = err.Error()
		}
		if _, failErr := payouts.Fail(s.DB, payout.ID, reason); failErr != nil {
			log.WithError(failErr).WithField("payoutId", payout.ID).
				Error("Could not fail payout after gateway rejection")
		}
		return payouts.Payout{}, err
	}

	completed, err := payouts.Complete(s.DB, payout.ID, result.GatewayRef, resolution.MilliSat)
	if err != nil {
		return payouts.Payout{}, err
	}

	log.WithFields(logrus.Fields{
		"payoutId":   completed.ID,
		"customerId": completed.CustomerID,
		"amountUsd":  amountUsd,
		"milliSat":   resolution.MilliSat,
	}).Info("Completed payout")

	return completed, nil
}
