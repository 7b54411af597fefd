// Package deposits provisions deposit orders: an ephemeral funded address
// on the ledger-token rail, or a gateway invoice on the lightning rail.
package deposits

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/gateway"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/notifier"
	"github.com/cascadepay/railcore/rates"
	"github.com/cascadepay/railcore/solana"
	"github.com/cascadepay/railcore/vault"
)

var log = build.Log

var (
	// ErrBadRail means the requested rail is not one we provision
	ErrBadRail = errors.New("unknown deposit rail")
	// ErrNonPositiveAmount means the requested USD amount is zero or
	// negative
	ErrNonPositiveAmount = errors.New("deposit amount must be positive")
)

// Service provisions deposits
type Service struct {
	DB       *db.DB
	Ledger   solana.Client
	Gateway  gateway.Client
	Rates    rates.Client
	Notifier notifier.Client
	Vault    *vault.Vault
}

// CreateDepositArgs is everything needed to provision a deposit
type CreateDepositArgs struct {
	CustomerID int
	AmountUsd  decimal.Decimal
	Rail       orders.Rail
}

// CreateDeposit provisions a deposit order on the requested rail. On the
// ledger-token rail a failure after the order row exists marks the order
// failed instead of leaving a half-provisioned address behind.
func (s *Service) CreateDeposit(ctx context.Context, args CreateDepositArgs) (orders.Order, error) {
	if !args.AmountUsd.IsPositive() {
		return orders.Order{}, ErrNonPositiveAmount
	}

	units, err := s.Rates.UsdToRailUnits(ctx, args.AmountUsd, args.Rail)
	if err != nil {
		return orders.Order{}, errors.Wrap(err, "could not convert deposit amount")
	}

	switch args.Rail {
	case orders.LedgerToken:
		return s.createLedgerDeposit(ctx, args, units)
	case orders.Lightning:
		return s.createLightningDeposit(ctx, args, units)
	default:
		return orders.Order{}, ErrBadRail
	}
}

func (s *Service) createLedgerDeposit(ctx context.Context, args CreateDepositArgs,
	units int64) (orders.Order, error) {

	keypair, err := s.Ledger.GenerateDepositKey()
	if err != nil {
		return orders.Order{}, errors.Wrap(err, "could not generate deposit key")
	}

	// the plaintext key lives exactly as long as this function call, only
	// the sealed form is persisted
	sealed, err := s.Vault.Encrypt(keypair.PrivateKey)
	if err != nil {
		return orders.Order{}, errors.Wrap(err, "could not seal deposit key")
	}

	order, err := orders.Insert(s.DB, orders.Order{
		CustomerID:     args.CustomerID,
		RequestedUsd:   args.AmountUsd,
		RequestedUnits: units,
		Rail:           orders.LedgerToken,
		DepositAddress: &keypair.Address,
		EncryptedKey:   sealed.Ciphertext,
		KeyNonce:       sealed.Nonce,
		Status:         orders.PENDING,
	})
	if err != nil {
		return orders.Order{}, errors.Wrap(err, "could not insert order")
	}

	// the address must carry a fee reserve before it can be swept, and the
	// notifier must know about it before funds can arrive. Either failure
	// aborts the order, handing out the address anyway could strand money.
	if _, err := s.Ledger.FundReserve(ctx, keypair.Address); err != nil {
		return orders.Order{}, s.abort(order, "could not fund fee reserve", err)
	}

	if err := s.Notifier.Register(ctx, keypair.Address); err != nil {
		return orders.Order{}, s.abort(order, "could not register address with notifier", err)
	}

	log.WithFields(logrus.Fields{
		"orderId":    order.ID,
		"customerId": order.CustomerID,
		"address":    keypair.Address,
	}).Info("Provisioned ledger-token deposit")

	return order, nil
}

func (s *Service) createLightningDeposit(ctx context.Context, args CreateDepositArgs,
	units int64) (orders.Order, error) {

	invoice, err := s.Gateway.CreateInvoice(ctx, args.AmountUsd)
	if err != nil {
		return orders.Order{}, errors.Wrap(err, "could not create gateway invoice")
	}

	order, err := orders.Insert(s.DB, orders.Order{
		CustomerID:     args.CustomerID,
		RequestedUsd:   args.AmountUsd,
		RequestedUnits: units,
		Rail:           orders.Lightning,
		Invoice:        &invoice.PaymentRequest,
		Expiry:         invoice.ExpirySeconds,
		Status:         orders.PENDING,
	})
	if err != nil {
		return orders.Order{}, errors.Wrap(err, "could not insert order")
	}

	log.WithFields(logrus.Fields{
		"orderId":    order.ID,
		"customerId": order.CustomerID,
	}).Info("Provisioned lightning deposit")

	return order, nil
}

func (s *Service) abort(order orders.Order, reason string, cause error) error {
	log.WithError(cause).WithField("orderId", order.ID).Error("Aborting deposit provisioning")

	if _, markErr := orders.MarkAsFailed(s.DB, order.ID, reason); markErr != nil {
		log.WithError(markErr).WithField("orderId", order.ID).
			Error("Could not mark aborted order as failed")
	}

	return errors.Wrap(cause, reason)
}
