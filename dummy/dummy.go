// Package dummy fills a development database with plausible orders and
// payouts, so the API has something to show without running the full rails.
package dummy

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/models/payouts"
	"github.com/cascadepay/railcore/testutil/lntest"
	"github.com/cascadepay/railcore/vault"
)

var log = build.Log

// fixed dev rates, roughly sats and lamports per dollar
const (
	msatPerUsd    = 1_000_000
	lamportPerUsd = 10_000_000
)

// FillWithData populates the database with dummy data
func FillWithData(d *db.DB, keyVault *vault.Vault, onlyOnce bool) error {
	log.WithField("onlyOnce", onlyOnce).Info("Populating DB with dummy data")
	gofakeit.Seed(time.Now().UnixNano())

	if onlyOnce {
		var count int
		if err := d.Get(&count, "SELECT count(*) FROM orders"); err != nil {
			return fmt.Errorf("could not count orders: %w", err)
		}
		if count != 0 {
			log.Info("DB has data, not populating with further data")
			return nil
		}
	}

	customerCount := 20

	var wg sync.WaitGroup
	for customerID := 1; customerID <= customerCount; customerID++ {
		wg.Add(1)
		go func(customerID int) {
			defer wg.Done()
			createOrdersForCustomer(d, keyVault, customerID)
			createPayoutsForCustomer(d, customerID)
		}(customerID)
	}

	wg.Wait()
	log.WithField("customerCount", customerCount).Info("Created dummy data")

	return nil
}

const maxOrders = 15
const minOrders = 5

func createOrdersForCustomer(d *db.DB, keyVault *vault.Vault, customerID int) {
	orderCount := gofakeit.Number(minOrders, maxOrders)

	for i := 0; i < orderCount; i++ {
		var order orders.Order
		var err error
		if gofakeit.Bool() {
			order, err = insertLightningOrder(d, customerID)
		} else {
			order, err = insertLedgerOrder(d, keyVault, customerID)
		}
		if err != nil {
			log.WithError(err).Error("Could not insert dummy order")
			continue
		}

		advanceOrder(d, order)

		log.WithFields(logrus.Fields{
			"customerId": customerID,
			"id":         order.ID,
			"rail":       order.Rail,
		}).Debug("Inserted dummy order")
	}
}

func insertLightningOrder(d *db.DB, customerID int) (orders.Order, error) {
	usd := randomUsd()
	units := usd.Mul(decimal.NewFromInt(msatPerUsd)).IntPart()
	invoice := lntest.MockPaymentRequest(units, gofakeit.HipsterWord())

	return orders.Insert(d, orders.Order{
		CustomerID:     customerID,
		RequestedUsd:   usd,
		RequestedUnits: units,
		Rail:           orders.Lightning,
		Invoice:        &invoice,
		Expiry:         3600,
	})
}

func insertLedgerOrder(d *db.DB, keyVault *vault.Vault, customerID int) (orders.Order, error) {
	key, err := solanago.NewRandomPrivateKey()
	if err != nil {
		return orders.Order{}, err
	}
	sealed, err := keyVault.Encrypt([]byte(key))
	if err != nil {
		return orders.Order{}, err
	}

	usd := randomUsd()
	address := key.PublicKey().String()
	return orders.Insert(d, orders.Order{
		CustomerID:     customerID,
		RequestedUsd:   usd,
		RequestedUnits: usd.Mul(decimal.NewFromInt(lamportPerUsd)).IntPart(),
		Rail:           orders.LedgerToken,
		DepositAddress: &address,
		EncryptedKey:   sealed.Ciphertext,
		KeyNonce:       sealed.Nonce,
	})
}

// advanceOrder walks a fresh order through a random slice of its lifecycle,
// so the dev DB shows every status
func advanceOrder(d *db.DB, order orders.Order) {
	roll := rand.Intn(10)
	if roll < 4 {
		// stays pending
		return
	}

	source := orders.SourceWebhook
	if gofakeit.Bool() {
		source = orders.SourcePoll
	}
	paid, err := orders.MarkAsPaid(d, order.ID, source, gofakeit.UUID())
	if err != nil {
		log.WithError(err).Error("Could not mark dummy order paid")
		return
	}
	if roll < 6 {
		return
	}

	if paid.Rail == orders.Lightning {
		if _, err := orders.MarkLightningCompleted(d, paid.ID); err != nil {
			log.WithError(err).Error("Could not complete dummy lightning order")
		}
		return
	}

	if _, err := orders.MarkAsSweeping(d, paid.ID); err != nil {
		log.WithError(err).Error("Could not mark dummy order sweeping")
		return
	}
	if roll < 8 {
		if _, err := orders.MarkAsCompleted(d, paid.ID, gofakeit.UUID()); err != nil {
			log.WithError(err).Error("Could not complete dummy order")
		}
		return
	}
	if _, err := orders.MarkAsSweepFailed(d, paid.ID, "sweep transfer was rejected by the ledger"); err != nil {
		log.WithError(err).Error("Could not park dummy order")
	}
}

const maxPayouts = 6

func createPayoutsForCustomer(d *db.DB, customerID int) {
	payoutCount := gofakeit.Number(1, maxPayouts)

	for i := 0; i < payoutCount; i++ {
		// keep amounts small enough that a customer's payouts stay under
		// the rolling ceiling
		usd := decimal.NewFromInt(int64(gofakeit.Number(1, 30)))
		msat := usd.Mul(decimal.NewFromInt(msatPerUsd)).IntPart()
		destination := lntest.MockPaymentRequest(msat, gofakeit.HipsterWord())

		payout, err := payouts.Reserve(d, customerID, destination, usd, &usd)
		if err != nil {
			log.WithError(err).Error("Could not reserve dummy payout")
			continue
		}

		switch rand.Intn(3) {
		case 0:
			// stays pending
		case 1:
			if _, err := payouts.Complete(d, payout.ID, gofakeit.UUID(), msat); err != nil {
				log.WithError(err).Error("Could not complete dummy payout")
			}
		default:
			if _, err := payouts.Fail(d, payout.ID, "gateway rejected the payment"); err != nil {
				log.WithError(err).Error("Could not fail dummy payout")
			}
		}

		log.WithFields(logrus.Fields{
			"customerId": customerID,
			"id":         payout.ID,
		}).Debug("Inserted dummy payout")
	}
}

func randomUsd() decimal.Decimal {
	return decimal.NewFromFloat(gofakeit.Price(1, 200)).Round(2)
}
