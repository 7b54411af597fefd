// Package monitor confirms deposit payments. Two independent paths feed it,
// webhooks pushed by the notifier and a periodic poller, and both funnel
// into the same guarded state transition so an order is confirmed exactly
// once no matter how often or in which order reports arrive.
package monitor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/gateway"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/solana"
)

var log = build.Log

// DefaultPollInterval is how often the poller sweeps over pending orders
const DefaultPollInterval = 30 * time.Second

var (
	// ErrOrderNotFound means the observation doesn't match any order
	ErrOrderNotFound = errors.New("observation does not match any order")
	// ErrUnderpaid means the observed amount doesn't cover the requested
	// amount. The order stays pending.
	ErrUnderpaid = errors.New("observed amount is below the requested amount")
)

// Observation is one report that money arrived for an order. Either
// DepositAddress (ledger-token rail) or Invoice (lightning rail) identifies
// the order.
type Observation struct {
	Source         orders.ConfirmationSource
	DepositAddress string
	Invoice        string
	// Amount is the observed deposit in rail base units
	Amount int64
	// TxRef is the settlement reference, if the reporting path knows it
	TxRef string
}

// Settler receives orders the moment they are confirmed paid
type Settler interface {
	Enqueue(order orders.Order)
}

// Config for a Monitor
type Config struct {
	DB      *db.DB
	Ledger  solana.Client
	Gateway gateway.Client
	Settler Settler
	// ReserveUnits is what every fresh deposit address was pre-funded
	// with. The poller subtracts it from raw balances.
	ReserveUnits uint64
	PollInterval time.Duration
}

// Monitor reconciles payment observations against orders
type Monitor struct {
	conf Config
}

// New creates a Monitor
func New(conf Config) *Monitor {
	if conf.PollInterval == 0 {
		conf.PollInterval = DefaultPollInterval
	}
	return &Monitor{conf: conf}
}

// DB exposes the monitor's database handle
func (m *Monitor) DB() *db.DB {
	return m.conf.DB
}

// Observe reconciles one payment report. It is safe to call any number of
// times for the same order from any path: the first caller to reach the
// guarded update confirms the order and hands it to the settler, every
// later caller finds the order already confirmed and returns it unchanged.
func (m *Monitor) Observe(ctx context.Context, obs Observation) (orders.Order, error) {
	order, err := m.lookup(obs)
	if err != nil {
		return orders.Order{}, err
	}

	if order.Status != orders.PENDING {
		log.WithFields(logrus.Fields{
			"orderId": order.ID,
			"status":  order.Status,
			"source":  obs.Source,
		}).Debug("Dropping duplicate payment observation")
		return order, nil
	}

	if obs.Amount < order.RequestedUnits {
		log.WithFields(logrus.Fields{
			"orderId":  order.ID,
			"observed": obs.Amount,
			"required": order.RequestedUnits,
		}).Warn("Observed an underpayment, order stays pending")
		return orders.Order{}, ErrUnderpaid
	}

	paid, err := orders.MarkAsPaid(m.conf.DB, order.ID, obs.Source, obs.TxRef)
	if errors.Is(err, orders.ErrNotPending) {
		// the other path won the race, which is fine
		existing, getErr := orders.GetByID(m.conf.DB, order.ID)
		if getErr != nil {
			return orders.Order{}, getErr
		}
		return existing, nil
	}
	if err != nil {
		return orders.Order{}, err
	}

	m.conf.Settler.Enqueue(paid)
	return paid, nil
}

func (m *Monitor) lookup(obs Observation) (orders.Order, error) {
	switch {
	case obs.DepositAddress != "":
		order, err := orders.GetByDepositAddress(m.conf.DB, obs.DepositAddress)
		if errors.Is(err, orders.ErrOrderNotFound) {
			return orders.Order{}, ErrOrderNotFound
		}
		return order, err
	case obs.Invoice != "":
		order, err := orders.GetByInvoice(m.conf.DB, obs.Invoice)
		if errors.Is(err, orders.ErrOrderNotFound) {
			return orders.Order{}, ErrOrderNotFound
		}
		return order, err
	default:
		return orders.Order{}, ErrOrderNotFound
	}
}

// Start runs the polling path until the context is cancelled. The poller is
// the safety net behind the webhooks: anything a webhook missed gets picked
// up here within one interval.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.conf.PollInterval)
	defer ticker.Stop()

	log.WithField("interval", m.conf.PollInterval).Info("Starting deposit poller")

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping deposit poller")
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	m.pollLedger(ctx)
	m.pollLightning(ctx)

	if _, err := orders.MarkExpired(m.conf.DB); err != nil {
		log.WithError(err).Error("Could not expire lapsed orders")
	}
}

func (m *Monitor) pollLedger(ctx context.Context) {
	pending, err := orders.ListPendingByRail(m.conf.DB, orders.LedgerToken)
	if err != nil {
		log.WithError(err).Error("Could not list pending ledger orders")
		return
	}

	for _, order := range pending {
		if order.DepositAddress == nil {
			continue
		}

		balance, err := m.conf.Ledger.Balance(ctx, *order.DepositAddress)
		if err != nil {
			log.WithError(err).WithField("orderId", order.ID).
				Error("Could not poll deposit address balance")
			continue
		}

		// the raw balance includes the fee reserve we funded ourselves
		if balance <= m.conf.ReserveUnits {
			continue
		}
		deposited := int64(balance - m.conf.ReserveUnits)
		if deposited < order.RequestedUnits {
			continue
		}

		if _, err := m.Observe(ctx, Observation{
			Source:         orders.SourcePoll,
			DepositAddress: *order.DepositAddress,
			Amount:         deposited,
		}); err != nil {
			log.WithError(err).WithField("orderId", order.ID).
				Error("Could not confirm polled ledger deposit")
		}
	}
}

func (m *Monitor) pollLightning(ctx context.Context) {
	pending, err := orders.ListPendingByRail(m.conf.DB, orders.Lightning)
	if err != nil {
		log.WithError(err).Error("Could not list pending lightning orders")
		return
	}

	for _, order := range pending {
		if order.Invoice == nil || order.IsExpired() {
			continue
		}

		status, err := m.conf.Gateway.LookupInvoice(ctx, *order.Invoice)
		if err != nil {
			log.WithError(err).WithField("orderId", order.ID).
				Error("Could not poll invoice status")
			continue
		}
		if !status.Settled {
			continue
		}

		if _, err := m.Observe(ctx, Observation{
			Source:  orders.SourcePoll,
			Invoice: *order.Invoice,
			Amount:  order.RequestedUnits,
			TxRef:   status.SettledRef,
		}); err != nil {
			log.WithError(err).WithField("orderId", order.ID).
				Error("Could not confirm polled lightning deposit")
		}
	}
}
