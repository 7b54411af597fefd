// Package sweep moves confirmed deposits to their final resting place. On
// the ledger-token rail that means draining the ephemeral address into the
// master wallet, on the lightning rail funds already sit at the gateway and
// the order just completes.
//
// A sweep gets exactly one attempt. A failed sweep parks the order as
// sweep_failed with the sealed key intact, and only an explicit operator
// recovery re-arms it. There is no automatic retry: blindly re-broadcasting
// a transfer whose first attempt may or may not have landed risks paying
// fees twice or worse.
package sweep

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/solana"
	"github.com/cascadepay/railcore/vault"
)

var log = build.Log

// ErrNotRecoverable means a recovery was requested for an order that isn't
// parked as sweep_failed
var ErrNotRecoverable = errors.New("order is not parked as sweep_failed")

const defaultQueueSize = 64

// Config for an Executor
type Config struct {
	DB     *db.DB
	Ledger solana.Client
	Vault  *vault.Vault
	// QueueSize bounds the number of orders waiting to be swept
	QueueSize int
}

// Executor consumes confirmed orders and settles them
type Executor struct {
	conf  Config
	queue chan orders.Order
}

// New creates an Executor
func New(conf Config) *Executor {
	if conf.QueueSize == 0 {
		conf.QueueSize = defaultQueueSize
	}
	return &Executor{
		conf:  conf,
		queue: make(chan orders.Order, conf.QueueSize),
	}
}

// Enqueue hands a confirmed order to the executor
func (e *Executor) Enqueue(order orders.Order) {
	e.queue <- order
}

// Start consumes the queue until the context is cancelled
func (e *Executor) Start(ctx context.Context) {
	log.Info("Starting sweep executor")
	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping sweep executor")
			return
		case order := <-e.queue:
			e.settle(ctx, order)
		}
	}
}

// Resume re-enqueues orders that were confirmed paid but never settled,
// for instance because the process died with a non-empty queue
func (e *Executor) Resume() error {
	paid, err := orders.ListPaid(e.conf.DB)
	if err != nil {
		return errors.Wrap(err, "could not list unsettled orders")
	}

	for _, order := range paid {
		e.Enqueue(order)
	}
	if len(paid) > 0 {
		log.WithField("count", len(paid)).Info("Re-enqueued unsettled orders")
	}
	return nil
}

func (e *Executor) settle(ctx context.Context, order orders.Order) {
	switch order.Rail {
	case orders.Lightning:
		// funds settle at the gateway, nothing to move
		if _, err := orders.MarkLightningCompleted(e.conf.DB, order.ID); err != nil {
			log.WithError(err).WithField("orderId", order.ID).
				Error("Could not complete lightning order")
		}

	case orders.LedgerToken:
		claimed, err := orders.MarkAsSweeping(e.conf.DB, order.ID)
		if errors.Is(err, orders.ErrBadTransition) {
			// someone else claimed the sweep, nothing to do
			return
		}
		if err != nil {
			log.WithError(err).WithField("orderId", order.ID).
				Error("Could not claim order for sweeping")
			return
		}

		e.attempt(ctx, claimed)
	}
}

// attempt runs the single allowed sweep attempt for a claimed order
func (e *Executor) attempt(ctx context.Context, claimed orders.Order) {
	key, err := e.conf.Vault.Decrypt(vault.Sealed{
		Ciphertext: claimed.EncryptedKey,
		Nonce:      claimed.KeyNonce,
	})
	if err != nil {
		// an unsealable key means the stored ciphertext was corrupted or
		// tampered with. Funds sit untouched at the deposit address until
		// an operator sorts it out.
		log.WithError(err).WithField("orderId", claimed.ID).
			Error("Sealed deposit key failed to open, operator attention required")
		e.park(claimed.ID, "sealed deposit key failed authentication")
		return
	}

	sig, amount, err := e.conf.Ledger.SweepAll(ctx, key)
	if err != nil {
		log.WithError(err).WithField("orderId", claimed.ID).
			Error("Sweep attempt failed, parking order for operator review")
		e.park(claimed.ID, err.Error())
		return
	}

	if _, err := orders.MarkAsCompleted(e.conf.DB, claimed.ID, sig); err != nil {
		log.WithError(err).WithField("orderId", claimed.ID).
			Error("Sweep landed but order could not be completed")
		return
	}

	log.WithFields(logrus.Fields{
		"orderId": claimed.ID,
		"amount":  amount,
		"txRef":   sig,
	}).Info("Swept deposit to master wallet")
}

func (e *Executor) park(id uuid.UUID, reason string) {
	if _, err := orders.MarkAsSweepFailed(e.conf.DB, id, reason); err != nil {
		log.WithError(err).WithField("orderId", id).
			Error("Could not park order as sweep_failed")
	}
}

// Recover re-arms a sweep_failed order for one more attempt. This is an
// explicit operator action, nothing calls it automatically.
func (e *Executor) Recover(ctx context.Context, id uuid.UUID) (orders.Order, error) {
	claimed, err := orders.MarkRecoverySweeping(e.conf.DB, id)
	if errors.Is(err, orders.ErrBadTransition) {
		return orders.Order{}, ErrNotRecoverable
	}
	if err != nil {
		return orders.Order{}, err
	}

	log.WithField("orderId", id).Info("Operator re-armed failed sweep")
	e.attempt(ctx, claimed)

	return orders.GetByID(e.conf.DB, id)
}
