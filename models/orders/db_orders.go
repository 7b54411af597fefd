package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
)

var log = build.Log

var (
	// ErrNotPending means a conditional transition out of `pending` found
	// the order already confirmed (or expired). For the confirmation
	// monitor this is the expected outcome of losing the race, not a
	// failure.
	ErrNotPending = errors.New("order is no longer pending")
	// ErrBadTransition means a status transition was attempted from a
	// state it's not allowed from
	ErrBadTransition = errors.New("order is not in the required status")
	// ErrOrderNotFound means no order matched the query
	ErrOrderNotFound = errors.New("order not found")
)

const orderReturningSql = ` RETURNING id, customer_id, requested_usd, requested_units,
	rail, deposit_address, encrypted_key, key_nonce, invoice, expiry, status,
	confirmation_source, settlement_tx_ref, failure_reason, paid_at,
	created_at, updated_at`

// Insert persists the given order to the DB. If the order has no ID one is
// generated.
func Insert(d db.Inserter, o Order) (Order, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = PENDING
	}
	if o.ConfirmationSource == "" {
		o.ConfirmationSource = SourceNone
	}

	query := `INSERT INTO orders (id, customer_id, requested_usd, requested_units,
		rail, deposit_address, encrypted_key, key_nonce, invoice, expiry, status,
		confirmation_source)
	VALUES (:id, :customer_id, :requested_usd, :requested_units, :rail,
		:deposit_address, :encrypted_key, :key_nonce, :invoice, :expiry, :status,
		:confirmation_source)` + orderReturningSql

	rows, err := d.NamedQuery(query, o)
	if err != nil {
		return Order{}, fmt.Errorf("could not insert order: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("could not close rows")
		}
	}()

	var inserted Order
	if !rows.Next() {
		return Order{}, fmt.Errorf("could not insert order: %w", sql.ErrNoRows)
	}
	if err := rows.StructScan(&inserted); err != nil {
		return Order{}, fmt.Errorf("could not scan inserted order: %w", err)
	}

	return inserted, nil
}

// GetByID selects a single order by its primary key
func GetByID(d *db.DB, id uuid.UUID) (Order, error) {
	query := "SELECT * FROM orders WHERE id=$1 LIMIT 1"

	var order Order
	if err := d.Get(&order, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("could not get order: %w", err)
	}

	return order, nil
}

// GetByDepositAddress finds the order monitoring the given ledger address
func GetByDepositAddress(d *db.DB, address string) (Order, error) {
	query := "SELECT * FROM orders WHERE deposit_address=$1 LIMIT 1"

	var order Order
	if err := d.Get(&order, query, address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("could not get order by address: %w", err)
	}

	return order, nil
}

// GetByInvoice finds the order carrying the given lightning invoice
func GetByInvoice(d *db.DB, invoice string) (Order, error) {
	query := "SELECT * FROM orders WHERE invoice=$1 LIMIT 1"

	var order Order
	if err := d.Get(&order, query, invoice); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("could not get order by invoice: %w", err)
	}

	return order, nil
}

// GetAllByCustomer selects all orders for a customer
func GetAllByCustomer(d *db.DB, customerID int) ([]Order, error) {
	return GetAllByCustomerLimitOffset(d, customerID, math.MaxInt32, 0)
}

// GetAllByCustomerLimitOffset selects orders for a customer with paging
func GetAllByCustomerLimitOffset(d *db.DB, customerID int, limit int, offset int) (
	[]Order, error) {
	query := `SELECT *
		FROM orders
		WHERE customer_id=$1
		ORDER BY created_at
		LIMIT $2
		OFFSET $3`

	found := []Order{}
	if err := d.Select(&found, query, customerID, limit, offset); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"limit":      limit,
			"offset":     offset,
			"customerId": customerID,
		}).Error("Could not get orders")
		return found, err
	}

	return found, nil
}

// ListPendingByRail selects every order still pending on the given rail.
// The poll worker feeds on this for the ledger-token rail.
func ListPendingByRail(d *db.DB, rail Rail) ([]Order, error) {
	query := "SELECT * FROM orders WHERE status=$1 AND rail=$2 ORDER BY created_at"

	found := []Order{}
	if err := d.Select(&found, query, PENDING, rail); err != nil {
		return found, fmt.Errorf("could not list pending orders: %w", err)
	}
	return found, nil
}

// ListPaid selects orders confirmed but not yet swept or completed
func ListPaid(d *db.DB) ([]Order, error) {
	query := "SELECT * FROM orders WHERE status=$1 ORDER BY paid_at"

	found := []Order{}
	if err := d.Select(&found, query, PAID); err != nil {
		return found, fmt.Errorf("could not list paid orders: %w", err)
	}
	return found, nil
}

// MarkAsPaid performs the guarded pending->paid transition. The WHERE clause
// makes the transition atomic: no matter how many observers report the same
// payment, exactly one of them gets the updated row back, everyone else gets
// ErrNotPending. ConfirmationSource and SettlementTxRef are therefore set
// exactly once.
func MarkAsPaid(d *db.DB, id uuid.UUID, source ConfirmationSource, txRef string) (Order, error) {
	query := `UPDATE orders
		SET status=$1, confirmation_source=$2, settlement_tx_ref=$3,
			paid_at=$4, updated_at=$4
		WHERE id=$5 AND status=$6` + orderReturningSql

	now := time.Now().UTC()
	var updated Order
	err := d.Get(&updated, query, PAID, source, txRef, now, id, PENDING)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Order{}, ErrNotPending
	case err != nil:
		return Order{}, fmt.Errorf("could not mark order as paid: %w", err)
	}

	log.WithFields(logrus.Fields{
		"orderId": updated.ID,
		"source":  source,
		"txRef":   txRef,
	}).Info("Marked order as paid")

	return updated, nil
}

// MarkAsSweeping performs the guarded paid->sweeping transition. Only one
// sweep is ever scheduled per order because only one caller wins this
// update.
func MarkAsSweeping(d *db.DB, id uuid.UUID) (Order, error) {
	return transition(d, id, PAID, SWEEPING, nil, nil)
}

// MarkAsCompleted finishes a ledger-token sweep, recording the sweep
// transaction reference
func MarkAsCompleted(d *db.DB, id uuid.UUID, settlementTxRef string) (Order, error) {
	return transition(d, id, SWEEPING, COMPLETED, &settlementTxRef, nil)
}

// MarkAsSweepFailed parks a failed sweep for operator adjudication. There is
// deliberately no automatic path out of this state.
func MarkAsSweepFailed(d *db.DB, id uuid.UUID, reason string) (Order, error) {
	return transition(d, id, SWEEPING, SWEEP_FAILED, nil, &reason)
}

// MarkRecoverySweeping re-arms a sweep_failed order for one more sweep
// attempt. This only happens on an explicit operator action.
func MarkRecoverySweeping(d *db.DB, id uuid.UUID) (Order, error) {
	return transition(d, id, SWEEP_FAILED, SWEEPING, nil, nil)
}

// MarkAsFailed aborts a pending order whose provisioning could not be
// finished, recording why
func MarkAsFailed(d *db.DB, id uuid.UUID, reason string) (Order, error) {
	return transition(d, id, PENDING, FAILED, nil, &reason)
}

// MarkLightningCompleted finishes a lightning order. Funds settle at the
// gateway so there's nothing to sweep.
func MarkLightningCompleted(d *db.DB, id uuid.UUID) (Order, error) {
	query := `UPDATE orders
		SET status=$1, updated_at=$2
		WHERE id=$3 AND status=$4 AND rail=$5` + orderReturningSql

	var updated Order
	err := d.Get(&updated, query, COMPLETED, time.Now().UTC(), id, PAID, Lightning)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Order{}, ErrBadTransition
	case err != nil:
		return Order{}, fmt.Errorf("could not complete lightning order: %w", err)
	}
	return updated, nil
}

func transition(d *db.DB, id uuid.UUID, from Status, to Status,
	settlementTxRef *string, failureReason *string) (Order, error) {

	query := `UPDATE orders
		SET status=$1,
			settlement_tx_ref=COALESCE($2, settlement_tx_ref),
			failure_reason=COALESCE($3, failure_reason),
			updated_at=$4
		WHERE id=$5 AND status=$6` + orderReturningSql

	var updated Order
	err := d.Get(&updated, query, to, settlementTxRef, failureReason,
		time.Now().UTC(), id, from)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Order{}, ErrBadTransition
	case err != nil:
		return Order{}, fmt.Errorf("could not transition order %s -> %s: %w", from, to, err)
	}

	return updated, nil
}

// MarkExpired bulk-expires pending lightning orders whose invoice expiry
// has lapsed. Returns the orders that were expired.
func MarkExpired(d *db.DB) ([]Order, error) {
	query := `UPDATE orders
		SET status=$1, updated_at=now()
		WHERE status=$2 AND rail=$3
		  AND created_at + expiry * interval '1 second' < now()` + orderReturningSql

	expired := []Order{}
	if err := d.Select(&expired, query, EXPIRED, PENDING, Lightning); err != nil {
		return nil, fmt.Errorf("could not expire orders: %w", err)
	}

	if len(expired) > 0 {
		log.WithField("count", len(expired)).Info("Expired lightning orders")
	}
	return expired, nil
}
