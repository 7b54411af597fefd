package payouts

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
)

var log = build.Log

var (
	// ErrLimitExceeded means the payout would push the customer over the
	// rolling 24 hour ceiling. This is a user-actionable rejection, the
	// amount is never silently clamped.
	ErrLimitExceeded = errors.New("payout exceeds rolling 24 hour cashout limit")
	// ErrPayoutNotFound means no payout matched the query
	ErrPayoutNotFound = errors.New("payout not found")
	// ErrNonPositiveAmount means a reservation was attempted for zero or
	// negative USD
	ErrNonPositiveAmount = errors.New("cannot reserve a non-positive amount")
)

// CashoutCeilingUsd is the fixed per-customer payout ceiling over the
// trailing LimitWindow
var CashoutCeilingUsd = decimal.NewFromInt(300)

// LimitWindow is how long a reservation counts against the ceiling
const LimitWindow = 24 * time.Hour

// advisory lock namespace for per-customer reservation serialization
const reserveLockNamespace = 47221

const payoutReturningSql = ` RETURNING id, customer_id, destination, requested_usd,
	rail_amount, status, gateway_ref, failure_reason, reservation_id,
	created_at, updated_at`

// ReservedInWindow sums the unreleased reservations for the customer over
// the trailing window
func ReservedInWindow(d db.Getter, customerID int) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount_usd), 0)
		FROM limit_reservations
		WHERE customer_id = $1
		  AND released_at IS NULL
		  AND created_at > now() - interval '24 hours'`

	var reserved decimal.Decimal
	if err := d.Get(&reserved, query, customerID); err != nil {
		return decimal.Zero, fmt.Errorf("could not sum reservations: %w", err)
	}
	return reserved, nil
}

// Reserve atomically checks the customer's trailing-window total and, if
// there's capacity, writes a reservation plus a pending payout consuming it.
// The read of the rolling sum and both writes happen inside one transaction
// serialized per customer with an advisory lock, so two concurrent payout
// requests can never both pass the check on a stale sum. Requests for
// different customers never contend.
func Reserve(d *db.DB, customerID int, destination string,
	amountUsd decimal.Decimal, requestedUsd *decimal.Decimal) (Payout, error) {

	if !amountUsd.IsPositive() {
		return Payout{}, ErrNonPositiveAmount
	}

	tx := d.MustBegin()

	if _, err := tx.Exec("SELECT pg_advisory_xact_lock($1, $2)",
		reserveLockNamespace, customerID); err != nil {
		_ = tx.Rollback()
		return Payout{}, fmt.Errorf("could not take reservation lock: %w", err)
	}

	reserved, err := ReservedInWindow(tx, customerID)
	if err != nil {
		_ = tx.Rollback()
		return Payout{}, err
	}

	if reserved.Add(amountUsd).GreaterThan(CashoutCeilingUsd) {
		_ = tx.Rollback()
		log.WithFields(logrus.Fields{
			"customerId": customerID,
			"reserved":   reserved,
			"requested":  amountUsd,
			"ceiling":    CashoutCeilingUsd,
		}).Info("Rejecting payout over rolling limit")
		return Payout{}, ErrLimitExceeded
	}

	reservation := LimitReservation{
		ID:         uuid.New(),
		CustomerID: customerID,
		AmountUsd:  amountUsd,
	}
	reservationQuery := `INSERT INTO limit_reservations (id, customer_id, amount_usd)
		VALUES (:id, :customer_id, :amount_usd)`
	if _, err := tx.NamedExec(reservationQuery, reservation); err != nil {
		_ = tx.Rollback()
		return Payout{}, fmt.Errorf("could not insert reservation: %w", err)
	}

	payout := Payout{
		ID:            uuid.New(),
		CustomerID:    customerID,
		Destination:   destination,
		RequestedUsd:  requestedUsd,
		Status:        PENDING,
		ReservationID: &reservation.ID,
	}
	payoutQuery := `INSERT INTO payouts (id, customer_id, destination, requested_usd,
		status, reservation_id)
	VALUES (:id, :customer_id, :destination, :requested_usd, :status,
		:reservation_id)` + payoutReturningSql

	rows, err := tx.NamedQuery(payoutQuery, payout)
	if err != nil {
		_ = tx.Rollback()
		return Payout{}, fmt.Errorf("could not insert payout: %w", err)
	}

	var inserted Payout
	if !rows.Next() {
		rows.Close()
		_ = tx.Rollback()
		return Payout{}, fmt.Errorf("could not insert payout: %w", sql.ErrNoRows)
	}
	if err := rows.StructScan(&inserted); err != nil {
		rows.Close()
		_ = tx.Rollback()
		return Payout{}, fmt.Errorf("could not scan inserted payout: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return Payout{}, fmt.Errorf("could not commit reservation: %w", err)
	}

	return inserted, nil
}

// Complete marks a payout as completed with the gateway's settlement
// reference and the final resolved rail amount
func Complete(d *db.DB, id uuid.UUID, gatewayRef string, railAmount int64) (Payout, error) {
	query := `UPDATE payouts
		SET status=$1, gateway_ref=$2, rail_amount=$3, updated_at=$4
		WHERE id=$5 AND status=$6` + payoutReturningSql

	var updated Payout
	err := d.Get(&updated, query, COMPLETED, gatewayRef, railAmount,
		time.Now().UTC(), id, PENDING)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Payout{}, ErrPayoutNotFound
	case err != nil:
		return Payout{}, fmt.Errorf("could not complete payout: %w", err)
	}
	return updated, nil
}

// Fail marks a payout as failed and releases its limit reservation so the
// customer regains capacity. The release is a compensating timestamp on the
// reservation, the row itself is never deleted.
func Fail(d *db.DB, id uuid.UUID, reason string) (Payout, error) {
	tx := d.MustBegin()

	query := `UPDATE payouts
		SET status=$1, failure_reason=$2, updated_at=$3
		WHERE id=$4 AND status=$5` + payoutReturningSql

	var updated Payout
	err := tx.Get(&updated, query, FAILED, reason, time.Now().UTC(), id, PENDING)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_ = tx.Rollback()
		return Payout{}, ErrPayoutNotFound
	case err != nil:
		_ = tx.Rollback()
		return Payout{}, fmt.Errorf("could not fail payout: %w", err)
	}

	if updated.ReservationID != nil {
		releaseQuery := `UPDATE limit_reservations
			SET released_at=now()
			WHERE id=$1 AND released_at IS NULL`
		if _, err := tx.Exec(releaseQuery, *updated.ReservationID); err != nil {
			_ = tx.Rollback()
			return Payout{}, fmt.Errorf("could not release reservation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return Payout{}, fmt.Errorf("could not commit payout failure: %w", err)
	}

	log.WithFields(logrus.Fields{
		"payoutId": updated.ID,
		"reason":   reason,
	}).Info("Marked payout as failed and released reservation")

	return updated, nil
}

// GetByID selects a single payout by its primary key
func GetByID(d *db.DB, id uuid.UUID) (Payout, error) {
	query := "SELECT * FROM payouts WHERE id=$1 LIMIT 1"

	var payout Payout
	if err := d.Get(&payout, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payout{}, ErrPayoutNotFound
		}
		return Payout{}, fmt.Errorf("could not get payout: %w", err)
	}
	return payout, nil
}

// GetAllByCustomer selects all payouts for a customer
func GetAllByCustomer(d *db.DB, customerID int) ([]Payout, error) {
	return GetAllByCustomerLimitOffset(d, customerID, math.MaxInt32, 0)
}

// GetAllByCustomerLimitOffset selects payouts for a customer with paging
func GetAllByCustomerLimitOffset(d *db.DB, customerID int, limit int, offset int) (
	[]Payout, error) {
	query := `SELECT *
		FROM payouts
		WHERE customer_id=$1
		ORDER BY created_at
		LIMIT $2
		OFFSET $3`

	found := []Payout{}
	if err := d.Select(&found, query, customerID, limit, offset); err != nil {
		return found, fmt.Errorf("could not get payouts: %w", err)
	}
	return found, nil
}
