package payouts

import (
	"encoding"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payout
type Status string

const (
	PENDING   Status = "pending"
	COMPLETED Status = "completed"
	FAILED    Status = "failed"
)

func (s Status) MarshalText() (text []byte, err error) {
	return []byte(strings.ToLower(string(s))), nil
}

var _ encoding.TextMarshaler = PENDING

// Payout is the DB type for a single disbursement
type Payout struct {
	ID         uuid.UUID `db:"id"`
	CustomerID int       `db:"customer_id"`

	// Destination is either a raw lightning invoice or a human-readable
	// payment address
	Destination string `db:"destination"`
	// RequestedUsd is nil when the destination carries its own fixed
	// amount
	RequestedUsd *decimal.Decimal `db:"requested_usd"`
	// RailAmount is the final resolved amount in rail base units
	RailAmount *int64 `db:"rail_amount"`

	Status        Status  `db:"status"`
	GatewayRef    *string `db:"gateway_ref"`
	FailureReason *string `db:"failure_reason"`

	// ReservationID points at the single limit reservation this payout
	// consumed. A payout never shares or duplicates a reservation.
	ReservationID *uuid.UUID `db:"reservation_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (p Payout) String() string {
	fragments := []string{
		fmt.Sprintf("Payout: {ID: %s", p.ID),
		fmt.Sprintf("CustomerID: %d", p.CustomerID),
		fmt.Sprintf("Destination: %s", p.Destination),
		fmt.Sprintf("Status: %s", p.Status),
	}
	if p.RequestedUsd != nil {
		fragments = append(fragments, fmt.Sprintf("RequestedUsd: %s", *p.RequestedUsd))
	}
	if p.RailAmount != nil {
		fragments = append(fragments, fmt.Sprintf("RailAmount: %d", *p.RailAmount))
	}
	if p.GatewayRef != nil {
		fragments = append(fragments, fmt.Sprintf("GatewayRef: %s", *p.GatewayRef))
	}
	fragments = append(fragments, fmt.Sprintf("CreatedAt: %v }", p.CreatedAt))

	return strings.Join(fragments, ", ")
}

// LimitReservation is a single entry in the rolling-window cashout ledger.
// Entries are immutable once written, a release is recorded as a
// compensating timestamp rather than a delete.
type LimitReservation struct {
	ID         uuid.UUID       `db:"id"`
	CustomerID int             `db:"customer_id"`
	AmountUsd  decimal.Decimal `db:"amount_usd"`
	CreatedAt  time.Time       `db:"created_at"`
	ReleasedAt *time.Time      `db:"released_at"`
}
