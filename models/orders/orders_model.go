package orders

import (
	"encoding"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rail is one of the two payment networks a deposit can arrive on
type Rail string

const (
	// Lightning deposits settle at the payment gateway, we only hold an
	// invoice
	Lightning Rail = "lightning"
	// LedgerToken deposits arrive at an ephemeral on-ledger address we
	// control and later sweep
	LedgerToken Rail = "ledger-token"
)

func (r Rail) MarshalText() (text []byte, err error) {
	return []byte(strings.ToLower(string(r))), nil
}

var _ encoding.TextMarshaler = Lightning

// Status is the lifecycle state of a deposit order
type Status string

const (
	PENDING      Status = "pending"
	PAID         Status = "paid"
	SWEEPING     Status = "sweeping"
	COMPLETED    Status = "completed"
	SWEEP_FAILED Status = "sweep_failed"
	EXPIRED      Status = "expired"
	FAILED       Status = "failed"
)

// ConfirmationSource records which of the two monitoring paths won the race
// to confirm a payment
type ConfirmationSource string

const (
	SourceNone    ConfirmationSource = "none"
	SourceWebhook ConfirmationSource = "webhook"
	SourcePoll    ConfirmationSource = "poll"
)

// Order is the DB type for a single deposit attempt. One order maps to one
// ephemeral deposit identity (ledger-token rail) or one invoice (lightning
// rail). This struct is only responsible for DB serialization and
// deserialization.
type Order struct {
	ID         uuid.UUID `db:"id"`
	CustomerID int       `db:"customer_id"`

	// RequestedUsd is what the customer asked to top up, in the source
	// currency
	RequestedUsd decimal.Decimal `db:"requested_usd"`
	// RequestedUnits is RequestedUsd converted to the rail's base unit at
	// creation time. Observations are compared against this value.
	RequestedUnits int64 `db:"requested_units"`

	Rail Rail `db:"rail"`

	// ledger-token fields. EncryptedKey and KeyNonce together form the
	// sealed ephemeral private key and only ever leave this record through
	// the vault.
	DepositAddress *string `db:"deposit_address"`
	EncryptedKey   []byte  `db:"encrypted_key"`
	KeyNonce       []byte  `db:"key_nonce"`

	// lightning fields
	Invoice *string `db:"invoice"`
	// Expiry is the invoice expiry in seconds from CreatedAt
	Expiry int64 `db:"expiry"`

	Status             Status             `db:"status"`
	ConfirmationSource ConfirmationSource `db:"confirmation_source"`
	SettlementTxRef    *string            `db:"settlement_tx_ref"`
	FailureReason      *string            `db:"failure_reason"`

	PaidAt    *time.Time `db:"paid_at"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// ExpiresAt converts the Expiry field to a point in time
func (o Order) ExpiresAt() time.Time {
	return o.CreatedAt.Add(time.Second * time.Duration(o.Expiry))
}

// IsExpired calculates whether a lightning order's invoice has lapsed
func (o Order) IsExpired() bool {
	if o.Rail != Lightning {
		return false
	}
	return o.ExpiresAt().Before(time.Now().UTC())
}

func (o Order) String() string {
	fragments := []string{
		fmt.Sprintf("Order: {ID: %s", o.ID),
		fmt.Sprintf("CustomerID: %d", o.CustomerID),
		fmt.Sprintf("Rail: %s", o.Rail),
		fmt.Sprintf("RequestedUsd: %s", o.RequestedUsd),
		fmt.Sprintf("RequestedUnits: %d", o.RequestedUnits),
		fmt.Sprintf("Status: %s", o.Status),
		fmt.Sprintf("ConfirmationSource: %s", o.ConfirmationSource),
	}

	// the sealed key is deliberately absent here, a String() call must
	// never end up leaking it into logs
	if o.DepositAddress != nil {
		fragments = append(fragments, fmt.Sprintf("DepositAddress: %s", *o.DepositAddress))
	}
	if o.Invoice != nil {
		fragments = append(fragments, fmt.Sprintf("Invoice: %s", *o.Invoice))
	}
	if o.SettlementTxRef != nil {
		fragments = append(fragments, fmt.Sprintf("SettlementTxRef: %s", *o.SettlementTxRef))
	}
	if o.PaidAt != nil {
		fragments = append(fragments, fmt.Sprintf("PaidAt: %v", *o.PaidAt))
	}

	fragments = append(fragments,
		fmt.Sprintf("CreatedAt: %v", o.CreatedAt),
		fmt.Sprintf("UpdatedAt: %v }", o.UpdatedAt),
	)

	return strings.Join(fragments, ", ")
}
