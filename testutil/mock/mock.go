// Package mock has in-memory stand-ins for the external services the core
// talks to: the payment gateway, the ledger RPC, the balance notifier and
// the rate source.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/gateway"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/notifier"
	"github.com/cascadepay/railcore/rates"
	"github.com/cascadepay/railcore/solana"
	"github.com/cascadepay/railcore/testutil/lntest"
)

var log = logrus.New()

func randomHex() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// GatewayClient is an in-memory payment gateway
type GatewayClient struct {
	mu sync.Mutex
	// FailPayments makes every PayInvoice call fail with ErrPaymentRejected
	FailPayments bool
	// FailInvoices makes every CreateInvoice call error
	FailInvoices bool
	// InvoiceExpirySeconds is the expiry stamped on issued invoices
	InvoiceExpirySeconds int64

	paidInvoices    []string
	createdInvoices int
	settled         map[string]string
}

var _ gateway.Client = &GatewayClient{}

// NewGatewayClient returns a gateway mock with an hour-long invoice expiry
func NewGatewayClient() *GatewayClient {
	return &GatewayClient{
		InvoiceExpirySeconds: 3600,
		settled:              make(map[string]string),
	}
}

// SettleInvoice marks an invoice as settled at the mock gateway
func (g *GatewayClient) SettleInvoice(paymentRequest string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ref := randomHex()
	g.settled[paymentRequest] = ref
	return ref
}

func (g *GatewayClient) LookupInvoice(ctx context.Context,
	paymentRequest string) (gateway.InvoiceStatus, error) {

	g.mu.Lock()
	defer g.mu.Unlock()

	ref, ok := g.settled[paymentRequest]
	return gateway.InvoiceStatus{Settled: ok, SettledRef: ref}, nil
}

func (g *GatewayClient) CreateInvoice(ctx context.Context,
	amountUsd decimal.Decimal) (gateway.Invoice, error) {

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailInvoices {
		return gateway.Invoice{}, fmt.Errorf("MOCK: gateway is down")
	}

	g.createdInvoices++
	return gateway.Invoice{
		PaymentRequest: lntest.MockAmountlessPaymentRequest("mock deposit invoice"),
		ExpirySeconds:  g.InvoiceExpirySeconds,
	}, nil
}

func (g *GatewayClient) PayInvoice(ctx context.Context,
	paymentRequest string) (gateway.PaymentResult, error) {

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailPayments {
		return gateway.PaymentResult{}, gateway.ErrPaymentRejected
	}

	g.paidInvoices = append(g.paidInvoices, paymentRequest)
	log.Info("MOCK: Paid invoice")
	return gateway.PaymentResult{GatewayRef: randomHex()}, nil
}

// PaidInvoices lists every invoice successfully paid through the mock
func (g *GatewayClient) PaidInvoices() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string{}, g.paidInvoices...)
}

// CreatedInvoices counts issued invoices
func (g *GatewayClient) CreatedInvoices() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createdInvoices
}

// NotifierClient is an in-memory balance notifier
type NotifierClient struct {
	mu sync.Mutex
	// FailRegistrations makes every Register call error
	FailRegistrations bool

	registered []string
}

var _ notifier.Client = &NotifierClient{}

// NewNotifierClient returns a notifier mock
func NewNotifierClient() *NotifierClient {
	return &NotifierClient{}
}

func (n *NotifierClient) Register(ctx context.Context, address string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.FailRegistrations {
		return fmt.Errorf("MOCK: notifier is down")
	}

	n.registered = append(n.registered, address)
	return nil
}

// Registered lists every address registered with the mock
func (n *NotifierClient) Registered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.registered...)
}

// RatesClient converts with a fixed rate per rail
type RatesClient struct {
	// UnitsPerUsd is the fixed conversion rate, keyed by rail
	UnitsPerUsd map[orders.Rail]int64
}

var _ rates.Client = &RatesClient{}

// NewRatesClient returns a rate mock with round, easy-to-assert rates
func NewRatesClient() *RatesClient {
	return &RatesClient{
		UnitsPerUsd: map[orders.Rail]int64{
			orders.Lightning:   1000,
			orders.LedgerToken: 10000,
		},
	}
}

func (r *RatesClient) UsdToRailUnits(ctx context.Context, usd decimal.Decimal,
	rail orders.Rail) (int64, error) {

	if !usd.IsPositive() {
		return 0, rates.ErrNonPositiveAmount
	}
	rate, ok := r.UnitsPerUsd[rail]
	if !ok {
		return 0, fmt.Errorf("MOCK: no rate for rail %s", rail)
	}
	return usd.Mul(decimal.NewFromInt(rate)).IntPart(), nil
}

func (r *RatesClient) RailUnitsToUsd(ctx context.Context, units int64,
	rail orders.Rail) (decimal.Decimal, error) {

	if units <= 0 {
		return decimal.Zero, rates.ErrNonPositiveAmount
	}
	rate, ok := r.UnitsPerUsd[rail]
	if !ok {
		return decimal.Zero, fmt.Errorf("MOCK: no rate for rail %s", rail)
	}
	return decimal.NewFromInt(units).Div(decimal.NewFromInt(rate)).Round(2), nil
}

// LedgerClient is an in-memory ledger rail
type LedgerClient struct {
	mu sync.Mutex
	// Balances holds the balance returned for each address
	Balances map[string]uint64
	// FailFunding makes FundReserve error
	FailFunding bool
	// FailSweeps makes SweepAll error
	FailSweeps bool

	sweeps  int
	counter int
}

var _ solana.Client = &LedgerClient{}

// NewLedgerClient returns a ledger mock with no balances
func NewLedgerClient() *LedgerClient {
	return &LedgerClient{Balances: make(map[string]uint64)}
}

// GenerateDepositKey creates a deterministic fake keypair. The private key
// is the address bytes, so SweepAll can find the balance it belongs to.
func (l *LedgerClient) GenerateDepositKey() (solana.Keypair, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter++
	address := fmt.Sprintf("mock-deposit-address-%d", l.counter)
	return solana.Keypair{
		Address:    address,
		PrivateKey: []byte(address),
	}, nil
}

func (l *LedgerClient) FundReserve(ctx context.Context, address string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailFunding {
		return "", fmt.Errorf("MOCK: could not fund reserve")
	}
	return randomHex(), nil
}

func (l *LedgerClient) Balance(ctx context.Context, address string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Balances[address], nil
}

func (l *LedgerClient) SweepAll(ctx context.Context, privateKey []byte) (string, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailSweeps {
		return "", 0, fmt.Errorf("MOCK: sweep submission failed")
	}

	address := string(privateKey)
	amount := l.Balances[address]
	if amount == 0 {
		return "", 0, fmt.Errorf("MOCK: nothing to sweep at %s", address)
	}

	l.Balances[address] = 0
	l.sweeps++
	return randomHex(), amount, nil
}

func (l *LedgerClient) MasterAddress() string {
	return "mock-master-address"
}

// Sweeps counts successful sweeps
func (l *LedgerClient) Sweeps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweeps
}

// SetBalance sets the balance reported for an address
func (l *LedgerClient) SetBalance(address string, balance uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Balances[address] = balance
}
