// Package gateway is the client for the external payment gateway, which
// issues lightning invoices for us and pays invoices on our behalf.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/cascadepay/railcore/build"
)

var log = build.Log

// ErrPaymentRejected means the gateway refused or failed the payment
var ErrPaymentRejected = errors.New("gateway rejected the payment")

// Invoice is a freshly issued lightning invoice
type Invoice struct {
	PaymentRequest string `json:"paymentRequest"`
	// ExpirySeconds counts from issuance
	ExpirySeconds int64 `json:"expirySeconds"`
}

// PaymentResult is the outcome of a successfully settled payment
type PaymentResult struct {
	GatewayRef    string `json:"ref"`
	SettledAmount int64  `json:"settledAmount"`
}

// InvoiceStatus is the settlement state of an issued invoice
type InvoiceStatus struct {
	Settled bool `json:"settled"`
	// SettledRef is the gateway's settlement reference, empty until settled
	SettledRef string `json:"settledRef"`
}

// Client is the gateway surface the core depends on
type Client interface {
	CreateInvoice(ctx context.Context, amountUsd decimal.Decimal) (Invoice, error)
	// LookupInvoice reports whether an invoice we issued has settled
	LookupInvoice(ctx context.Context, paymentRequest string) (InvoiceStatus, error)
	PayInvoice(ctx context.Context, paymentRequest string) (PaymentResult, error)
}

// Config for the HTTP gateway client
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds every gateway call. It must stay below any
	// user-facing wait.
	Timeout time.Duration
}

// HTTPClient implements Client over the gateway's REST API
type HTTPClient struct {
	conf Config
	http *http.Client
}

var _ Client = &HTTPClient{}

// NewHTTPClient creates a gateway client with a finite timeout
func NewHTTPClient(conf Config) *HTTPClient {
	if conf.Timeout == 0 {
		conf.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		conf: conf,
		http: &http.Client{Timeout: conf.Timeout},
	}
}

// CreateInvoice asks the gateway for an invoice of the given USD amount
func (c *HTTPClient) CreateInvoice(ctx context.Context, amountUsd decimal.Decimal) (Invoice, error) {
	body := struct {
		AmountUsd decimal.Decimal `json:"amountUsd"`
	}{AmountUsd: amountUsd}

	var invoice Invoice
	if err := c.post(ctx, "/invoices", body, &invoice); err != nil {
		return Invoice{}, errors.Wrap(err, "could not create invoice")
	}
	if invoice.PaymentRequest == "" {
		return Invoice{}, errors.New("gateway returned an empty invoice")
	}

	log.WithField("expirySeconds", invoice.ExpirySeconds).Debug("Created gateway invoice")
	return invoice, nil
}

// LookupInvoice reports whether an invoice we issued has settled
func (c *HTTPClient) LookupInvoice(ctx context.Context, paymentRequest string) (InvoiceStatus, error) {
	body := struct {
		PaymentRequest string `json:"paymentRequest"`
	}{PaymentRequest: paymentRequest}

	var status InvoiceStatus
	if err := c.post(ctx, "/invoices/status", body, &status); err != nil {
		return InvoiceStatus{}, errors.Wrap(err, "could not look up invoice")
	}
	return status, nil
}

// PayInvoice asks the gateway to settle the given invoice
func (c *HTTPClient) PayInvoice(ctx context.Context, paymentRequest string) (PaymentResult, error) {
	body := struct {
		PaymentRequest string `json:"paymentRequest"`
	}{PaymentRequest: paymentRequest}

	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		PaymentResult
	}
	if err := c.post(ctx, "/payments", body, &result); err != nil {
		return PaymentResult{}, errors.Wrap(err, "could not pay invoice")
	}

	if !result.Success {
		log.WithField("gatewayError", result.Error).Error("Gateway payment failed")
		return PaymentResult{}, ErrPaymentRejected
	}

	return result.PaymentResult, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{},
	dest interface{}) error {

	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.conf.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.conf.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.conf.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("gateway returned status %d", res.StatusCode)
	}

	return json.NewDecoder(res.Body).Decode(dest)
}
