// Package apihooks receives the push half of deposit confirmation: balance
// webhooks from the notifier and settlement webhooks from the gateway.
// Every webhook is authenticated with an HMAC over the raw body before
// anything is parsed.
package apihooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/cascadepay/railcore/api/apierr"
	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/monitor"
)

var log = build.Log

// SignatureHeader carries the hex HMAC-SHA256 of the request body
const SignatureHeader = "X-Notifier-Signature"

// Config for the webhook routes
type Config struct {
	// NotifierSecret authenticates balance webhooks
	NotifierSecret []byte
	// GatewaySecret authenticates invoice settlement webhooks
	GatewaySecret []byte
	// ReserveUnits is subtracted from reported balances, it's the fee
	// reserve we funded ourselves
	ReserveUnits uint64
}

// services that get initiated in RegisterRoutes
var (
	observer *monitor.Monitor
	conf     Config
)

// RegisterRoutes registers this package's routes on the gin Engine
// parameter
func RegisterRoutes(server *gin.Engine, mon *monitor.Monitor, config Config) {
	// assign the services given
	observer = mon
	conf = config

	hooks := server.Group("/webhooks")
	hooks.POST("/balance", balanceWebhook())
	hooks.POST("/invoice", invoiceWebhook())
}

// verifyAndRead authenticates the webhook body against the given secret and
// returns the raw bytes. A failed check aborts the request.
func verifyAndRead(c *gin.Context, secret []byte) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		_ = c.Error(errors.Wrap(err, "could not read webhook body"))
		return nil, false
	}

	signature, err := hex.DecodeString(c.GetHeader(SignatureHeader))
	if err != nil || len(signature) == 0 {
		apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidSignature)
		return nil, false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), signature) {
		log.WithField("path", c.Request.URL.Path).Warn("Rejected webhook with bad signature")
		apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidSignature)
		return nil, false
	}

	return body, true
}

// observe funnels a webhook observation into the monitor and writes the
// response. Duplicate confirmations are a success, underpayments report
// back without confirming.
func observe(c *gin.Context, obs monitor.Observation) {
	order, err := observer.Observe(c.Request.Context(), obs)
	switch {
	case errors.Is(err, monitor.ErrOrderNotFound):
		apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotFound)
		return
	case errors.Is(err, monitor.ErrUnderpaid):
		// not confirmed, but no point in the sender retrying the same
		// amount either
		c.JSON(http.StatusOK, gin.H{"status": "underpaid"})
		return
	case err != nil:
		log.WithError(err).Error("Could not process webhook observation")
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"orderId": order.ID,
	})
}

// balanceWebhook handles a balance change report from the notifier
func balanceWebhook() gin.HandlerFunc {
	type request struct {
		Address string `json:"address" binding:"required"`
		// Balance is the full address balance, including our fee reserve
		Balance uint64 `json:"balance" binding:"required"`
		TxRef   string `json:"txRef"`
	}

	return func(c *gin.Context) {
		body, ok := verifyAndRead(c, conf.NotifierSecret)
		if !ok {
			return
		}

		var req request
		if err := json.Unmarshal(body, &req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			c.Status(http.StatusBadRequest)
			return
		}

		var deposited int64
		if req.Balance > conf.ReserveUnits {
			deposited = int64(req.Balance - conf.ReserveUnits)
		}

		observe(c, monitor.Observation{
			Source:         orders.SourceWebhook,
			DepositAddress: req.Address,
			Amount:         deposited,
			TxRef:          req.TxRef,
		})
	}
}

// invoiceWebhook handles an invoice settlement report from the gateway
func invoiceWebhook() gin.HandlerFunc {
	type request struct {
		PaymentRequest string `json:"paymentRequest" binding:"required"`
		SettledRef     string `json:"settledRef"`
	}

	return func(c *gin.Context) {
		body, ok := verifyAndRead(c, conf.GatewaySecret)
		if !ok {
			return
		}

		var req request
		if err := json.Unmarshal(body, &req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			c.Status(http.StatusBadRequest)
			return
		}

		order, err := orders.GetByInvoice(observer.DB(), req.PaymentRequest)
		if errors.Is(err, orders.ErrOrderNotFound) {
			apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotFound)
			return
		}
		if err != nil {
			_ = c.Error(err)
			return
		}

		observe(c, monitor.Observation{
			Source:  orders.SourceWebhook,
			Invoice: req.PaymentRequest,
			// the gateway settles invoices in full
			Amount: order.RequestedUnits,
			TxRef:  req.SettledRef,
		})
	}
}
