// Package apipayouts provides HTTP handlers for executing and querying
// payouts.
package apipayouts

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/cascadepay/railcore/api/apierr"
	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/cashouts"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/gateway"
	"github.com/cascadepay/railcore/models/payouts"
	"github.com/cascadepay/railcore/resolver"
)

var log = build.Log

// services that get initiated in RegisterRoutes
var (
	database *db.DB
	service  *cashouts.Service
)

// RegisterRoutes registers this package's routes on the gin Engine
// parameter
func RegisterRoutes(server *gin.Engine, d *db.DB, cash *cashouts.Service) {
	// assign the services given
	database = d
	service = cash

	server.POST("/payouts", createPayout())
	server.GET("/payouts", getAllPayouts())
	server.GET("/payout/:id", getPayoutByID())
}

// payoutResponse is the API shape of a payout
type payoutResponse struct {
	ID            uuid.UUID        `json:"id"`
	CustomerID    int              `json:"customerId"`
	Destination   string           `json:"destination"`
	RequestedUsd  *decimal.Decimal `json:"requestedUsd,omitempty"`
	RailAmount    *int64           `json:"railAmount,omitempty"`
	Status        payouts.Status   `json:"status"`
	GatewayRef    *string          `json:"gatewayRef,omitempty"`
	FailureReason *string          `json:"failureReason,omitempty"`
}

func toPayoutResponse(p payouts.Payout) payoutResponse {
	return payoutResponse{
		ID:            p.ID,
		CustomerID:    p.CustomerID,
		Destination:   p.Destination,
		RequestedUsd:  p.RequestedUsd,
		RailAmount:    p.RailAmount,
		Status:        p.Status,
		GatewayRef:    p.GatewayRef,
		FailureReason: p.FailureReason,
	}
}

func toPayoutResponses(list []payouts.Payout) []payoutResponse {
	responses := make([]payoutResponse, len(list))
	for i, p := range list {
		responses[i] = toPayoutResponse(p)
	}
	return responses
}

// createPayout attempts a payout end to end. The resolver errors map to
// specific public codes so callers can tell a bad destination from a limit
// rejection.
func createPayout() gin.HandlerFunc {
	type request struct {
		CustomerID  int              `json:"customerId" binding:"required,gte=1"`
		Destination string           `json:"destination" binding:"required,destination"`
		AmountUsd   *decimal.Decimal `json:"amountUsd" binding:"omitempty"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		if req.AmountUsd != nil && !req.AmountUsd.IsPositive() {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrNonPositiveAmount)
			return
		}

		payout, err := service.AttemptPayout(c.Request.Context(), cashouts.AttemptPayoutArgs{
			CustomerID:  req.CustomerID,
			Destination: req.Destination,
			AmountUsd:   req.AmountUsd,
		})
		switch {
		case errors.Is(err, resolver.ErrInvalidDestination):
			apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidDestination)
			return
		case errors.Is(err, resolver.ErrMalformedInvoice),
			errors.Is(err, resolver.ErrCurrencyMismatch):
			apierr.Public(c, http.StatusBadRequest, apierr.ErrMalformedInvoice)
			return
		case errors.Is(err, resolver.ErrAmountMissing):
			apierr.Public(c, http.StatusBadRequest, apierr.ErrAmountMissing)
			return
		case errors.Is(err, resolver.ErrAmountOutOfBounds):
			apierr.Public(c, http.StatusBadRequest, apierr.ErrAmountOutOfBounds)
			return
		case errors.Is(err, payouts.ErrLimitExceeded):
			apierr.Public(c, http.StatusForbidden, apierr.ErrLimitExceeded)
			return
		case errors.Is(err, gateway.ErrPaymentRejected):
			apierr.Public(c, http.StatusBadGateway, apierr.ErrPaymentRejected)
			return
		case err != nil:
			log.WithError(err).Error("Could not execute payout")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusCreated, toPayoutResponse(payout))
	}
}

// getAllPayouts finds all payouts for the given customer. Takes two
// optional URL parameters, `limit` and `offset`
func getAllPayouts() gin.HandlerFunc {
	type params struct {
		CustomerID int `form:"customerId" binding:"required,gte=1"`
		Limit      int `form:"limit" binding:"gte=0"`
		Offset     int `form:"offset" binding:"gte=0"`
	}

	return func(c *gin.Context) {
		var p params
		if c.BindQuery(&p) != nil {
			return
		}

		var found []payouts.Payout
		var err error
		if p.Limit == 0 && p.Offset == 0 {
			found, err = payouts.GetAllByCustomer(database, p.CustomerID)
		} else {
			found, err = payouts.GetAllByCustomerLimitOffset(database, p.CustomerID, p.Limit, p.Offset)
		}
		if err != nil {
			log.WithError(err).Error("Couldn't get payouts")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, toPayoutResponses(found))
	}
}

// getPayoutByID takes in a payout ID path parameter and fetches that payout
func getPayoutByID() gin.HandlerFunc {
	type request struct {
		ID string `uri:"id" binding:"required,uuid"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindUri(&req) != nil {
			return
		}

		payout, err := payouts.GetByID(database, uuid.MustParse(req.ID))
		if errors.Is(err, payouts.ErrPayoutNotFound) {
			apierr.Public(c, http.StatusNotFound, apierr.ErrPayoutNotFound)
			return
		}
		if err != nil {
			log.WithError(err).Error("Couldn't get payout")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, toPayoutResponse(payout))
	}
}
