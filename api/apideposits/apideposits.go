// Package apideposits provides HTTP handlers for provisioning and querying
// deposit orders, and for operator sweep recovery.
package apideposits

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/cascadepay/railcore/api/apierr"
	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/deposits"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/sweep"
)

var log = build.Log

// services that get initiated in RegisterRoutes
var (
	database *db.DB
	service  *deposits.Service
	sweeper  *sweep.Executor
)

// RegisterRoutes registers this package's routes on the gin Engine
// parameter
func RegisterRoutes(server *gin.Engine, d *db.DB, deps *deposits.Service,
	executor *sweep.Executor) {
	// assign the services given
	database = d
	service = deps
	sweeper = executor

	server.POST("/deposits", createDeposit())
	server.GET("/orders", getAllOrders())
	server.GET("/order/:id", getOrderByID())
	server.POST("/order/:id/recover", recoverSweep())
}

// orderResponse is the API shape of an order. The sealed key never leaves
// the database through this type.
type orderResponse struct {
	ID                 uuid.UUID                 `json:"id"`
	CustomerID         int                       `json:"customerId"`
	RequestedUsd       decimal.Decimal           `json:"requestedUsd"`
	RequestedUnits     int64                     `json:"requestedUnits"`
	Rail               orders.Rail               `json:"rail"`
	DepositAddress     *string                   `json:"depositAddress,omitempty"`
	Invoice            *string                   `json:"invoice,omitempty"`
	Expiry             int64                     `json:"expiry,omitempty"`
	Status             orders.Status             `json:"status"`
	ConfirmationSource orders.ConfirmationSource `json:"confirmationSource"`
	SettlementTxRef    *string                   `json:"settlementTxRef,omitempty"`
	FailureReason      *string                   `json:"failureReason,omitempty"`
}

func toOrderResponse(o orders.Order) orderResponse {
	return orderResponse{
		ID:                 o.ID,
		CustomerID:         o.CustomerID,
		RequestedUsd:       o.RequestedUsd,
		RequestedUnits:     o.RequestedUnits,
		Rail:               o.Rail,
		DepositAddress:     o.DepositAddress,
		Invoice:            o.Invoice,
		Expiry:             o.Expiry,
		Status:             o.Status,
		ConfirmationSource: o.ConfirmationSource,
		SettlementTxRef:    o.SettlementTxRef,
		FailureReason:      o.FailureReason,
	}
}

func toOrderResponses(list []orders.Order) []orderResponse {
	responses := make([]orderResponse, len(list))
	for i, o := range list {
		responses[i] = toOrderResponse(o)
	}
	return responses
}

// createDeposit provisions a deposit on the requested rail
func createDeposit() gin.HandlerFunc {
	type request struct {
		CustomerID int             `json:"customerId" binding:"required,gte=1"`
		AmountUsd  decimal.Decimal `json:"amountUsd" binding:"required"`
		Rail       string          `json:"rail" binding:"required,rail"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		order, err := service.CreateDeposit(c.Request.Context(), deposits.CreateDepositArgs{
			CustomerID: req.CustomerID,
			AmountUsd:  req.AmountUsd,
			Rail:       orders.Rail(req.Rail),
		})
		switch {
		case errors.Is(err, deposits.ErrNonPositiveAmount):
			apierr.Public(c, http.StatusBadRequest, apierr.ErrNonPositiveAmount)
			return
		case errors.Is(err, deposits.ErrBadRail):
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRail)
			return
		case err != nil:
			log.WithError(err).Error("Could not create deposit")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusCreated, toOrderResponse(order))
	}
}

// getAllOrders finds all orders for the given customer. Takes two optional
// URL parameters, `limit` and `offset`
func getAllOrders() gin.HandlerFunc {
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

		var found []orders.Order
		var err error
		if p.Limit == 0 && p.Offset == 0 {
			found, err = orders.GetAllByCustomer(database, p.CustomerID)
		} else {
			found, err = orders.GetAllByCustomerLimitOffset(database, p.CustomerID, p.Limit, p.Offset)
		}
		if err != nil {
			log.WithError(err).Error("Couldn't get orders")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, toOrderResponses(found))
	}
}

// getOrderByID takes in an order ID path parameter and fetches that order
func getOrderByID() gin.HandlerFunc {
	type request struct {
		ID string `uri:"id" binding:"required,uuid"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindUri(&req) != nil {
			return
		}

		order, err := orders.GetByID(database, uuid.MustParse(req.ID))
		if errors.Is(err, orders.ErrOrderNotFound) {
			apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotFound)
			return
		}
		if err != nil {
			log.WithError(err).Error("Couldn't get order")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, toOrderResponse(order))
	}
}

// recoverSweep re-arms a sweep_failed order for one more sweep attempt.
// This is the operator action behind every parked sweep.
func recoverSweep() gin.HandlerFunc {
	type request struct {
		ID string `uri:"id" binding:"required,uuid"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindUri(&req) != nil {
			return
		}

		order, err := sweeper.Recover(c.Request.Context(), uuid.MustParse(req.ID))
		if errors.Is(err, sweep.ErrNotRecoverable) {
			apierr.Public(c, http.StatusConflict, apierr.ErrNotRecoverable)
			return
		}
		if err != nil {
			log.WithError(err).Error("Could not recover sweep")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, toOrderResponse(order))
	}
}
