// Package apierr provides functionality for handling errors in our API.
// This includes both creating middleware for this, as well as terminating
// requests in a way that ensures a smooth user experience.

package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/api/httptypes"
)

// apiError is a type we can pass in to the Public method of this package.
// It ensures we're both giving a unique error code and a meaningful error
// message.
type apiError struct {
	err  error
	code string
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

// Is provides functionality for comparing errors
func (a apiError) Is(err error) bool {
	if stdErr, ok := err.(httptypes.StandardErrorResponse); ok {
		return stdErr.ErrorField.Code == a.code
	}
	if aErr, ok := err.(apiError); ok {
		return a.code == aErr.code
	}
	return a.err.Error() == err.Error()
}

var (
	// ErrOrderNotFound means the requested deposit order was not found
	ErrOrderNotFound = apiError{
		err:  errors.New("order not found"),
		code: "ERR_ORDER_NOT_FOUND",
	}

	// ErrPayoutNotFound means the requested payout was not found
	ErrPayoutNotFound = apiError{
		err:  errors.New("payout not found"),
		code: "ERR_PAYOUT_NOT_FOUND",
	}

	// ErrLimitExceeded means the payout would push the customer over the
	// rolling cashout ceiling
	ErrLimitExceeded = apiError{
		err:  errors.New("payout exceeds the rolling cashout limit"),
		code: "ERR_CASHOUT_LIMIT_EXCEEDED",
	}

	// ErrInvalidDestination means the payout destination is neither an
	// invoice nor a payment address
	ErrInvalidDestination = apiError{
		err:  errors.New("destination is not an invoice or payment address"),
		code: "ERR_INVALID_DESTINATION",
	}

	// ErrMalformedInvoice means the destination looked like an invoice
	// but could not be decoded
	ErrMalformedInvoice = apiError{
		err:  errors.New("could not decode invoice"),
		code: "ERR_MALFORMED_INVOICE",
	}

	// ErrAmountMissing means the destination carries no amount and the
	// request didn't supply one
	ErrAmountMissing = apiError{
		err:  errors.New("an amount is required for this destination"),
		code: "ERR_AMOUNT_MISSING",
	}

	// ErrAmountOutOfBounds means the amount is outside the destination's
	// accepted range
	ErrAmountOutOfBounds = apiError{
		err:  errors.New("amount is outside the destination's accepted bounds"),
		code: "ERR_AMOUNT_OUT_OF_BOUNDS",
	}

	// ErrPaymentRejected means the gateway refused the payment. The limit
	// reservation has been released.
	ErrPaymentRejected = apiError{
		err:  errors.New("payment was rejected"),
		code: "ERR_PAYMENT_REJECTED",
	}

	// ErrBadRail means an unknown deposit rail was requested
	ErrBadRail = apiError{
		err:  errors.New("unknown deposit rail"),
		code: "ERR_BAD_RAIL",
	}

	// ErrNonPositiveAmount means a zero or negative amount was requested
	ErrNonPositiveAmount = apiError{
		err:  errors.New("amount must be positive"),
		code: "ERR_NON_POSITIVE_AMOUNT",
	}

	// ErrNotRecoverable means a sweep recovery was requested for an order
	// that isn't parked as sweep_failed
	ErrNotRecoverable = apiError{
		err:  errors.New("order is not awaiting sweep recovery"),
		code: "ERR_NOT_RECOVERABLE",
	}

	// ErrInvalidSignature means a webhook carried a missing or bad
	// signature
	ErrInvalidSignature = apiError{
		err:  errors.New("invalid webhook signature"),
		code: "ERR_INVALID_SIGNATURE",
	}

	// errInvalidJson means we got sent invalid JSON
	errInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
	}

	errBodyRequired = apiError{
		err:  errors.New("JSON body required"),
		code: "ERR_BODY_REQUIRED",
	}

	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("something went wrong"),
		code: "ERR_UNKNOWN_ERROR",
	}

	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
	}

	// ErrBadRequest means we got a malformed request
	ErrBadRequest = apiError{
		err:  errors.New("bad request"),
		code: "ERR_BAD_REQUEST",
	}

	// ErrRequestValidationFailed means the user gave us an invalid
	// request, either in JSON, URL or query format
	ErrRequestValidationFailed = apiError{
		err:  errors.New("request validation failed"),
		code: "ERR_REQUEST_VALIDATION_FAILED",
	}
)

// decapitalize makes the first element of a string lowercase
func decapitalize(str string) string {
	if str == "" {
		return ""
	}
	var decapitalized string
	for index, c := range str {
		if index == 0 {
			decapitalized = string(unicode.ToLower(c))
			continue
		}
		decapitalized = decapitalized + string(c)
	}
	return decapitalized
}

// capitalize makes the first element of a string uppercase
func capitalize(str string) string {
	if str == "" {
		return ""
	}
	var capitalized string
	for index, c := range str {
		if index == 0 {
			capitalized = string(unicode.ToUpper(c))
			continue
		}
		capitalized = capitalized + string(c)
	}
	return capitalized
}

// GetMiddleware returns a Gin middleware that handles errors
func GetMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {

		// let previous handlers run
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// if HTTP code is set to -1 it doesn't overwrite what's already there
		httpCode := -1
		if c.Writer.Status() == http.StatusOK {
			// default to 500 if no status has been set
			httpCode = http.StatusInternalServerError
		}

		fieldErrors := handleValidationErrors(c, log)
		response := &httptypes.StandardErrorResponse{
			ErrorField: httptypes.StandardError{
				Fields: fieldErrors,
			},
		}

		// Check for JSON parsing errors
		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) {
				response.ErrorField.Code = errBodyRequired.code
				response.ErrorField.Message = errBodyRequired.err.Error()
				c.JSON(http.StatusBadRequest, response)
				return
			} else if errors.As(err.Err, &syntaxErr) {
				response.ErrorField.Code = errInvalidJson.code
				response.ErrorField.Message = errInvalidJson.err.Error()
				c.JSON(http.StatusBadRequest, response)
				return
			}
		}

		// public errors are errors that can be shown to the end user
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			// we only take the last one because our error format only has
			// space for one error. As of writing we immediately return from
			// all places where we send a public error, so this shouldn't
			// really matter.
			err := publicErrors.Last()
			if apiErr, ok := err.Err.(apiError); ok {
				response.ErrorField.Code = apiErr.code
				response.ErrorField.Message = apiErr.err.Error()
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		// ensure all responses have a code
		if response.ErrorField.Code == "" {
			if len(fieldErrors) > 0 {
				// if we have any field errors, request validation failed
				response.ErrorField.Code = ErrRequestValidationFailed.code
				response.ErrorField.Message = ErrRequestValidationFailed.err.Error()
			} else {
				// this is bad, but should be picked up by tests
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		response.ErrorField.Message = capitalize(response.ErrorField.Message)
		c.JSON(httpCode, response)
	}
}

// Public fails the given Gin request with the given error. It sets the error
// type as public, causing it to later be returned to the end user with a
// fitting error message.
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

// UnknownValidationTag is the tag we apply when encountering a validation tag
// we don't know how to handle
const UnknownValidationTag = "unknown"

func handleValidationErrors(c *gin.Context, log *logrus.Logger) []httptypes.FieldError {
	// initialize to empty list instead of pointer, to make sure the empty list
	// is returned instead of nil
	//noinspection GoPreferNilSlice
	fieldErrors := []httptypes.FieldError{}
	for _, err := range c.Errors.ByType(gin.ErrorTypeBind) {
		// not all errors encountered in validation is a nice
		// validator.ValidationErrors type. If you request an int in a form
		// for example, parsing of that int will fail before proper
		// validation happens, and we're left with this ugly error type.
		if numError, ok := err.Err.(*strconv.NumError); ok {
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				// don't know how to find out which field failed here...
				Field:   "unknown",
				Message: fmt.Sprintf("%q is not a valid number, %q failed", numError.Num, numError.Func),
				Code:    "invalid-number",
			})
			continue
		}

		// if we pass an int to a JSON field expecting a string (or something
		// similar), we end up with this kind of error, not a
		// validator.ValidationErrors
		if jsonError, ok := err.Err.(*json.UnmarshalTypeError); ok {
			log.WithError(jsonError).WithFields(logrus.Fields{
				"field":  jsonError.Field,
				"value":  jsonError.Value,
				"type":   jsonError.Type,
				"struct": jsonError.Struct,
			}).Debug("Handling JSON error")
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   jsonError.Field,
				Message: fmt.Sprintf("%q requires a %s, got a %s", jsonError.Field, jsonError.Type, jsonError.Value),
				Code:    "invalid-type",
			})
			continue
		}

		var validationErrors validator.ValidationErrors
		if !errors.As(err.Err, &validationErrors) {
			continue
		}
		for _, validationErr := range validationErrors {
			// When doing field validation, it's not possible to get the name
			// of the JSON/Query field we're validating, only the field of the
			// struct. The assumption here is that all struct fields are named
			// the same as corresponding form/JSON fields, except for the
			// first letter.
			field := decapitalize(validationErr.Field())
			var message string
			var code string
			switch validationErr.Tag() {
			case "required":
				message = fmt.Sprintf("%q is required", field)
				code = "required"
			case "paymentrequest":
				message = fmt.Sprintf("%q is not a valid payment request", field)
				code = "paymentrequest"
			case "destination":
				message = fmt.Sprintf("%q is not a valid payout destination", field)
				code = "destination"
			case "rail":
				message = fmt.Sprintf("%q is not a known rail", field)
				code = "rail"
			case "uuid":
				message = fmt.Sprintf("%q is not a valid UUID", field)
				code = "uuid"
			case "gte":
				message = fmt.Sprintf("%q field must be greater than or equal %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
				code = "gte"
			case "lte":
				message = fmt.Sprintf("%q field must be less than or equal %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
				code = "lte"
			case "gt":
				message = fmt.Sprintf("%q field must be greater than %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
				code = "gt"
			case "url":
				message = fmt.Sprintf("%q field is not a valid URL", field)
				code = "url"
			case "max":
				message = fmt.Sprintf("%q cannot be longer than %s characters", field, validationErr.Param())
				code = "max"
			default:
				log.WithField("tag", validationErr.Tag()).Warn("Encountered unknown validation field")
				message = fmt.Sprintf("%s is invalid", field)
				code = UnknownValidationTag
			}
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   field,
				Message: message,
				Code:    code,
			})
		}
	}
	return fieldErrors
}
