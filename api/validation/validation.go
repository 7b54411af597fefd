// Package validation provides validation functionality for struct tag
// fields such as "binding", used in Gin/Validator.
package validation

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-playground/validator/v10"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/resolver"
)

var log = build.Log

const (
	paymentrequest = "paymentrequest"
	destination    = "destination"
	rail           = "rail"
)

// isValidPaymentRequest checks if a payment request decodes against the
// configured network
func isValidPaymentRequest(chainCfg *chaincfg.Params) validator.Func {
	return func(fl validator.FieldLevel) bool {
		stringVal := fl.Field().String()

		if _, err := zpay32.Decode(stringVal, chainCfg); err != nil {
			return false
		}
		return true
	}
}

// isValidDestination checks that the field has the shape of something the
// resolver can work with, either an invoice or a payment address. Actual
// decoding happens later, this only rejects obvious garbage early.
func isValidDestination(fl validator.FieldLevel) bool {
	stringVal := fl.Field().String()
	return resolver.IsInvoice(stringVal) || resolver.IsPaymentAddress(stringVal)
}

// isValidRail checks that the field names one of the two deposit rails
func isValidRail(fl validator.FieldLevel) bool {
	switch orders.Rail(fl.Field().String()) {
	case orders.Lightning, orders.LedgerToken:
		return true
	default:
		return false
	}
}

// registerValidator registers a validator in our validation engine with the
// given name.
func registerValidator(engine *validator.Validate, name string, function validator.Func) error {
	err := engine.RegisterValidation(name, function)
	if err != nil {
		return errors.Wrapf(err, "could not register %q validation", name)
	}
	return nil
}

// RegisterAllValidators registers all known validators to the Validator
// engine, quitting if this results in an error. This function should
// typically be called at startup.
func RegisterAllValidators(engine *validator.Validate, chainCfg *chaincfg.Params) []string {
	type Validator struct {
		Name     string
		Function validator.Func
	}
	validators := []Validator{
		{
			Name:     paymentrequest,
			Function: isValidPaymentRequest(chainCfg),
		},
		{
			Name:     destination,
			Function: isValidDestination,
		},
		{
			Name:     rail,
			Function: isValidRail,
		},
	}
	names := make([]string, len(validators))
	for i, elem := range validators {
		names[i] = elem.Name
		if err := registerValidator(engine, elem.Name, elem.Function); err != nil {
			log.Fatalf("Fatal error during validation registration: %s", err)
		}
	}
	return names
}
