// Package lntest generates signed lightning invoices for tests, so tests
// exercise real bolt11 decoding instead of canned strings.
package lntest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// Network is the network all generated invoices are for. Tests must decode
// with the same network.
var Network = &chaincfg.RegressionNetParams

var (
	testPrivKeyBytes, _ = hex.DecodeString("e126f68f7eafcc8b74f54d269fe206be715000f94dac067d1c04a8ca3b2db734")
	testPrivKey, _      = btcec.PrivKeyFromBytes(testPrivKeyBytes)
	messageSigner       = zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			return ecdsa.SignCompact(testPrivKey, hash, true)
		},
	}
)

// MockPaymentRequest creates a signed invoice for the given amount
func MockPaymentRequest(msat int64, description string) string {
	return encode(
		zpay32.Amount(lnwire.MilliSatoshi(msat)),
		zpay32.Description(description),
	)
}

// MockAmountlessPaymentRequest creates a signed invoice that leaves the
// amount up to the payer
func MockAmountlessPaymentRequest(description string) string {
	return encode(zpay32.Description(description))
}

func encode(options ...func(*zpay32.Invoice)) string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	paymentHash := sha256.Sum256(b)

	invoice, err := zpay32.NewInvoice(Network, paymentHash, time.Now(), options...)
	if err != nil {
		panic(fmt.Errorf("could not create payment request: %w", err))
	}

	paymentRequest, err := invoice.Encode(messageSigner)
	if err != nil {
		panic(fmt.Errorf("could not sign invoice: %w", err))
	}

	return paymentRequest
}
