// Package testutils provides an in-process Cashu mint and helpers to
// exercise the wallet end to end without a Lightning node.
package testutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Amount         uint64
}

// CreateFakeInvoice returns a valid bolt11 invoice for amount sats
// signed by a throwaway key. Nothing can actually pay it.
func CreateFakeInvoice(amount uint64) (Invoice, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return Invoice{}, err
	}
	paymentHash := sha256.Sum256(random[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
	)
	if err != nil {
		return Invoice{}, err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: invoiceStr,
		PaymentHash:    hex.EncodeToString(paymentHash[:]),
		Preimage:       hex.EncodeToString(random[:]),
		Amount:         amount,
	}, nil
}
