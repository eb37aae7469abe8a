package wallet

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount    = errors.New("amount must be greater than zero")
	ErrMissingParameter = errors.New("missing parameter")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidInvoice   = errors.New("invalid invoice")
	ErrUnknownMint      = errors.New("mint is not the wallet's mint")

	ErrInsufficientBalance = errors.New("not enough funds")
	ErrEmptyResult         = errors.New("mint returned no proofs")
	ErrPaymentFailed       = errors.New("mint could not pay the invoice")
)

// ProtocolError is a failure reported by the mint or on the way to it.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolError(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// IsValidationError reports whether err was caused by bad input from the
// caller. These errors are returned before the mint is contacted.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingParameter) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrInvalidInvoice) ||
		errors.Is(err, ErrUnknownMint)
}
