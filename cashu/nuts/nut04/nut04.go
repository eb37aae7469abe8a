// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"fmt"

	"github.com/elnosh/nutcustody/cashu"
)

type State int

// order matters: states only move forward
const (
	Unpaid State = iota
	Paid
	Issued
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	}
	return Unknown
}

func (state State) MarshalText() ([]byte, error) {
	if state == Unknown || state < Unpaid {
		return nil, fmt.Errorf("invalid mint quote state: %d", int(state))
	}
	return []byte(state.String()), nil
}

func (state *State) UnmarshalText(text []byte) error {
	s := StringToState(string(text))
	if s == Unknown {
		return fmt.Errorf("invalid mint quote state '%s'", text)
	}
	*state = s
	return nil
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
	Pubkey string `json:"pubkey,omitempty"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	Amount  uint64 `json:"amount,omitempty"`
	Unit    string `json:"unit,omitempty"`
	State   State  `json:"state"`
	Expiry  uint64 `json:"expiry"`
	Pubkey  string `json:"pubkey,omitempty"`
}

type PostMintBolt11Request struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
