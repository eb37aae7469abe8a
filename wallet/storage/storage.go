// Package storage defines the records the wallet persists and the
// interfaces of the stores that hold them.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutcustody/cashu"
	"github.com/elnosh/nutcustody/cashu/nuts/nut04"
	"github.com/elnosh/nutcustody/cashu/nuts/nut05"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrProofNotFound          = errors.New("proof not found")
	ErrQuoteNotFound          = errors.New("quote not found")
)

// ProofState only moves forward: Ready -> Inflight -> Spent or Ready -> Spent.
type ProofState int

const (
	Ready ProofState = iota
	Inflight
	Spent
)

func (state ProofState) String() string {
	switch state {
	case Ready:
		return "ready"
	case Inflight:
		return "inflight"
	case Spent:
		return "spent"
	default:
		return "unknown"
	}
}

type Proof struct {
	Mint     string
	KeysetId string
	Amount   uint64
	Secret   string
	C        string
	// DLEQ is kept as the raw JSON returned by the mint
	// and only decoded when the proof leaves the ledger.
	DLEQ      []byte
	Witness   string
	State     ProofState
	// melt quote the proof was spent on, empty for tokens sent out
	MeltQuoteId string
	CreatedAt   time.Time
}

// NewProof converts a protocol proof into a ledger record for mint.
func NewProof(mint string, proof cashu.Proof, state ProofState) (Proof, error) {
	var dleq []byte
	if proof.DLEQ != nil {
		var err error
		dleq, err = json.Marshal(proof.DLEQ)
		if err != nil {
			return Proof{}, fmt.Errorf("could not encode DLEQ: %w", err)
		}
	}

	return Proof{
		Mint:     mint,
		KeysetId: proof.Id,
		Amount:   proof.Amount,
		Secret:   proof.Secret,
		C:        proof.C,
		DLEQ:     dleq,
		Witness:  proof.Witness,
		State:    state,
	}, nil
}

func NewProofs(mint string, proofs cashu.Proofs, state ProofState) ([]Proof, error) {
	dbProofs := make([]Proof, len(proofs))
	for i, proof := range proofs {
		dbProof, err := NewProof(mint, proof, state)
		if err != nil {
			return nil, err
		}
		dbProofs[i] = dbProof
	}
	return dbProofs, nil
}

func (p Proof) ToCashuProof() (cashu.Proof, error) {
	proof := cashu.Proof{
		Amount:  p.Amount,
		Id:      p.KeysetId,
		Secret:  p.Secret,
		C:       p.C,
		Witness: p.Witness,
	}
	if len(p.DLEQ) > 0 {
		var dleq cashu.DLEQProof
		if err := json.Unmarshal(p.DLEQ, &dleq); err != nil {
			return cashu.Proof{}, fmt.Errorf("invalid DLEQ for proof: %w", err)
		}
		proof.DLEQ = &dleq
	}
	return proof, nil
}

func ToCashuProofs(proofs []Proof) (cashu.Proofs, error) {
	cashuProofs := make(cashu.Proofs, len(proofs))
	for i, proof := range proofs {
		cashuProof, err := proof.ToCashuProof()
		if err != nil {
			return nil, err
		}
		cashuProofs[i] = cashuProof
	}
	return cashuProofs, nil
}

type MintQuote struct {
	Mint           string
	QuoteId        string
	State          nut04.State
	PaymentRequest string
	Amount         uint64
	Unit           string
	Expiry         time.Time
	Pubkey         string
}

// Expired reports whether the quote can no longer be paid. A quote
// without an expiry never expires.
func (q MintQuote) Expired(now time.Time) bool {
	return !q.Expiry.IsZero() && now.After(q.Expiry)
}

type MeltQuote struct {
	Mint           string
	QuoteId        string
	PaymentRequest string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Preimage       string
	Expiry         time.Time
}

type ProofStore interface {
	// GetProofs returns the proofs of mint in any of the states.
	// No states means all of them.
	GetProofs(mint string, states ...ProofState) ([]Proof, error)
	// SaveProofs inserts the proofs with state. Existing proofs are
	// updated but never moved to an earlier state.
	SaveProofs(proofs []Proof, state ProofState) error
	UpdateProofState(mint, secret string, state ProofState) error
	DeleteProof(mint, secret string) error
	GetBalance(mint string, state ProofState) (uint64, error)
}

type QuoteStore interface {
	GetMintQuote(mint, quoteId string) (MintQuote, error)
	GetMintQuotes(mint string, states ...nut04.State) ([]MintQuote, error)
	SaveMintQuote(quote MintQuote) error
	UpdateMintQuoteState(mint, quoteId string, state nut04.State) error

	SaveMeltQuote(quote MeltQuote) error
	GetMeltQuote(mint, quoteId string) (MeltQuote, error)
	GetMeltQuotes(mint string, states ...nut05.State) ([]MeltQuote, error)
	UpdateMeltQuote(mint, quoteId string, state nut05.State, preimage string) error
}

// Tx is the view of the stores inside a transaction.
type Tx interface {
	ProofStore
	QuoteStore
}

type WalletDB interface {
	ProofStore
	QuoteStore
	// Update runs fn inside a single transaction. The transaction
	// is committed if fn returns nil and rolled back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
