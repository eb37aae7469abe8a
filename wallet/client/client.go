// Package client talks to a Cashu mint over its HTTP API and does the
// blinding needed to turn the mint's signatures into proofs.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcustody/cashu"
	"github.com/elnosh/nutcustody/cashu/nuts/nut03"
	"github.com/elnosh/nutcustody/cashu/nuts/nut04"
	"github.com/elnosh/nutcustody/cashu/nuts/nut05"
	"github.com/elnosh/nutcustody/cashu/nuts/nut07"
	"github.com/elnosh/nutcustody/cashu/nuts/nut12"
	"github.com/elnosh/nutcustody/crypto"
)

var (
	ErrNoActiveKeyset      = errors.New("could not find an active keyset for the unit")
	ErrInsufficientProofs  = errors.New("amount of proofs is not enough to cover amount and fees")
	ErrDifferentMint       = errors.New("token is from a different mint")
	ErrMismatchedResponses = errors.New("mint returned a different number of signatures than outputs")
	ErrInvalidDLEQ         = errors.New("invalid DLEQ proof in token")
)

// KeysetCache persists the keysets of a mint between runs.
type KeysetCache interface {
	SaveKeyset(keyset *crypto.WalletKeyset) error
	GetKeysets(mintURL string) (map[string]*crypto.WalletKeyset, error)
}

type SendResult struct {
	Keep cashu.Proofs
	Send cashu.Proofs
}

type MeltResult struct {
	State    nut05.State
	Preimage string
	Change   cashu.Proofs
}

// MintClient is the wallet's connection to a single mint. Keysets are
// loaded on first use and reused afterwards.
type MintClient struct {
	mintURL string
	unit    cashu.Unit
	cache   KeysetCache
	logger  *slog.Logger

	mu           sync.Mutex
	activeKeyset *crypto.WalletKeyset
	keysets      map[string]*crypto.WalletKeyset
}

func NewMintClient(mintURL string, cache KeysetCache, logger *slog.Logger) *MintClient {
	return &MintClient{
		mintURL: normalizeURL(mintURL),
		unit:    cashu.Sat,
		cache:   cache,
		logger:  logger,
		keysets: make(map[string]*crypto.WalletKeyset),
	}
}

func (c *MintClient) MintURL() string {
	return c.mintURL
}

func normalizeURL(mintURL string) string {
	return strings.TrimSuffix(mintURL, "/")
}

func (c *MintClient) logWarnf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(fmt.Sprintf(format, args...))
	}
}

// loadKeysets fetches the keyset list from the mint once. Keys already
// in the cache are not requested again. If the mint cannot be reached
// and the cache has an active keyset, the cached keysets are used.
func (c *MintClient) loadKeysets(ctx context.Context) (*crypto.WalletKeyset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeKeyset != nil {
		return c.activeKeyset, nil
	}

	cached := make(map[string]*crypto.WalletKeyset)
	if c.cache != nil {
		var err error
		cached, err = c.cache.GetKeysets(c.mintURL)
		if err != nil {
			c.logWarnf("could not read keyset cache: %v", err)
			cached = make(map[string]*crypto.WalletKeyset)
		}
	}

	keysetsResponse, err := GetAllKeysets(ctx, c.mintURL)
	if err != nil {
		for _, keyset := range cached {
			if keyset.Active && keyset.Unit == c.unit.String() {
				c.logWarnf("could not get keysets from mint, using cached keysets: %v", err)
				c.keysets = cached
				c.activeKeyset = keyset
				return keyset, nil
			}
		}
		return nil, fmt.Errorf("error getting keysets from mint: %w", err)
	}

	keysets := make(map[string]*crypto.WalletKeyset)
	var active *crypto.WalletKeyset
	for _, response := range keysetsResponse.Keysets {
		if _, err := hex.DecodeString(response.Id); err != nil || response.Unit != c.unit.String() {
			continue
		}

		keyset := &crypto.WalletKeyset{
			Id:          response.Id,
			MintURL:     c.mintURL,
			Unit:        response.Unit,
			Active:      response.Active,
			InputFeePpk: response.InputFeePpk,
		}
		if cachedKeyset, ok := cached[response.Id]; ok {
			keyset.PublicKeys = cachedKeyset.PublicKeys
		}

		if keyset.Active && active == nil {
			if keyset.PublicKeys == nil {
				keys, err := c.fetchKeys(ctx, keyset.Id)
				if err != nil {
					return nil, err
				}
				keyset.PublicKeys = keys
			}
			if c.cache != nil {
				if err := c.cache.SaveKeyset(keyset); err != nil {
					c.logWarnf("could not save keyset to cache: %v", err)
				}
			}
			active = keyset
		}
		keysets[keyset.Id] = keyset
	}

	if active == nil {
		return nil, ErrNoActiveKeyset
	}

	c.keysets = keysets
	c.activeKeyset = active
	return active, nil
}

func (c *MintClient) fetchKeys(ctx context.Context, id string) (map[uint64]*secp256k1.PublicKey, error) {
	keysetResponse, err := GetKeysetById(ctx, c.mintURL, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset from mint: %w", err)
	}
	if len(keysetResponse.Keysets) == 0 {
		return nil, fmt.Errorf("mint did not return keys for keyset '%v'", id)
	}

	keys, err := crypto.MapPubKeys(keysetResponse.Keysets[0].Keys)
	if err != nil {
		return nil, err
	}
	if derivedId := crypto.DeriveKeysetId(keys); derivedId != id {
		return nil, fmt.Errorf("got invalid keyset. Derived id: '%v' but got '%v' from mint", derivedId, id)
	}
	return keys, nil
}

// keysFor returns the public keys of keyset id, fetching them if
// the keyset is known but its keys were never needed before.
func (c *MintClient) keysFor(ctx context.Context, id string) (map[uint64]*secp256k1.PublicKey, error) {
	if _, err := c.loadKeysets(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keyset, ok := c.keysets[id]
	if !ok {
		return nil, cashu.UnknownKeysetErr
	}
	if keyset.PublicKeys == nil {
		keys, err := c.fetchKeys(ctx, id)
		if err != nil {
			return nil, err
		}
		keyset.PublicKeys = keys
		if c.cache != nil {
			if err := c.cache.SaveKeyset(keyset); err != nil {
				c.logWarnf("could not save keyset to cache: %v", err)
			}
		}
	}
	return keyset.PublicKeys, nil
}

// InputFee is the fee the mint charges to spend proofs: the sum of
// input_fee_ppk of their keysets, rounded up to the next sat.
func (c *MintClient) InputFee(ctx context.Context, proofs cashu.Proofs) (uint64, error) {
	if _, err := c.loadKeysets(ctx); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var feesPpk uint
	for _, proof := range proofs {
		keyset, ok := c.keysets[proof.Id]
		if !ok {
			return 0, fmt.Errorf("%w: %v", cashu.UnknownKeysetErr, proof.Id)
		}
		feesPpk += keyset.InputFeePpk
	}
	return uint64((feesPpk + 999) / 1000), nil
}

func (c *MintClient) CreateMintQuote(ctx context.Context, amount uint64) (*nut04.PostMintQuoteBolt11Response, error) {
	mintRequest := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: c.unit.String()}
	return PostMintQuoteBolt11(ctx, c.mintURL, mintRequest)
}

func (c *MintClient) CheckMintQuote(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	return GetMintQuoteState(ctx, c.mintURL, quoteId)
}

// MintProofs asks the mint to sign outputs for amount against a paid quote.
func (c *MintClient) MintProofs(ctx context.Context, quoteId string, amount uint64) (cashu.Proofs, error) {
	activeKeyset, err := c.loadKeysets(ctx)
	if err != nil {
		return nil, err
	}

	outputs, err := createBlindedMessages(activeKeyset.Id, cashu.AmountSplit(amount))
	if err != nil {
		return nil, err
	}

	mintRequest := nut04.PostMintBolt11Request{Quote: quoteId, Outputs: outputs.messages}
	mintResponse, err := PostMintBolt11(ctx, c.mintURL, mintRequest)
	if err != nil {
		return nil, err
	}

	return c.constructProofs(ctx, mintResponse.Signatures, outputs)
}

// Send splits proofs into a set worth exactly amount and the change.
// If the proofs already add up to amount and spending them is free,
// they are returned as they are.
func (c *MintClient) Send(ctx context.Context, amount uint64, proofs cashu.Proofs) (*SendResult, error) {
	activeKeyset, err := c.loadKeysets(ctx)
	if err != nil {
		return nil, err
	}

	fee, err := c.InputFee(ctx, proofs)
	if err != nil {
		return nil, err
	}

	total := proofs.Amount()
	if total < amount+fee {
		return nil, ErrInsufficientProofs
	}
	if total == amount && fee == 0 {
		return &SendResult{Send: proofs}, nil
	}

	sendSplit := cashu.AmountSplit(amount)
	keepSplit := cashu.AmountSplit(total - amount - fee)
	outputs, err := createBlindedMessages(activeKeyset.Id, append(sendSplit, keepSplit...))
	if err != nil {
		return nil, err
	}

	newProofs, err := c.swap(ctx, proofs, outputs)
	if err != nil {
		return nil, err
	}

	return &SendResult{
		Send: newProofs[:len(sendSplit)],
		Keep: newProofs[len(sendSplit):],
	}, nil
}

// Receive swaps the proofs of a token for new ones only this wallet knows.
func (c *MintClient) Receive(ctx context.Context, token cashu.Token) (cashu.Proofs, error) {
	if normalizeURL(token.Mint()) != c.mintURL {
		return nil, ErrDifferentMint
	}

	activeKeyset, err := c.loadKeysets(ctx)
	if err != nil {
		return nil, err
	}

	proofs := token.Proofs()
	if err := c.verifyDLEQ(ctx, proofs); err != nil {
		return nil, err
	}

	fee, err := c.InputFee(ctx, proofs)
	if err != nil {
		return nil, err
	}
	if proofs.Amount() <= fee {
		return nil, ErrInsufficientProofs
	}

	outputs, err := createBlindedMessages(activeKeyset.Id, cashu.AmountSplit(proofs.Amount()-fee))
	if err != nil {
		return nil, err
	}

	return c.swap(ctx, proofs, outputs)
}

// verifyDLEQ checks the DLEQ proofs carried by a token against the
// keys of their keysets. Proofs without DLEQ are accepted.
func (c *MintClient) verifyDLEQ(ctx context.Context, proofs cashu.Proofs) error {
	byKeyset := make(map[string]cashu.Proofs)
	for _, proof := range proofs {
		if proof.DLEQ != nil {
			byKeyset[proof.Id] = append(byKeyset[proof.Id], proof)
		}
	}

	for id, keysetProofs := range byKeyset {
		keys, err := c.keysFor(ctx, id)
		if err != nil {
			return err
		}
		if !nut12.VerifyProofsDLEQ(keysetProofs, keys) {
			return ErrInvalidDLEQ
		}
	}
	return nil
}

// FeeForAmount is the input fee for spending the proofs that a split
// of amount at the active keyset would produce.
func (c *MintClient) FeeForAmount(ctx context.Context, amount uint64) (uint64, error) {
	activeKeyset, err := c.loadKeysets(ctx)
	if err != nil {
		return 0, err
	}
	count := uint(len(cashu.AmountSplit(amount)))
	return uint64((count*activeKeyset.InputFeePpk + 999) / 1000), nil
}

func (c *MintClient) swap(ctx context.Context, inputs cashu.Proofs, outputs *blindedOutputs) (cashu.Proofs, error) {
	swapRequest := nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs.messages}
	swapResponse, err := PostSwap(ctx, c.mintURL, swapRequest)
	if err != nil {
		return nil, err
	}

	return c.constructProofs(ctx, swapResponse.Signatures, outputs)
}

func (c *MintClient) CreateMeltQuote(ctx context.Context, invoice string) (*nut05.PostMeltQuoteBolt11Response, error) {
	meltQuoteRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: c.unit.String()}
	return PostMeltQuoteBolt11(ctx, c.mintURL, meltQuoteRequest)
}

func (c *MintClient) CheckMeltQuote(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	return GetMeltQuoteState(ctx, c.mintURL, quoteId)
}

// MeltProofs pays the quote with proofs. Blank outputs are sent along
// so the mint can return the unused fee reserve as change.
func (c *MintClient) MeltProofs(ctx context.Context, quoteId string, proofs cashu.Proofs) (*MeltResult, error) {
	activeKeyset, err := c.loadKeysets(ctx)
	if err != nil {
		return nil, err
	}

	numBlank := blankOutputsCount(proofs.Amount())
	blankAmounts := make([]uint64, numBlank)
	for i := range blankAmounts {
		blankAmounts[i] = 1
	}
	blankOutputs, err := createBlindedMessages(activeKeyset.Id, blankAmounts)
	if err != nil {
		return nil, err
	}

	meltRequest := nut05.PostMeltBolt11Request{
		Quote:   quoteId,
		Inputs:  proofs,
		Outputs: blankOutputs.messages,
	}
	meltResponse, err := PostMeltBolt11(ctx, c.mintURL, meltRequest)
	if err != nil {
		return nil, err
	}

	result := &MeltResult{State: meltResponse.State, Preimage: meltResponse.Preimage}
	if len(meltResponse.Change) > 0 {
		if len(meltResponse.Change) > numBlank {
			return nil, ErrMismatchedResponses
		}
		// change signatures map to the first blank outputs
		change, err := c.constructProofs(ctx, meltResponse.Change, blankOutputs.slice(len(meltResponse.Change)))
		if err != nil {
			return nil, err
		}
		result.Change = change
	}

	return result, nil
}

// CheckProofsStates returns the state the mint reports for each proof,
// in the same order as proofs.
func (c *MintClient) CheckProofsStates(ctx context.Context, proofs cashu.Proofs) ([]nut07.State, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	stateResponse, err := PostCheckProofState(ctx, c.mintURL, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, err
	}

	statesByY := make(map[string]nut07.State, len(stateResponse.States))
	for _, state := range stateResponse.States {
		statesByY[state.Y] = state.State
	}

	states := make([]nut07.State, len(proofs))
	for i, Y := range Ys {
		state, ok := statesByY[Y]
		if !ok {
			return nil, fmt.Errorf("mint did not return state for proof '%v'", Y)
		}
		states[i] = state
	}
	return states, nil
}

// blankOutputsCount is the number of outputs needed to return any
// amount up to overpaid as change: max(ceil(log2(overpaid)), 1).
func blankOutputsCount(overpaid uint64) int {
	if overpaid <= 1 {
		return 1
	}
	return bits.Len64(overpaid - 1)
}

type blindedOutputs struct {
	messages cashu.BlindedMessages
	secrets  []string
	rs       []*secp256k1.PrivateKey
}

func (o *blindedOutputs) slice(n int) *blindedOutputs {
	return &blindedOutputs{messages: o.messages[:n], secrets: o.secrets[:n], rs: o.rs[:n]}
}

func createBlindedMessages(keysetId string, amounts []uint64) (*blindedOutputs, error) {
	outputs := &blindedOutputs{
		messages: make(cashu.BlindedMessages, len(amounts)),
		secrets:  make([]string, len(amounts)),
		rs:       make([]*secp256k1.PrivateKey, len(amounts)),
	}

	for i, amount := range amounts {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		r, err := crypto.GenerateBlindingFactor()
		if err != nil {
			return nil, err
		}

		B_, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, err
		}

		outputs.messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		outputs.secrets[i] = secret
		outputs.rs[i] = r
	}

	return outputs, nil
}

func (c *MintClient) constructProofs(ctx context.Context, blindedSignatures cashu.BlindedSignatures,
	outputs *blindedOutputs) (cashu.Proofs, error) {

	if len(blindedSignatures) != len(outputs.secrets) {
		return nil, ErrMismatchedResponses
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		keys, err := c.keysFor(ctx, blindedSignature.Id)
		if err != nil {
			return nil, err
		}
		K, ok := keys[blindedSignature.Amount]
		if !ok {
			return nil, fmt.Errorf("keyset '%v' has no key for amount %d", blindedSignature.Id, blindedSignature.Amount)
		}

		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		C := crypto.UnblindSignature(C_, outputs.rs[i], K)
		proof := cashu.Proof{
			Amount: blindedSignature.Amount,
			Id:     blindedSignature.Id,
			Secret: outputs.secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
		if blindedSignature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: blindedSignature.DLEQ.E,
				S: blindedSignature.DLEQ.S,
				R: hex.EncodeToString(outputs.rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}

	return proofs, nil
}
