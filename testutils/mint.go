package testutils

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcustody/cashu"
	"github.com/elnosh/nutcustody/cashu/nuts/nut01"
	"github.com/elnosh/nutcustody/cashu/nuts/nut02"
	"github.com/elnosh/nutcustody/cashu/nuts/nut03"
	"github.com/elnosh/nutcustody/cashu/nuts/nut04"
	"github.com/elnosh/nutcustody/cashu/nuts/nut05"
	"github.com/elnosh/nutcustody/cashu/nuts/nut07"
	"github.com/elnosh/nutcustody/crypto"
	"github.com/gorilla/mux"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const quoteExpiry = 10 * time.Minute

var (
	ProofPendingErr = cashu.Error{Detail: "proof is pending", Code: 11003}
	MeltPendingErr  = cashu.Error{Detail: "quote is pending", Code: cashu.MeltQuotePendingErrCode}
	InvalidInvoice  = cashu.Error{Detail: "invalid invoice", Code: cashu.StandardErrCode}
	AmountsMismatch = cashu.Error{Detail: "inputs and outputs amounts do not match", Code: cashu.StandardErrCode}
	AlreadySigned   = cashu.Error{Detail: "blinded message already signed", Code: cashu.BlindedMessageAlreadySignedErrCode}
)

type mintQuote struct {
	id      string
	invoice Invoice
	amount  uint64
	state   nut04.State
	expiry  int64
}

type meltQuote struct {
	id         string
	request    string
	amount     uint64
	feeReserve uint64
	state      nut05.State
	preimage   string
	expiry     int64

	// set when the melt is requested
	inputYs  []string
	overpaid uint64
	outputs  cashu.BlindedMessages
	change   cashu.BlindedSignatures
}

// MintServer is a Cashu mint running on an httptest server. It signs
// with real keys and keeps its state in memory. Quotes are paid with
// PayQuote instead of a Lightning node.
type MintServer struct {
	server *httptest.Server
	keyset *crypto.MintKeyset

	mu           sync.Mutex
	mintQuotes   map[string]*mintQuote
	meltQuotes   map[string]*meltQuote
	proofStates  map[string]nut07.State
	signed       map[string]bool
	mintCalls    map[string]int
	failures     map[string]cashu.Error
	quoteExpiry  time.Duration
	feeReserve   uint64
	lightningFee uint64
	pendingMelts bool
	failingMelts bool
}

// NewMintServer starts a mint whose single keyset charges inputFeePpk
// per input. Close it when done.
func NewMintServer(inputFeePpk uint) *MintServer {
	seed := make([]byte, 32)
	rand.Read(seed)

	ms := &MintServer{
		keyset:      crypto.GenerateKeyset(hex.EncodeToString(seed), "m/0'/0'/0'", inputFeePpk),
		mintQuotes:  make(map[string]*mintQuote),
		meltQuotes:  make(map[string]*meltQuote),
		proofStates: make(map[string]nut07.State),
		signed:      make(map[string]bool),
		mintCalls:   make(map[string]int),
		failures:    make(map[string]cashu.Error),
		quoteExpiry: quoteExpiry,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/keys", ms.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", ms.handleKeysetById).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", ms.handleKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/quote/bolt11", ms.mintQuoteRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote}", ms.mintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", ms.mintRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap", ms.swapRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", ms.meltQuoteRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote}", ms.meltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", ms.meltRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", ms.checkStateRequest).Methods(http.MethodPost)
	r.Use(ms.failureMiddleware)

	ms.server = httptest.NewServer(r)
	return ms
}

func (ms *MintServer) URL() string {
	return ms.server.URL
}

func (ms *MintServer) Close() {
	ms.server.Close()
}

func (ms *MintServer) KeysetId() string {
	return ms.keyset.Id
}

// PayQuote marks the invoice of a mint quote as paid.
func (ms *MintServer) PayQuote(quoteId string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	quote, ok := ms.mintQuotes[quoteId]
	if !ok {
		return errors.New("quote does not exist")
	}
	if quote.state == nut04.Unpaid {
		quote.state = nut04.Paid
	}
	return nil
}

// MintCalls is the number of mint requests received for the quote.
func (ms *MintServer) MintCalls(quoteId string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.mintCalls[quoteId]
}

// FailNext makes the next request to the route template fail with err.
func (ms *MintServer) FailNext(route string, err cashu.Error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failures[route] = err
}

func (ms *MintServer) SetQuoteExpiry(expiry time.Duration) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.quoteExpiry = expiry
}

// SetFeeReserve sets the fee reserve of new melt quotes and the fee
// actually spent on Lightning when paying them.
func (ms *MintServer) SetFeeReserve(feeReserve, lightningFee uint64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.feeReserve = feeReserve
	ms.lightningFee = lightningFee
}

// SetPendingMelts leaves melts pending until SettleMelt is called.
func (ms *MintServer) SetPendingMelts(pending bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.pendingMelts = pending
}

// SetFailingMelts makes melts fail to pay the invoice. The quote stays
// unpaid and the inputs are left unspent.
func (ms *MintServer) SetFailingMelts(failing bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failingMelts = failing
}

// FailMelt resolves a pending melt as not paid and releases its inputs.
func (ms *MintServer) FailMelt(quoteId string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	quote, ok := ms.meltQuotes[quoteId]
	if !ok {
		return errors.New("quote does not exist")
	}
	if quote.state != nut05.Pending {
		return errors.New("melt is not pending")
	}
	for _, Y := range quote.inputYs {
		delete(ms.proofStates, Y)
	}
	quote.state = nut05.Unpaid
	quote.inputYs = nil
	quote.outputs = nil
	return nil
}

func (ms *MintServer) SettleMelt(quoteId string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	quote, ok := ms.meltQuotes[quoteId]
	if !ok {
		return errors.New("quote does not exist")
	}
	if quote.state != nut05.Pending {
		return errors.New("melt is not pending")
	}
	return ms.settleMelt(quote)
}

// SpendProofs marks proofs as spent, as if someone else redeemed them.
func (ms *MintServer) SpendProofs(proofs cashu.Proofs) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, proof := range proofs {
		if Y, err := hashY(proof.Secret); err == nil {
			ms.proofStates[Y] = nut07.Spent
		}
	}
}

func (ms *MintServer) failureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		route := req.URL.Path
		if current := mux.CurrentRoute(req); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}

		ms.mu.Lock()
		failure, ok := ms.failures[route]
		if ok {
			delete(ms.failures, route)
		}
		ms.mu.Unlock()

		if ok {
			writeErr(rw, failure)
			return
		}
		next.ServeHTTP(rw, req)
	})
}

func (ms *MintServer) handleKeys(rw http.ResponseWriter, req *http.Request) {
	writeResponse(rw, nut01.GetKeysResponse{Keysets: []nut01.Keyset{ms.publicKeyset()}})
}

func (ms *MintServer) handleKeysetById(rw http.ResponseWriter, req *http.Request) {
	if mux.Vars(req)["id"] != ms.keyset.Id {
		writeErr(rw, cashu.UnknownKeysetErr)
		return
	}
	writeResponse(rw, nut01.GetKeysResponse{Keysets: []nut01.Keyset{ms.publicKeyset()}})
}

func (ms *MintServer) publicKeyset() nut01.Keyset {
	return nut01.Keyset{Id: ms.keyset.Id, Unit: ms.keyset.Unit, Keys: ms.keyset.PublicKeys()}
}

func (ms *MintServer) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	keyset := nut02.Keyset{
		Id:          ms.keyset.Id,
		Unit:        ms.keyset.Unit,
		Active:      ms.keyset.Active,
		InputFeePpk: ms.keyset.InputFeePpk,
	}
	writeResponse(rw, nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{keyset}})
}

func (ms *MintServer) mintQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintQuoteBolt11Request
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}
	if request.Unit != cashu.Sat.String() {
		writeErr(rw, cashu.UnitNotSupportedErr)
		return
	}
	if request.Amount == 0 {
		writeErr(rw, cashu.BuildCashuError("amount must be greater than zero", cashu.StandardErrCode))
		return
	}

	invoice, err := CreateFakeInvoice(request.Amount)
	if err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	quote := &mintQuote{
		id:      randomId(),
		invoice: invoice,
		amount:  request.Amount,
		state:   nut04.Unpaid,
		expiry:  time.Now().Add(ms.quoteExpiry).Unix(),
	}
	ms.mintQuotes[quote.id] = quote

	writeResponse(rw, quote.response())
}

func (q *mintQuote) response() nut04.PostMintQuoteBolt11Response {
	return nut04.PostMintQuoteBolt11Response{
		Quote:   q.id,
		Request: q.invoice.PaymentRequest,
		Amount:  q.amount,
		Unit:    cashu.Sat.String(),
		State:   q.state,
		Expiry:  uint64(q.expiry),
	}
}

func (ms *MintServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	quote, ok := ms.mintQuotes[mux.Vars(req)["quote"]]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	writeResponse(rw, quote.response())
}

func (ms *MintServer) mintRequest(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintBolt11Request
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.mintCalls[request.Quote]++
	quote, ok := ms.mintQuotes[request.Quote]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	switch quote.state {
	case nut04.Unpaid:
		writeErr(rw, cashu.MintQuoteRequestNotPaid)
		return
	case nut04.Issued:
		writeErr(rw, cashu.MintQuoteAlreadyIssued)
		return
	}
	if request.Outputs.Amount() > quote.amount {
		writeErr(rw, cashu.OutputsOverQuoteAmountErr)
		return
	}

	signatures, err := ms.signOutputs(request.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	quote.state = nut04.Issued

	writeResponse(rw, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (ms *MintServer) swapRequest(rw http.ResponseWriter, req *http.Request) {
	var request nut03.PostSwapRequest
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	Ys, err := ms.verifyProofs(request.Inputs)
	if err != nil {
		writeErr(rw, err)
		return
	}

	fee := ms.inputFee(request.Inputs)
	if request.Inputs.Amount() < request.Outputs.Amount()+fee {
		writeErr(rw, cashu.InsufficientProofsAmount)
		return
	}
	if request.Inputs.Amount() != request.Outputs.Amount()+fee {
		writeErr(rw, AmountsMismatch)
		return
	}

	signatures, err := ms.signOutputs(request.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	for _, Y := range Ys {
		ms.proofStates[Y] = nut07.Spent
	}

	writeResponse(rw, nut03.PostSwapResponse{Signatures: signatures})
}

func (ms *MintServer) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltQuoteBolt11Request
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}
	if request.Unit != cashu.Sat.String() {
		writeErr(rw, cashu.UnitNotSupportedErr)
		return
	}

	bolt11, err := decodepay.Decodepay(request.Request)
	if err != nil || bolt11.MSatoshi <= 0 {
		writeErr(rw, InvalidInvoice)
		return
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	quote := &meltQuote{
		id:         randomId(),
		request:    request.Request,
		amount:     uint64(bolt11.MSatoshi) / 1000,
		feeReserve: ms.feeReserve,
		state:      nut05.Unpaid,
		expiry:     time.Now().Add(ms.quoteExpiry).Unix(),
	}
	ms.meltQuotes[quote.id] = quote

	writeResponse(rw, quote.response())
}

func (q *meltQuote) response() nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      q.id,
		Request:    q.request,
		Amount:     q.amount,
		FeeReserve: q.feeReserve,
		State:      q.state,
		Expiry:     uint64(q.expiry),
		Preimage:   q.preimage,
		Change:     q.change,
	}
}

func (ms *MintServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	quote, ok := ms.meltQuotes[mux.Vars(req)["quote"]]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	writeResponse(rw, quote.response())
}

func (ms *MintServer) meltRequest(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltBolt11Request
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	quote, ok := ms.meltQuotes[request.Quote]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	switch quote.state {
	case nut05.Paid:
		writeErr(rw, cashu.MeltQuoteAlreadyPaid)
		return
	case nut05.Pending:
		writeErr(rw, MeltPendingErr)
		return
	}

	Ys, err := ms.verifyProofs(request.Inputs)
	if err != nil {
		writeErr(rw, err)
		return
	}

	fee := ms.inputFee(request.Inputs)
	needed := quote.amount + quote.feeReserve + fee
	if request.Inputs.Amount() < needed {
		writeErr(rw, cashu.InsufficientProofsAmount)
		return
	}

	if ms.failingMelts {
		writeResponse(rw, quote.response())
		return
	}

	quote.inputYs = Ys
	quote.outputs = request.Outputs
	quote.overpaid = request.Inputs.Amount() - fee - quote.amount

	if ms.pendingMelts {
		for _, Y := range Ys {
			ms.proofStates[Y] = nut07.Pending
		}
		quote.state = nut05.Pending
		writeResponse(rw, quote.response())
		return
	}

	if err := ms.settleMelt(quote); err != nil {
		writeErr(rw, err)
		return
	}
	writeResponse(rw, quote.response())
}

// settleMelt marks the inputs spent and signs blank outputs for
// whatever was not used to pay the invoice.
func (ms *MintServer) settleMelt(quote *meltQuote) error {
	change := cashu.BlindedSignatures{}
	if quote.overpaid > ms.lightningFee && len(quote.outputs) > 0 {
		amounts := cashu.AmountSplit(quote.overpaid - ms.lightningFee)
		if len(amounts) > len(quote.outputs) {
			amounts = amounts[:len(quote.outputs)]
		}
		blankOutputs := make(cashu.BlindedMessages, len(amounts))
		for i, amount := range amounts {
			blankOutputs[i] = quote.outputs[i]
			blankOutputs[i].Amount = amount
		}

		var err error
		change, err = ms.signOutputs(blankOutputs)
		if err != nil {
			return err
		}
	}

	for _, Y := range quote.inputYs {
		ms.proofStates[Y] = nut07.Spent
	}

	preimage := make([]byte, 32)
	rand.Read(preimage)
	quote.preimage = hex.EncodeToString(preimage)
	quote.state = nut05.Paid
	quote.change = change
	return nil
}

func (ms *MintServer) checkStateRequest(rw http.ResponseWriter, req *http.Request) {
	var request nut07.PostCheckStateRequest
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	states := make([]nut07.ProofState, len(request.Ys))
	for i, Y := range request.Ys {
		state, ok := ms.proofStates[Y]
		if !ok {
			state = nut07.Unspent
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}

	writeResponse(rw, nut07.PostCheckStateResponse{States: states})
}

func (ms *MintServer) inputFee(inputs cashu.Proofs) uint64 {
	return uint64((uint(len(inputs))*ms.keyset.InputFeePpk + 999) / 1000)
}

// verifyProofs checks the signature of every input and that none was
// spent before. It returns their Ys.
func (ms *MintServer) verifyProofs(proofs cashu.Proofs) ([]string, error) {
	if len(proofs) == 0 {
		return nil, cashu.NoProofsProvided
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return nil, cashu.DuplicateProofs
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		if proof.Id != ms.keyset.Id {
			return nil, cashu.UnknownKeysetErr
		}
		key, ok := ms.keyset.Keys[proof.Amount]
		if !ok {
			return nil, cashu.InvalidProofErr
		}

		Y, err := hashY(proof.Secret)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		switch ms.proofStates[Y] {
		case nut07.Spent:
			return nil, cashu.ProofAlreadyUsedErr
		case nut07.Pending:
			return nil, ProofPendingErr
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		if !crypto.Verify(proof.Secret, key.PrivateKey, C) {
			return nil, cashu.InvalidProofErr
		}
		Ys[i] = Y
	}
	return Ys, nil
}

func (ms *MintServer) signOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		if output.Id != ms.keyset.Id {
			return nil, cashu.UnknownKeysetErr
		}
		key, ok := ms.keyset.Keys[output.Amount]
		if !ok {
			return nil, cashu.InvalidBlindedMessageAmount
		}
		if ms.signed[output.B_] {
			return nil, AlreadySigned
		}

		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, key.PrivateKey)
		e, s, err := crypto.GenerateDLEQ(key.PrivateKey, B_, C_)
		if err != nil {
			return nil, cashu.StandardErr
		}

		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     ms.keyset.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(s.Serialize()),
			},
		}
	}

	for _, output := range outputs {
		ms.signed[output.B_] = true
	}
	return signatures, nil
}

func hashY(secret string) (string, error) {
	Y, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}

func randomId() string {
	id := make([]byte, 16)
	rand.Read(id)
	return hex.EncodeToString(id)
}

func decodeRequest(req *http.Request, dst any) error {
	return json.NewDecoder(req.Body).Decode(dst)
}

func writeResponse(rw http.ResponseWriter, response any) {
	rw.Header().Set("Content-Type", "application/json")
	jsonRes, err := json.Marshal(response)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte("unable to encode response"))
		return
	}
	rw.Write(jsonRes)
}

func writeErr(rw http.ResponseWriter, err error) {
	cashuErr := cashu.StandardErr
	var valueErr cashu.Error
	var ptrErr *cashu.Error
	if errors.As(err, &valueErr) {
		cashuErr = valueErr
	} else if errors.As(err, &ptrErr) {
		cashuErr = *ptrErr
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	errRes, _ := json.Marshal(cashuErr)
	rw.Write(errRes)
}
