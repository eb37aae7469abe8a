// Package wallet keeps a ledger of the proofs and quotes of a Cashu mint
// and runs the operations that move value in and out of it.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/nutcustody/cashu"
	"github.com/elnosh/nutcustody/cashu/nuts/nut04"
	"github.com/elnosh/nutcustody/cashu/nuts/nut05"
	"github.com/elnosh/nutcustody/cashu/nuts/nut07"
	"github.com/elnosh/nutcustody/wallet/client"
	"github.com/elnosh/nutcustody/wallet/storage"
	"github.com/elnosh/nutcustody/wallet/storage/sqlite"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// MintClient is what the wallet needs from the mint. It is implemented
// by client.MintClient.
type MintClient interface {
	MintURL() string
	CreateMintQuote(ctx context.Context, amount uint64) (*nut04.PostMintQuoteBolt11Response, error)
	CheckMintQuote(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
	MintProofs(ctx context.Context, quoteId string, amount uint64) (cashu.Proofs, error)
	Send(ctx context.Context, amount uint64, proofs cashu.Proofs) (*client.SendResult, error)
	Receive(ctx context.Context, token cashu.Token) (cashu.Proofs, error)
	CreateMeltQuote(ctx context.Context, invoice string) (*nut05.PostMeltQuoteBolt11Response, error)
	MeltProofs(ctx context.Context, quoteId string, proofs cashu.Proofs) (*client.MeltResult, error)
	CheckMeltQuote(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	CheckProofsStates(ctx context.Context, proofs cashu.Proofs) ([]nut07.State, error)
	InputFee(ctx context.Context, proofs cashu.Proofs) (uint64, error)
	FeeForAmount(ctx context.Context, amount uint64) (uint64, error)
}

type Wallet struct {
	db      storage.WalletDB
	client  MintClient
	mintURL string
	monitor *QuoteMonitor
	config  Config
	logger  *slog.Logger

	// closed on Shutdown after the db
	closers []io.Closer

	// held from proof selection until the result is committed so two
	// operations never pick the same ready proofs.
	proofsMu sync.Mutex
}

type Balance struct {
	Ready   uint64
	Pending uint64
	Total   uint64
}

type MintQuoteResult struct {
	QuoteId string
	Invoice string
	Amount  uint64
	Expiry  time.Time
}

type QuoteStatus struct {
	QuoteId  string
	State    nut04.State
	IsPaid   bool
	IsIssued bool
	CanMint  bool
	Amount   uint64
}

type SendResult struct {
	SentAmount uint64
	KeptAmount uint64
	Fee        uint64
	Token      string
}

type PaymentResult struct {
	QuoteId    string
	Amount     uint64
	FeeReserve uint64
	State      nut05.State
	// empty while the payment has not been confirmed
	Preimage string
	Change   uint64
}

type CleanResult struct {
	Cleaned   int
	Checked   int
	Remaining int
	// amount returned to the ready balance from payments that failed
	Reclaimed uint64
}

// LoadWallet opens the ledger in config.WalletPath and resumes monitoring
// of the mint quotes that were not issued yet.
func LoadWallet(config Config) (*Wallet, error) {
	config.setDefaults()

	mintURL, err := parseMintURL(config.CurrentMintURL)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}

	logger, logFile, err := setupLogger(config.WalletPath, config.LogLevel)
	if err != nil {
		return nil, err
	}

	closeLog := func() {
		if logFile != nil {
			logFile.Close()
		}
	}

	db, err := sqlite.InitSQLite(config.WalletPath, logger)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("error setting up sqlite: %v", err)
	}

	keysetCache, err := storage.InitBolt(config.WalletPath, logger)
	if err != nil {
		db.Close()
		closeLog()
		return nil, fmt.Errorf("error setting up keyset cache: %v", err)
	}

	mintClient := client.NewMintClient(mintURL, keysetCache, logger)
	config.CurrentMintURL = mintURL
	wallet := NewWallet(db, mintClient, config, logger)
	wallet.closers = append(wallet.closers, keysetCache)
	if logFile != nil {
		wallet.closers = append(wallet.closers, logFile)
	}

	if err := wallet.resumeMonitoring(); err != nil {
		wallet.Shutdown()
		return nil, err
	}
	return wallet, nil
}

// NewWallet builds a wallet on top of an already opened ledger and client.
func NewWallet(db storage.WalletDB, mintClient MintClient, config Config, logger *slog.Logger) *Wallet {
	config.setDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	wallet := &Wallet{
		db:      db,
		client:  mintClient,
		mintURL: normalizeMintURL(mintClient.MintURL()),
		config:  config,
		logger:  logger,
	}
	wallet.monitor = NewQuoteMonitor(wallet, config.MonitorInterval, config.MonitorMaxConcurrent, logger)
	return wallet
}

func parseMintURL(mint string) (string, error) {
	if mint == "" {
		return "", fmt.Errorf("%w: mint url", ErrMissingParameter)
	}
	mintURL, err := url.Parse(mint)
	if err != nil || mintURL.Scheme == "" || mintURL.Host == "" {
		return "", fmt.Errorf("invalid mint url '%v'", mint)
	}
	return normalizeMintURL(mintURL.String()), nil
}

func normalizeMintURL(mint string) string {
	return strings.TrimSuffix(mint, "/")
}

func (w *Wallet) resumeMonitoring() error {
	quotes, err := w.db.GetMintQuotes(w.mintURL, nut04.Unpaid, nut04.Paid)
	if err != nil {
		return fmt.Errorf("error reading mint quotes: %v", err)
	}

	now := time.Now()
	for _, quote := range quotes {
		if quote.Expired(now) {
			continue
		}
		w.monitor.Add(quote.QuoteId, quote.Amount, quote.Expiry)
	}
	if len(quotes) > 0 {
		w.logInfof("resumed monitoring of %v mint quotes", w.monitor.Len())
	}
	return nil
}

func (w *Wallet) MintURL() string {
	return w.mintURL
}

// TrackedQuotes returns the ids of the mint quotes being watched.
func (w *Wallet) TrackedQuotes() []string {
	return w.monitor.Tracked()
}

// Shutdown stops the quote monitor and closes the ledger.
func (w *Wallet) Shutdown() error {
	w.monitor.Stop()

	errs := []error{w.db.Close()}
	for _, closer := range w.closers {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

func (w *Wallet) GetBalance(ctx context.Context) (Balance, error) {
	pending, err := w.db.GetBalance(w.mintURL, storage.Inflight)
	if err != nil {
		return Balance{}, err
	}
	if pending > 0 {
		w.CleanPendingProofs(ctx)
		pending, err = w.db.GetBalance(w.mintURL, storage.Inflight)
		if err != nil {
			return Balance{}, err
		}
	}

	ready, err := w.db.GetBalance(w.mintURL, storage.Ready)
	if err != nil {
		return Balance{}, err
	}

	return Balance{Ready: ready, Pending: pending, Total: ready + pending}, nil
}

// CreateMintQuote requests an invoice for amount from the mint. The quote
// is tracked by the monitor, which mints the proofs once it is paid.
func (w *Wallet) CreateMintQuote(ctx context.Context, amount uint64) (*MintQuoteResult, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	response, err := w.client.CreateMintQuote(ctx, amount)
	if err != nil {
		return nil, protocolError("create mint quote", err)
	}

	quote := storage.MintQuote{
		Mint:           w.mintURL,
		QuoteId:        response.Quote,
		State:          nut04.Unpaid,
		PaymentRequest: response.Request,
		Amount:         amount,
		Unit:           cashu.Sat.String(),
		Pubkey:         response.Pubkey,
	}
	if response.Expiry > 0 {
		quote.Expiry = time.Unix(int64(response.Expiry), 0)
	}
	if err := w.db.SaveMintQuote(quote); err != nil {
		return nil, fmt.Errorf("error saving mint quote: %v", err)
	}

	w.monitor.Add(quote.QuoteId, quote.Amount, quote.Expiry)
	w.logInfof("created mint quote '%v' for %v sats", quote.QuoteId, amount)

	return &MintQuoteResult{
		QuoteId: quote.QuoteId,
		Invoice: quote.PaymentRequest,
		Amount:  quote.Amount,
		Expiry:  quote.Expiry,
	}, nil
}

// CheckMintQuote asks the mint for the state of the quote and records it.
// Checking again without a change at the mint leaves the ledger as it was.
func (w *Wallet) CheckMintQuote(ctx context.Context, quoteId string) (*QuoteStatus, error) {
	if quoteId == "" {
		return nil, fmt.Errorf("%w: quote id", ErrMissingParameter)
	}

	response, err := w.client.CheckMintQuote(ctx, quoteId)
	if err != nil {
		return nil, protocolError("check mint quote", err)
	}
	if response.State == nut04.Unknown {
		return nil, protocolError("check mint quote", fmt.Errorf("unknown state for quote '%v'", quoteId))
	}

	var quote storage.MintQuote
	err = w.db.Update(ctx, func(tx storage.Tx) error {
		stored, err := tx.GetMintQuote(w.mintURL, quoteId)
		if errors.Is(err, storage.ErrQuoteNotFound) {
			stored = storage.MintQuote{
				Mint:           w.mintURL,
				QuoteId:        quoteId,
				PaymentRequest: response.Request,
				Amount:         response.Amount,
				Unit:           cashu.Sat.String(),
				Pubkey:         response.Pubkey,
			}
			if response.Expiry > 0 {
				stored.Expiry = time.Unix(int64(response.Expiry), 0)
			}
		} else if err != nil {
			return err
		}
		stored.State = response.State

		if err := tx.SaveMintQuote(stored); err != nil {
			return err
		}
		quote, err = tx.GetMintQuote(w.mintURL, quoteId)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error saving mint quote: %v", err)
	}

	isPaid := quote.State == nut04.Paid || quote.State == nut04.Issued
	isIssued := quote.State == nut04.Issued
	return &QuoteStatus{
		QuoteId:  quote.QuoteId,
		State:    quote.State,
		IsPaid:   isPaid,
		IsIssued: isIssued,
		CanMint:  isPaid && !isIssued,
		Amount:   quote.Amount,
	}, nil
}

// MintProofs redeems a paid quote. The new proofs are stored as ready and
// the quote is marked issued in the same transaction.
func (w *Wallet) MintProofs(ctx context.Context, quoteId string, amount uint64) (uint64, error) {
	if quoteId == "" {
		return 0, fmt.Errorf("%w: quote id", ErrMissingParameter)
	}
	if amount == 0 {
		return 0, fmt.Errorf("%w: amount", ErrMissingParameter)
	}

	proofs, err := w.client.MintProofs(ctx, quoteId, amount)
	if err != nil {
		return 0, protocolError("mint proofs", err)
	}
	if len(proofs) == 0 {
		return 0, ErrEmptyResult
	}

	newProofs, err := storage.NewProofs(w.mintURL, proofs, storage.Ready)
	if err != nil {
		return 0, err
	}

	err = w.db.Update(ctx, func(tx storage.Tx) error {
		if err := tx.SaveProofs(newProofs, storage.Ready); err != nil {
			return err
		}
		err := tx.UpdateMintQuoteState(w.mintURL, quoteId, nut04.Issued)
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return tx.SaveMintQuote(storage.MintQuote{
				Mint:    w.mintURL,
				QuoteId: quoteId,
				State:   nut04.Issued,
				Amount:  amount,
				Unit:    cashu.Sat.String(),
			})
		}
		return err
	})
	if err != nil {
		w.logErrorf("minted %v sats for quote '%v' but could not save proofs: %v", proofs.Amount(), quoteId, err)
		return 0, fmt.Errorf("error saving proofs: %v", err)
	}

	w.monitor.Remove(quoteId)
	w.logInfof("minted %v sats from quote '%v'", proofs.Amount(), quoteId)
	return proofs.Amount(), nil
}

// SendEcash takes amount out of the ready balance and returns it as a
// token. The proofs in the token stay inflight until the mint reports
// them spent.
func (w *Wallet) SendEcash(ctx context.Context, amount uint64, mint string) (*SendResult, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if mint != "" && normalizeMintURL(mint) != w.mintURL {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMint, mint)
	}

	w.proofsMu.Lock()
	defer w.proofsMu.Unlock()

	selected, err := w.selectProofs(ctx, amount)
	if err != nil {
		return nil, err
	}

	split, err := w.client.Send(ctx, amount, selected)
	if err != nil {
		return nil, protocolError("split proofs", err)
	}

	token, tokenErr := w.encodeToken(split.Send)
	sendState := storage.Inflight
	if tokenErr != nil {
		// nobody got the token so the proofs are still ours
		sendState = storage.Ready
	}

	err = w.db.Update(ctx, func(tx storage.Tx) error {
		return w.commitSplit(tx, selected, split.Keep, split.Send, sendState, "")
	})
	if err != nil {
		w.logErrorf("could not save split of %v proofs: %v", len(selected), err)
		return nil, fmt.Errorf("error saving proofs: %v", err)
	}
	if tokenErr != nil {
		return nil, fmt.Errorf("error creating token: %v", tokenErr)
	}

	sent := split.Send.Amount()
	kept := split.Keep.Amount()
	w.logInfof("sent %v sats", sent)
	return &SendResult{
		SentAmount: sent,
		KeptAmount: kept,
		Fee:        selected.Amount() - sent - kept,
		Token:      token,
	}, nil
}

func (w *Wallet) encodeToken(proofs cashu.Proofs) (string, error) {
	token, err := cashu.NewTokenV4(proofs, w.mintURL, cashu.Sat, true)
	if err != nil {
		return "", err
	}
	return token.Serialize()
}

// ReceiveEcash swaps the proofs of a token at the mint and stores
// the new ones as ready.
func (w *Wallet) ReceiveEcash(ctx context.Context, tokenstr string) (uint64, error) {
	if strings.TrimSpace(tokenstr) == "" {
		return 0, fmt.Errorf("%w: token", ErrMissingParameter)
	}

	token, err := cashu.DecodeToken(tokenstr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if normalizeMintURL(token.Mint()) != w.mintURL {
		return 0, fmt.Errorf("%w: %v", ErrUnknownMint, token.Mint())
	}
	if len(token.Proofs()) == 0 {
		return 0, ErrEmptyResult
	}

	proofs, err := w.client.Receive(ctx, token)
	if err != nil {
		return 0, protocolError("receive token", err)
	}
	if len(proofs) == 0 {
		return 0, ErrEmptyResult
	}

	newProofs, err := storage.NewProofs(w.mintURL, proofs, storage.Ready)
	if err != nil {
		return 0, err
	}
	err = w.db.Update(ctx, func(tx storage.Tx) error {
		return tx.SaveProofs(newProofs, storage.Ready)
	})
	if err != nil {
		w.logErrorf("received %v sats but could not save proofs: %v", proofs.Amount(), err)
		return 0, fmt.Errorf("error saving proofs: %v", err)
	}

	w.logInfof("received %v sats", proofs.Amount())
	return proofs.Amount(), nil
}

// PayInvoice pays a bolt11 invoice with ready proofs. The payment is
// confirmed on a best effort basis: if the mint has not settled it after
// the configured re-checks the result has no preimage. If the mint
// reports that the payment failed, the proofs are returned to the ready
// balance and ErrPaymentFailed is returned.
func (w *Wallet) PayInvoice(ctx context.Context, invoice string) (*PaymentResult, error) {
	if invoice == "" {
		return nil, fmt.Errorf("%w: invoice", ErrMissingParameter)
	}
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	if bolt11.MSatoshi == 0 {
		return nil, fmt.Errorf("%w: invoice has no amount", ErrInvalidInvoice)
	}

	quote, err := w.client.CreateMeltQuote(ctx, invoice)
	if err != nil {
		return nil, protocolError("create melt quote", err)
	}

	result, err := w.melt(ctx, invoice, quote)
	if err != nil {
		return nil, err
	}

	if result.Preimage == "" {
		if err := w.confirmSettlement(ctx, result); err != nil {
			return nil, err
		}
	}
	if result.State == nut05.Paid {
		w.CleanPendingProofs(ctx)
	}
	return result, nil
}

func (w *Wallet) melt(ctx context.Context, invoice string, quote *nut05.PostMeltQuoteBolt11Response) (*PaymentResult, error) {
	w.proofsMu.Lock()
	defer w.proofsMu.Unlock()

	amount := quote.Amount + quote.FeeReserve
	meltFee, err := w.meltInputFee(ctx, amount)
	if err != nil {
		return nil, err
	}
	amount += meltFee

	selected, err := w.selectProofs(ctx, amount)
	if err != nil {
		return nil, err
	}

	split, err := w.client.Send(ctx, amount, selected)
	if err != nil {
		return nil, protocolError("split proofs", err)
	}

	meltQuote := storage.MeltQuote{
		Mint:           w.mintURL,
		QuoteId:        quote.Quote,
		PaymentRequest: invoice,
		Amount:         quote.Amount,
		FeeReserve:     quote.FeeReserve,
		State:          nut05.Unpaid,
	}
	if quote.Expiry > 0 {
		meltQuote.Expiry = time.Unix(int64(quote.Expiry), 0)
	}

	meltResult, meltErr := w.client.MeltProofs(ctx, quote.Quote, split.Send)
	if meltErr == nil && meltResult.State == nut05.Unpaid {
		meltErr = ErrPaymentFailed
	}
	if meltErr != nil {
		// the split already happened at the mint, keep its outcome
		err := w.db.Update(ctx, func(tx storage.Tx) error {
			if err := w.commitSplit(tx, selected, split.Keep, split.Send, storage.Ready, ""); err != nil {
				return err
			}
			return tx.SaveMeltQuote(meltQuote)
		})
		if err != nil {
			w.logErrorf("could not save proofs after failed melt for quote '%v': %v", quote.Quote, err)
		}
		return nil, protocolError("melt proofs", meltErr)
	}

	meltQuote.State = meltResult.State
	if meltResult.State == nut05.Unknown {
		// the mint took the proofs, so the payment is in progress
		meltQuote.State = nut05.Pending
	}
	meltQuote.Preimage = meltResult.Preimage
	change, err := storage.NewProofs(w.mintURL, meltResult.Change, storage.Ready)
	if err != nil {
		return nil, err
	}

	err = w.db.Update(ctx, func(tx storage.Tx) error {
		if err := w.commitSplit(tx, selected, split.Keep, split.Send, storage.Inflight, quote.Quote); err != nil {
			return err
		}
		if err := tx.SaveProofs(change, storage.Ready); err != nil {
			return err
		}
		return tx.SaveMeltQuote(meltQuote)
	})
	if err != nil {
		w.logErrorf("paid melt quote '%v' but could not save proofs: %v", quote.Quote, err)
		return nil, fmt.Errorf("error saving proofs: %v", err)
	}

	w.logInfof("melt quote '%v' for %v sats is %v", quote.Quote, quote.Amount, meltResult.State)
	return &PaymentResult{
		QuoteId:    quote.Quote,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
		State:      meltQuote.State,
		Preimage:   meltResult.Preimage,
		Change:     meltResult.Change.Amount(),
	}, nil
}

// meltInputFee finds the input fee of the proofs used to pay amount. The
// fee itself needs to be paid with those proofs, so it only settles once
// adding it no longer changes it.
func (w *Wallet) meltInputFee(ctx context.Context, amount uint64) (uint64, error) {
	var fee uint64
	for i := 0; i < 16; i++ {
		next, err := w.client.FeeForAmount(ctx, amount+fee)
		if err != nil {
			return 0, protocolError("input fee", err)
		}
		if next <= fee {
			break
		}
		fee = next
	}
	return fee, nil
}

// confirmSettlement re-checks a melt quote while the payment has no
// preimage, waiting the settlement interval before each check. It only
// fails when the mint reports the payment as failed.
func (w *Wallet) confirmSettlement(ctx context.Context, result *PaymentResult) error {
	for i := 0; i < w.config.SettlementCheckAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.config.SettlementCheckInterval):
		}

		quote, err := w.client.CheckMeltQuote(ctx, result.QuoteId)
		if err != nil {
			w.logErrorf("could not check melt quote '%v': %v", result.QuoteId, err)
			continue
		}
		if quote.State == nut05.Unknown {
			w.logDebugf("mint returned unknown state for melt quote '%v'", result.QuoteId)
			continue
		}

		if quote.State == nut05.Unpaid && result.State == nut05.Pending {
			w.failMelt(ctx, result.QuoteId)
			return protocolError("melt proofs", ErrPaymentFailed)
		}

		if err := w.db.UpdateMeltQuote(w.mintURL, result.QuoteId, quote.State, quote.Preimage); err != nil {
			w.logErrorf("could not update melt quote '%v': %v", result.QuoteId, err)
		}
		if quote.State > result.State {
			result.State = quote.State
		}
		if quote.Preimage != "" {
			result.Preimage = quote.Preimage
			return nil
		}
	}
	return nil
}

// failMelt records a pending payment as failed and reclaims its proofs.
// Proofs that cannot be reclaimed now stay inflight for the next
// CleanPendingProofs.
func (w *Wallet) failMelt(ctx context.Context, quoteId string) uint64 {
	w.logInfof("payment of melt quote '%v' failed", quoteId)
	if err := w.db.UpdateMeltQuote(w.mintURL, quoteId, nut05.Unpaid, ""); err != nil {
		w.logErrorf("could not update melt quote '%v': %v", quoteId, err)
		return 0
	}

	reclaimed, err := w.reclaimMeltProofs(ctx, quoteId)
	if err != nil {
		w.logErrorf("could not reclaim proofs of melt quote '%v': %v", quoteId, err)
		return 0
	}
	return reclaimed
}

// reclaimMeltProofs swaps the inflight proofs of a failed melt for new
// ready ones. The mint never spent them, but a proof does not go back to
// ready, so the swap spends them instead.
func (w *Wallet) reclaimMeltProofs(ctx context.Context, quoteId string) (uint64, error) {
	w.proofsMu.Lock()
	defer w.proofsMu.Unlock()

	inflight, err := w.db.GetProofs(w.mintURL, storage.Inflight)
	if err != nil {
		return 0, err
	}
	var stored []storage.Proof
	for _, proof := range inflight {
		if proof.MeltQuoteId == quoteId {
			stored = append(stored, proof)
		}
	}
	if len(stored) == 0 {
		return 0, nil
	}

	proofs, err := storage.ToCashuProofs(stored)
	if err != nil {
		return 0, err
	}
	token, err := cashu.NewTokenV4(proofs, w.mintURL, cashu.Sat, false)
	if err != nil {
		return 0, err
	}
	newProofs, err := w.client.Receive(ctx, token)
	if err != nil {
		return 0, protocolError("reclaim proofs", err)
	}

	ready, err := storage.NewProofs(w.mintURL, newProofs, storage.Ready)
	if err != nil {
		return 0, err
	}
	err = w.db.Update(ctx, func(tx storage.Tx) error {
		for _, proof := range stored {
			if err := tx.UpdateProofState(w.mintURL, proof.Secret, storage.Spent); err != nil {
				return err
			}
		}
		return tx.SaveProofs(ready, storage.Ready)
	})
	if err != nil {
		w.logErrorf("reclaimed %v sats from melt quote '%v' but could not save proofs: %v", newProofs.Amount(), quoteId, err)
		return 0, fmt.Errorf("error saving proofs: %v", err)
	}

	w.logInfof("reclaimed %v sats from failed melt quote '%v'", newProofs.Amount(), quoteId)
	return newProofs.Amount(), nil
}

// resolveMelts checks the melt quotes that inflight proofs were spent on.
// Paid quotes are recorded and the proofs of failed ones are reclaimed.
func (w *Wallet) resolveMelts(ctx context.Context, inflight []storage.Proof) uint64 {
	var quoteIds []string
	for _, proof := range inflight {
		if proof.MeltQuoteId != "" && !slices.Contains(quoteIds, proof.MeltQuoteId) {
			quoteIds = append(quoteIds, proof.MeltQuoteId)
		}
	}

	var reclaimed uint64
	for _, quoteId := range quoteIds {
		quote, err := w.db.GetMeltQuote(w.mintURL, quoteId)
		if err != nil {
			w.logErrorf("could not get melt quote '%v': %v", quoteId, err)
			continue
		}

		switch quote.State {
		case nut05.Unpaid:
			// failed earlier but the proofs could not be reclaimed then
			amount, err := w.reclaimMeltProofs(ctx, quoteId)
			if err != nil {
				w.logErrorf("could not reclaim proofs of melt quote '%v': %v", quoteId, err)
				continue
			}
			reclaimed += amount
		case nut05.Pending:
			response, err := w.client.CheckMeltQuote(ctx, quoteId)
			if err != nil {
				w.logErrorf("could not check melt quote '%v': %v", quoteId, err)
				continue
			}
			switch response.State {
			case nut05.Unpaid:
				reclaimed += w.failMelt(ctx, quoteId)
			case nut05.Paid:
				if err := w.db.UpdateMeltQuote(w.mintURL, quoteId, nut05.Paid, response.Preimage); err != nil {
					w.logErrorf("could not update melt quote '%v': %v", quoteId, err)
				}
			}
		}
	}
	return reclaimed
}

// selectProofs picks ready proofs, largest first, until they cover amount
// and the fee for spending them.
func (w *Wallet) selectProofs(ctx context.Context, amount uint64) (cashu.Proofs, error) {
	stored, err := w.db.GetProofs(w.mintURL, storage.Ready)
	if err != nil {
		return nil, err
	}
	proofs, err := storage.ToCashuProofs(stored)
	if err != nil {
		return nil, err
	}
	if proofs.Amount() < amount {
		return nil, ErrInsufficientBalance
	}

	slices.SortFunc(proofs, func(a, b cashu.Proof) int {
		if a.Amount > b.Amount {
			return -1
		} else if a.Amount < b.Amount {
			return 1
		}
		return 0
	})

	var selected cashu.Proofs
	var selectedAmount uint64
	for _, proof := range proofs {
		selected = append(selected, proof)
		selectedAmount += proof.Amount
		if selectedAmount < amount {
			continue
		}

		fee, err := w.client.InputFee(ctx, selected)
		if err != nil {
			return nil, protocolError("input fee", err)
		}
		if selectedAmount >= amount+fee {
			return selected, nil
		}
	}
	return nil, ErrInsufficientBalance
}

// commitSplit records the outcome of a split: selected proofs that did not
// come back are spent, keep proofs are ready and send proofs get sendState.
// Send proofs handed to a melt keep the id of its quote.
func (w *Wallet) commitSplit(tx storage.Tx, selected, keep, send cashu.Proofs, sendState storage.ProofState, meltQuoteId string) error {
	returned := make(map[string]bool, len(keep)+len(send))
	for _, proof := range keep {
		returned[proof.Secret] = true
	}
	for _, proof := range send {
		returned[proof.Secret] = true
	}

	for _, proof := range selected {
		if returned[proof.Secret] {
			continue
		}
		if err := tx.UpdateProofState(w.mintURL, proof.Secret, storage.Spent); err != nil {
			return err
		}
	}

	keepProofs, err := storage.NewProofs(w.mintURL, keep, storage.Ready)
	if err != nil {
		return err
	}
	if err := tx.SaveProofs(keepProofs, storage.Ready); err != nil {
		return err
	}

	sendProofs, err := storage.NewProofs(w.mintURL, send, sendState)
	if err != nil {
		return err
	}
	for i := range sendProofs {
		sendProofs[i].MeltQuoteId = meltQuoteId
	}
	return tx.SaveProofs(sendProofs, sendState)
}

// CleanPendingProofs asks the mint about every inflight proof and marks
// the ones it reports spent. Proofs of payments the mint reports as failed
// are reclaimed into the ready balance. Failures are logged and left for
// the next call.
func (w *Wallet) CleanPendingProofs(ctx context.Context) CleanResult {
	stored, err := w.db.GetProofs(w.mintURL, storage.Inflight)
	if err != nil {
		w.logErrorf("could not get pending proofs: %v", err)
		return CleanResult{}
	}
	if len(stored) == 0 {
		return CleanResult{}
	}

	reclaimed := w.resolveMelts(ctx, stored)
	if reclaimed > 0 {
		stored, err = w.db.GetProofs(w.mintURL, storage.Inflight)
		if err != nil {
			w.logErrorf("could not get pending proofs: %v", err)
			return CleanResult{Reclaimed: reclaimed}
		}
		if len(stored) == 0 {
			return CleanResult{Reclaimed: reclaimed}
		}
	}

	proofs, err := storage.ToCashuProofs(stored)
	if err != nil {
		w.logErrorf("could not read pending proofs: %v", err)
		return CleanResult{Remaining: len(stored), Reclaimed: reclaimed}
	}

	states, err := w.client.CheckProofsStates(ctx, proofs)
	if err != nil {
		w.logErrorf("could not check state of pending proofs: %v", err)
		return CleanResult{Remaining: len(stored), Reclaimed: reclaimed}
	}
	if len(states) != len(proofs) {
		w.logErrorf("mint returned %v states for %v pending proofs", len(states), len(proofs))
		return CleanResult{Remaining: len(stored), Reclaimed: reclaimed}
	}

	cleaned := 0
	err = w.db.Update(ctx, func(tx storage.Tx) error {
		cleaned = 0
		for i, state := range states {
			if state != nut07.Spent {
				continue
			}
			if err := tx.UpdateProofState(w.mintURL, proofs[i].Secret, storage.Spent); err != nil {
				return err
			}
			cleaned++
		}
		return nil
	})
	if err != nil {
		w.logErrorf("could not mark pending proofs as spent: %v", err)
		return CleanResult{Checked: len(proofs), Remaining: len(proofs), Reclaimed: reclaimed}
	}

	if cleaned > 0 {
		w.logInfof("%v pending proofs were spent", cleaned)
	}
	return CleanResult{
		Cleaned:   cleaned,
		Checked:   len(proofs),
		Remaining: len(proofs) - cleaned,
		Reclaimed: reclaimed,
	}
}

func (w *Wallet) logInfof(format string, args ...any) {
	w.logger.Info(fmt.Sprintf(format, args...))
}

func (w *Wallet) logErrorf(format string, args ...any) {
	w.logger.Error(fmt.Sprintf(format, args...))
}

func (w *Wallet) logDebugf(format string, args ...any) {
	w.logger.Debug(fmt.Sprintf(format, args...))
}
