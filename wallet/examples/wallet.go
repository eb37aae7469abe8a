//go:build ignore_vet
// +build ignore_vet

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/elnosh/nutcustody/wallet"
)

func main() {
	config := wallet.Config{
		WalletPath:      "./cashu",
		CurrentMintURL:  "http://localhost:3338",
		MonitorInterval: 5 * time.Second,
	}

	ctx := context.Background()
	w, err := wallet.LoadWallet(config)
	defer w.Shutdown()

	// Request invoice to mint. The wallet mints the ecash on its own
	// once the invoice is paid.
	mintQuote, err := w.CreateMintQuote(ctx, 42)
	fmt.Println(mintQuote.Invoice)

	// Or check and redeem it manually
	quoteStatus, err := w.CheckMintQuote(ctx, mintQuote.QuoteId)
	if quoteStatus.CanMint {
		minted, err := w.MintProofs(ctx, mintQuote.QuoteId, mintQuote.Amount)
	}

	// Send
	sendResult, err := w.SendEcash(ctx, 21, "")
	fmt.Println(sendResult.Token)

	// Receive
	amountReceived, err := w.ReceiveEcash(ctx, "cashuBo2FteBtodHRwOi8vbG9jYWxob3N0OjMzMzg...")

	// Pay invoice
	payment, err := w.PayInvoice(ctx, "lnbc100n1pja0w9pdqqx...")
	fmt.Println(payment.Preimage)

	// Pending proofs are settled when checking the balance
	balance, err := w.GetBalance(ctx)
	fmt.Println(balance.Total)
}
