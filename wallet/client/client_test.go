package client

import (
	"context"
	"errors"
	"testing"

	"github.com/elnosh/nutcustody/cashu"
	"github.com/elnosh/nutcustody/cashu/nuts/nut04"
	"github.com/elnosh/nutcustody/cashu/nuts/nut05"
	"github.com/elnosh/nutcustody/cashu/nuts/nut07"
	"github.com/elnosh/nutcustody/cashu/nuts/nut12"
	"github.com/elnosh/nutcustody/testutils"
	"github.com/elnosh/nutcustody/wallet/storage"
)

func mintProofs(t *testing.T, ms *testutils.MintServer, c *MintClient, amount uint64) cashu.Proofs {
	t.Helper()
	ctx := context.Background()

	quote, err := c.CreateMintQuote(ctx, amount)
	if err != nil {
		t.Fatalf("error creating mint quote: %v", err)
	}
	if err := ms.PayQuote(quote.Quote); err != nil {
		t.Fatal(err)
	}
	proofs, err := c.MintProofs(ctx, quote.Quote, amount)
	if err != nil {
		t.Fatalf("error minting proofs: %v", err)
	}
	return proofs
}

func TestMintProofs(t *testing.T) {
	ms := testutils.NewMintServer(0)
	defer ms.Close()
	ctx := context.Background()
	c := NewMintClient(ms.URL(), nil, nil)

	quote, err := c.CreateMintQuote(ctx, 100)
	if err != nil {
		t.Fatalf("error creating mint quote: %v", err)
	}
	if quote.State != nut04.Unpaid {
		t.Errorf("expected '%v' but got '%v' instead", nut04.Unpaid, quote.State)
	}

	_, err = c.MintProofs(ctx, quote.Quote, 100)
	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) || cashuErr.Code != cashu.MintQuoteRequestNotPaidErrCode {
		t.Fatalf("expected quote not paid error but got '%v'", err)
	}

	if err := ms.PayQuote(quote.Quote); err != nil {
		t.Fatal(err)
	}
	state, err := c.CheckMintQuote(ctx, quote.Quote)
	if err != nil {
		t.Fatalf("error checking quote: %v", err)
	}
	if state.State != nut04.Paid {
		t.Errorf("expected '%v' but got '%v' instead", nut04.Paid, state.State)
	}

	proofs, err := c.MintProofs(ctx, quote.Quote, 100)
	if err != nil {
		t.Fatalf("error minting proofs: %v", err)
	}
	if proofs.Amount() != 100 {
		t.Errorf("expected '%v' but got '%v' instead", 100, proofs.Amount())
	}
	if len(proofs) != len(cashu.AmountSplit(100)) {
		t.Errorf("expected '%v' proofs but got '%v'", len(cashu.AmountSplit(100)), len(proofs))
	}

	keys, err := c.keysFor(ctx, ms.KeysetId())
	if err != nil {
		t.Fatal(err)
	}
	for _, proof := range proofs {
		if proof.DLEQ == nil || proof.DLEQ.R == "" {
			t.Fatalf("expected proof to carry DLEQ but got '%v'", proof.DLEQ)
		}
	}
	if !nut12.VerifyProofsDLEQ(proofs, keys) {
		t.Error("DLEQ of minted proofs did not verify")
	}

	_, err = c.MintProofs(ctx, quote.Quote, 100)
	if !errors.As(err, &cashuErr) || cashuErr.Code != cashu.MintQuoteAlreadyIssuedErrCode {
		t.Fatalf("expected quote already issued error but got '%v'", err)
	}
}

func TestSend(t *testing.T) {
	ms := testutils.NewMintServer(0)
	defer ms.Close()
	ctx := context.Background()
	c := NewMintClient(ms.URL(), nil, nil)

	proofs := mintProofs(t, ms, c, 64)

	result, err := c.Send(ctx, 10, proofs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Send.Amount() != 10 {
		t.Errorf("expected '%v' but got '%v' instead", 10, result.Send.Amount())
	}
	if result.Keep.Amount() != 54 {
		t.Errorf("expected '%v' but got '%v' instead", 54, result.Keep.Amount())
	}

	states, err := c.CheckProofsStates(ctx, proofs)
	if err != nil {
		t.Fatalf("error checking states: %v", err)
	}
	for _, state := range states {
		if state != nut07.Spent {
			t.Errorf("expected '%v' but got '%v' instead", nut07.Spent, state)
		}
	}

	// exact amount without fees goes out untouched
	exact, err := c.Send(ctx, 10, result.Send)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exact.Keep) != 0 || len(exact.Send) != len(result.Send) || exact.Send[0].Secret != result.Send[0].Secret {
		t.Errorf("expected proofs to be sent unchanged but got '%v'", exact)
	}

	if _, err := c.Send(ctx, 100, result.Keep); !errors.Is(err, ErrInsufficientProofs) {
		t.Errorf("expected error '%v' but got '%v' instead", ErrInsufficientProofs, err)
	}
}

func TestSendWithFees(t *testing.T) {
	ms := testutils.NewMintServer(500)
	defer ms.Close()
	ctx := context.Background()
	c := NewMintClient(ms.URL(), nil, nil)

	// a single proof of 8
	proofs := mintProofs(t, ms, c, 8)

	fee, err := c.InputFee(ctx, proofs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fee != 1 {
		t.Fatalf("expected fee '%v' but got '%v' instead", 1, fee)
	}

	result, err := c.Send(ctx, 4, proofs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Send.Amount() != 4 || result.Keep.Amount() != 3 {
		t.Errorf("expected send '%v' and keep '%v' but got '%v' and '%v'", 4, 3, result.Send.Amount(), result.Keep.Amount())
	}

	// 3 inputs at 500 ppk cost 2
	fee, _ = c.InputFee(ctx, append(result.Send, result.Keep...))
	if fee != 2 {
		t.Errorf("expected fee '%v' but got '%v' instead", 2, fee)
	}
}

func TestReceive(t *testing.T) {
	ms := testutils.NewMintServer(0)
	defer ms.Close()
	ctx := context.Background()
	sender := NewMintClient(ms.URL(), nil, nil)
	receiver := NewMintClient(ms.URL(), nil, nil)

	proofs := mintProofs(t, ms, sender, 21)
	token, err := cashu.NewTokenV4(proofs, ms.URL(), cashu.Sat, true)
	if err != nil {
		t.Fatal(err)
	}

	received, err := receiver.Receive(ctx, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.Amount() != 21 {
		t.Errorf("expected '%v' but got '%v' instead", 21, received.Amount())
	}

	if _, err := receiver.Receive(ctx, token); err == nil {
		t.Error("expected error receiving spent token")
	}

	foreign, _ := cashu.NewTokenV4(received, "http://localhost:9999", cashu.Sat, false)
	if _, err := receiver.Receive(ctx, foreign); !errors.Is(err, ErrDifferentMint) {
		t.Errorf("expected error '%v' but got '%v' instead", ErrDifferentMint, err)
	}
}

func TestReceiveTrailingSlash(t *testing.T) {
	ms := testutils.NewMintServer(0)
	defer ms.Close()
	ctx := context.Background()
	sender := NewMintClient(ms.URL(), nil, nil)
	receiver := NewMintClient(ms.URL()+"/", nil, nil)

	if receiver.MintURL() != ms.URL() {
		t.Errorf("expected '%v' but got '%v' instead", ms.URL(), receiver.MintURL())
	}

	proofs := mintProofs(t, ms, sender, 13)
	token, err := cashu.NewTokenV4(proofs, ms.URL()+"/", cashu.Sat, true)
	if err != nil {
		t.Fatal(err)
	}
	received, err := receiver.Receive(ctx, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.Amount() != 13 {
		t.Errorf("expected '%v' but got '%v' instead", 13, received.Amount())
	}
}

func TestMelt(t *testing.T) {
	ms := testutils.NewMintServer(0)
	defer ms.Close()
	ms.SetFeeReserve(4, 1)
	ctx := context.Background()
	c := NewMintClient(ms.URL(), nil, nil)

	proofs := mintProofs(t, ms, c, 64)
	invoice, err := testutils.CreateFakeInvoice(20)
	if err != nil {
		t.Fatal(err)
	}

	quote, err := c.CreateMeltQuote(ctx, invoice.PaymentRequest)
	if err != nil {
		t.Fatalf("error creating melt quote: %v", err)
	}
	if quote.Amount != 20 || quote.FeeReserve != 4 {
		t.Fatalf("expected amount '%v' and fee reserve '%v' but got '%v' and '%v'", 20, 4, quote.Amount, quote.FeeReserve)
	}

	split, err := c.Send(ctx, 24, proofs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := c.MeltProofs(ctx, quote.Quote, split.Send)
	if err != nil {
		t.Fatalf("error melting proofs: %v", err)
	}
	if result.State != nut05.Paid || result.Preimage == "" {
		t.Errorf("expected paid melt with preimage but got '%v'", result)
	}
	// 24 in, 20 paid, 1 spent on routing
	if result.Change.Amount() != 3 {
		t.Errorf("expected change '%v' but got '%v' instead", 3, result.Change.Amount())
	}

	checked, err := c.CheckMeltQuote(ctx, quote.Quote)
	if err != nil {
		t.Fatalf("error checking melt quote: %v", err)
	}
	if checked.State != nut05.Paid {
		t.Errorf("expected '%v' but got '%v' instead", nut05.Paid, checked.State)
	}

	if _, err := c.CreateMeltQuote(ctx, "lnbcinvalid"); err == nil {
		t.Error("expected error for invalid invoice")
	}
}

func TestKeysetCache(t *testing.T) {
	ms := testutils.NewMintServer(100)
	ctx := context.Background()

	cache, err := storage.InitBolt(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	c := NewMintClient(ms.URL(), cache, nil)
	mintProofs(t, ms, c, 10)

	keysets, err := cache.GetKeysets(ms.URL())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := keysets[ms.KeysetId()]; !ok {
		t.Fatalf("expected keyset '%v' to be cached", ms.KeysetId())
	}

	mintURL := ms.URL()
	ms.Close()

	// mint is gone, keysets come from the cache
	offline := NewMintClient(mintURL, cache, nil)
	fee, err := offline.InputFee(ctx, cashu.Proofs{{Amount: 1, Id: ms.KeysetId()}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fee != 1 {
		t.Errorf("expected '%v' but got '%v' instead", 1, fee)
	}
}

func TestBlankOutputsCount(t *testing.T) {
	tests := []struct {
		overpaid uint64
		expected int
	}{
		{0, 1},
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{1000, 10},
		{1024, 10},
		{1025, 11},
	}

	for _, test := range tests {
		if count := blankOutputsCount(test.overpaid); count != test.expected {
			t.Errorf("expected '%v' but got '%v' instead for '%v'", test.expected, count, test.overpaid)
		}
	}
}

func TestReceiveInvalidDLEQ(t *testing.T) {
	ms := testutils.NewMintServer(0)
	defer ms.Close()
	ctx := context.Background()
	sender := NewMintClient(ms.URL(), nil, nil)
	receiver := NewMintClient(ms.URL(), nil, nil)

	// 3 = 1 + 2
	proofs := mintProofs(t, ms, sender, 3)
	tampered := make(cashu.Proofs, len(proofs))
	copy(tampered, proofs)
	dleq := *tampered[0].DLEQ
	dleq.E = proofs[1].DLEQ.E
	tampered[0].DLEQ = &dleq

	token, err := cashu.NewTokenV4(tampered, ms.URL(), cashu.Sat, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := receiver.Receive(ctx, token); !errors.Is(err, ErrInvalidDLEQ) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrInvalidDLEQ, err)
	}

	// nothing was swapped, the untampered token is still good
	token, _ = cashu.NewTokenV4(proofs, ms.URL(), cashu.Sat, true)
	received, err := receiver.Receive(ctx, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.Amount() != 3 {
		t.Errorf("expected '%v' but got '%v' instead", 3, received.Amount())
	}
}

func TestFeeForAmount(t *testing.T) {
	ms := testutils.NewMintServer(400)
	defer ms.Close()
	c := NewMintClient(ms.URL(), nil, nil)

	tests := []struct {
		amount      uint64
		expectedFee uint64
	}{
		{amount: 1, expectedFee: 1},
		{amount: 3, expectedFee: 1},
		{amount: 7, expectedFee: 2},
		{amount: 15, expectedFee: 2},
		{amount: 31, expectedFee: 2},
		{amount: 63, expectedFee: 3},
	}

	for _, test := range tests {
		fee, err := c.FeeForAmount(context.Background(), test.amount)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fee != test.expectedFee {
			t.Errorf("expected fee '%v' for amount '%v' but got '%v' instead", test.expectedFee, test.amount, fee)
		}
	}
}
