package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakeMinter struct {
	mu         sync.Mutex
	paid       map[string]bool
	issued     map[string]bool
	failChecks map[string]int
	checkDelay time.Duration
	checks     []string
	mints      map[string]int
}

func newFakeMinter() *fakeMinter {
	return &fakeMinter{
		paid:       make(map[string]bool),
		issued:     make(map[string]bool),
		failChecks: make(map[string]int),
		mints:      make(map[string]int),
	}
}

func (f *fakeMinter) CheckMintQuote(ctx context.Context, quoteId string) (*QuoteStatus, error) {
	f.mu.Lock()
	f.checks = append(f.checks, quoteId)
	delay := f.checkDelay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failChecks[quoteId] > 0 {
		f.failChecks[quoteId]--
		return nil, errors.New("mint unreachable")
	}
	paid := f.paid[quoteId] || f.issued[quoteId]
	issued := f.issued[quoteId]
	return &QuoteStatus{
		QuoteId:  quoteId,
		IsPaid:   paid,
		IsIssued: issued,
		CanMint:  paid && !issued,
		Amount:   100,
	}, nil
}

func (f *fakeMinter) MintProofs(ctx context.Context, quoteId string, amount uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mints[quoteId]++
	if f.issued[quoteId] {
		return 0, errors.New("quote already issued")
	}
	f.issued[quoteId] = true
	return amount, nil
}

func (f *fakeMinter) pay(quoteId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid[quoteId] = true
}

func (f *fakeMinter) mintCount(quoteId string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mints[quoteId]
}

func (f *fakeMinter) checked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.checks)
}

func testMonitor(minter quoteMinter, interval time.Duration, maxConcurrent int) *QuoteMonitor {
	return NewQuoteMonitor(minter, interval, maxConcurrent, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMonitorMintsPaidQuotes(t *testing.T) {
	minter := newFakeMinter()
	monitor := testMonitor(minter, 5*time.Millisecond, 5)
	defer monitor.Stop()

	if monitor.Running() {
		t.Fatal("expected monitor to be idle before any quote is added")
	}

	monitor.Add("q1", 100, time.Time{})
	monitor.Add("q2", 100, time.Time{})
	monitor.Add("q1", 100, time.Time{})
	if monitor.Len() != 2 {
		t.Fatalf("expected '%v' quotes but got '%v'", 2, monitor.Len())
	}
	if !monitor.Running() {
		t.Fatal("expected monitor to be running")
	}

	minter.pay("q1")
	waitFor(t, 2*time.Second, func() bool { return minter.mintCount("q1") == 1 })
	waitFor(t, time.Second, func() bool { return !slices.Contains(monitor.Tracked(), "q1") })
	if !slices.Contains(monitor.Tracked(), "q2") {
		t.Error("expected unpaid quote to still be monitored")
	}

	minter.pay("q2")
	waitFor(t, 2*time.Second, func() bool { return monitor.Len() == 0 })
	waitFor(t, time.Second, func() bool { return !monitor.Running() })

	if minter.mintCount("q2") != 1 {
		t.Errorf("expected '%v' mints but got '%v'", 1, minter.mintCount("q2"))
	}

	// adding a quote wakes the monitor up again
	monitor.Add("q3", 100, time.Time{})
	if !monitor.Running() {
		t.Error("expected monitor to be running after new quote")
	}
}

func TestMonitorOverlappingTicks(t *testing.T) {
	minter := newFakeMinter()
	// checks take several ticks
	minter.checkDelay = 30 * time.Millisecond
	monitor := testMonitor(minter, 2*time.Millisecond, 5)
	defer monitor.Stop()

	quotes := []string{"a", "b", "c"}
	for _, id := range quotes {
		minter.pay(id)
		monitor.Add(id, 100, time.Time{})
	}

	waitFor(t, 2*time.Second, func() bool { return monitor.Len() == 0 })
	// let any overlapping check finish
	time.Sleep(100 * time.Millisecond)

	for _, id := range quotes {
		if count := minter.mintCount(id); count != 1 {
			t.Errorf("expected quote '%v' to be minted once but got '%v'", id, count)
		}
	}
}

func TestMonitorRetriesFailedChecks(t *testing.T) {
	minter := newFakeMinter()
	minter.failChecks["q1"] = 3
	minter.pay("q1")
	monitor := testMonitor(minter, 5*time.Millisecond, 5)
	defer monitor.Stop()

	monitor.Add("q1", 100, time.Time{})
	waitFor(t, 2*time.Second, func() bool { return minter.mintCount("q1") == 1 })

	checks := 0
	for _, id := range minter.checked() {
		if id == "q1" {
			checks++
		}
	}
	if checks < 4 {
		t.Errorf("expected at least '%v' checks but got '%v'", 4, checks)
	}
}

func TestMonitorDropsIssuedQuotes(t *testing.T) {
	minter := newFakeMinter()
	minter.issued["q1"] = true
	monitor := testMonitor(minter, 5*time.Millisecond, 5)
	defer monitor.Stop()

	monitor.Add("q1", 100, time.Time{})
	waitFor(t, 2*time.Second, func() bool { return monitor.Len() == 0 })

	if minter.mintCount("q1") != 0 {
		t.Errorf("expected issued quote to not be minted but got '%v' mints", minter.mintCount("q1"))
	}
}

func TestMonitorExpiredQuotes(t *testing.T) {
	minter := newFakeMinter()
	monitor := testMonitor(minter, 5*time.Millisecond, 5)
	defer monitor.Stop()

	monitor.Add("expired", 100, time.Now().Add(-time.Second))
	monitor.Add("live", 100, time.Now().Add(time.Hour))

	waitFor(t, 2*time.Second, func() bool { return len(minter.checked()) > 0 })
	if slices.Contains(minter.checked(), "expired") {
		t.Error("expected expired quote to not be checked")
	}
	if tracked := monitor.Tracked(); !reflect.DeepEqual(tracked, []string{"live"}) {
		t.Errorf("expected '%v' but got '%v' instead", []string{"live"}, tracked)
	}
}

func TestMonitorRoundRobin(t *testing.T) {
	minter := newFakeMinter()
	monitor := testMonitor(minter, 5*time.Millisecond, 1)
	defer monitor.Stop()

	quotes := []string{"q1", "q2", "q3"}
	for _, id := range quotes {
		monitor.Add(id, 100, time.Time{})
	}

	waitFor(t, 2*time.Second, func() bool { return len(minter.checked()) >= 6 })
	checks := minter.checked()[:6]
	expected := []string{"q1", "q2", "q3", "q1", "q2", "q3"}
	if !reflect.DeepEqual(checks, expected) {
		t.Errorf("expected '%v' but got '%v' instead", expected, checks)
	}
}

func TestMonitorStop(t *testing.T) {
	minter := newFakeMinter()
	minter.checkDelay = 20 * time.Millisecond
	monitor := testMonitor(minter, 2*time.Millisecond, 5)

	monitor.Add("q1", 100, time.Time{})
	waitFor(t, 2*time.Second, func() bool { return len(minter.checked()) > 0 })
	monitor.Stop()

	if monitor.Running() {
		t.Error("expected monitor to be stopped")
	}
	monitor.Add("q2", 100, time.Time{})
	if monitor.Running() || slices.Contains(monitor.Tracked(), "q2") {
		t.Error("expected stopped monitor to ignore new quotes")
	}
}

func TestMonitorRemoveLastQuote(t *testing.T) {
	minter := newFakeMinter()
	monitor := testMonitor(minter, time.Hour, 5)
	defer monitor.Stop()

	monitor.Add("q1", 100, time.Time{})
	monitor.Add("q2", 100, time.Time{})

	monitor.Remove("q1")
	if !monitor.Running() {
		t.Error("expected monitor to keep running while quotes are tracked")
	}

	monitor.Remove("q2")
	if monitor.Running() {
		t.Error("expected monitor to be idle after removing the last quote")
	}

	// removing an unknown quote on an idle monitor does nothing
	monitor.Remove("q2")

	monitor.Add("q3", 100, time.Time{})
	if !monitor.Running() {
		t.Error("expected monitor to be running after new quote")
	}
	if tracked := monitor.Tracked(); !reflect.DeepEqual(tracked, []string{"q3"}) {
		t.Errorf("expected '%v' but got '%v' instead", []string{"q3"}, tracked)
	}
}

func TestMonitorRemoveThenAdd(t *testing.T) {
	minter := newFakeMinter()
	monitor := testMonitor(minter, 5*time.Millisecond, 5)
	defer monitor.Stop()

	monitor.Add("q1", 100, time.Time{})
	monitor.Remove("q1")
	monitor.Add("q2", 100, time.Time{})

	minter.pay("q2")
	waitFor(t, 2*time.Second, func() bool { return minter.mintCount("q2") == 1 })
	waitFor(t, time.Second, func() bool { return !monitor.Running() })

	if count := minter.mintCount("q2"); count != 1 {
		t.Errorf("expected '%v' mints but got '%v'", 1, count)
	}
	if slices.Contains(minter.checked(), "q1") {
		t.Error("expected removed quote to not be checked")
	}
}
