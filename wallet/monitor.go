package wallet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// quoteMinter is the part of the wallet the monitor drives.
type quoteMinter interface {
	CheckMintQuote(ctx context.Context, quoteId string) (*QuoteStatus, error)
	MintProofs(ctx context.Context, quoteId string, amount uint64) (uint64, error)
}

type trackedQuote struct {
	id     string
	amount uint64
	expiry time.Time
}

// QuoteMonitor polls mint quotes and mints their proofs once they are paid.
// The polling goroutine only runs while there are quotes to watch.
//
// Ticks are not serialized: a slow check does not hold back the next tick.
// A quote that is being checked is skipped by the ticks that overlap it, so
// a quote is never minted twice by the monitor.
type QuoteMonitor struct {
	minter        quoteMinter
	interval      time.Duration
	maxConcurrent int
	logger        *slog.Logger
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []trackedQuote
	checking map[string]bool
	running  bool
	stopped  bool
	// closed to make the current polling goroutine exit
	idle chan struct{}
}

func NewQuoteMonitor(minter quoteMinter, interval time.Duration, maxConcurrent int, logger *slog.Logger) *QuoteMonitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMonitorMaxConcurrent
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &QuoteMonitor{
		minter:        minter,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		checking:      make(map[string]bool),
	}
}

// Add starts watching a quote. Adding a quote already watched does nothing.
func (m *QuoteMonitor) Add(quoteId string, amount uint64, expiry time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	for _, quote := range m.queue {
		if quote.id == quoteId {
			return
		}
	}
	m.queue = append(m.queue, trackedQuote{id: quoteId, amount: amount, expiry: expiry})

	if !m.running {
		m.running = true
		m.idle = make(chan struct{})
		m.wg.Add(1)
		go m.run(m.idle)
	}
}

// Remove stops watching a quote. Removing the last one makes the monitor idle.
func (m *QuoteMonitor) Remove(quoteId string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(quoteId)
	if len(m.queue) == 0 && m.running {
		close(m.idle)
		m.setIdle()
	}
}

// setIdle marks the monitor as not polling. m.mu must be held.
func (m *QuoteMonitor) setIdle() {
	m.running = false
	m.idle = nil
}

func (m *QuoteMonitor) remove(quoteId string) {
	for i, quote := range m.queue {
		if quote.id == quoteId {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *QuoteMonitor) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, len(m.queue))
	for i, quote := range m.queue {
		ids[i] = quote.id
	}
	return ids
}

func (m *QuoteMonitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Running reports whether the polling goroutine is active.
func (m *QuoteMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop cancels the checks in progress and waits for them to return.
// The monitor does not start again after Stop.
func (m *QuoteMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *QuoteMonitor) run(idle chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.mu.Lock()
			if m.idle == idle {
				m.setIdle()
			}
			m.mu.Unlock()
			return
		case <-idle:
			return
		case <-ticker.C:
			batch, ok := m.nextBatch(idle)
			if !ok {
				return
			}
			if len(batch) == 0 {
				continue
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.checkQuotes(batch)
			}()
		}
	}
}

// nextBatch drops expired quotes and picks up to maxConcurrent quotes that
// are not being checked. Picked quotes go to the back of the queue so the
// next tick starts with the others. It returns false, and marks the monitor
// idle, once there is nothing left to watch.
func (m *QuoteMonitor) nextBatch(idle chan struct{}) ([]trackedQuote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// made idle by Remove, possibly followed by a new polling goroutine
	if m.idle != idle {
		return nil, false
	}

	now := m.now()
	live := m.queue[:0]
	for _, quote := range m.queue {
		if !quote.expiry.IsZero() && now.After(quote.expiry) {
			m.logInfof("stopped watching expired mint quote '%v'", quote.id)
			continue
		}
		live = append(live, quote)
	}
	m.queue = live

	if len(m.queue) == 0 {
		m.setIdle()
		return nil, false
	}

	var batch, rest []trackedQuote
	for _, quote := range m.queue {
		if len(batch) < m.maxConcurrent && !m.checking[quote.id] {
			m.checking[quote.id] = true
			batch = append(batch, quote)
		} else {
			rest = append(rest, quote)
		}
	}
	m.queue = append(rest, batch...)
	return batch, true
}

func (m *QuoteMonitor) checkQuotes(batch []trackedQuote) {
	var g errgroup.Group
	g.SetLimit(m.maxConcurrent)

	for _, quote := range batch {
		g.Go(func() error {
			defer m.doneChecking(quote.id)
			if err := m.checkQuote(quote); err != nil {
				// keep it for the next tick
				m.logErrorf("%v", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (m *QuoteMonitor) checkQuote(quote trackedQuote) error {
	status, err := m.minter.CheckMintQuote(m.ctx, quote.id)
	if err != nil {
		return fmt.Errorf("could not check mint quote '%v': %w", quote.id, err)
	}

	if status.IsIssued {
		m.logDebugf("mint quote '%v' was already issued", quote.id)
		m.Remove(quote.id)
		return nil
	}
	if !status.CanMint {
		return nil
	}

	amount := status.Amount
	if amount == 0 {
		amount = quote.amount
	}
	minted, err := m.minter.MintProofs(m.ctx, quote.id, amount)
	if err != nil {
		return fmt.Errorf("could not mint proofs for quote '%v': %w", quote.id, err)
	}

	m.Remove(quote.id)
	m.logInfof("minted %v sats from paid mint quote '%v'", minted, quote.id)
	return nil
}

func (m *QuoteMonitor) doneChecking(quoteId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checking, quoteId)
}

func (m *QuoteMonitor) logInfof(format string, args ...any) {
	m.logger.Info(fmt.Sprintf(format, args...))
}

func (m *QuoteMonitor) logErrorf(format string, args ...any) {
	m.logger.Error(fmt.Sprintf(format, args...))
}

func (m *QuoteMonitor) logDebugf(format string, args ...any) {
	m.logger.Debug(fmt.Sprintf(format, args...))
}
