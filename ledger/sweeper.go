/*
sweeper.go - Optional pending-activity sweeper

PURPOSE:
  Reconciliation is request-triggered: every producer reconciles its own
  account. Events can still be left pending when a reconciliation fails
  after its event was committed by another writer. The sweeper
  periodically runs ReconcilePending so such accounts heal without an
  operator.

CONFIGURATION:
  - Interval: how often to sweep. Zero disables the sweeper entirely,
    which is the default.

USAGE:
  sweeper := ledger.NewSweeper(l, time.Minute, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(l *Ledger, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		ledger:   l,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Start begins sweeping. It is a no-op when the interval is zero or the
// sweeper is already running.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.logger.Info().Msg("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info().Dur("interval", s.interval).Msg("started")
}

// Stop cancels an in-flight sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info().Msg("stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs a single sweep.
func (s *Sweeper) RunNow(ctx context.Context) {
	n, err := s.ledger.ReconcilePending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("reconciled", n).Msg("sweep finished with errors")
		return
	}
	if n > 0 {
		s.logger.Info().Int("reconciled", n).Msg("sweep reconciled pending accounts")
	}
}
