package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haipio/haip/internal/session"
)

// ErrBreakerOpen is returned by [Breaker.RecordTransaction] while the
// archive is considered down and the retry timeout has not yet elapsed.
var ErrBreakerOpen = errors.New("archive: breaker is open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every write. Normal operation.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects writes immediately after consecutive failures;
	// session teardown must not stall on a dead database.
	BreakerOpen

	// BreakerProbing lets a limited number of writes through after the
	// retry timeout to test whether the database recovered.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values fall back to defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed writes before the
	// breaker opens. Default: 5.
	MaxFailures int

	// RetryTimeout is how long the breaker stays open before probing the
	// database again. Default: 30s.
	RetryTimeout time.Duration

	// ProbeMax is the number of probe writes allowed before the breaker
	// decides whether to close or re-open. Default: 3.
	ProbeMax int

	Log *slog.Logger
}

// Breaker wraps an Archiver with a three-state circuit breaker so that a
// dead database degrades transaction archiving instead of every session
// close. It is safe for concurrent use.
type Breaker struct {
	next session.Archiver
	log  *slog.Logger

	maxFailures  int
	retryTimeout time.Duration
	probeMax     int

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

var _ session.Archiver = (*Breaker)(nil)

// NewBreaker wraps next with breaker protection.
func NewBreaker(next session.Archiver, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = 30 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 3
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		next:         next,
		log:          log,
		maxFailures:  cfg.MaxFailures,
		retryTimeout: cfg.RetryTimeout,
		probeMax:     cfg.ProbeMax,
	}
}

// RecordTransaction implements [session.Archiver]. While the breaker is
// open, writes fail fast with [ErrBreakerOpen].
func (b *Breaker) RecordTransaction(ctx context.Context, rec session.TransactionRecord) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) < b.retryTimeout {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerProbing
		b.probes = 0
		b.probeFails = 0
		b.log.Info("archive breaker probing database")

	case BreakerProbing:
		if b.probes >= b.probeMax {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}
	probing := b.state == BreakerProbing
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := b.next.RecordTransaction(ctx, rec)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure(probing)
	} else {
		b.recordSuccess(probing)
	}
	return err
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		b.probeFails++
		// Any probe failure re-opens immediately.
		b.state = BreakerOpen
		b.failures = b.maxFailures
		b.log.Warn("archive breaker re-opened, database still failing")
		return
	}

	b.failures++
	if b.failures >= b.maxFailures {
		b.state = BreakerOpen
		b.log.Warn("archive breaker opened, transaction records will be dropped",
			"consecutive_failures", b.failures)
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeMax {
			b.state = BreakerClosed
			b.failures = 0
			b.probes = 0
			b.probeFails = 0
			b.log.Info("archive breaker closed, database recovered")
		}
		return
	}
	b.failures = 0
}

// State returns the breaker state. An open breaker whose retry timeout has
// elapsed reports [BreakerProbing]; the transition happens on the next
// write.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.retryTimeout {
		return BreakerProbing
	}
	return b.state
}
