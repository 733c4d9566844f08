package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haipio/haip/internal/session"
)

// flakyArchiver fails until the failUntil counter is exhausted.
type flakyArchiver struct {
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (f *flakyArchiver) RecordTransaction(context.Context, session.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyArchiver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newBreaker(next session.Archiver, cfg BreakerConfig) *Breaker {
	cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBreaker(next, cfg)
}

func TestBreaker_ForwardsWhileHealthy(t *testing.T) {
	t.Parallel()
	next := &flakyArchiver{}
	b := newBreaker(next, BreakerConfig{})

	for i := 0; i < 10; i++ {
		if err := b.RecordTransaction(context.Background(), session.TransactionRecord{}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if next.callCount() != 10 {
		t.Errorf("calls = %d, want 10", next.callCount())
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	next := &flakyArchiver{failUntil: 100}
	b := newBreaker(next, BreakerConfig{MaxFailures: 3, RetryTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.RecordTransaction(context.Background(), session.TransactionRecord{}); err == nil {
			t.Fatalf("write %d should fail", i)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// Further writes fail fast without touching the database.
	before := next.callCount()
	if err := b.RecordTransaction(context.Background(), session.TransactionRecord{}); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if next.callCount() != before {
		t.Error("open breaker forwarded a write")
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()
	next := &flakyArchiver{failUntil: 2}
	b := newBreaker(next, BreakerConfig{MaxFailures: 2, RetryTimeout: time.Millisecond, ProbeMax: 2})

	for i := 0; i < 2; i++ {
		_ = b.RecordTransaction(context.Background(), session.TransactionRecord{})
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if err := b.RecordTransaction(context.Background(), session.TransactionRecord{}); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after probes", b.State())
	}
}

func TestBreaker_ReopensOnProbeFailure(t *testing.T) {
	t.Parallel()
	next := &flakyArchiver{failUntil: 100}
	b := newBreaker(next, BreakerConfig{MaxFailures: 1, RetryTimeout: time.Millisecond, ProbeMax: 3})

	_ = b.RecordTransaction(context.Background(), session.TransactionRecord{})
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(5 * time.Millisecond)
	if err := b.RecordTransaction(context.Background(), session.TransactionRecord{}); err == nil {
		t.Fatal("probe should fail")
	}
	if err := b.RecordTransaction(context.Background(), session.TransactionRecord{}); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen after failed probe", err)
	}
}
