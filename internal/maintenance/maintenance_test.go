package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeLedger struct {
	mu          sync.Mutex
	reclaimed   []time.Duration
	purged      []time.Duration
	reclaimErr  error
	purgeErr    error
	reclaimedN  int64
	purgedCount int64
}

func (f *fakeLedger) ReclaimStale(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reclaimErr != nil {
		return 0, f.reclaimErr
	}
	f.reclaimed = append(f.reclaimed, olderThan)
	return f.reclaimedN, nil
}

func (f *fakeLedger) Purge(_ context.Context, retention time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	f.purged = append(f.purged, retention)
	return f.purgedCount, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepRunsBothTasks(t *testing.T) {
	led := &fakeLedger{reclaimedN: 3, purgedCount: 10}
	cfg := Config{ReclaimStaleAfter: 15 * time.Minute, LedgerRetention: 30 * 24 * time.Hour}

	Sweep(context.Background(), led, cfg, testLogger())

	if len(led.reclaimed) != 1 || led.reclaimed[0] != 15*time.Minute {
		t.Errorf("reclaim calls = %v, want one with the stale window", led.reclaimed)
	}
	if len(led.purged) != 1 || led.purged[0] != 30*24*time.Hour {
		t.Errorf("purge calls = %v, want one with the retention window", led.purged)
	}
}

func TestSweepSurvivesTaskErrors(t *testing.T) {
	led := &fakeLedger{reclaimErr: errors.New("lock timeout")}
	cfg := DefaultConfig()

	// Reclaim failing must not stop the purge.
	Sweep(context.Background(), led, cfg, testLogger())
	if len(led.purged) != 1 {
		t.Errorf("purge calls = %d, want 1 even when reclaim fails", len(led.purged))
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	led := &fakeLedger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Start(ctx, led, Config{ReclaimInterval: time.Hour, PurgeInterval: time.Hour}, testLogger())
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStartRunsTickers(t *testing.T) {
	led := &fakeLedger{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Start(ctx, led, Config{
		ReclaimInterval:   10 * time.Millisecond,
		ReclaimStaleAfter: time.Minute,
		PurgeInterval:     10 * time.Millisecond,
		LedgerRetention:   time.Hour,
	}, testLogger())

	deadline := time.After(2 * time.Second)
	for {
		led.mu.Lock()
		ran := len(led.reclaimed) > 0 && len(led.purged) > 0
		led.mu.Unlock()
		if ran {
			return
		}
		select {
		case <-deadline:
			t.Fatal("tickers never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
