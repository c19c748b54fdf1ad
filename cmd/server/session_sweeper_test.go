package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeSessionManager struct {
	calls chan struct{}
	err   error
}

func newFakeSessionManager() *fakeSessionManager {
	return &fakeSessionManager{calls: make(chan struct{}, 1)}
}

func (f *fakeSessionManager) PurgeExpired() error {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartSessionSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	sessions := newFakeSessionManager()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startSessionSweeperWithTicker(ctx, logger, sessions, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-sessions.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartSessionSweeperDisabled(t *testing.T) {
	stop := startSessionSweeper(context.Background(), nil, nil, time.Minute)
	stop()

	stop = startSessionSweeper(context.Background(), nil, newFakeSessionManager(), 0)
	stop()
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("firstNonEmpty = %q, want value", got)
	}
	if got := firstNonEmpty("", "  "); got != "" {
		t.Fatalf("firstNonEmpty of blanks = %q, want empty", got)
	}
}

func TestResolveDuration(t *testing.T) {
	t.Setenv("COUCHSYNC_TEST_DURATION", "30s")
	if got := resolveDuration(0, "COUCHSYNC_TEST_DURATION", time.Minute); got != 30*time.Second {
		t.Fatalf("env duration = %v, want 30s", got)
	}
	if got := resolveDuration(5*time.Second, "COUCHSYNC_TEST_DURATION", time.Minute); got != 5*time.Second {
		t.Fatalf("flag duration = %v, want 5s", got)
	}
	t.Setenv("COUCHSYNC_TEST_DURATION", "junk")
	if got := resolveDuration(0, "COUCHSYNC_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("fallback duration = %v, want 1m", got)
	}
}

func TestTuningFromEnv(t *testing.T) {
	t.Setenv("COUCHSYNC_SYNC_INTERVAL_MIN", "500ms")
	t.Setenv("COUCHSYNC_SYNC_INTERVAL_MAX", "3s")
	t.Setenv("COUCHSYNC_RATE_MIN", "0.8")

	tuning := tuningFromEnv()
	if tuning.MinSyncInterval != 500*time.Millisecond {
		t.Fatalf("min interval = %v", tuning.MinSyncInterval)
	}
	if tuning.MaxSyncInterval != 3*time.Second {
		t.Fatalf("max interval = %v", tuning.MaxSyncInterval)
	}
	if tuning.RateMin != 0.8 {
		t.Fatalf("rate min = %v", tuning.RateMin)
	}
}

func TestOpenSessionStoreDrivers(t *testing.T) {
	t.Setenv("COUCHSYNC_SESSION_REDIS_ADDR", "")
	t.Setenv("COUCHSYNC_SESSION_POSTGRES_DSN", "")
	t.Setenv("DATABASE_URL", "")

	store, closer, err := openSessionStore("")
	if err != nil || store == nil || closer != nil {
		t.Fatalf("default driver: store=%v closer=%p err=%v", store, closer, err)
	}
	if _, _, err := openSessionStore("redis"); err == nil {
		t.Fatalf("expected error for redis driver without address")
	}
	if _, _, err := openSessionStore("postgres"); err == nil {
		t.Fatalf("expected error for postgres driver without DSN")
	}
	if _, _, err := openSessionStore("etcd"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
