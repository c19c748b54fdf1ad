package state

import (
	"errors"
	"strings"
	"testing"
	"time"

	"couchsync/internal/auth"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  alice  ", "alice"},
		{"", ""},
		{"   ", ""},
		{strings.Repeat("x", 40), strings.Repeat("x", 30)},
		{"café", "café"},
	}
	for _, tc := range cases {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRegisterDeregister(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)
	observer := newRecordingObserver()
	core.Bind(observer)

	snap := core.Register("c1", auth.RoleViewer, "alice", "tok", "10.0.0.1:1234")
	if snap.Rate != 1.0 || snap.Playing {
		t.Fatalf("unexpected greeting snapshot: %+v", snap)
	}
	if core.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", core.ClientCount())
	}

	core.Deregister("c1")
	if core.ClientCount() != 0 {
		t.Fatalf("client count after deregister = %d, want 0", core.ClientCount())
	}
	core.Deregister("c1")

	observer.mu.Lock()
	calls := observer.tableCalls
	observer.mu.Unlock()
	if calls != 2 {
		t.Fatalf("viewer table change calls = %d, want 2", calls)
	}
}

func TestReportTimeValidation(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)

	if err := core.ReportTime("ghost", 1, 1, true, ""); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("report for unknown client error = %v, want ErrUnknownClient", err)
	}
	core.Register("c1", auth.RoleViewer, "alice", "tok", "")
	if err := core.ReportTime("c1", -1, 1, true, ""); !errors.Is(err, ErrInvalidReport) {
		t.Fatalf("negative time error = %v, want ErrInvalidReport", err)
	}
	if err := core.ReportTime("c1", 1, 0, true, ""); !errors.Is(err, ErrInvalidReport) {
		t.Fatalf("zero rate error = %v, want ErrInvalidReport", err)
	}
}

func TestReportTimeComputesDrift(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)
	core.Register("c1", auth.RoleViewer, "alice", "tok", "")

	if err := core.Seek(10); err != nil {
		t.Fatalf("Seek returned error: %v", err)
	}
	if err := core.ReportTime("c1", 7.5, 1.0, true, ""); err != nil {
		t.Fatalf("ReportTime returned error: %v", err)
	}

	table := core.ViewerTable()
	if len(table) != 1 {
		t.Fatalf("viewer table size = %d, want 1", len(table))
	}
	if table[0].Drift != -2.5 || !table[0].HasDrift || table[0].CurrentTime != 7.5 {
		t.Fatalf("unexpected viewer entry: %+v", table[0])
	}
}

func TestReportTimeUpdatesName(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)
	core.Register("c1", auth.RoleViewer, "alice", "tok", "")

	if err := core.ReportTime("c1", 0, 1, false, "  bob  "); err != nil {
		t.Fatalf("ReportTime returned error: %v", err)
	}
	if got := core.ViewerTable()[0].Name; got != "bob" {
		t.Fatalf("name = %q, want bob", got)
	}

	// A blank name keeps the previous one.
	if err := core.ReportTime("c1", 0, 1, false, "   "); err != nil {
		t.Fatalf("ReportTime returned error: %v", err)
	}
	if got := core.ViewerTable()[0].Name; got != "bob" {
		t.Fatalf("name after blank report = %q, want bob", got)
	}
}

func TestSyncIntervalAdaptation(t *testing.T) {
	tuning := testTuning()
	tuning.MinSyncInterval = 500 * time.Millisecond
	tuning.MaxSyncInterval = 2 * time.Second
	tuning.DefaultInterval = time.Second
	clock := newFakeClock()
	core := New(Config{Tuning: tuning, Now: clock.Now})
	core.Register("c1", auth.RoleViewer, "alice", "tok", "")
	core.Play()
	defer core.Pause()

	if err := core.Seek(10); err != nil {
		t.Fatalf("Seek returned error: %v", err)
	}

	// Large drift tightens the interval by one step.
	if err := core.ReportTime("c1", 0, 1, true, ""); err != nil {
		t.Fatalf("ReportTime returned error: %v", err)
	}
	if interval, _ := core.SyncInterval("c1"); interval != 750*time.Millisecond {
		t.Fatalf("interval after large drift = %v, want 750ms", interval)
	}

	// Settled drift relaxes it again, clamped at the maximum.
	for i := 0; i < 10; i++ {
		if err := core.ReportTime("c1", 10, 1, true, ""); err != nil {
			t.Fatalf("ReportTime returned error: %v", err)
		}
	}
	if interval, _ := core.SyncInterval("c1"); interval != 2*time.Second {
		t.Fatalf("interval after settling = %v, want 2s", interval)
	}

	// Sustained drift bottoms out at the minimum.
	for i := 0; i < 10; i++ {
		if err := core.ReportTime("c1", 0, 1, true, ""); err != nil {
			t.Fatalf("ReportTime returned error: %v", err)
		}
	}
	if interval, _ := core.SyncInterval("c1"); interval != 500*time.Millisecond {
		t.Fatalf("interval after sustained drift = %v, want 500ms", interval)
	}
}

func TestSyncIntervalDegenerateBoundsStayConstant(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)
	core.Register("c1", auth.RoleViewer, "alice", "tok", "")
	core.Play()
	defer core.Pause()

	if err := core.Seek(100); err != nil {
		t.Fatalf("Seek returned error: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := core.ReportTime("c1", 0, 1, true, ""); err != nil {
			t.Fatalf("ReportTime returned error: %v", err)
		}
	}
	if interval, _ := core.SyncInterval("c1"); interval != time.Second {
		t.Fatalf("interval with degenerate bounds = %v, want 1s", interval)
	}
}

func TestViewerTableOrder(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)
	core.Register("c2", auth.RoleViewer, "zoe", "", "")
	core.Register("c1", auth.RoleOperator, "ann", "", "")
	core.Register("c3", auth.RoleViewer, "ann", "", "")

	table := core.ViewerTable()
	if len(table) != 3 {
		t.Fatalf("table size = %d, want 3", len(table))
	}
	if table[0].Name != "ann" || table[0].ID != "c1" {
		t.Fatalf("unexpected first entry: %+v", table[0])
	}
	if table[1].Name != "ann" || table[1].ID != "c3" {
		t.Fatalf("unexpected second entry: %+v", table[1])
	}
	if table[2].Name != "zoe" {
		t.Fatalf("unexpected third entry: %+v", table[2])
	}
}

func TestHeartbeatCounters(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)
	core.Register("c1", auth.RoleViewer, "alice", "", "")

	if n, ok := core.MissHeartbeat("c1"); !ok || n != 1 {
		t.Fatalf("first miss = %d ok=%v, want 1 true", n, ok)
	}
	if n, _ := core.MissHeartbeat("c1"); n != 2 {
		t.Fatalf("second miss = %d, want 2", n)
	}
	core.TouchHeartbeat("c1")
	if n, _ := core.MissHeartbeat("c1"); n != 1 {
		t.Fatalf("miss after touch = %d, want 1", n)
	}
	if _, ok := core.MissHeartbeat("ghost"); ok {
		t.Fatalf("expected miss for unknown client to report ok=false")
	}
}

func TestSyncTickDeliversPersonalSnapshot(t *testing.T) {
	tuning := testTuning()
	tuning.MinSyncInterval = 10 * time.Millisecond
	tuning.MaxSyncInterval = 10 * time.Millisecond
	tuning.DefaultInterval = 10 * time.Millisecond
	clock := newFakeClock()
	core := New(Config{Tuning: tuning, Now: clock.Now})
	observer := newRecordingObserver()
	core.Bind(observer)
	core.Register("c1", auth.RoleViewer, "alice", "", "")

	core.Play()
	defer core.Pause()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		observer.mu.Lock()
		n := len(observer.snapshots["c1"])
		observer.mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected repeated per-client snapshots before deadline")
}
