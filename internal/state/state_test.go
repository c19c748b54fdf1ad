package state

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the Core's notion of now deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// recordingObserver counts observer callbacks for assertions.
type recordingObserver struct {
	mu         sync.Mutex
	broadcasts []Snapshot
	snapshots  map[ClientID][]Snapshot
	tableCalls int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{snapshots: make(map[ClientID][]Snapshot)}
}

func (o *recordingObserver) BroadcastState(snap Snapshot) {
	o.mu.Lock()
	o.broadcasts = append(o.broadcasts, snap)
	o.mu.Unlock()
}

func (o *recordingObserver) SendSnapshot(id ClientID, snap Snapshot) {
	o.mu.Lock()
	o.snapshots[id] = append(o.snapshots[id], snap)
	o.mu.Unlock()
}

func (o *recordingObserver) ViewerTableChanged() {
	o.mu.Lock()
	o.tableCalls++
	o.mu.Unlock()
}

func (o *recordingObserver) broadcastCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.broadcasts)
}

func (o *recordingObserver) lastBroadcast() (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.broadcasts) == 0 {
		return Snapshot{}, false
	}
	return o.broadcasts[len(o.broadcasts)-1], true
}

func testTuning() Tuning {
	tuning := DefaultTuning()
	// A very slow controller tick keeps the background loop quiet so tests
	// drive evaluations explicitly through EvaluateRate.
	tuning.RateTick = time.Hour
	return tuning
}

func newTestCore(t *testing.T, clock *fakeClock) *Core {
	t.Helper()
	return New(Config{Tuning: testTuning(), Now: clock.Now})
}

func TestEffectiveTimeAdvancesOnlyWhilePlaying(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)

	if got := core.EffectiveTime(); got != 0 {
		t.Fatalf("initial effective time = %v, want 0", got)
	}
	clock.Advance(30 * time.Second)
	if got := core.EffectiveTime(); got != 0 {
		t.Fatalf("paused timeline advanced to %v", got)
	}

	core.Play()
	defer core.Pause()
	clock.Advance(10 * time.Second)
	if got := core.EffectiveTime(); got != 10 {
		t.Fatalf("effective time = %v, want 10", got)
	}
}

func TestPauseResumeKeepsTimelineContinuous(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)

	core.Play()
	clock.Advance(5 * time.Second)
	core.Pause()
	clock.Advance(time.Minute)
	if got := core.EffectiveTime(); got != 5 {
		t.Fatalf("effective time after pause = %v, want 5", got)
	}

	core.Play()
	defer core.Pause()
	clock.Advance(2 * time.Second)
	if got := core.EffectiveTime(); got != 7 {
		t.Fatalf("effective time after resume = %v, want 7", got)
	}
}

func TestSeek(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)

	if err := core.Seek(-1); !errors.Is(err, ErrNegativeSeek) {
		t.Fatalf("Seek(-1) error = %v, want ErrNegativeSeek", err)
	}
	if err := core.Seek(42.5); err != nil {
		t.Fatalf("Seek returned error: %v", err)
	}
	if got := core.EffectiveTime(); got != 42.5 {
		t.Fatalf("effective time after seek = %v, want 42.5", got)
	}
}

func TestSeekWhilePlaying(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)

	core.Play()
	defer core.Pause()
	clock.Advance(10 * time.Second)
	if err := core.Seek(100); err != nil {
		t.Fatalf("Seek returned error: %v", err)
	}
	clock.Advance(3 * time.Second)
	if got := core.EffectiveTime(); got != 103 {
		t.Fatalf("effective time = %v, want 103", got)
	}
}

func TestChangeVideoResetsTimeline(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)

	core.Play()
	clock.Advance(20 * time.Second)

	if err := core.ChangeVideo("hls:movie_night"); err != nil {
		t.Fatalf("ChangeVideo returned error: %v", err)
	}
	snap := core.CurrentSnapshot()
	if snap.Video != "hls:movie_night" || snap.Time != 0 || snap.Playing || snap.Rate != 1.0 {
		t.Fatalf("unexpected snapshot after video change: %+v", snap)
	}
}

func TestChangeVideoRejectsMalformedIDs(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)

	for _, id := range []string{"", "movie", "hls:", "hls:../escape", "hls:has space", "file:movie"} {
		if err := core.ChangeVideo(id); !errors.Is(err, ErrInvalidStream) {
			t.Fatalf("ChangeVideo(%q) error = %v, want ErrInvalidStream", id, err)
		}
	}
}

func TestTransitionsBroadcastSnapshots(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)
	observer := newRecordingObserver()
	core.Bind(observer)

	core.Play()
	core.Pause()
	if err := core.Seek(3); err != nil {
		t.Fatalf("Seek returned error: %v", err)
	}
	if err := core.ChangeVideo("hls:next"); err != nil {
		t.Fatalf("ChangeVideo returned error: %v", err)
	}
	core.SyncAll()

	if got := observer.broadcastCount(); got != 5 {
		t.Fatalf("broadcast count = %d, want 5", got)
	}
	last, ok := observer.lastBroadcast()
	if !ok || last.Video != "hls:next" || last.Playing {
		t.Fatalf("unexpected final broadcast: %+v ok=%v", last, ok)
	}
}

func TestPlayPauseIdempotent(t *testing.T) {
	clock := newFakeClock()
	core := newTestCore(t, clock)
	observer := newRecordingObserver()
	core.Bind(observer)

	core.Pause()
	if got := observer.broadcastCount(); got != 0 {
		t.Fatalf("pause while paused broadcast, count = %d", got)
	}
	core.Play()
	core.Play()
	defer core.Pause()
	if got := observer.broadcastCount(); got != 1 {
		t.Fatalf("double play broadcast count = %d, want 1", got)
	}
}

func TestTuningNormalization(t *testing.T) {
	tuning := Tuning{MinSyncInterval: 2 * time.Second, MaxSyncInterval: time.Second}.normalized()
	if tuning.MaxSyncInterval != tuning.MinSyncInterval {
		t.Fatalf("max interval %v not clamped to min %v", tuning.MaxSyncInterval, tuning.MinSyncInterval)
	}
	if tuning.DefaultInterval < tuning.MinSyncInterval || tuning.DefaultInterval > tuning.MaxSyncInterval {
		t.Fatalf("default interval %v outside [%v, %v]", tuning.DefaultInterval, tuning.MinSyncInterval, tuning.MaxSyncInterval)
	}
	if tuning.RateMin <= 0 || tuning.RateMax > 1 || tuning.RateMin > tuning.RateMax {
		t.Fatalf("rate bounds not normalized: min=%v max=%v", tuning.RateMin, tuning.RateMax)
	}
}
