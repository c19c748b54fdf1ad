// Package state owns the authoritative master playback timeline, the
// per-client sync bookkeeping, and the global playback-rate controller.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"couchsync/internal/catalog"
	"couchsync/internal/observability/metrics"
)

// ClientID keys a live connection. The hub allocates it and holds only the
// ID; the client record itself is owned by the Core.
type ClientID string

// Snapshot is an absolute-valued projection of the master state, safe to
// send to any client at any time.
type Snapshot struct {
	Video   string
	Time    float64
	Playing bool
	Rate    float64
}

// Observer is the callback surface the hub binds at construction so the Core
// can initiate sends without knowing the wire type.
type Observer interface {
	BroadcastState(snap Snapshot)
	SendSnapshot(id ClientID, snap Snapshot)
	ViewerTableChanged()
}

// Tuning bundles the sync and rate-control knobs. The shipped defaults keep
// MinSyncInterval == MaxSyncInterval, which pins the per-client interval at a
// constant; the adaptation mechanism stays active for non-degenerate bounds.
type Tuning struct {
	DriftLow        float64
	DriftHigh       float64
	BehindThreshold float64
	MinSyncInterval time.Duration
	MaxSyncInterval time.Duration
	SyncStep        time.Duration
	DefaultInterval time.Duration
	RateMin         float64
	RateMax         float64
	RateStep        float64
	RateTick        time.Duration
}

// DefaultTuning returns the shipped configuration.
func DefaultTuning() Tuning {
	return Tuning{
		DriftLow:        0.5,
		DriftHigh:       1.5,
		BehindThreshold: -1.0,
		MinSyncInterval: time.Second,
		MaxSyncInterval: time.Second,
		SyncStep:        250 * time.Millisecond,
		DefaultInterval: time.Second,
		RateMin:         0.9,
		RateMax:         1.0,
		RateStep:        0.01,
		RateTick:        time.Second,
	}
}

func (t Tuning) normalized() Tuning {
	d := DefaultTuning()
	if t.DriftLow <= 0 {
		t.DriftLow = d.DriftLow
	}
	if t.DriftHigh <= 0 {
		t.DriftHigh = d.DriftHigh
	}
	if t.BehindThreshold >= 0 {
		t.BehindThreshold = d.BehindThreshold
	}
	if t.MinSyncInterval <= 0 {
		t.MinSyncInterval = d.MinSyncInterval
	}
	if t.MaxSyncInterval < t.MinSyncInterval {
		t.MaxSyncInterval = t.MinSyncInterval
	}
	if t.SyncStep <= 0 {
		t.SyncStep = d.SyncStep
	}
	if t.DefaultInterval < t.MinSyncInterval {
		t.DefaultInterval = t.MinSyncInterval
	}
	if t.DefaultInterval > t.MaxSyncInterval {
		t.DefaultInterval = t.MaxSyncInterval
	}
	if t.RateMin <= 0 || t.RateMin > 1 {
		t.RateMin = d.RateMin
	}
	if t.RateMax <= 0 || t.RateMax > 1 || t.RateMax < t.RateMin {
		t.RateMax = d.RateMax
	}
	if t.RateStep <= 0 {
		t.RateStep = d.RateStep
	}
	if t.RateTick <= 0 {
		t.RateTick = d.RateTick
	}
	return t
}

// Transition errors.
var (
	ErrNegativeSeek     = errors.New("seek time must be non-negative")
	ErrInvalidStream    = errors.New("invalid stream identifier")
	ErrUnknownClient    = errors.New("unknown client")
	ErrInvalidReport    = errors.New("time report fields out of range")
	ErrObserverRequired = errors.New("observer must be bound before use")
)

// Config configures a Core.
type Config struct {
	Tuning  Tuning
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Core is the authoritative master-state machine. One mutex serializes the
// master state and the client map so the anchor triple is always observed
// atomically.
type Core struct {
	tuning  Tuning
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu         sync.Mutex
	observer   Observer
	video      string
	anchorTime float64
	anchorWall time.Time
	playing    bool
	rate       float64
	clients    map[ClientID]*client

	rateCancel chan struct{}
	rateDone   chan struct{}
}

// New constructs a paused, empty Core at rate 1.0.
func New(cfg Config) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	core := &Core{
		tuning:  cfg.Tuning.normalized(),
		logger:  logger,
		metrics: cfg.Metrics,
		now:     now,
		rate:    1.0,
		clients: make(map[ClientID]*client),
	}
	core.anchorWall = now()
	return core
}

// Bind attaches the observer. Must be called once before any client or
// transition activity.
func (c *Core) Bind(observer Observer) {
	c.mu.Lock()
	c.observer = observer
	c.mu.Unlock()
}

// effectiveTimeLocked projects the anchor to now through the rate. Never
// negative.
func (c *Core) effectiveTimeLocked(now time.Time) float64 {
	t := c.anchorTime
	if c.playing {
		t += now.Sub(c.anchorWall).Seconds() * c.rate
	}
	if t < 0 {
		return 0
	}
	return t
}

// reanchorLocked rewrites the anchor pair so a subsequent change to playing
// or rate keeps the effective-time function continuous.
func (c *Core) reanchorLocked(now time.Time) {
	c.anchorTime = c.effectiveTimeLocked(now)
	c.anchorWall = now
}

func (c *Core) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		Video:   c.video,
		Time:    c.effectiveTimeLocked(now),
		Playing: c.playing,
		Rate:    c.rate,
	}
}

// EffectiveTime reports the master timeline position as of now.
func (c *Core) EffectiveTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveTimeLocked(c.now())
}

// CurrentSnapshot returns the master state projected to now.
func (c *Core) CurrentSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.now())
}

// Play starts the master timeline. No-op when already playing.
func (c *Core) Play() {
	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.reanchorLocked(now)
	c.playing = true
	c.armAllTimersLocked(now)
	c.startRateLoopLocked()
	snap := c.snapshotLocked(now)
	observer := c.observer
	c.mu.Unlock()

	c.logger.Info("playback started", "video", snap.Video, "time", snap.Time)
	c.emitBroadcast(observer, snap)
}

// Pause halts the master timeline and resets the rate to 1.0.
func (c *Core) Pause() {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.reanchorLocked(now)
	c.playing = false
	c.rate = 1.0
	c.metrics.SetMasterRate(c.rate)
	c.stopAllTimersLocked()
	c.stopRateLoopLocked()
	snap := c.snapshotLocked(now)
	observer := c.observer
	c.mu.Unlock()

	c.logger.Info("playback paused", "video", snap.Video, "time", snap.Time)
	c.emitBroadcast(observer, snap)
}

// Seek jumps the master timeline to t seconds.
func (c *Core) Seek(t float64) error {
	if t < 0 {
		return ErrNegativeSeek
	}
	c.mu.Lock()
	now := c.now()
	c.anchorTime = t
	c.anchorWall = now
	snap := c.snapshotLocked(now)
	observer := c.observer
	c.mu.Unlock()

	c.logger.Info("seek", "time", t)
	c.emitBroadcast(observer, snap)
	return nil
}

// ChangeVideo switches the master timeline to a new stream, paused at zero.
func (c *Core) ChangeVideo(streamID string) error {
	if _, ok := catalog.ParseStreamID(streamID); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStream, streamID)
	}
	c.mu.Lock()
	now := c.now()
	c.video = streamID
	c.anchorTime = 0
	c.anchorWall = now
	c.playing = false
	c.rate = 1.0
	c.metrics.SetMasterRate(c.rate)
	c.stopAllTimersLocked()
	c.stopRateLoopLocked()
	snap := c.snapshotLocked(now)
	observer := c.observer
	c.mu.Unlock()

	c.logger.Info("video changed", "video", streamID)
	c.emitBroadcast(observer, snap)
	return nil
}

// SyncAll forces an immediate broadcast of the current state.
func (c *Core) SyncAll() {
	c.mu.Lock()
	snap := c.snapshotLocked(c.now())
	observer := c.observer
	c.mu.Unlock()
	c.emitBroadcast(observer, snap)
}

// emitBroadcast fans the snapshot out through the observer and re-arms every
// client's next-sync timer relative to now. Called without the lock held so
// a slow observer cannot stall state transitions.
func (c *Core) emitBroadcast(observer Observer, snap Snapshot) {
	if observer == nil {
		return
	}
	observer.BroadcastState(snap)
	c.metrics.ObserveBroadcast()
	c.mu.Lock()
	if c.playing {
		c.armAllTimersLocked(c.now())
	}
	c.mu.Unlock()
}
