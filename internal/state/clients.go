package state

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"couchsync/internal/auth"
)

const maxNameLength = 30

// NormalizeName trims and NFC-normalizes a display name and clamps it to 30
// code points.
func NormalizeName(name string) string {
	normalized := norm.NFC.String(strings.TrimSpace(name))
	runes := []rune(normalized)
	if len(runes) > maxNameLength {
		runes = runes[:maxNameLength]
	}
	return string(runes)
}

// client is the Core-owned record for one live connection. All fields are
// guarded by the Core mutex.
type client struct {
	id    ClientID
	role  auth.Role
	name  string
	token string
	addr  string

	lastReportedTime float64
	lastDrift        float64
	hasDrift         bool
	reportedPlaying  bool
	reportedRate     float64

	syncInterval     time.Duration
	syncTimer        *time.Timer
	missedHeartbeats int
}

// ViewerInfo is a read-only projection of a client record for the operator
// viewer table.
type ViewerInfo struct {
	ID          ClientID
	Role        auth.Role
	Name        string
	Addr        string
	CurrentTime float64
	Drift       float64
	HasDrift    bool
	Playing     bool
	Rate        float64
	Heartbeats  int
}

// Register adds a client record after successful authentication and returns
// an immediate snapshot for the greeting send.
func (c *Core) Register(id ClientID, role auth.Role, name, token, addr string) Snapshot {
	c.mu.Lock()
	now := c.now()
	record := &client{
		id:           id,
		role:         role,
		name:         NormalizeName(name),
		token:        token,
		addr:         addr,
		reportedRate: 1.0,
		syncInterval: c.tuning.DefaultInterval,
	}
	c.clients[id] = record
	if c.playing {
		c.armTimerLocked(record)
	}
	snap := c.snapshotLocked(now)
	observer := c.observer
	c.mu.Unlock()

	c.metrics.ClientConnected()
	if observer != nil {
		observer.ViewerTableChanged()
	}
	return snap
}

// Deregister removes a client record and cancels its pending sync timer.
// Safe to call for an already-removed ID.
func (c *Core) Deregister(id ClientID) {
	c.mu.Lock()
	record, ok := c.clients[id]
	if ok {
		c.stopTimerLocked(record)
		delete(c.clients, id)
	}
	observer := c.observer
	c.mu.Unlock()

	if !ok {
		return
	}
	c.metrics.ClientDisconnected()
	if observer != nil {
		observer.ViewerTableChanged()
	}
}

// ClientCount reports the number of registered clients.
func (c *Core) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// ReportTime ingests a client's self-report, computes drift against the
// master timeline, and applies the sync-interval adaptation rule.
func (c *Core) ReportTime(id ClientID, reportedTime, reportedRate float64, playing bool, name string) error {
	if reportedTime < 0 || reportedRate <= 0 {
		return ErrInvalidReport
	}
	c.mu.Lock()
	record, ok := c.clients[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownClient
	}
	now := c.now()
	drift := reportedTime - c.effectiveTimeLocked(now)
	record.lastReportedTime = reportedTime
	record.lastDrift = drift
	record.hasDrift = true
	record.reportedPlaying = playing
	record.reportedRate = reportedRate
	if trimmed := NormalizeName(name); trimmed != "" {
		record.name = trimmed
	}
	if c.playing {
		c.adaptIntervalLocked(record, drift)
	}
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer.ViewerTableChanged()
	}
	return nil
}

// adaptIntervalLocked tightens the sync interval for drifting clients and
// relaxes it for settled ones, clamped to [Min, Max]. With the shipped
// degenerate bounds both branches are no-ops.
func (c *Core) adaptIntervalLocked(record *client, drift float64) {
	abs := drift
	if abs < 0 {
		abs = -abs
	}
	t := c.tuning
	switch {
	case abs > t.DriftHigh && record.syncInterval > t.MinSyncInterval:
		record.syncInterval -= t.SyncStep
		if record.syncInterval < t.MinSyncInterval {
			record.syncInterval = t.MinSyncInterval
		}
		c.armTimerLocked(record)
	case abs < t.DriftLow && record.syncInterval < t.MaxSyncInterval:
		record.syncInterval += t.SyncStep
		if record.syncInterval > t.MaxSyncInterval {
			record.syncInterval = t.MaxSyncInterval
		}
		c.armTimerLocked(record)
	}
}

// SyncInterval exposes a client's current sync interval.
func (c *Core) SyncInterval(id ClientID) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.clients[id]
	if !ok {
		return 0, false
	}
	return record.syncInterval, true
}

// TouchHeartbeat zeroes a client's missed-heartbeat counter.
func (c *Core) TouchHeartbeat(id ClientID) {
	c.mu.Lock()
	if record, ok := c.clients[id]; ok {
		record.missedHeartbeats = 0
	}
	c.mu.Unlock()
}

// MissHeartbeat increments a client's missed-heartbeat counter and reports
// the new value.
func (c *Core) MissHeartbeat(id ClientID) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.clients[id]
	if !ok {
		return 0, false
	}
	record.missedHeartbeats++
	return record.missedHeartbeats, true
}

// ViewerTable returns a stable-order projection of every registered client.
func (c *Core) ViewerTable() []ViewerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	table := make([]ViewerInfo, 0, len(c.clients))
	for _, record := range c.clients {
		table = append(table, ViewerInfo{
			ID:          record.id,
			Role:        record.role,
			Name:        record.name,
			Addr:        record.addr,
			CurrentTime: record.lastReportedTime,
			Drift:       record.lastDrift,
			HasDrift:    record.hasDrift,
			Playing:     record.reportedPlaying,
			Rate:        record.reportedRate,
			Heartbeats:  record.missedHeartbeats,
		})
	}
	sort.Slice(table, func(i, j int) bool {
		if table[i].Name != table[j].Name {
			return table[i].Name < table[j].Name
		}
		return table[i].ID < table[j].ID
	})
	return table
}

// OperatorIDs returns the IDs of all registered operators.
func (c *Core) OperatorIDs() []ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]ClientID, 0, len(c.clients))
	for id, record := range c.clients {
		if record.role == auth.RoleOperator {
			ids = append(ids, id)
		}
	}
	return ids
}

// ClientIDs returns the IDs of all registered clients.
func (c *Core) ClientIDs() []ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]ClientID, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	return ids
}

// armTimerLocked (re)schedules the client's next sync relative to now with
// its current interval.
func (c *Core) armTimerLocked(record *client) {
	if record.syncTimer != nil {
		record.syncTimer.Stop()
	}
	id := record.id
	record.syncTimer = time.AfterFunc(record.syncInterval, func() {
		c.syncTick(id)
	})
}

func (c *Core) stopTimerLocked(record *client) {
	if record.syncTimer != nil {
		record.syncTimer.Stop()
		record.syncTimer = nil
	}
}

func (c *Core) armAllTimersLocked(time.Time) {
	for _, record := range c.clients {
		c.armTimerLocked(record)
	}
}

func (c *Core) stopAllTimersLocked() {
	for _, record := range c.clients {
		c.stopTimerLocked(record)
	}
}

// syncTick fires on a client's personal schedule: while playing it sends one
// snapshot to that client and re-arms the timer.
func (c *Core) syncTick(id ClientID) {
	c.mu.Lock()
	record, ok := c.clients[id]
	if !ok || !c.playing {
		c.mu.Unlock()
		return
	}
	now := c.now()
	snap := c.snapshotLocked(now)
	c.armTimerLocked(record)
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer.SendSnapshot(id, snap)
		c.metrics.ObserveSnapshot()
	}
}
