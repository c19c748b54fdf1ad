package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// WebSocket traffic, sync broadcasts, and encode jobs. It coordinates
// concurrent writers via a RWMutex while exposing atomic gauges for the
// connected-client count and the master playback rate.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	messageCount    map[string]uint64
	encodeCount     map[string]uint64
	broadcasts      uint64
	snapshots       uint64
	sendFailures    uint64

	connectedClients atomic.Int64
	masterRateBits   atomic.Uint64
}

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	r := &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		messageCount:    make(map[string]uint64),
		encodeCount:     make(map[string]uint64),
	}
	r.SetMasterRate(1.0)
	return r
}

// ObserveRequest records a completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	label := requestLabel{method: method, path: path, status: fmt.Sprintf("%d", status)}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveMessage records an inbound WebSocket message by type.
func (r *Recorder) ObserveMessage(messageType string) {
	if r == nil {
		return
	}
	if messageType == "" {
		messageType = "unknown"
	}
	r.mu.Lock()
	r.messageCount[messageType]++
	r.mu.Unlock()
}

// ObserveBroadcast records a full-fanout state broadcast.
func (r *Recorder) ObserveBroadcast() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.broadcasts++
	r.mu.Unlock()
}

// ObserveSnapshot records a single-client sync snapshot send.
func (r *Recorder) ObserveSnapshot() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.snapshots++
	r.mu.Unlock()
}

// ObserveSendFailure records a failed WebSocket send.
func (r *Recorder) ObserveSendFailure() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.sendFailures++
	r.mu.Unlock()
}

// ObserveEncode records an encode job outcome ("success" or "failure").
func (r *Recorder) ObserveEncode(outcome string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.encodeCount[outcome]++
	r.mu.Unlock()
}

// ClientConnected increments the connected-client gauge.
func (r *Recorder) ClientConnected() {
	if r == nil {
		return
	}
	r.connectedClients.Add(1)
}

// ClientDisconnected decrements the connected-client gauge.
func (r *Recorder) ClientDisconnected() {
	if r == nil {
		return
	}
	r.connectedClients.Add(-1)
}

// ConnectedClients reports the current connected-client gauge value.
func (r *Recorder) ConnectedClients() int64 {
	if r == nil {
		return 0
	}
	return r.connectedClients.Load()
}

// SetMasterRate stores the current master playback rate gauge.
func (r *Recorder) SetMasterRate(rate float64) {
	if r == nil {
		return
	}
	r.masterRateBits.Store(math.Float64bits(rate))
}

// MasterRate reports the last stored master playback rate.
func (r *Recorder) MasterRate() float64 {
	if r == nil {
		return 1.0
	}
	return math.Float64frombits(r.masterRateBits.Load())
}

// Summary is a point-in-time rollup of the recorder's counters.
type Summary struct {
	Requests     uint64
	Messages     uint64
	Broadcasts   uint64
	Snapshots    uint64
	SendFailures uint64
	EncodeOK     uint64
	EncodeFailed uint64
	Clients      int64
	Rate         float64
}

// Snapshot returns the current rollup totals.
func (r *Recorder) Snapshot() Summary {
	if r == nil {
		return Summary{Rate: 1.0}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	summary := Summary{
		Broadcasts:   r.broadcasts,
		Snapshots:    r.snapshots,
		SendFailures: r.sendFailures,
		EncodeOK:     r.encodeCount["success"],
		EncodeFailed: r.encodeCount["failure"],
		Clients:      r.connectedClients.Load(),
		Rate:         r.MasterRate(),
	}
	for _, count := range r.requestCount {
		summary.Requests += count
	}
	for _, count := range r.messageCount {
		summary.Messages += count
	}
	return summary
}

// StartSummaryLoop logs a periodic rollup of the recorder's totals until the
// context is cancelled. The returned function stops the loop and blocks until
// it has exited.
func (r *Recorder) StartSummaryLoop(ctx context.Context, logger *slog.Logger, interval time.Duration) func() {
	if r == nil || logger == nil || interval <= 0 {
		return func() {}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s := r.Snapshot()
				logger.Info("activity summary",
					"requests", s.Requests,
					"ws_messages", s.Messages,
					"broadcasts", s.Broadcasts,
					"snapshots", s.Snapshots,
					"send_failures", s.SendFailures,
					"encodes_ok", s.EncodeOK,
					"encodes_failed", s.EncodeFailed,
					"clients", s.Clients,
					"rate", s.Rate)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Handler exposes the recorder as a plaintext metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.write(w)
	})
}

func (r *Recorder) write(w io.Writer) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	lines := make([]string, 0, len(r.requestCount)+len(r.messageCount)+len(r.encodeCount)+6)
	for label, count := range r.requestCount {
		lines = append(lines, fmt.Sprintf("couchsync_http_requests_total{method=%q,path=%q,status=%q} %d",
			label.method, label.path, label.status, count))
		lines = append(lines, fmt.Sprintf("couchsync_http_request_duration_ms_total{method=%q,path=%q,status=%q} %d",
			label.method, label.path, label.status, r.requestDuration[label].Milliseconds()))
	}
	for messageType, count := range r.messageCount {
		lines = append(lines, fmt.Sprintf("couchsync_ws_messages_total{type=%q} %d", messageType, count))
	}
	for outcome, count := range r.encodeCount {
		lines = append(lines, fmt.Sprintf("couchsync_encode_jobs_total{outcome=%q} %d", outcome, count))
	}
	lines = append(lines,
		fmt.Sprintf("couchsync_state_broadcasts_total %d", r.broadcasts),
		fmt.Sprintf("couchsync_sync_snapshots_total %d", r.snapshots),
		fmt.Sprintf("couchsync_ws_send_failures_total %d", r.sendFailures),
		fmt.Sprintf("couchsync_connected_clients %d", r.connectedClients.Load()),
		fmt.Sprintf("couchsync_master_rate %g", r.MasterRate()),
	)
	sort.Strings(lines)
	fmt.Fprint(w, strings.Join(lines, "\n"))
	fmt.Fprint(w, "\n")
}
