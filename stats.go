package wayfinder

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// telemetryRetention bounds how far back hourly buckets are kept
const telemetryRetention = 7 * 24 * time.Hour

// TelemetryStore aggregates per-gateway request outcomes into hourly
// buckets and fans live events out to websocket subscribers.
type TelemetryStore struct {
	mu      sync.Mutex
	buckets map[telemetryKey]*telemetryBucket

	subMu       sync.Mutex
	subscribers map[chan telemetryEvent]struct{}

	logger *zap.Logger
}

type telemetryKey struct {
	gateway string
	hour    int64 // unix hour
}

type telemetryBucket struct {
	Gateway      string        `json:"gateway"`
	Hour         time.Time     `json:"hour"`
	Requests     int64         `json:"requests"`
	Verified     int64         `json:"verified"`
	Failures     int64         `json:"failures"`
	LatencySum   time.Duration `json:"-"`
	LatencyCount int64         `json:"-"`
}

type telemetryEvent struct {
	At       time.Time `json:"at"`
	Gateway  string    `json:"gateway"`
	Verified bool      `json:"verified"`
	Failure  bool      `json:"failure"`
	Millis   int64     `json:"millis"`
}

// NewTelemetryStore creates the store
func NewTelemetryStore(logger *zap.Logger) *TelemetryStore {
	return &TelemetryStore{
		buckets:     make(map[telemetryKey]*telemetryBucket),
		subscribers: make(map[chan telemetryEvent]struct{}),
		logger:      logger,
	}
}

// Record adds one request outcome for a gateway
func (t *TelemetryStore) Record(gateway string, verified, failure bool, latency time.Duration) {
	now := time.Now()
	key := telemetryKey{gateway: gateway, hour: now.Unix() / 3600}

	t.mu.Lock()
	bucket, ok := t.buckets[key]
	if !ok {
		bucket = &telemetryBucket{Gateway: gateway, Hour: time.Unix(key.hour*3600, 0).UTC()}
		t.buckets[key] = bucket
	}
	bucket.Requests++
	if verified {
		bucket.Verified++
	}
	if failure {
		bucket.Failures++
	} else {
		bucket.LatencySum += latency
		bucket.LatencyCount++
	}
	t.mu.Unlock()

	t.publish(telemetryEvent{
		At:       now,
		Gateway:  gateway,
		Verified: verified,
		Failure:  failure,
		Millis:   latency.Milliseconds(),
	})
}

// Prune drops buckets past the retention horizon
func (t *TelemetryStore) Prune() {
	horizon := time.Now().Add(-telemetryRetention).Unix() / 3600

	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.buckets {
		if key.hour < horizon {
			delete(t.buckets, key)
		}
	}
}

type gatewayStats struct {
	Gateway      string  `json:"gateway"`
	Requests     int64   `json:"requests"`
	Verified     int64   `json:"verified"`
	Failures     int64   `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// GatewayStats aggregates all retained buckets per gateway
func (t *TelemetryStore) GatewayStats() []gatewayStats {
	t.mu.Lock()
	byGateway := make(map[string]*gatewayStats)
	latSum := make(map[string]time.Duration)
	latCount := make(map[string]int64)
	for _, bucket := range t.buckets {
		s, ok := byGateway[bucket.Gateway]
		if !ok {
			s = &gatewayStats{Gateway: bucket.Gateway}
			byGateway[bucket.Gateway] = s
		}
		s.Requests += bucket.Requests
		s.Verified += bucket.Verified
		s.Failures += bucket.Failures
		latSum[bucket.Gateway] += bucket.LatencySum
		latCount[bucket.Gateway] += bucket.LatencyCount
	}
	t.mu.Unlock()

	out := make([]gatewayStats, 0, len(byGateway))
	for gateway, s := range byGateway {
		if latCount[gateway] > 0 {
			s.AvgLatencyMs = float64(latSum[gateway].Milliseconds()) / float64(latCount[gateway])
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requests > out[j].Requests })
	return out
}

func (t *TelemetryStore) publish(ev telemetryEvent) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop the event rather than block serving.
		}
	}
}

func (t *TelemetryStore) subscribe() chan telemetryEvent {
	ch := make(chan telemetryEvent, 64)
	t.subMu.Lock()
	t.subscribers[ch] = struct{}{}
	t.subMu.Unlock()
	return ch
}

func (t *TelemetryStore) unsubscribe(ch chan telemetryEvent) {
	t.subMu.Lock()
	delete(t.subscribers, ch)
	t.subMu.Unlock()
}

// serveStats dispatches the /wayfinder/stats/ surface
func (wf *Wayfinder) serveStats(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case reservedPrefix + "stats/gateways":
		wf.serveGatewayStats(w, r)
	case reservedPrefix + "stats/export":
		wf.serveStatsExport(w, r)
	case reservedPrefix + "stats/live":
		wf.serveStatsLive(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (wf *Wayfinder) serveGatewayStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"gateways":     wf.telemetry.GatewayStats(),
		"scores":       wf.temps.AllScores(),
		"generated_at": time.Now().UTC(),
	})
}

func (wf *Wayfinder) serveStatsExport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="gateway-stats.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"gateway", "requests", "verified", "failures", "avg_latency_ms"})
	for _, s := range wf.telemetry.GatewayStats() {
		_ = cw.Write([]string{
			s.Gateway,
			strconv.FormatInt(s.Requests, 10),
			strconv.FormatInt(s.Verified, 10),
			strconv.FormatInt(s.Failures, 10),
			fmt.Sprintf("%.1f", s.AvgLatencyMs),
		})
	}
	cw.Flush()
}

var statsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveStatsLive streams telemetry events over a websocket until the
// client goes away or the module shuts down.
func (wf *Wayfinder) serveStatsLive(w http.ResponseWriter, r *http.Request) {
	conn, err := statsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		wf.logger.Debug("stats websocket upgrade failed", zap.Error(err))
		return
	}

	events := wf.telemetry.subscribe()
	defer wf.telemetry.unsubscribe(events)
	defer func() {
		if err := conn.Close(); err != nil {
			wf.logger.Debug("failed to close stats websocket", zap.Error(err))
		}
	}()

	// Reader goroutine just consumes control frames and detects closure.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-wf.tasks.ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

// telemetryPrune is the periodic retention task
func (wf *Wayfinder) telemetryPrune(context.Context) {
	wf.telemetry.Prune()
}
