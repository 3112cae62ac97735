// Package gateway is the broadcast surface: it pushes the fused, hot-view
// state out to realtime subscribers, each scoped to its own viewport, using
// hand-rolled WebSocket framing generalized from a single hard-coded flight
// feed to any entity kind, with a real spatial-index viewport query instead
// of a full snapshot diff. Geohash-bucketed dirty tracking skips that query
// entirely for subscribers whose viewport saw no published update since
// their last push.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fusionradar/fusionradar/internal/bus"
	"github.com/fusionradar/fusionradar/internal/geo"
	"github.com/fusionradar/fusionradar/internal/hotview"
	"github.com/fusionradar/fusionradar/internal/monitoring"
)

type diffMsg struct {
	Type   string           `json:"type"`
	Seq    int64            `json:"seq"`
	Upsert []hotview.Record `json:"upsert,omitempty"`
	Delete []string         `json:"delete,omitempty"`
}

// client is one connected realtime subscriber with its own viewport and
// last-sent state, so pushes are always diffs, never full snapshots after
// the first send.
type client struct {
	ws *wsConn

	mu       sync.RWMutex
	bbox     geo.BBox
	hasBBox  bool
	buckets  map[string]struct{}
	lastPush time.Time
	last     map[string]hotview.Record
	seq      int64
}

func (c *client) setViewport(b geo.BBox, precision int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bbox = b
	c.hasBBox = true
	c.buckets = make(map[string]struct{})
	for _, p := range geo.GeohashCoverPrefixes(b, precision) {
		c.buckets[p] = struct{}{}
	}
	// Force the next push to run a full query regardless of dirty buckets.
	c.lastPush = time.Time{}
}

func (c *client) viewport() (geo.BBox, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bbox, c.hasBBox
}

// staleSince reports whether any geohash bucket this client's viewport
// covers has seen an update since the client's last push, consulting
// dirty without holding c's lock across the call.
func (c *client) staleSince(dirty *dirtyBuckets) (stale bool, checkedAt time.Time) {
	c.mu.RLock()
	buckets := c.buckets
	last := c.lastPush
	c.mu.RUnlock()
	now := time.Now()
	if last.IsZero() || len(buckets) == 0 {
		return true, now
	}
	for b := range buckets {
		if dirty.dirtySince(b, last) {
			return true, now
		}
	}
	return false, now
}

func (c *client) markPushed(at time.Time) {
	c.mu.Lock()
	c.lastPush = at
	c.mu.Unlock()
}

// dirtyBuckets tracks the last time a geohash bucket saw a published
// position update, so the gateway can skip a spatial-index query for
// clients whose viewport has had no activity since their last push
// instead of re-running InBBox on every tick for every subscriber.
type dirtyBuckets struct {
	mu        sync.Mutex
	precision int
	seenAt    map[string]time.Time
}

func newDirtyBuckets(precision int) *dirtyBuckets {
	if precision <= 0 {
		precision = 4
	}
	return &dirtyBuckets{precision: precision, seenAt: make(map[string]time.Time)}
}

func (d *dirtyBuckets) markDirty(lat, lon float64) {
	bucket := geo.GeohashPrefix(lat, lon, d.precision)
	now := time.Now()
	d.mu.Lock()
	d.seenAt[bucket] = now
	d.mu.Unlock()
}

func (d *dirtyBuckets) dirtySince(bucket string, since time.Time) bool {
	d.mu.Lock()
	t, ok := d.seenAt[bucket]
	d.mu.Unlock()
	return ok && t.After(since)
}

// Handler serves the realtime viewport WebSocket and a small status/admin
// HTTP surface.
type Handler struct {
	store           *hotview.Store
	bus             *bus.Bus
	pushInterval    time.Duration
	geohashPrec     int
	dirty           *dirtyBuckets
	minClientMove   float64
	clientKeepalive time.Duration
	pipelineStatus  func() any

	mu      sync.Mutex
	clients map[*client]struct{}
}

// SetPipelineStatus registers a callback invoked by ServeStatus to report
// adapter/fusion/DLQ counters alongside the connected-client count. Called
// once at startup by the orchestrator's owner; nil is a valid no-op default.
func (h *Handler) SetPipelineStatus(f func() any) {
	h.mu.Lock()
	h.pipelineStatus = f
	h.mu.Unlock()
}

// New builds a Handler backed by store, optionally fed opportunistic pushes
// by b (through its entity:position:update channel). geohashPrec
// sizes the bucket grid used to skip viewport queries for clients whose area
// saw no published update since their last push. minClientMove (meters) and
// clientKeepalive bound per-client resend: a record is only re-sent once it
// has moved at least minClientMove from what the client last saw, or
// clientKeepalive has elapsed since then, whichever comes first.
func New(store *hotview.Store, b *bus.Bus, pushInterval time.Duration, geohashPrec int, minClientMove float64, clientKeepalive time.Duration) *Handler {
	if pushInterval <= 0 {
		pushInterval = 5 * time.Second
	}
	h := &Handler{
		store: store, bus: b, pushInterval: pushInterval,
		geohashPrec: geohashPrec, dirty: newDirtyBuckets(geohashPrec),
		minClientMove: minClientMove, clientKeepalive: clientKeepalive,
		clients: make(map[*client]struct{}),
	}
	go h.trackDirtyBuckets()
	return h
}

// trackDirtyBuckets consumes every published position update for the
// lifetime of the process and marks its geohash bucket dirty, independent of
// any one client's subscription.
func (h *Handler) trackDirtyBuckets() {
	ch, _ := h.bus.Subscribe(bus.ChannelPositionUpdate)
	for msg := range ch {
		var rec struct {
			Lat float64
			Lon float64
		}
		if json.Unmarshal(msg.Payload, &rec) == nil {
			h.dirty.markDirty(rec.Lat, rec.Lon)
		}
	}
}

// Router mounts the WebSocket endpoint, a JSON status snapshot and the
// Prometheus metrics endpoint behind the monitoring middleware stack.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.With(monitoring.MetricsMiddleware("/ws"), monitoring.TracingMiddleware("/ws"), monitoring.LoggingMiddleware).
		Get("/ws", h.ServeWS)
	r.With(monitoring.MetricsMiddleware("/status"), monitoring.LoggingMiddleware).
		Get("/status", h.ServeStatus)
	r.Handle("/metrics", monitoring.PrometheusHandler())
	return r
}

// ServeStatus reports the adapters/fusion/dlq snapshot from SetPipelineStatus
// (if one was registered) plus the count of currently connected realtime
// subscribers. It always succeeds: a missing pipeline status callback
// simply omits those fields rather than failing the request.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	n := len(h.clients)
	statusFn := h.pipelineStatus
	h.mu.Unlock()

	var body map[string]any
	if statusFn != nil {
		b, _ := json.Marshal(statusFn())
		_ = json.Unmarshal(b, &body)
	}
	if body == nil {
		body = make(map[string]any)
	}
	body["clients"] = n

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func parseBBox(s string) (geo.BBox, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.BBox{}, false
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BBox{}, false
		}
		vals[i] = v
	}
	b := geo.BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	if !b.Valid() {
		return geo.BBox{}, false
	}
	return b, true
}

// ServeWS upgrades the connection and runs the per-client push/read loops
// until the client disconnects or the request context is cancelled.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgradeToWebSocket(w, r)
	if err != nil {
		monitoring.Debugf("gateway ws upgrade error: %v", err)
		return
	}
	c := &client{ws: ws, last: make(map[string]hotview.Record)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	monitoring.GatewayClients.Set(float64(len(h.clients)))
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		monitoring.GatewayClients.Set(float64(len(h.clients)))
		h.mu.Unlock()
		_ = ws.Close()
	}()

	done := make(chan struct{})
	go h.readLoop(c, done)

	updates, unsubscribe := h.bus.Subscribe(bus.ChannelPositionUpdate)
	defer unsubscribe()

	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	// Nothing to show until the client reports a viewport: no default
	// full-world stream.
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := h.push(c, "tick"); err != nil {
				return
			}
		case <-updates:
			if err := h.push(c, "event"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(c *client, done chan struct{}) {
	defer close(done)
	for {
		op, payload, err := c.ws.ReadFrame()
		if err != nil {
			return
		}
		switch op {
		case 0x9: // ping
			_ = c.ws.WritePong(payload)
		case 0x8: // close
			return
		case 0x1: // text
			var msg map[string]any
			if json.Unmarshal(payload, &msg) != nil {
				continue
			}
			if fmt.Sprint(msg["type"]) != "viewport" {
				continue
			}
			bboxStr, _ := msg["bbox"].(string)
			if b, ok := parseBBox(bboxStr); ok {
				c.setViewport(b, h.geohashPrec)
			}
		}
	}
}

// push diffs the client's viewport against its last-sent state and writes an
// upsert/delete message if anything changed.
func (h *Handler) push(c *client, trigger string) error {
	bbox, ok := c.viewport()
	if !ok {
		return nil
	}
	if trigger == "tick" {
		if stale, at := c.staleSince(h.dirty); !stale {
			return nil
		} else {
			defer c.markPushed(at)
		}
	}
	recs, err := h.store.InBBox(bbox)
	if err != nil {
		monitoring.Errorf("gateway: viewport query failed: %v", err)
		return nil
	}

	c.mu.Lock()
	// next is the per-key state the client will be considered to have seen
	// after this push: records not re-sent keep their previously-sent value
	// so move/keepalive thresholds accumulate across ticks instead of
	// resetting against every unsent observation.
	next := make(map[string]hotview.Record, len(recs))
	upsert := make([]hotview.Record, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		k := string(rec.Key)
		seen[k] = struct{}{}
		old, ok := c.last[k]
		if !ok || (rec.TS > old.TS && (geo.HaversineMeters(
			geo.Point{Lat: old.Lat, Lon: old.Lon},
			geo.Point{Lat: rec.Lat, Lon: rec.Lon},
		) >= h.minClientMove || time.Duration(rec.TS-old.TS)*time.Millisecond >= h.clientKeepalive)) {
			upsert = append(upsert, rec)
			next[k] = rec
			continue
		}
		next[k] = old
	}
	var del []string
	for k := range c.last {
		if _, ok := seen[k]; !ok {
			del = append(del, k)
		}
	}
	if len(upsert) == 0 && len(del) == 0 {
		c.last = next
		c.mu.Unlock()
		return nil
	}
	c.seq++
	msg := diffMsg{Type: "diff", Seq: c.seq, Upsert: upsert, Delete: del}
	c.last = next
	c.mu.Unlock()

	b, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	if err := c.ws.WriteText(b); err != nil {
		return err
	}
	monitoring.GatewayPushes.WithLabelValues(trigger).Inc()
	return nil
}
