package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// FeedHealth is the per-instrument view served on /healthz.
type FeedHealth struct {
	State        string    `json:"state"`
	LastTickTime time.Time `json:"last_tick_time"`
	Reconnects   uint64    `json:"reconnects"`
}

// HealthStatus tracks feed connectivity and optional sink health.
type HealthStatus struct {
	mu sync.RWMutex

	feeds map[string]*FeedHealth

	redisEnabled   bool
	redisConnected bool
	redisLatencyMs float64

	sqliteEnabled   bool
	sqliteOK        bool
	sqliteLatencyMs float64

	lastCheckAt time.Time
	startedAt   time.Time
}

// NewHealthStatus returns an empty health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		feeds:     make(map[string]*FeedHealth),
		startedAt: time.Now(),
	}
}

func (h *HealthStatus) feed(instrument string) *FeedHealth {
	f, ok := h.feeds[instrument]
	if !ok {
		f = &FeedHealth{State: "disconnected"}
		h.feeds[instrument] = f
	}
	return f
}

func (h *HealthStatus) SetFeedState(instrument, state string) {
	h.mu.Lock()
	h.feed(instrument).State = state
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(instrument string, t time.Time) {
	h.mu.Lock()
	h.feed(instrument).LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) IncReconnects(instrument string) {
	h.mu.Lock()
	h.feed(instrument).Reconnects++
	h.mu.Unlock()
}

// RemoveFeed drops an unsubscribed instrument from the report.
func (h *HealthStatus) RemoveFeed(instrument string) {
	h.mu.Lock()
	delete(h.feeds, instrument)
	h.mu.Unlock()
}

// Feed returns a copy of one instrument's health.
func (h *HealthStatus) Feed(instrument string) (FeedHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.feeds[instrument]
	if !ok {
		return FeedHealth{}, false
	}
	return *f, true
}

// EnableRedis marks Redis as a dependency that counts towards health.
func (h *HealthStatus) EnableRedis() {
	h.mu.Lock()
	h.redisEnabled = true
	h.mu.Unlock()
}

// EnableSQLite marks SQLite as a dependency that counts towards health.
func (h *HealthStatus) EnableSQLite() {
	h.mu.Lock()
	h.sqliteEnabled = true
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.redisConnected = err == nil
	h.redisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.sqliteOK = err == nil
	h.sqliteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx ends.
// Nil clients are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// Report is the /healthz response body.
type Report struct {
	Status          string                `json:"status"`
	Uptime          string                `json:"uptime"`
	Feeds           map[string]FeedHealth `json:"feeds"`
	Streaming       []string              `json:"streaming"`
	RedisEnabled    bool                  `json:"redis_enabled"`
	RedisConnected  bool                  `json:"redis_connected"`
	RedisLatencyMs  float64               `json:"redis_latency_ms"`
	SQLiteEnabled   bool                  `json:"sqlite_enabled"`
	SQLiteOK        bool                  `json:"sqlite_ok"`
	SQLiteLatencyMs float64               `json:"sqlite_latency_ms"`
	LastCheckAt     string                `json:"last_check_at,omitempty"`
}

// Report computes the overall status.
//
// healthy: every feed streaming and every enabled sink reachable.
// degraded: some feed not streaming, or an enabled sink down.
// unhealthy: no feed streaming at all.
func (h *HealthStatus) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := Report{
		Uptime:          time.Since(h.startedAt).Round(time.Second).String(),
		Feeds:           make(map[string]FeedHealth, len(h.feeds)),
		Streaming:       []string{},
		RedisEnabled:    h.redisEnabled,
		RedisConnected:  h.redisConnected,
		RedisLatencyMs:  h.redisLatencyMs,
		SQLiteEnabled:   h.sqliteEnabled,
		SQLiteOK:        h.sqliteOK,
		SQLiteLatencyMs: h.sqliteLatencyMs,
	}
	if !h.lastCheckAt.IsZero() {
		r.LastCheckAt = h.lastCheckAt.Format(time.RFC3339)
	}
	for name, f := range h.feeds {
		r.Feeds[name] = *f
		if f.State == "streaming" {
			r.Streaming = append(r.Streaming, name)
		}
	}
	sort.Strings(r.Streaming)

	r.Status = "healthy"
	if len(r.Streaming) < len(h.feeds) ||
		(h.redisEnabled && !h.redisConnected) ||
		(h.sqliteEnabled && !h.sqliteOK) {
		r.Status = "degraded"
	}
	if len(h.feeds) > 0 && len(r.Streaming) == 0 {
		r.Status = "unhealthy"
	}
	return r
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}
