package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"lv-papertrade/internal/httputil"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Gauges reports live counters of the market data pipeline.
type Gauges interface {
	Active() int
}

type Handler struct {
	pool      *pgxpool.Pool
	upstreams Gauges
	viewers   func() int
	startedAt time.Time
}

// NewHandler builds the health handler; pool is nil when running on the in-memory store.
func NewHandler(pool *pgxpool.Pool, upstreams Gauges, viewers func() int, startedAt time.Time) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{pool: pool, upstreams: upstreams, viewers: viewers, startedAt: start}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type readinessResponse struct {
	Status     string          `json:"status"`
	Timestamp  string          `json:"timestamp"`
	UptimeSec  int64           `json:"uptime_sec"`
	Storage    string          `json:"storage"`
	Database   *databaseStats  `json:"database,omitempty"`
	MarketData marketDataStats `json:"market_data"`
	Goroutines int             `json:"goroutines"`
}

type databaseStats struct {
	Reachable     bool   `json:"reachable"`
	PingMs        int64  `json:"ping_ms"`
	Error         string `json:"error,omitempty"`
	TotalConns    int32  `json:"total_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
}

type marketDataStats struct {
	UpstreamSubscriptions int `json:"upstream_subscriptions"`
	StreamSubscribers     int `json:"stream_subscribers"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func (h *Handler) collectDB(ctx context.Context) *databaseStats {
	if h.pool == nil {
		return nil
	}
	stat := h.pool.Stat()
	out := &databaseStats{TotalConns: stat.TotalConns(), AcquiredConns: stat.AcquiredConns()}
	pingStart := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := h.pool.Ping(pingCtx)
	cancel()
	out.PingMs = time.Since(pingStart).Milliseconds()
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Reachable = true
	}
	return out
}

// Live does not touch dependencies.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptime := h.uptime(now)
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
	})
}

// Ready returns 503 when the database is configured but unreachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	resp := readinessResponse{
		Status:     "ok",
		Timestamp:  now.Format(time.RFC3339),
		UptimeSec:  int64(h.uptime(now).Seconds()),
		Storage:    "memory",
		Goroutines: runtime.NumGoroutine(),
	}
	if h.upstreams != nil {
		resp.MarketData.UpstreamSubscriptions = h.upstreams.Active()
	}
	if h.viewers != nil {
		resp.MarketData.StreamSubscribers = h.viewers()
	}
	httpStatus := http.StatusOK
	if db := h.collectDB(r.Context()); db != nil {
		resp.Storage = "postgres"
		resp.Database = db
		if !db.Reachable {
			resp.Status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	httputil.WriteJSON(w, httpStatus, resp)
}
