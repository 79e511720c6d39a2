package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var TicksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "papertrade_ticks_received_total",
	Help: "ticks written to the tick cache",
}, []string{"exchange"})

var TicksDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "papertrade_ticks_dropped_total",
	Help: "ticks not delivered to a slow stream subscriber",
})

var UpstreamSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "papertrade_upstream_subscriptions",
	Help: "channels with a live upstream subscription",
})

var UpstreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "papertrade_upstream_reconnects_total",
	Help: "upstream feed disconnects followed by a backoff retry",
})

var StreamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "papertrade_stream_subscribers",
	Help: "connected live price subscribers",
})

var Orders = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "papertrade_orders_total",
	Help: "orders by final status",
}, []string{"status"})

var PositionCloses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "papertrade_position_closes_total",
	Help: "position closes by trigger",
}, []string{"trigger"})

var RiskScans = prometheus.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "papertrade_risk_scan_duration_ms",
	Help:       "risk monitor scan duration in milliseconds",
	AgeBuckets: 1,
}, []string{"result"})

var RiskLeader = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "papertrade_risk_leader",
	Help: "1 while this instance holds the risk monitor lease",
})

func init() {
	prometheus.MustRegister(
		TicksReceived, TicksDropped, UpstreamSubscriptions, UpstreamReconnects,
		StreamSubscribers, Orders, PositionCloses, RiskScans, RiskLeader,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
