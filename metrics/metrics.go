package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Active websocket connections",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Users with a current presence entry",
	})
	MessagesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_created_total",
		Help: "Messages persisted",
	})
	MessagesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_read_total",
		Help: "Read receipts recorded",
	})
	MessagesPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_purged_total",
		Help: "Messages hard-deleted after every participant deleted them",
	})
	DroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_dropped_frames_total",
		Help: "Outbound frames dropped because a client send queue was full",
	})
)

func Init() {
	prometheus.MustRegister(Connections, OnlineUsers, MessagesCreated, MessagesRead, MessagesPurged, DroppedFrames)
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
