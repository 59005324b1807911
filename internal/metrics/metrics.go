package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission results.
const (
	AdmissionAdmitted    = "admitted"
	AdmissionInvalid     = "invalid"
	AdmissionServerFull  = "server_full"
	AdmissionRoomFull    = "room_full"
	AdmissionStoreFailed = "store_failed"
)

// Delivery outcomes for a single recipient.
const (
	DeliveryOK           = "ok"
	DeliveryDisconnected = "disconnected"
	DeliveryFailed       = "failed"
	DeliveryForwarded    = "forwarded"
)

// Broadcast results.
const (
	BroadcastAttempted    = "attempted"
	BroadcastInvalid      = "invalid"
	BroadcastNoRecipients = "no_recipients"
	BroadcastStoreFailed  = "store_failed"
)

// Admissions counts connect attempts by result.
// Use Register to expose it on a Prometheus registry.
var Admissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "resultrelay_admissions_total",
		Help: "Total number of connection admission attempts",
	},
	[]string{"result"},
)

// Deliveries counts per-recipient send outcomes.
var Deliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "resultrelay_deliveries_total",
		Help: "Total number of per-recipient send attempts",
	},
	[]string{"outcome"},
)

// Broadcasts counts result broadcasts by result.
var Broadcasts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "resultrelay_broadcasts_total",
		Help: "Total number of result broadcasts",
	},
	[]string{"result"},
)

// Reaped counts connections removed after a disconnected send.
var Reaped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "resultrelay_reaped_connections_total",
		Help: "Total number of stale connections removed after a failed delivery",
	},
)

// Register registers the package metrics with reg.
// Panics if registration fails (following prometheus convention).
func Register(reg prometheus.Registerer) {
	reg.MustRegister(Admissions, Deliveries, Broadcasts, Reaped)
}

// Handler exposes the metrics gathered by g at /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func RecordAdmission(result string) {
	Admissions.WithLabelValues(result).Inc()
}

func RecordDelivery(outcome string) {
	Deliveries.WithLabelValues(outcome).Inc()
}

// RecordDeliveries adds n outcomes at once.
func RecordDeliveries(outcome string, n int) {
	Deliveries.WithLabelValues(outcome).Add(float64(n))
}

func RecordBroadcast(result string) {
	Broadcasts.WithLabelValues(result).Inc()
}

func RecordReaped() {
	Reaped.Inc()
}
