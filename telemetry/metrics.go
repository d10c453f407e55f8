package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lifecycle_commands_total", Help: "Lifecycle commands processed, by command and outcome"},
		[]string{"command", "outcome"},
	)
	NotificationsPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "lifecycle_notifications_published_total", Help: "Outbox notifications delivered to the port"})
	NotificationsDead      = prometheus.NewCounter(prometheus.CounterOpts{Name: "lifecycle_notifications_dead_total", Help: "Outbox notifications abandoned after max attempts"})
	SettlementsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "lifecycle_settlements_completed_total", Help: "Payments settled and released"})
	SettlementsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "lifecycle_settlements_failed_total", Help: "Payment settlements that failed and stayed held"})
	SettlementQueueDepth   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "lifecycle_settlement_queue_depth", Help: "Payments waiting in the settlement schedule"})
)

// Register installs all collectors on the default registry. Safe to call more
// than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			CommandsTotal,
			NotificationsPublished,
			NotificationsDead,
			SettlementsCompleted,
			SettlementsFailed,
			SettlementQueueDepth,
		)
	})
}

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// ObserveCommand records one command invocation.
func ObserveCommand(command string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	CommandsTotal.WithLabelValues(command, outcome).Inc()
}
