package tunnelstate

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	tunnelRetries        = metrics.NewCounter("warden_tunnel_retries_total")
	staleEvents          = metrics.NewCounter("warden_stale_events_total")
	notificationsDropped = metrics.NewCounter("warden_notifications_dropped_total")
)

func countTransition(kind StateKind) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`warden_state_transitions_total{state=%q}`, kind)).Inc()
}

func countBackendError(backend string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`warden_backend_errors_total{backend=%q}`, backend)).Inc()
}
