// Package metrics registers the Prometheus collectors exposed on the
// private /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serverLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bbblb_server_load",
		Help: "Synthetic load of a backend server (last poll round)",
	}, []string{"server"})

	serverHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bbblb_server_health",
		Help: "Backend health: 0 offline, 1 unstable, 2 available",
	}, []string{"server"})

	pollRoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bbblb_poll_round_duration_seconds",
		Help:    "Wall time of a full poll round across all backends",
		Buckets: prometheus.DefBuckets,
	})

	pollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_poll_errors_total",
		Help: "Failed backend polls per server",
	}, []string{"server"})

	meetingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_meetings_created_total",
		Help: "Meetings created through the balancer per tenant",
	}, []string{"tenant"})

	meetingsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_meetings_ended_total",
		Help: "Meeting end events observed per tenant",
	}, []string{"tenant"})

	callbackForwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_callback_forwards_total",
		Help: "Callback forward attempts by type and outcome",
	}, []string{"type", "outcome"}) // outcome=delivered|failed

	importJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_import_jobs_total",
		Help: "Recording import jobs by result",
	}, []string{"result"}) // result=queued|succeeded|failed

	importDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bbblb_import_duration_seconds",
		Help:    "Time from picking up an import job to the recording being published",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// SetServerLoad records the load computed for a backend in the last round.
func SetServerLoad(server string, load float64) {
	serverLoad.WithLabelValues(server).Set(load)
}

// SetServerHealth records the health enum for a backend. Unknown values
// count as offline.
func SetServerHealth(server, health string) {
	v := 0.0
	switch health {
	case "UNSTABLE":
		v = 1
	case "AVAILABLE":
		v = 2
	}
	serverHealth.WithLabelValues(server).Set(v)
}

// RemoveServer drops the gauge series of a backend that no longer exists.
func RemoveServer(server string) {
	serverLoad.DeleteLabelValues(server)
	serverHealth.DeleteLabelValues(server)
}

// ObservePollRound records the wall time of one full poll round.
func ObservePollRound(d time.Duration) { pollRoundDuration.Observe(d.Seconds()) }

// IncPollError counts a failed poll of one backend.
func IncPollError(server string) { pollErrors.WithLabelValues(server).Inc() }

// IncMeetingCreated counts a meeting created on behalf of a tenant.
func IncMeetingCreated(tenant string) { meetingsCreated.WithLabelValues(tenant).Inc() }

// IncMeetingEnded counts a meeting end observed for a tenant.
func IncMeetingEnded(tenant string) { meetingsEnded.WithLabelValues(tenant).Inc() }

// IncCallbackForward counts one forward attempt for a tenant callback.
func IncCallbackForward(cbType, outcome string) {
	callbackForwards.WithLabelValues(cbType, outcome).Inc()
}

// IncImportJob counts an import job entering the given result state.
func IncImportJob(result string) { importJobs.WithLabelValues(result).Inc() }

// ObserveImportDuration records how long one import job took end to end.
func ObserveImportDuration(d time.Duration) { importDuration.Observe(d.Seconds()) }
