package mppscmt

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts association- and DIMSE-level events for operational
// visibility. Grounded on OtchereDev-ris-dicom-connector's cmd/server/main.go,
// the one pack repo that wires github.com/prometheus/client_golang; that
// server exposes promhttp.Handler() on its own mux, which Handler
// mirrors here instead of bolting metrics onto the DICOM listener's port.
type Metrics struct {
	AssociationsAccepted prometheus.Counter
	AssociationsRejected *prometheus.CounterVec // by rejectCause label
	CommandsDispatched   *prometheus.CounterVec // by DIMSE command name
	CommitmentsDelivered *prometheus.CounterVec // by mode (a|b) and outcome (ok|failed)

	gatherer prometheus.Gatherer // backs Handler; same registry the counters above were registered on
}

// NewMetrics registers this repository's counters on reg and remembers reg
// as the Gatherer Handler serves. Pass prometheus.NewRegistry() for test
// isolation, or nil to use the global DefaultRegisterer/DefaultGatherer
// (the common case for a long-running server process).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = reg
	var gatherer prometheus.Gatherer = reg
	if reg == nil {
		registerer = prometheus.DefaultRegisterer
		gatherer = prometheus.DefaultGatherer
	}
	m := &Metrics{
		gatherer: gatherer,
		AssociationsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mppscmt_associations_accepted_total",
			Help: "Associations that completed ACSE negotiation successfully.",
		}),
		AssociationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mppscmt_associations_rejected_total",
			Help: "Associations rejected during ACSE negotiation, by cause.",
		}, []string{"cause"}),
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mppscmt_dimse_commands_dispatched_total",
			Help: "DIMSE commands routed to a handler, by command name.",
		}, []string{"command"}),
		CommitmentsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mppscmt_commitments_delivered_total",
			Help: "Storage Commitment event reports delivered, by mode and outcome.",
		}, []string{"mode", "outcome"}),
	}
	registerer.MustRegister(m.AssociationsAccepted, m.AssociationsRejected, m.CommandsDispatched, m.CommitmentsDelivered)
	return m
}

// Handler exposes the registered metrics in the Prometheus text format, from
// the same registry NewMetrics registered onto -- not the package-global
// promhttp.Handler(), which would silently show an empty page for a
// non-default registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// rejectCauseLabel converts a rejectCause into the stable string used as
// the "cause" label value. rejectCause has no String method (rejectErr
// prints it as its number), and metrics labels need a name that survives
// iota renumbering, so this is its own small mapping.
func rejectCauseLabel(cause rejectCause) string {
	switch cause {
	case causeAppContextNotSupported:
		return "app_context_not_supported"
	case causeCalledAENotRecognized:
		return "called_ae_not_recognized"
	case causeCallingAENotRecognized:
		return "calling_ae_not_recognized"
	case causeNoAcceptablePCs:
		return "no_acceptable_presentation_contexts"
	case causeLocalLimitExceeded:
		return "local_limit_exceeded"
	case causeTemporaryCongestion:
		return "temporary_congestion"
	case causeProtocolVersionNotSupported:
		return "protocol_version_not_supported"
	default:
		return "unknown"
	}
}
