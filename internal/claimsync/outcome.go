// Package claimsync propagates local role changes to the identity provider's
// custom-claims record. Synchronization is best effort: the local role is the
// source of truth and is never rolled back on failure.
package claimsync

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Failure reasons, used as the counter label.
const (
	ReasonUserNotFoundInFederation = "user_not_found_in_federation"
	ReasonLocalUserNotFound        = "local_user_not_found"
	ReasonFederationUnavailable    = "federation_unavailable"
	ReasonTimeout                  = "timeout"
	ReasonPushFailed               = "push_failed"
	ReasonNotConfigured            = "not_configured"
	ReasonQueueFull                = "queue_full"
)

// Outcome is the result of one synchronization.
type Outcome struct {
	Success bool
	Reason  string
}

// Err returns nil on success and a *Failure otherwise.
func (o Outcome) Err() error {
	if o.Success {
		return nil
	}
	return &Failure{Reason: o.Reason}
}

// Failure is a claims synchronization error labelled with its reason.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("claims sync failed: %s", f.Reason)
}

// Recorder counts synchronization outcomes.
type Recorder interface {
	RecordSuccess()
	RecordFailure(reason string)
}

// PrometheusRecorder exposes claims_sync_success_total and
// claims_sync_failure_total{reason}. The counters carry no per-user labels.
type PrometheusRecorder struct {
	success prometheus.Counter
	failure *prometheus.CounterVec
}

// NewPrometheusRecorder creates the counters and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		success: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claims_sync_success_total",
			Help: "Role claim pushes to the identity provider that succeeded.",
		}),
		failure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claims_sync_failure_total",
			Help: "Role claim pushes to the identity provider that failed, by reason.",
		}, []string{"reason"}),
	}
	for _, c := range []prometheus.Collector{r.success, r.failure} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering claims sync metrics: %w", err)
		}
	}
	return r, nil
}

// RecordSuccess increments the success counter.
func (r *PrometheusRecorder) RecordSuccess() { r.success.Inc() }

// RecordFailure increments the failure counter for reason.
func (r *PrometheusRecorder) RecordFailure(reason string) { r.failure.WithLabelValues(reason).Inc() }
