package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a stats collector that prefixes the name of the stats it
// collects, trimmed to the three operations BTPS actually drives: a
// counter for dispatch/error events, a gauge for the connection-manager's
// active-connection count, and a timing summary for per-pipeline-step
// latency.
type Scope interface {
	Inc(stat string, value int64) error
	GaugeDelta(stat string, value int64) error
	TimingDuration(stat string, delta time.Duration) error
}

// promScope is a Scope that sends data to Prometheus.
type promScope struct {
	prometheus.Registerer
	*autoRegisterer
	prefix string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that sends data to Prometheus.
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		Registerer:     registerer,
		prefix:         strings.Join(scopes, ".") + ".",
		autoRegisterer: newAutoRegisterer(registerer),
	}
}

// Inc increments the given stat and adds the Scope's prefix to the name.
func (s *promScope) Inc(stat string, value int64) error {
	s.autoCounter(s.prefix + stat).Add(float64(value))
	return nil
}

// GaugeDelta sends the change in a gauge stat and adds the Scope's prefix to the name.
func (s *promScope) GaugeDelta(stat string, value int64) error {
	s.autoGauge(s.prefix + stat).Add(float64(value))
	return nil
}

// TimingDuration sends a latency stat as a time.Duration and adds the Scope's
// prefix to the name.
func (s *promScope) TimingDuration(stat string, delta time.Duration) error {
	s.autoSummary(s.prefix + stat + "_seconds").Observe(delta.Seconds())
	return nil
}

type noopScope struct{}

// NewNoopScope returns a Scope that won't collect anything, for callers
// (tests, and any Pipeline/Server built without a metrics registry) that
// don't want to special-case a nil Scope at every call site.
func NewNoopScope() Scope {
	return noopScope{}
}
func (noopScope) Inc(stat string, value int64) error { return nil }
func (noopScope) GaugeDelta(stat string, value int64) error { return nil }
func (noopScope) TimingDuration(stat string, delta time.Duration) error { return nil }
