package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beaconevents/beacon/internal/infra/config"
)

// Provider represents a telemetry provider handle. HTTP request metrics live
// in the transport middleware; the provider carries the domain counters.
type Provider struct {
	resolutions   *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	recordFetches *prometheus.CounterVec
	recordUpserts *prometheus.CounterVec
}

// Attach configures telemetry exporters and returns a provider handle.
func Attach(_ context.Context, cfg *config.AppConfig) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	return &Provider{
		resolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "identity_resolutions_total",
			Help:      "Identity resolutions by outcome",
		}, []string{"outcome"}),
		refreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "token_refreshes_total",
			Help:      "Session token refreshes by outcome",
		}, []string{"outcome"}),
		recordFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "record_fetches_total",
			Help:      "Record fetches from personal data servers by outcome",
		}, []string{"outcome"}),
		recordUpserts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "record_upserts_total",
			Help:      "Index writes by collection",
		}, []string{"collection"}),
	}, nil
}

// CountResolution records an identity resolution outcome.
func (p *Provider) CountResolution(outcome string) {
	if p == nil {
		return
	}
	p.resolutions.WithLabelValues(outcome).Inc()
}

// CountRefresh records a token refresh outcome.
func (p *Provider) CountRefresh(outcome string) {
	if p == nil {
		return
	}
	p.refreshes.WithLabelValues(outcome).Inc()
}

// CountRecordFetch records a PDS fetch outcome.
func (p *Provider) CountRecordFetch(outcome string) {
	if p == nil {
		return
	}
	p.recordFetches.WithLabelValues(outcome).Inc()
}

// CountRecordUpsert records an index write.
func (p *Provider) CountRecordUpsert(collection string) {
	if p == nil {
		return
	}
	p.recordUpserts.WithLabelValues(collection).Inc()
}
