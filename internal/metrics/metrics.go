// Package metrics holds the coordinator's Prometheus collectors, grouped
// as package-level vars the way the pack's container-orchestrator
// metrics package does (pkg/metrics), registered once at startup and
// referenced directly from internal/webapi and cmd/coordinator.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttersense_http_requests_total",
			Help: "Total HTTP requests handled, by route and status code",
		},
		[]string{"route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shuttersense_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	JobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shuttersense_job_queue_depth",
			Help: "Number of PENDING jobs per tenant, refreshed by the periodic fleet refresh",
		},
		[]string{"tenant_guid"},
	)

	AgentsOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shuttersense_agents_online",
			Help: "Agent count per tenant by status",
		},
		[]string{"tenant_guid", "status"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal, RequestDuration, JobQueueDepth, AgentsOnline)
}

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// refreshFleet recomputes JobQueueDepth and AgentsOnline across every
// tenant. Called on its own ticker rather than folded into the offline
// sweep, since it needs a full tenant scan the sweep has no reason to do.
func refreshFleet(ctx context.Context, st store.Store, log logrus.FieldLogger) error {
	tenants, err := st.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		jobs, err := st.ListJobs(ctx, tenant.ID)
		if err != nil {
			log.WithError(err).WithField("tenant_guid", tenant.GUID).Warn("metrics refresh: list jobs failed")
			continue
		}
		pending := 0
		for _, j := range jobs {
			if j.Status == store.JobStatusPending {
				pending++
			}
		}
		JobQueueDepth.WithLabelValues(tenant.GUID).Set(float64(pending))

		agents, err := st.ListAgents(ctx, tenant.ID)
		if err != nil {
			log.WithError(err).WithField("tenant_guid", tenant.GUID).Warn("metrics refresh: list agents failed")
			continue
		}
		counts := map[store.AgentStatus]int{}
		for _, a := range agents {
			counts[a.Status]++
		}
		for _, status := range []store.AgentStatus{
			store.AgentStatusOnline, store.AgentStatusBusy, store.AgentStatusOffline,
			store.AgentStatusError, store.AgentStatusRevoked,
		} {
			AgentsOnline.WithLabelValues(tenant.GUID, string(status)).Set(float64(counts[status]))
		}
	}
	return nil
}

// RunFleetRefresh periodically recomputes fleet gauges until ctx is done,
// the same ticker idiom internal/liveness.Tracker.Run uses.
func RunFleetRefresh(ctx context.Context, clock clockwork.Clock, interval time.Duration, st store.Store, log logrus.FieldLogger) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := refreshFleet(ctx, st, log); err != nil {
				log.WithError(err).Warn("fleet metrics refresh failed")
			}
		}
	}
}
