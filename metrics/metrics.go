package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prstats_api_requests_total",
		Help: "Total number of GitHub API page requests",
	}, []string{"endpoint", "status"})

	RateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prstats_rate_limit_waits_total",
		Help: "Total number of waits caused by a low rate-limit quota",
	})

	PRsSyncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prstats_prs_synced_total",
		Help: "Total number of pull requests merged into the cache",
	})

	SubResourceFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prstats_subresource_failures_total",
		Help: "Total number of failed review or comment fetches",
	}, []string{"resource"})

	RepositorySyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prstats_repository_syncs_total",
		Help: "Total number of repository sync passes by outcome",
	}, []string{"outcome"})

	ResultsCacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prstats_results_cache_lookups_total",
		Help: "Total number of results cache lookups by outcome",
	}, []string{"outcome"})

	RepositoriesAnalyzedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prstats_repositories_analyzed_total",
		Help: "Total number of repository analyses by outcome",
	}, []string{"outcome"})
)

// StatusClass maps an HTTP status to "2xx", "4xx" and so on. 0 means the
// request never got a response.
func StatusClass(code int) string {
	if code == 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// WriteTextfile dumps the default registry in the text exposition format,
// for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
