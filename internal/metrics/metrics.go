// Package metrics declares the prometheus collectors shared by the pipeline
// and the serving layer. They register on the default registry and are
// exposed by the server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CrawlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathvid_crawl_requests_total",
			Help: "Upstream API requests by outcome (ok, error, auth, breaker_open).",
		},
		[]string{"outcome"},
	)

	CrawlPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathvid_crawl_pages_total",
			Help: "Search result pages by outcome (fetched, retried, skipped, aborted).",
		},
		[]string{"outcome"},
	)

	CrawlVideos = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathvid_crawl_videos_total",
			Help: "Crawled search entries by result (upserted, duplicate, malformed, error).",
		},
		[]string{"result"},
	)

	EnrichVideos = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathvid_enrich_videos_total",
			Help: "Videos handled by the enrichment batch by result (processed, skipped, failed).",
		},
		[]string{"result"},
	)

	RecommendQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathvid_recommend_queries_total",
			Help: "Recommendation queries by strategy.",
		},
		[]string{"strategy"},
	)

	RecommendQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mathvid_recommend_query_duration_seconds",
			Help:    "Recommendation query latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)
)
