package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors for the sync runtime. Registered on the default
// registry and served by the trigger HTTP server under /metrics.
var (
	RecordsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocean_records_fetched_total",
		Help: "Raw records fetched from the third-party, per kind",
	}, []string{"kind"})

	RecordsMapped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocean_records_mapped_total",
		Help: "Mapping outcomes per kind",
	}, []string{"kind", "result"})

	EntitiesUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocean_entities_upserted_total",
		Help: "Entity upsert outcomes per blueprint",
	}, []string{"blueprint", "result"})

	EntitiesDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocean_entities_deleted_total",
		Help: "Stale entities deleted per blueprint",
	}, []string{"blueprint"})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocean_events_received_total",
		Help: "Live events received per path",
	}, []string{"path"})

	EventsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocean_events_dead_lettered_total",
		Help: "Live events abandoned after exhausting retries",
	}, []string{"path"})

	ResyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocean_resyncs_total",
		Help: "Resync runs by outcome",
	}, []string{"outcome"})

	CatalogInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocean_catalog_in_flight_requests",
		Help: "Catalog mutations currently in flight",
	})

	CatalogRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocean_catalog_retries_total",
		Help: "Catalog requests retried after transient failures",
	})
)
