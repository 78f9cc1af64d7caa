// Package metrics exposes pool, handle, cache, and preload occupancy as
// Prometheus collectors. Where the teacher instruments per-event OTel
// counters and histograms at call sites, the things worth measuring here are
// already point-in-time snapshots (Pool.Report, Registry.OpenFileCount,
// Cache.Stats, Manager.Count) rather than discrete events threaded through
// every call site, so each is wired as a GaugeFunc/CounterFunc sampled on
// scrape rather than pushed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyverse/irodsfs-go/internal/handle"
	"github.com/cyverse/irodsfs-go/internal/metadata"
	"github.com/cyverse/irodsfs-go/internal/pool"
	"github.com/cyverse/irodsfs-go/internal/preload"
)

const namespace = "irodsfs"

// Sources bundles the live components metrics reads from. Any may be nil, in
// which case the metrics depending on it report zero instead of panicking
// (e.g. a mount with preloading disabled has no *preload.Manager).
type Sources struct {
	Pool    *pool.Pool
	Handles *handle.Registry
	Cache   *metadata.Cache
	Preload *preload.Manager
}

// Collector registers Sources' point-in-time stats as Prometheus collectors.
type Collector struct {
	registry *prometheus.Registry
}

// NewCollector builds and registers a Collector against a fresh
// *prometheus.Registry; callers expose it over HTTP themselves (e.g. via
// promhttp.HandlerFor), following cmd's mount wiring.
func NewCollector(src Sources) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "pool", Name: "connections_total", Help: "Connections currently held by the pool, used or idle."},
		func() float64 {
			if src.Pool == nil {
				return 0
			}
			return float64(src.Pool.Report().Total)
		},
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "pool", Name: "connections_in_use", Help: "Connections currently leased out to an in-flight operation."},
		func() float64 {
			if src.Pool == nil {
				return 0
			}
			return float64(src.Pool.Report().InUse)
		},
	))

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "handles", Name: "open_files", Help: "Open file handles in the handle registry."},
		func() float64 {
			if src.Handles == nil {
				return 0
			}
			return float64(src.Handles.OpenFileCount())
		},
	))

	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "metadata_cache", Name: "stat_hits_total", Help: "Stat lookups served from the metadata cache."},
		func() float64 {
			if src.Cache == nil {
				return 0
			}
			return float64(src.Cache.Stats().StatHits)
		},
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "metadata_cache", Name: "stat_misses_total", Help: "Stat lookups that missed the metadata cache and fetched from the remote."},
		func() float64 {
			if src.Cache == nil {
				return 0
			}
			return float64(src.Cache.Stats().StatMisses)
		},
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "metadata_cache", Name: "dir_hits_total", Help: "Directory listing lookups served from the metadata cache."},
		func() float64 {
			if src.Cache == nil {
				return 0
			}
			return float64(src.Cache.Stats().DirHits)
		},
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "metadata_cache", Name: "dir_misses_total", Help: "Directory listing lookups that missed the metadata cache and fetched from the remote."},
		func() float64 {
			if src.Cache == nil {
				return 0
			}
			return float64(src.Cache.Stats().DirMisses)
		},
	))

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "preload", Name: "open_slabs", Help: "Open file handles with an active read-ahead slab."},
		func() float64 {
			if src.Preload == nil {
				return 0
			}
			return float64(src.Preload.Count())
		},
	))

	return c
}

// Registry returns the underlying Prometheus registry, for mounting a
// promhttp handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
