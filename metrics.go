package objcache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skipor/objcache/cache"
)

const metricsNamespace = "objcache"

type cacheCollector struct {
	cache *cache.Cache

	resident *prometheus.Desc
	size     *prometheus.Desc
	maximum  *prometheus.Desc
	threads  *prometheus.Desc
	workers  *prometheus.Desc
	dirty    *prometheus.Desc
	reads    *prometheus.Desc
	writes   *prometheus.Desc
}

// NewCacheCollector returns collector that exports cache stats on every scrape.
func NewCacheCollector(c *cache.Cache) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "cache", name), help, nil, nil)
	}
	return &cacheCollector{
		cache:    c,
		resident: desc("resident_values", "Number of values in memory."),
		size:     desc("resident_bytes", "Approximate memory size of resident values."),
		maximum:  desc("maximum_values", "Resident values limit."),
		threads:  desc("threads", "Target number of worker goroutines."),
		workers:  desc("workers", "Number of running worker goroutines."),
		dirty:    desc("dirty_values", "Number of values waiting to be written."),
		reads:    desc("reads_total", "Values loaded from store."),
		writes:   desc("writes_total", "Values written to store."),
	}
}

func (cc *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cc.resident
	ch <- cc.size
	ch <- cc.maximum
	ch <- cc.threads
	ch <- cc.workers
	ch <- cc.dirty
	ch <- cc.reads
	ch <- cc.writes
}

func (cc *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := cc.cache.Stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(cc.resident, float64(s.Resident))
	gauge(cc.size, float64(s.Size))
	gauge(cc.maximum, float64(s.Maximum))
	gauge(cc.threads, float64(s.Threads))
	gauge(cc.workers, float64(s.Workers))
	gauge(cc.dirty, float64(s.Dirty))
	counter(cc.reads, float64(s.Reads))
	counter(cc.writes, float64(s.Writes))
}

// Metrics holds protocol command counters.
type Metrics struct {
	Commands *prometheus.CounterVec
	Errors   *prometheus.CounterVec
}

func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Protocol commands served.",
		}, []string{"command"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "command_errors_total",
			Help:      "Protocol commands failed with server error.",
		}, []string{"command"}),
	}
	r.MustRegister(m.Commands, m.Errors)
	return m
}

// InstrumentedHandler counts commands passed to wrapped handler.
type InstrumentedHandler struct {
	Handler
	Metrics *Metrics
}

func (h InstrumentedHandler) Get(keys ...string) ([]Item, error) {
	items, err := h.Handler.Get(keys...)
	h.observe(GetCommand, err)
	return items, err
}

func (h InstrumentedHandler) Set(i Item) error {
	err := h.Handler.Set(i)
	h.observe(SetCommand, err)
	return err
}

func (h InstrumentedHandler) Delete(key string) (bool, error) {
	deleted, err := h.Handler.Delete(key)
	h.observe(DeleteCommand, err)
	return deleted, err
}

func (h InstrumentedHandler) observe(command string, err error) {
	h.Metrics.Commands.WithLabelValues(command).Inc()
	if err != nil {
		h.Metrics.Errors.WithLabelValues(command).Inc()
	}
}
