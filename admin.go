package objcache

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skipor/objcache/cache"
	"github.com/skipor/objcache/log"
)

// CacheStatus is cache options and stats as shown by admin API.
type CacheStatus struct {
	Maximum          int64   `json:"maximum"`
	Threads          int     `json:"threads"`
	Workers          int     `json:"workers"`
	WriteImmediately bool    `json:"write_immediately"`
	LogLevel         int     `json:"loglevel"`
	WriteRate        float64 `json:"write_rate"`
	Resident         int64   `json:"resident"`
	Size             int64   `json:"size"`
	Dirty            int     `json:"dirty"`
	Reads            int64   `json:"reads"`
	Writes           int64   `json:"writes"`
	Keys             int     `json:"keys"`
}

// CacheOptions is PATCH /cache body. Absent fields are not changed.
type CacheOptions struct {
	Maximum          *int64   `json:"maximum,omitempty"`
	Threads          *int     `json:"threads,omitempty"`
	WriteImmediately *bool    `json:"write_immediately,omitempty"`
	LogLevel         *int     `json:"loglevel,omitempty"`
	WriteRate        *float64 `json:"write_rate,omitempty"`
}

type admin struct {
	log   log.Logger
	coll  *Collection
	cache *cache.Cache
}

// NewAdminHandler returns HTTP API for cache control operations and metrics.
// Flush, and maximum or threads decrease, block request until done.
func NewAdminHandler(l log.Logger, coll *Collection, g prometheus.Gatherer) http.Handler {
	a := &admin{log: l, coll: coll, cache: coll.Cache()}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/cache", func(r chi.Router) {
		r.Get("/", a.status)
		r.Patch("/", a.configure)
		r.Post("/flush", a.flush)
		r.Post("/clear", a.clear)
		r.Post("/clear-dirty", a.clearDirty)
		r.Get("/integrity", a.integrity)
	})
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return r
}

func (a *admin) status(w http.ResponseWriter, r *http.Request) {
	s := a.cache.Stats()
	a.reply(w, http.StatusOK, CacheStatus{
		Maximum:          s.Maximum,
		Threads:          s.Threads,
		Workers:          s.Workers,
		WriteImmediately: s.Immediate,
		LogLevel:         a.cache.LogLevel(),
		WriteRate:        a.cache.WriteRate(),
		Resident:         s.Resident,
		Size:             s.Size,
		Dirty:            s.Dirty,
		Reads:            s.Reads,
		Writes:           s.Writes,
		Keys:             a.coll.Len(),
	})
}

func (a *admin) configure(w http.ResponseWriter, r *http.Request) {
	var opts CacheOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		a.fail(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if opts.Maximum != nil && *opts.Maximum <= 0 {
		a.fail(w, http.StatusBadRequest, "maximum should be positive")
		return
	}
	if opts.Threads != nil && *opts.Threads < 0 {
		a.fail(w, http.StatusBadRequest, "threads should not be negative")
		return
	}
	if opts.WriteImmediately != nil {
		a.cache.SetWriteImmediately(*opts.WriteImmediately)
	}
	if opts.LogLevel != nil {
		a.cache.SetLogLevel(*opts.LogLevel)
	}
	if opts.WriteRate != nil {
		a.cache.SetWriteRate(*opts.WriteRate)
	}
	if opts.Threads != nil {
		a.cache.SetThreads(*opts.Threads)
	}
	if opts.Maximum != nil {
		a.cache.SetMaximum(*opts.Maximum)
	}
	a.log.Infof("Cache options changed: %s", a.describe(opts))
	a.status(w, r)
}

func (a *admin) flush(w http.ResponseWriter, r *http.Request) {
	a.cache.Flush()
	a.status(w, r)
}

func (a *admin) clear(w http.ResponseWriter, r *http.Request) {
	a.cache.Clear()
	a.status(w, r)
}

func (a *admin) clearDirty(w http.ResponseWriter, r *http.Request) {
	a.cache.ClearDirty()
	a.status(w, r)
}

func (a *admin) integrity(w http.ResponseWriter, r *http.Request) {
	if err := a.cache.CheckIntegrity(); err != nil {
		a.log.Errorf("Cache integrity check failed: %v", err)
		a.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.reply(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *admin) describe(opts CacheOptions) string {
	data, _ := json.Marshal(opts)
	return string(data)
}

func (a *admin) fail(w http.ResponseWriter, code int, msg string) {
	a.reply(w, code, map[string]string{"error": msg})
}

func (a *admin) reply(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warnf("Admin response write failed: %v", err)
	}
}
