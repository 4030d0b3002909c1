// Package daemon wires the pipeline stages together and owns their shared
// lifetime: worker-pool supervision, periodic compaction, queue-depth
// telemetry, bootstrap, and graceful shutdown (spec.md §4.I, §4.J).
package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors the supervisor and reconciler
// update.
type Metrics struct {
	ScheduleDepth   prometheus.Gauge
	QueryDepth      prometheus.Gauge
	ListaddDepth    prometheus.Gauge
	ReconcileAdds   prometheus.Counter
	ReconcileRemove prometheus.Counter
	CacheRows       prometheus.Gauge
	CompactionRuns  prometheus.Counter
	WorkersAlive    *prometheus.GaugeVec
}

// IncAdd satisfies pipeline.ReconcileMetrics.
func (m *Metrics) IncAdd() {
	m.ReconcileAdds.Inc()
}

// IncRemove satisfies pipeline.ReconcileMetrics.
func (m *Metrics) IncRemove() {
	m.ReconcileRemove.Inc()
}

// NewMetrics registers and returns the daemon's metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		ScheduleDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modbot_schedule_queue_depth",
			Help: "Current depth of the Schedule queue.",
		}),
		QueryDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modbot_query_queue_depth",
			Help: "Current depth of the Query queue.",
		}),
		ListaddDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modbot_listadd_queue_depth",
			Help: "Current depth of the Listadd queue.",
		}),
		ReconcileAdds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modbot_reconcile_adds_total",
			Help: "Total list-membership additions performed by the reconciler.",
		}),
		ReconcileRemove: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modbot_reconcile_removes_total",
			Help: "Total list-membership removals performed by the reconciler.",
		}),
		CacheRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modbot_cache_rows",
			Help: "Current number of rows in the profile cache.",
		}),
		CompactionRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modbot_compaction_runs_total",
			Help: "Total number of Query-queue compaction passes run.",
		}),
		WorkersAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbot_workers_alive",
			Help: "Number of live worker goroutines per pool, as of the last supervisor scan.",
		}, []string{"pool"}),
	}
	prometheus.MustRegister(
		m.ScheduleDepth, m.QueryDepth, m.ListaddDepth,
		m.ReconcileAdds, m.ReconcileRemove, m.CacheRows, m.CompactionRuns,
		m.WorkersAlive,
	)
	return m
}

// HealthServer exposes /healthz and /metrics on an internal listener
// (spec.md §9 config note: not part of the network-facing surface, bound
// to loopback by default).
type HealthServer struct {
	addr   string
	router *chi.Mux
}

// NewHealthServer builds the router. Call Start to actually listen.
func NewHealthServer(addr string) *HealthServer {
	h := &HealthServer{addr: addr}
	h.router = h.buildRouter()
	return h
}

func (h *HealthServer) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start runs the listener until ctx is canceled, then shuts down with a
// bounded grace period, the same pattern the teacher's admin server uses.
func (h *HealthServer) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         h.addr,
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("health/metrics listener starting", "addr", h.addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("health/metrics listener exited", "error", err)
	}
}
