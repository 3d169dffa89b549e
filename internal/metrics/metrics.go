// Package metrics — Prometheus-метрики конвейера.
// Русский комментарий: Коллекторы создаются на экземпляр Registry, без глобальной
// регистрации, поэтому тесты могут собирать независимые экземпляры. Registry
// реализует приёмники метрик диспетчера, очереди повторов и batch writer'а.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/batch"
	"github.com/flybasist/linkwatch/internal/core"
	"github.com/flybasist/linkwatch/internal/retry"
)

const namespace = "linkwatch"

// Registry держит все коллекторы сервиса.
type Registry struct {
	reg *prometheus.Registry

	cycles         prometheus.Counter
	slowCycles     prometheus.Counter
	cycleLatency   prometheus.Histogram
	procOutcomes   *prometheus.CounterVec
	procLatency    *prometheus.HistogramVec
	retryOutcomes  *prometheus.CounterVec
	retryDepth     prometheus.Gauge
	batchFlushes   *prometheus.CounterVec
	batchRecords   *prometheus.CounterVec
	batchPending   *prometheus.GaugeVec
	resourceEvents *prometheus.CounterVec

	server *http.Server
}

var (
	_ core.Metrics  = (*Registry)(nil)
	_ retry.Metrics = (*Registry)(nil)
	_ batch.Metrics = (*Registry)(nil)
)

// New создаёт реестр и регистрирует коллекторы (включая go/process).
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycles_total",
			Help:      "Total number of dispatch cycles.",
		}),
		slowCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_slow_cycles_total",
			Help:      "Dispatch cycles that exceeded the slow threshold.",
		}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_cycle_duration_seconds",
			Help:      "End-to-end dispatch cycle duration.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		procOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_outcomes_total",
			Help:      "Processor outcomes by processor and outcome.",
		}, []string{"processor", "outcome"}),
		procLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_duration_seconds",
			Help:      "Processor Process() duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"processor"}),
		retryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_task_outcomes_total",
			Help:      "Retry task attempt outcomes by task type.",
		}, []string{"task_type", "outcome"}),
		retryDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_pending",
			Help:      "Pending tasks in the retry queue.",
		}),
		batchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Batch flushes by entity and result.",
		}, []string{"entity", "result"}),
		batchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_records_written_total",
			Help:      "Records written by the batch writer.",
		}, []string{"entity"}),
		batchPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_pending_records",
			Help:      "Records waiting in batch buffers.",
		}, []string{"entity"}),
		resourceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_events_total",
			Help:      "Resource capture and save events by link type and event.",
		}, []string{"link_type", "event"}),
	}

	r.reg.MustRegister(
		r.cycles, r.slowCycles, r.cycleLatency,
		r.procOutcomes, r.procLatency,
		r.retryOutcomes, r.retryDepth,
		r.batchFlushes, r.batchRecords, r.batchPending,
		r.resourceEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer — для тестов и собственного HTTP-обработчика.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// CycleObserved реализует core.Metrics.
func (r *Registry) CycleObserved(d time.Duration, slow bool) {
	r.cycles.Inc()
	if slow {
		r.slowCycles.Inc()
	}
	r.cycleLatency.Observe(d.Seconds())
}

// ProcessorObserved реализует core.Metrics.
func (r *Registry) ProcessorObserved(processor, outcome string, d time.Duration) {
	r.procOutcomes.WithLabelValues(processor, outcome).Inc()
	if outcome != core.OutcomeShouldError {
		r.procLatency.WithLabelValues(processor).Observe(d.Seconds())
	}
}

// TaskOutcome реализует retry.Metrics.
func (r *Registry) TaskOutcome(taskType, outcome string) {
	r.retryOutcomes.WithLabelValues(taskType, outcome).Inc()
}

// QueueDepth реализует retry.Metrics.
func (r *Registry) QueueDepth(pending int) {
	r.retryDepth.Set(float64(pending))
}

// BatchFlushed реализует batch.Metrics.
func (r *Registry) BatchFlushed(entity string, records int, err error) {
	if err != nil {
		r.batchFlushes.WithLabelValues(entity, "error").Inc()
		return
	}
	r.batchFlushes.WithLabelValues(entity, "ok").Inc()
	r.batchRecords.WithLabelValues(entity).Add(float64(records))
}

// BatchPending реализует batch.Metrics.
func (r *Registry) BatchPending(entity string, pending int) {
	r.batchPending.WithLabelValues(entity).Set(float64(pending))
}

// ResourceEvent считает события захвата ссылок (captured, duplicate, saved, save_failed).
func (r *Registry) ResourceEvent(linkType, event string) {
	r.resourceEvents.WithLabelValues(linkType, event).Inc()
}

// Handler возвращает HTTP-обработчик /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve поднимает HTTP-сервер метрик в фоне. Пустой addr отключает сервер.
func (r *Registry) Serve(addr string, logger *zap.Logger) {
	if addr == "" {
		logger.Info("metrics server disabled")
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Shutdown останавливает HTTP-сервер метрик.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	if err := r.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	return nil
}
