package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "streakd"

// Metrics holds all Prometheus metrics for streakd
type Metrics struct {
	// Document store metrics
	DocumentLoadsTotal      *prometheus.CounterVec
	DocumentLoadDuration    prometheus.Histogram
	DocumentSavesTotal      *prometheus.CounterVec
	DocumentSaveDuration    prometheus.Histogram
	DocumentSaveBytes       prometheus.Histogram
	DocumentEntriesDropped  prometheus.Counter
	DocumentSaveQueueLength prometheus.Gauge

	// Progression metrics
	MessagesTotal      *prometheus.CounterVec
	StreakCreditsTotal prometheus.Counter
	StreakLossesTotal  prometheus.Counter
	LevelUpsTotal      prometheus.Counter
	SpamSlots          prometheus.Gauge

	// Scheduler metrics
	JobRunsTotal       *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	JobTenantFailures  *prometheus.CounterVec
	JobTenantsAffected *prometheus.GaugeVec

	// Collaborator metrics
	CommandsTotal      *prometheus.CounterVec
	CommandDuration    prometheus.Histogram
	CommandQueueLength prometheus.Gauge

	// Config flow metrics
	ConfigFlowsTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryAllocBytes   prometheus.Gauge
	Goroutines         prometheus.Gauge
	GuildsTotal        prometheus.Gauge
}

// NewMetrics creates metrics registered on the default registry
func NewMetrics(instance string) *Metrics {
	return NewMetricsWithRegistry(instance, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered on reg
func NewMetricsWithRegistry(instance string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"instance_id": instance}
	factory := promauto.With(reg)

	return &Metrics{
		DocumentLoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "document_loads_total",
			Help:        "Total number of document loads by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		DocumentLoadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "document_load_duration_seconds",
			Help:        "Histogram of document load durations, including time spent waiting on saves",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		DocumentSavesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "document_saves_total",
			Help:        "Total number of document saves by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		DocumentSaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "document_save_duration_seconds",
			Help:        "Histogram of document save durations, including queue wait",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		DocumentSaveBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "document_save_bytes",
			Help:        "Histogram of serialized document sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 4, 10), // 256B to 64MB
		}),
		DocumentEntriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "document_entries_dropped_total",
			Help:        "Total number of entries dropped by sanitization or repair",
			ConstLabels: labels,
		}),
		DocumentSaveQueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "save_queue_length",
			Help:        "Number of saves waiting or in flight across all paths",
			ConstLabels: labels,
		}),

		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "progression",
			Name:        "messages_total",
			Help:        "Total number of observed messages by result",
			ConstLabels: labels,
		}, []string{"result"}),
		StreakCreditsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "progression",
			Name:        "streak_credits_total",
			Help:        "Total number of daily streak credits granted",
			ConstLabels: labels,
		}),
		StreakLossesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "progression",
			Name:        "streak_losses_total",
			Help:        "Total number of streaks lost at daily reset",
			ConstLabels: labels,
		}),
		LevelUpsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "progression",
			Name:        "level_ups_total",
			Help:        "Total number of levels gained",
			ConstLabels: labels,
		}),
		SpamSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "progression",
			Name:        "spam_slots",
			Help:        "Number of users tracked by the spam filter",
			ConstLabels: labels,
		}),

		JobRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "job_runs_total",
			Help:        "Total number of scheduled job runs",
			ConstLabels: labels,
		}, []string{"job", "status"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "job_duration_seconds",
			Help:        "Histogram of scheduled job durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"job"}),
		JobTenantFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "tenant_failures_total",
			Help:        "Total number of tenants that failed during a job",
			ConstLabels: labels,
		}, []string{"job"}),
		JobTenantsAffected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "last_run_tenants",
			Help:        "Number of tenants processed by the last run of a job",
			ConstLabels: labels,
		}, []string{"job"}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "collaborator",
			Name:        "commands_total",
			Help:        "Total number of collaborator commands by kind and status",
			ConstLabels: labels,
		}, []string{"kind", "status"}),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "collaborator",
			Name:        "command_duration_seconds",
			Help:        "Histogram of collaborator command durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		CommandQueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "collaborator",
			Name:        "queue_length",
			Help:        "Number of collaborator commands waiting to run",
			ConstLabels: labels,
		}),

		ConfigFlowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "configflow",
			Name:        "flows_total",
			Help:        "Total number of interactive config flows by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "Histogram of HTTP request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),

		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage of the data directory",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available bytes on the data directory filesystem",
			ConstLabels: labels,
		}),
		MemoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_alloc_bytes",
			Help:        "Bytes of allocated heap objects",
			ConstLabels: labels,
		}),
		Goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
		GuildsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "guilds_total",
			Help:        "Number of guilds with a data directory",
			ConstLabels: labels,
		}),
	}
}

// RecordDocumentLoad records a document load
func (m *Metrics) RecordDocumentLoad(outcome string, duration float64) {
	m.DocumentLoadsTotal.WithLabelValues(outcome).Inc()
	m.DocumentLoadDuration.Observe(duration)
}

// RecordDocumentSave records a document save
func (m *Metrics) RecordDocumentSave(outcome string, duration float64, bytes int) {
	m.DocumentSavesTotal.WithLabelValues(outcome).Inc()
	m.DocumentSaveDuration.Observe(duration)
	if bytes > 0 {
		m.DocumentSaveBytes.Observe(float64(bytes))
	}
}

// RecordDroppedEntries records entries lost to sanitization or repair
func (m *Metrics) RecordDroppedEntries(n int) {
	m.DocumentEntriesDropped.Add(float64(n))
}

// AddSaveQueueLength adjusts the pending save gauge
func (m *Metrics) AddSaveQueueLength(delta int) {
	m.DocumentSaveQueueLength.Add(float64(delta))
}

// RecordMessage records an observed message; result is accepted or spam
func (m *Metrics) RecordMessage(result string) {
	m.MessagesTotal.WithLabelValues(result).Inc()
}

// RecordStreakCredit records a daily streak credit
func (m *Metrics) RecordStreakCredit() {
	m.StreakCreditsTotal.Inc()
}

// RecordStreakLoss records a lost streak
func (m *Metrics) RecordStreakLoss() {
	m.StreakLossesTotal.Inc()
}

// RecordLevelUps records levels gained by one user
func (m *Metrics) RecordLevelUps(levels int) {
	m.LevelUpsTotal.Add(float64(levels))
}

// UpdateSpamSlots updates the spam filter slot gauge
func (m *Metrics) UpdateSpamSlots(n int) {
	m.SpamSlots.Set(float64(n))
}

// RecordJobRun records a scheduled job run
func (m *Metrics) RecordJobRun(job, status string, duration float64, tenants, failures int) {
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration)
	m.JobTenantsAffected.WithLabelValues(job).Set(float64(tenants))
	if failures > 0 {
		m.JobTenantFailures.WithLabelValues(job).Add(float64(failures))
	}
}

// RecordCommand records a collaborator command
func (m *Metrics) RecordCommand(kind, status string, duration float64) {
	m.CommandsTotal.WithLabelValues(kind, status).Inc()
	m.CommandDuration.Observe(duration)
}

// UpdateCommandQueueLength updates the collaborator queue gauge
func (m *Metrics) UpdateCommandQueueLength(n int) {
	m.CommandQueueLength.Set(float64(n))
}

// RecordConfigFlow records a finished config flow
func (m *Metrics) RecordConfigFlow(outcome string) {
	m.ConfigFlowsTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsagePercent float64, diskAvailable, memAlloc uint64, goroutines, guilds int) {
	m.DiskUsagePercent.Set(diskUsagePercent)
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryAllocBytes.Set(float64(memAlloc))
	m.Goroutines.Set(float64(goroutines))
	m.GuildsTotal.Set(float64(guilds))
}
