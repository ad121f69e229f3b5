package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline holds the Prometheus instruments of the ingestion pipeline.
// A nil *Pipeline records nothing.
type Pipeline struct {
	registry *prometheus.Registry

	collectorRuns     *prometheus.CounterVec
	collectorDuration *prometheus.HistogramVec
	messagesCollected *prometheus.CounterVec
	messagesSaved     *prometheus.CounterVec
	messagesDuplicate *prometheus.CounterVec
	targetErrors      *prometheus.CounterVec
	extractedMessages prometheus.Counter
	extractedMentions prometheus.Counter
	taskChains        *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
}

// New registers the pipeline instruments on a fresh registry that also
// carries the Go and process collectors.
func New(namespace string) *Pipeline {
	p := &Pipeline{registry: prometheus.NewRegistry()}

	p.collectorRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collector_runs_total",
		Help:      "Collector runs by platform and final status",
	}, []string{"platform", "status"})

	p.collectorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "collector_run_duration_seconds",
		Help:      "Collector run duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"platform"})

	p.messagesCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_collected_total",
		Help:      "Standardized messages offered to the deduplication gate",
	}, []string{"platform"})

	p.messagesSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_saved_total",
		Help:      "Messages stored after deduplication",
	}, []string{"platform"})

	p.messagesDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_duplicate_total",
		Help:      "Messages dropped because their content hash was already stored",
	}, []string{"platform"})

	p.targetErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collector_target_errors_total",
		Help:      "Sub-target collection failures",
	}, []string{"platform", "collection_type"})

	p.extractedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extractor_messages_total",
		Help:      "Messages run through mention extraction",
	})

	p.extractedMentions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extractor_mentions_total",
		Help:      "Mentions stored by the extractor",
	})

	p.taskChains = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_chains_total",
		Help:      "Task chains by terminal state",
	}, []string{"state"})

	p.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_stage_duration_seconds",
		Help:      "Task chain stage duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.collectorRuns,
		p.collectorDuration,
		p.messagesCollected,
		p.messagesSaved,
		p.messagesDuplicate,
		p.targetErrors,
		p.extractedMessages,
		p.extractedMentions,
		p.taskChains,
		p.stageDuration,
	)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Pipeline) ObserveRun(platform, status string, d time.Duration) {
	if p == nil {
		return
	}
	p.collectorRuns.WithLabelValues(platform, status).Inc()
	p.collectorDuration.WithLabelValues(platform).Observe(d.Seconds())
}

func (p *Pipeline) ObserveSave(platform string, collected, saved, duplicates int) {
	if p == nil {
		return
	}
	p.messagesCollected.WithLabelValues(platform).Add(float64(collected))
	p.messagesSaved.WithLabelValues(platform).Add(float64(saved))
	p.messagesDuplicate.WithLabelValues(platform).Add(float64(duplicates))
}

func (p *Pipeline) ObserveTargetError(platform, collectionType string) {
	if p == nil {
		return
	}
	p.targetErrors.WithLabelValues(platform, collectionType).Inc()
}

func (p *Pipeline) ObserveExtraction(messages, mentions int) {
	if p == nil {
		return
	}
	p.extractedMessages.Add(float64(messages))
	p.extractedMentions.Add(float64(mentions))
}

func (p *Pipeline) ObserveChain(state string) {
	if p == nil {
		return
	}
	p.taskChains.WithLabelValues(state).Inc()
}

func (p *Pipeline) ObserveStage(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
