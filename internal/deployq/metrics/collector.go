package metrics

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/deployq/domain"
	"github.com/deployq/deployq/internal/deployq/repository"
)

type QueueMetricsSource interface {
	QueueMetrics(ctx context.Context) (*domain.QueueMetrics, error)
}

func ExposeDataMetrics(source QueueMetricsSource, ledger repository.ResourceLedger, refreshInterval time.Duration) *QueueInfoCollector {
	collector := NewQueueInfoCollector(source, ledger, refreshInterval)
	prometheus.MustRegister(collector)
	return collector
}

// QueueInfoCollector reports queue and cluster capacity gauges.
// Results are reused for refreshInterval so that frequent scrapes don't rescan the queue.
type QueueInfoCollector struct {
	source QueueMetricsSource
	ledger repository.ResourceLedger
	cache  *cache.Cache
}

func NewQueueInfoCollector(source QueueMetricsSource, ledger repository.ResourceLedger, refreshInterval time.Duration) *QueueInfoCollector {
	return &QueueInfoCollector{
		source: source,
		ledger: ledger,
		cache:  cache.New(refreshInterval, 2*refreshInterval),
	}
}

var queueSizeDesc = prometheus.NewDesc(
	MetricPrefix+"queue_size",
	"Number of queued deployments",
	nil,
	nil,
)

var queueBandSizeDesc = prometheus.NewDesc(
	MetricPrefix+"queue_band_size",
	"Number of queued deployments per priority band",
	[]string{"band"},
	nil,
)

var queueHighestPriorityDesc = prometheus.NewDesc(
	MetricPrefix+"queue_highest_priority",
	"Highest effective priority in the queue",
	nil,
	nil,
)

var queueOldestAgeDesc = prometheus.NewDesc(
	MetricPrefix+"queue_oldest_age_seconds",
	"Age of the oldest queued deployment",
	nil,
	nil,
)

var clusterCapacityDesc = prometheus.NewDesc(
	MetricPrefix+"cluster_capacity",
	"Total cluster capacity",
	[]string{"cluster", "resourceType"},
	nil,
)

var clusterAvailableDesc = prometheus.NewDesc(
	MetricPrefix+"cluster_available",
	"Cluster capacity not reserved by running deployments",
	[]string{"cluster", "resourceType"},
	nil,
)

const (
	queueMetricsKey    = "queue"
	clusterCapacityKey = "clusters"
)

func (c *QueueInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- queueSizeDesc
	desc <- queueBandSizeDesc
	desc <- queueHighestPriorityDesc
	desc <- queueOldestAgeDesc
	desc <- clusterCapacityDesc
	desc <- clusterAvailableDesc
}

func (c *QueueInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	queueMetrics, e := c.queueMetrics()
	if e != nil {
		log.Errorf("Error while getting queue metrics %s", e)
		recordInvalidMetrics(metrics, e)
		return
	}
	capacities, e := c.clusterCapacities()
	if e != nil {
		log.Errorf("Error while getting cluster capacity metrics %s", e)
		recordInvalidMetrics(metrics, e)
		return
	}

	metrics <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(queueMetrics.TotalPending))
	for band, size := range queueMetrics.Bands {
		metrics <- prometheus.MustNewConstMetric(queueBandSizeDesc, prometheus.GaugeValue, float64(size), string(band))
	}
	metrics <- prometheus.MustNewConstMetric(queueHighestPriorityDesc, prometheus.GaugeValue, float64(queueMetrics.HighestPriority))
	oldestAge := 0.0
	if queueMetrics.OldestDeployment != nil {
		oldestAge = time.Since(queueMetrics.OldestDeployment.Created).Seconds()
	}
	metrics <- prometheus.MustNewConstMetric(queueOldestAgeDesc, prometheus.GaugeValue, oldestAge)

	for cluster, capacity := range capacities {
		total := capacity.Total.AsFloat()
		available := capacity.Available.AsFloat()
		for _, kind := range domain.ResourceKinds {
			metrics <- prometheus.MustNewConstMetric(clusterCapacityDesc, prometheus.GaugeValue, total[kind], cluster, string(kind))
			metrics <- prometheus.MustNewConstMetric(clusterAvailableDesc, prometheus.GaugeValue, available[kind], cluster, string(kind))
		}
	}
}

func (c *QueueInfoCollector) queueMetrics() (*domain.QueueMetrics, error) {
	if cached, ok := c.cache.Get(queueMetricsKey); ok {
		return cached.(*domain.QueueMetrics), nil
	}
	queueMetrics, err := c.source.QueueMetrics(context.Background())
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(queueMetricsKey, queueMetrics)
	return queueMetrics, nil
}

func (c *QueueInfoCollector) clusterCapacities() (map[string]*domain.ClusterCapacity, error) {
	if cached, ok := c.cache.Get(clusterCapacityKey); ok {
		return cached.(map[string]*domain.ClusterCapacity), nil
	}
	ids, err := c.ledger.ClusterIds()
	if err != nil {
		return nil, err
	}
	capacities := make(map[string]*domain.ClusterCapacity, len(ids))
	for _, id := range ids {
		capacity, err := c.ledger.Snapshot(id)
		if err != nil {
			return nil, err
		}
		if capacity != nil {
			capacities[id] = capacity
		}
	}
	c.cache.SetDefault(clusterCapacityKey, capacities)
	return capacities, nil
}

func recordInvalidMetrics(metrics chan<- prometheus.Metric, e error) {
	metrics <- prometheus.NewInvalidMetric(queueSizeDesc, e)
	metrics <- prometheus.NewInvalidMetric(queueBandSizeDesc, e)
	metrics <- prometheus.NewInvalidMetric(clusterCapacityDesc, e)
}
