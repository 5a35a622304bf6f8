package configuration

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	commonconfig "github.com/deployq/deployq/internal/common/config"
)

type RecordStoreType string

const (
	PostgresRecordStore RecordStoreType = "postgres"
	MemoryRecordStore   RecordStoreType = "memory"
)

type DeployqConfig struct {
	MetricsPort uint16
	HttpPort    uint16

	Redis    commonconfig.RedisConfig
	Postgres commonconfig.PostgresConfig
	// Durable store backing cluster and deployment records.
	RecordStore RecordStoreType `validate:"oneof=postgres memory"`

	Scheduling SchedulingConfig
	Metrics    MetricsConfig
	Events     EventsConfig
	// Clusters registered at startup.
	Clusters []ClusterConfig `validate:"dive"`
}

type AdmissionPolicy string

const (
	// SkipOver admits the highest-scored queued deployment that fits, passing over larger ones.
	SkipOver AdmissionPolicy = "SkipOver"
	// StrictPriority admits nothing on a cluster while its highest-scored deployment doesn't fit.
	StrictPriority AdmissionPolicy = "StrictPriority"
)

type SchedulingConfig struct {
	AdmissionPolicy AdmissionPolicy `validate:"oneof=SkipOver StrictPriority"`
	// Running deployments older than this are failed by the timeout sweep.
	DeploymentTimeout time.Duration `validate:"gt=0"`
	// Queued deployments older than this are promoted by one priority level.
	RebalanceAge time.Duration `validate:"gt=0"`
	// Background task intervals used by the run command.
	SweepInterval     time.Duration `validate:"gt=0"`
	RebalanceInterval time.Duration `validate:"gt=0"`
	DrainInterval     time.Duration `validate:"gt=0"`
	// Upper bound on each record store call made by the engine.
	StoreTimeout time.Duration `validate:"gt=0"`
	// Number of queue entries fetched per round trip while scanning.
	ScanBatchSize int `validate:"gt=0"`
	// Attempts made by background tasks for retryable errors.
	RetryAttempts uint `validate:"gt=0"`
	RetryDelay    time.Duration
}

type MetricsConfig struct {
	// Queue metrics are computed at most once per interval regardless of scrape frequency.
	RefreshInterval time.Duration `validate:"gt=0"`
}

type EventsConfig struct {
	Nats NatsConfig
}

// NatsConfig enables lifecycle event publishing when Servers is non-empty.
type NatsConfig struct {
	Servers []string
	Subject string
	Timeout time.Duration
}

type ClusterConfig struct {
	Id   string `validate:"required"`
	Name string
	Ram  resource.Quantity
	Cpu  resource.Quantity
	Gpu  resource.Quantity
}
