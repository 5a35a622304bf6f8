package deployq

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/common/database"
	"github.com/deployq/deployq/internal/common/health"
	"github.com/deployq/deployq/internal/common/util"
	"github.com/deployq/deployq/internal/deployq/configuration"
	"github.com/deployq/deployq/internal/deployq/events"
	"github.com/deployq/deployq/internal/deployq/repository"
	"github.com/deployq/deployq/internal/deployq/scheduling"
)

// Components are the stores and engine shared by the server and the command line tools.
type Components struct {
	Ledger    repository.ResourceLedger
	Index     repository.PriorityIndex
	Store     repository.RecordStore
	Publisher events.Publisher
	Engine    *scheduling.Engine
	// Health checks of every backing service.
	HealthChecks []health.Checker

	closers []func()
}

// NewComponents connects to the configured stores and builds an engine on top of them.
// Close must be called once the components are no longer needed.
func NewComponents(ctx context.Context, config configuration.DeployqConfig) (*Components, error) {
	c := &Components{}

	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	c.closers = append(c.closers, func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warn("Redis client didn't close down cleanly")
		}
	})
	c.Ledger = repository.NewRedisResourceLedger(redisClient)
	c.Index = repository.NewRedisPriorityIndex(redisClient, config.Scheduling.ScanBatchSize)
	c.HealthChecks = append(c.HealthChecks, repository.NewRedisHealth(redisClient))

	store, err := c.newRecordStore(ctx, config)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Store = store

	publisher, err := c.newPublisher(config.Events.Nats)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Publisher = publisher

	c.Engine = scheduling.NewEngine(c.Ledger, c.Index, c.Store, c.Publisher, &util.DefaultClock{}, config.Scheduling)
	return c, nil
}

func (c *Components) newRecordStore(ctx context.Context, config configuration.DeployqConfig) (repository.RecordStore, error) {
	switch config.RecordStore {
	case configuration.MemoryRecordStore:
		log.Warn("Using the in-memory record store; deployment records are lost on restart")
		return repository.NewMemoryRecordStore()
	case configuration.PostgresRecordStore, "":
		db, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, errors.WithMessage(err, "error opening connection to postgres")
		}
		c.closers = append(c.closers, db.Close)
		c.HealthChecks = append(c.HealthChecks, repository.NewPostgresHealth(db, config.Postgres.QueryTimeout))
		return repository.NewPostgresRecordStore(db, config.Postgres.QueryTimeout, config.Postgres.ClusterCacheSize)
	default:
		return nil, errors.Errorf("unknown record store %q", config.RecordStore)
	}
}

func (c *Components) newPublisher(config configuration.NatsConfig) (events.Publisher, error) {
	if len(config.Servers) == 0 {
		log.Info("No NATS servers configured; lifecycle events will not be published")
		return events.NoopPublisher{}, nil
	}
	publisher, err := events.NewNatsPublisher(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "error connecting to nats at %v", config.Servers)
	}
	c.closers = append(c.closers, publisher.Close)
	c.HealthChecks = append(c.HealthChecks, publisher)
	return publisher, nil
}

// Close releases connections in the reverse order they were opened.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// MigrateDatabase applies the record store migrations to the configured postgres database.
func MigrateDatabase(ctx context.Context, config configuration.DeployqConfig) error {
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()
	return repository.Migrate(ctx, db)
}
