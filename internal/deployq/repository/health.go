package repository

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/deployq/deployq/internal/common/health"
)

func NewRedisHealth(db redis.UniversalClient) health.Checker {
	return health.CheckerFunc(func() error {
		if err := db.Ping().Err(); err != nil {
			return errors.Wrap(err, "redis ping failed")
		}
		return nil
	})
}

func NewPostgresHealth(db *pgxpool.Pool, timeout time.Duration) health.Checker {
	return health.CheckerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			return errors.Wrap(err, "postgres ping failed")
		}
		return nil
	})
}
