package config

import "time"

type PostgresConfig struct {
	// libpq key/value connection parameters, e.g., host, port, user, password, dbname, sslmode.
	Connection map[string]string `validate:"required"`
	// Upper bound on every statement issued against the durable store.
	QueryTimeout time.Duration `validate:"gt=0"`
	// Number of clusters kept in the local cluster cache.
	ClusterCacheSize int `validate:"gt=0"`
}
