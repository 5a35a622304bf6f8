package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/deployq/deployq/internal/common/util"
)

// TestConnectionString points at the postgres instance used by tests.
const TestConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// WithTestDb creates a dedicated database for a test, applies migrations to it and drops it once
// action returns.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, TestConnectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, TestConnectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}

// PostgresAvailable reports whether the test postgres instance can be reached.
func PostgresAvailable() bool {
	ctx := context.Background()
	db, err := pgx.Connect(ctx, TestConnectionString)
	if err != nil {
		return false
	}
	defer db.Close(ctx)
	return db.Ping(ctx) == nil
}
