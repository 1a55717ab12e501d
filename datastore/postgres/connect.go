// Package postgres implements [datastore.Store] on PostgreSQL.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quay/zlog"
	"github.com/remind101/migrate"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore/postgres/migrations"
	"github.com/sentinelsec/sentinel/internal/poolstats"
)

// Connect initializes a [pgxpool.Pool] based on the connection string.
func Connect(ctx context.Context, connString string, applicationName string) (*pgxpool.Pool, error) {
	const op = `datastore/postgres/Connect`
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, &sentinel.Error{
			Op:      op,
			Kind:    sentinel.ErrConfig,
			Message: "failed to parse connection string",
			Inner:   err,
		}
	}
	const appnameKey = `application_name`
	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params[appnameKey]; !ok {
		params[appnameKey] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &sentinel.Error{
			Op:      op,
			Kind:    sentinel.ErrPrecondition,
			Message: "failed to create connection pool",
			Inner:   err,
		}
	}

	if err := prometheus.Register(poolstats.NewCollector(pool, applicationName)); err != nil {
		zlog.Info(ctx).Msg("pool metrics already registered")
	}

	return pool, nil
}

// InitDB applies the schema migrations.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	const op = `datastore/postgres/InitDB`
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	migrator := migrate.NewPostgresMigrator(db)
	migrator.Table = migrations.MigrationTable
	if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
		return &sentinel.Error{
			Op:      op,
			Kind:    sentinel.ErrSchemaMismatch,
			Message: "failed to apply migrations",
			Inner:   err,
		}
	}
	return nil
}
