// Package testhelpers starts the containers the integration tests run against.
package testhelpers

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/ledger/internal/persistence/postgres"
)

// StartPostgres launches Postgres, applies the ledger migrations and returns a pool.
// The returned cleanup closes the pool and terminates the container.
func StartPostgres(ctx context.Context) (*pgxpool.Pool, func(), error) {
	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("ledger"),
		postgrescontainer.WithUsername("ledger"),
		postgrescontainer.WithPassword("ledger"),
	)
	if err != nil {
		return nil, nil, err
	}
	terminate := func() { _ = pg.Terminate(context.Background()) }

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return nil, nil, err
	}
	if err := waitForDatabase(ctx, connStr); err != nil {
		terminate()
		return nil, nil, err
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		terminate()
		return nil, nil, err
	}
	if _, err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		terminate()
		return nil, nil, err
	}

	return pool, func() {
		pool.Close()
		terminate()
	}, nil
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
