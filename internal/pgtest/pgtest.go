// Package pgtest starts disposable Postgres instances for tests.
package pgtest

import (
	"context"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mgrif/pageforge/internal/pgutil"
)

// Setup starts a Postgres container with the schema applied and returns its
// connection string together with a teardown function.
func Setup(ctx context.Context) (string, func() error, error) {
	c, err := tcpostgres.Run(ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("pageforge"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", nil, err
	}
	teardown := func() error {
		return testcontainers.TerminateContainer(c)
	}

	connectionString, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = teardown()
		return "", nil, err
	}

	if err = pgutil.Setup(connectionString); err != nil {
		_ = teardown()
		return "", nil, err
	}

	return connectionString, teardown, nil
}
