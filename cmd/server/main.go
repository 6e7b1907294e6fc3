package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mgrif/pageforge/internal/pgutil"
	"github.com/mgrif/pageforge/internal/server"
	"github.com/mgrif/pageforge/internal/taskamqp"
	"github.com/mgrif/pageforge/internal/taskpg"
)

func main() {
	run := func() int {
		ctx := context.Background()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		pool, err := pgutil.NewPool(ctx, cfg.postgresURL())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer pool.Close()

		broker, err := taskamqp.Dial(cfg.amqpURL())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer func() {
			_ = broker.Close()
		}()

		db := taskpg.NewDatabase(pool)
		srv := server.New(&cfg.Server, db, broker, slog.Default())

		slog.Info("starting server", "addr", srv.Addr)
		err = srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		return 0
	}
	os.Exit(run())
}
