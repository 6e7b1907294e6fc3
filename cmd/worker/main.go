package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mgrif/pageforge/internal/artifact"
	"github.com/mgrif/pageforge/internal/generate"
	"github.com/mgrif/pageforge/internal/notify"
	"github.com/mgrif/pageforge/internal/pgutil"
	"github.com/mgrif/pageforge/internal/pipeline"
	"github.com/mgrif/pageforge/internal/publish"
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

		runner := &pipeline.Runner{
			Generator: generate.NewClient(
				cfg.llmBaseURL(),
				cfg.LLMToken,
				cfg.llmModel(),
				&http.Client{Timeout: 5 * time.Minute},
			),
			Publisher: publish.NewClient(
				cfg.githubBaseURL(),
				cfg.GitHubToken,
				cfg.GitHubOwner,
				&http.Client{Timeout: time.Minute},
			),
			Notifier: notify.NewNotifier(
				&http.Client{Timeout: 30 * time.Second},
				notify.DefaultPolicy,
				slog.With("component", "notify"),
			),
			Database:       taskpg.NewDatabase(pool),
			GeneratePolicy: cfg.generatePolicy(),
			PublishPolicy:  cfg.publishPolicy(),
			Logger:         slog.With("component", "pipeline"),
		}

		if cfg.MinioEndpoint != "" {
			store, err := artifact.NewStore(artifact.Config{
				Endpoint:  cfg.MinioEndpoint,
				AccessKey: cfg.MinioAccessKey,
				SecretKey: cfg.MinioSecretKey,
				Bucket:    cfg.minioBucket(),
				UseSSL:    cfg.MinioUseSSL,
			})
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
			if err = store.EnsureBucket(ctx); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
			runner.Archiver = store
		}

		worker := &Worker{
			AMQPURL:  cfg.amqpURL(),
			Runner:   runner,
			PoolSize: cfg.poolSize(),
		}

		slog.Info("starting worker", "pool_size", worker.PoolSize)
		if err := worker.Run(ctx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		return 0
	}
	os.Exit(run())
}
